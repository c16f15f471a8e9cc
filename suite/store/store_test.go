package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every Store implementation available in this environment.
// MySQL is included only when TEST_MYSQL_DSN is set.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemStore()}

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	out["sqlite"] = sqlite

	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		mysql, err := NewMySQLStore(dsn)
		require.NoError(t, err)
		out["mysql"] = mysql
	}

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStore_SaveAndLoadRun(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			runID := "run-" + name + "-" + time.Now().Format("150405.000000")
			recorded := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			results := []Result{
				{RunID: runID, NodeID: "cart - add", Kind: KindTest, Status: StatusPassed, ElapsedMs: 12, RecordedAt: recorded},
				{RunID: runID, SessionID: "s1", NodeID: "cart - pay", Kind: KindTest, Status: StatusFailed, Error: "declined", RecordedAt: recorded},
				{RunID: runID, NodeID: "cart - ship", Kind: KindTest, Status: StatusSkipped, SkipReason: "bailed", RecordedAt: recorded},
				{RunID: runID, NodeID: "cart", Kind: KindSuite, Status: StatusFailed, Error: "setup", RecordedAt: recorded},
			}
			for _, r := range results {
				require.NoError(t, s.SaveResult(ctx, r))
			}

			loaded, err := s.LoadRun(ctx, runID)
			require.NoError(t, err)
			require.Len(t, loaded, len(results))
			for i := range results {
				assert.Equal(t, results[i].NodeID, loaded[i].NodeID, "result %d", i)
				assert.Equal(t, results[i].Status, loaded[i].Status, "result %d", i)
				assert.True(t, loaded[i].RecordedAt.Equal(recorded), "result %d: recorded_at %s", i, loaded[i].RecordedAt)
			}
			assert.Equal(t, "declined", loaded[1].Error)
			assert.Equal(t, "s1", loaded[1].SessionID)
			assert.Equal(t, "bailed", loaded[2].SkipReason)

			assert.Equal(t, Summary{RunID: runID, Tests: 3, Passed: 1, Failed: 1, Skipped: 1, SuiteErrors: 1}, Summarize(runID, loaded))

			_, err = s.LoadRun(ctx, "missing-run")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			suffix := time.Now().Format("150405.000000")
			for _, id := range []string{"older-" + suffix, "newer-" + suffix} {
				require.NoError(t, s.SaveResult(ctx, Result{RunID: id, NodeID: "t", Kind: KindTest, Status: StatusPassed}))
			}
			runs, err := s.ListRuns(ctx)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(runs), 2)
			assert.Equal(t, []string{"newer-" + suffix, "older-" + suffix}, runs[:2], "most recent run first")
		})
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.SaveResult(ctx, Result{RunID: "r"}), ErrClosed)
			_, err := s.LoadRun(ctx, "r")
			assert.ErrorIs(t, err, ErrClosed)
			_, err = s.ListRuns(ctx)
			assert.ErrorIs(t, err, ErrClosed)
			assert.NoError(t, s.Close(), "second Close is a no-op")
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveResult(ctx, Result{RunID: "persisted", NodeID: "t", Kind: KindTest, Status: StatusPassed}))
	assert.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, path, reopened.Path())
	results, err := reopened.LoadRun(ctx, "persisted")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestMySQLStore_InvalidDSN(t *testing.T) {
	if os.Getenv("TEST_MYSQL_DSN") == "" {
		t.Skip("Skipping MySQL tests: TEST_MYSQL_DSN not set")
	}
	_, err := NewMySQLStore("invalid:dsn:string")
	assert.Error(t, err)
}
