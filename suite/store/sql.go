package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// sqlStore holds the queries SQLiteStore and MySQLStore share. Both drivers
// accept "?" placeholders.
type sqlStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const insertResult = `
	INSERT INTO test_results
		(run_id, session_id, node_id, kind, status, error, skip_reason, elapsed_ms, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectRun = `
	SELECT run_id, session_id, node_id, kind, status, error, skip_reason, elapsed_ms, recorded_at
	FROM test_results
	WHERE run_id = ?
	ORDER BY id ASC
`

const selectRuns = `
	SELECT run_id
	FROM test_results
	GROUP BY run_id
	ORDER BY MAX(id) DESC
`

// SaveResult implements Store.
func (s *sqlStore) SaveResult(ctx context.Context, r Result) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	recorded := r.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertResult,
		r.RunID, r.SessionID, r.NodeID, r.Kind, r.Status, r.Error, r.SkipReason, r.ElapsedMs, recorded.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save result for %s: %w", r.NodeID, err)
	}
	return nil
}

// LoadRun implements Store.
func (s *sqlStore) LoadRun(ctx context.Context, runID string) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, selectRun, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var recorded int64
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.NodeID, &r.Kind, &r.Status,
			&r.Error, &r.SkipReason, &r.ElapsedMs, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// ListRuns implements Store.
func (s *sqlStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, selectRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Ping verifies the database connection.
func (s *sqlStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements Store. Calling Close twice is a no-op.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
