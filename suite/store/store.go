// Package store persists test and suite results reported during a run.
//
// Stores are reporters: the engine never reads them back. A Recorder turns
// the event stream into Result rows and writes them to any Store.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// Result kinds.
const (
	KindTest  = "test"
	KindSuite = "suite"
)

// Result statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the recorded outcome of one test or suite.
type Result struct {
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id,omitempty"`
	NodeID     string    `json:"node_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store provides persistence for run results.
//
// Implementations:
//   - MemStore: in-memory, for tests and short-lived runs
//   - SQLiteStore: single-file database
//   - MySQLStore: shared database for CI fleets
type Store interface {
	// SaveResult appends a result to its run.
	SaveResult(ctx context.Context, r Result) error

	// LoadRun returns the results of a run in the order they were saved.
	// Returns ErrNotFound when the run has no results.
	LoadRun(ctx context.Context, runID string) ([]Result, error)

	// ListRuns returns the ids of stored runs, most recent first.
	ListRuns(ctx context.Context) ([]string, error)

	// Close releases the store's resources.
	Close() error
}

// Summary aggregates the results of one run.
type Summary struct {
	RunID       string
	Tests       int
	Passed      int
	Failed      int
	Skipped     int
	SuiteErrors int
}

// Summarize counts test outcomes and failed suites.
func Summarize(runID string, results []Result) Summary {
	s := Summary{RunID: runID}
	for _, r := range results {
		switch r.Kind {
		case KindTest:
			s.Tests++
			switch r.Status {
			case StatusPassed:
				s.Passed++
			case StatusFailed:
				s.Failed++
			case StatusSkipped:
				s.Skipped++
			}
		case KindSuite:
			if r.Status == StatusFailed {
				s.SuiteErrors++
			}
		}
	}
	return s
}
