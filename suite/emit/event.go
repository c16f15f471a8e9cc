package emit

import "time"

// Event names emitted by the engine, the runner and remote sessions.
const (
	RunStart   = "runStart"
	RunEnd     = "runEnd"
	SuiteStart = "suiteStart"
	SuiteEnd   = "suiteEnd"
	TestStart  = "testStart"
	TestEnd    = "testEnd"
	Error      = "error"
	Coverage   = "coverage"

	// Failure-class names a remote environment may send in addition to the above.
	TestFail   = "testFail"
	SuiteError = "suiteError"
	FatalError = "fatalError"
)

// Common Meta keys.
const (
	MetaError          = "error"
	MetaSkipped        = "skipped"
	MetaSkipKind       = "skip_kind"
	MetaPassed         = "passed"
	MetaElapsedMs      = "elapsed_ms"
	MetaNumTests       = "num_tests"
	MetaNumFailed      = "num_failed"
	MetaNumSkipped     = "num_skipped"
	MetaSuiteError     = "suite_error"
	MetaFatal          = "fatal"
	MetaSequence       = "sequence"
	MetaTimeout        = "timeout_ms"
	MetaData           = "data"
	MetaEnvironment    = "environment"
	MetaNumSuiteErrors = "num_suite_errors"
)

// Event represents an observability event emitted while a run executes.
//
// Events cover:
//   - Run, suite and test start/end
//   - Hook, body and listener errors
//   - Coverage payloads reported by remote environments
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// SessionID identifies the remote session the event belongs to.
	// Empty string for locally executed suites.
	SessionID string

	// Name is the event name (see the constants above).
	Name string

	// NodeID is the id of the suite or test the event refers to.
	// Empty string for run-level events.
	NodeID string

	// Time is when the event was produced. Zero means "not recorded".
	Time time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys are declared as Meta* constants.
	Meta map[string]interface{}
}

// Failed reports whether the event carries an error.
func (e Event) Failed() bool {
	if e.Meta == nil {
		return false
	}
	v, ok := e.Meta[MetaError]
	return ok && v != nil && v != ""
}
