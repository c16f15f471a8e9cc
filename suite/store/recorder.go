package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/suitegraph/suite/emit"
)

// Recorder is an emitter that writes testEnd and suiteEnd events to a Store.
//
//	recorder := store.NewRecorder(results, logger)
//	engine, _ := suite.New(emit.NewMultiEmitter(logEmitter, recorder))
//
// Write failures are logged and counted; they never reach the engine.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	failed  atomic.Int64
}

// NewRecorder creates a Recorder writing to s. A nil logger disables logging.
func NewRecorder(s Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: s, logger: logger, timeout: 5 * time.Second}
}

// Failures returns how many results could not be written.
func (r *Recorder) Failures() int { return int(r.failed.Load()) }

// Emit implements emit.Emitter.
func (r *Recorder) Emit(event emit.Event) {
	var kind string
	switch event.Name {
	case emit.TestEnd:
		kind = KindTest
	case emit.SuiteEnd:
		kind = KindSuite
	default:
		return
	}

	res := Result{
		RunID:      event.RunID,
		SessionID:  event.SessionID,
		NodeID:     event.NodeID,
		Kind:       kind,
		Status:     StatusPassed,
		ElapsedMs:  metaInt(event.Meta, emit.MetaElapsedMs),
		RecordedAt: event.Time,
	}
	if reason, ok := event.Meta[emit.MetaSkipped].(string); ok && reason != "" {
		res.Status = StatusSkipped
		res.SkipReason = reason
	}
	if event.Failed() {
		res.Status = StatusFailed
		res.Error = fmt.Sprint(event.Meta[emit.MetaError])
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.SaveResult(ctx, res); err != nil {
		r.failed.Add(1)
		r.logger.Warn("failed to record result",
			zap.String("run_id", res.RunID),
			zap.String("node", res.NodeID),
			zap.Error(err))
	}
}

func metaInt(meta map[string]interface{}, key string) int64 {
	switch v := meta[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
