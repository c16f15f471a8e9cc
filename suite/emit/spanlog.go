package emit

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// SpanLogger is a span exporter that writes finished spans to a zap logger,
// so runs can be traced without a collector.
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(emit.NewSpanLogger(logger)))
//	emitter := emit.NewOTelEmitter(tp.Tracer("suitegraph"))
type SpanLogger struct {
	logger  *zap.Logger
	stopped atomic.Bool
}

var _ sdktrace.SpanExporter = (*SpanLogger)(nil)

// NewSpanLogger creates a SpanLogger. A nil logger discards spans.
func NewSpanLogger(logger *zap.Logger) *SpanLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpanLogger{logger: logger}
}

// ExportSpans logs one entry per span. Spans exported after Shutdown are
// dropped.
func (s *SpanLogger) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.stopped.Load() {
		return nil
	}
	for _, span := range spans {
		fields := []zap.Field{
			zap.String("span", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
		}
		for _, kv := range span.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		if st := span.Status(); st.Code == codes.Error {
			fields = append(fields, zap.String("status", st.Description))
		}
		s.logger.Info("span", fields...)
	}
	return nil
}

// Shutdown stops the exporter.
func (s *SpanLogger) Shutdown(ctx context.Context) error {
	s.stopped.Store(true)
	return nil
}
