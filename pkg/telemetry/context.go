package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and creates every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes pending events and spans and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Close(),
	)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// Serve errors are logged.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(func(err error) {
		t.Logger.WithError(err).Error("metrics server failed")
	})
}

// Recorder returns an engine observer backed by t.
func (t *Telemetry) Recorder() *Recorder {
	return NewRecorder(t)
}

// Operation is a traced and timed unit of work outside the scheduler,
// such as building a workflow or submitting it.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	name  string
	start time.Time
}

// StartOperation starts a span for operation under the telemetry stored in
// ctx. Without telemetry in ctx the operation only carries the context
// logger and Span is nil.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	op := &Operation{Ctx: ctx, name: operation, start: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		op.Logger = FromContext(ctx).WithField("operation", operation)
		return op
	}

	op.Ctx, op.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	op.Logger = tel.Logger.WithField("operation", operation).WithSpan(op.Ctx)
	op.Ctx = op.Logger.WithContext(op.Ctx)
	return op
}

// Duration returns the time since the operation started.
func (op *Operation) Duration() time.Duration {
	return time.Since(op.start)
}

// End finishes the span, marking it failed when err is non-nil, and logs
// the outcome.
func (op *Operation) End(err error) {
	if op.Span != nil {
		if err != nil {
			RecordError(op.Span, err)
		} else {
			RecordSuccess(op.Span)
		}
		op.Span.End()
	}

	logger := op.Logger.WithField("duration", op.Duration().String())
	if err != nil {
		logger.WithError(err).Warn("operation failed")
		return
	}
	logger.Debug("operation finished")
}
