package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matflow/matflow/pkg/engine"
	"github.com/matflow/matflow/pkg/inputs"
)

// Recorder implements engine.Observer. Each scheduler callback is turned
// into a span, metric samples, an event and a log line.
type Recorder struct {
	tel    *Telemetry
	logger *Logger
}

var _ engine.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder backed by tel.
func NewRecorder(tel *Telemetry) *Recorder {
	return &Recorder{
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("scheduler"),
	}
}

type recorderSpanKey struct{}

// RunStarted implements engine.Observer.
func (r *Recorder) RunStarted(ctx context.Context, run *engine.Run) context.Context {
	ctx, span := r.tel.Tracer.StartRunSpan(ctx, run.ID, run.Workflow)
	ctx = context.WithValue(ctx, recorderSpanKey{}, span)

	logger := r.logger.WithRunID(run.ID).WithSpan(ctx)
	ctx = logger.WithContext(ctx)

	r.tel.Metrics.RecordRunStarted()
	r.publish(logger, r.tel.Events.PublishRunStarted(run.ID, run.Workflow, run.Summary.Total))
	logger.WithField("workflow", run.Workflow).Debug("run started")
	return ctx
}

// RunFinished implements engine.Observer.
func (r *Recorder) RunFinished(ctx context.Context, run *engine.Run) {
	status := string(run.Status)
	if span, ok := ctx.Value(recorderSpanKey{}).(trace.Span); ok {
		span.SetAttributes(
			AttrRunStatus.String(status),
			attribute.Int("run.nodes.completed", run.Summary.Completed),
			attribute.Int("run.nodes.failed", run.Summary.Failed),
			attribute.Int("run.nodes.cancelled", run.Summary.Cancelled),
		)
		if run.Status == engine.RunStatusCompleted {
			RecordSuccess(span)
		} else {
			span.SetStatus(codes.Error, status)
		}
		span.End()
	}

	logger := r.logger.WithRunID(run.ID)
	r.tel.Metrics.RecordRunCompleted(run.ID, status, run.Duration)
	r.publish(logger, r.tel.Events.PublishRunFinished(run.ID, status, run.Duration))
	logger.WithFields(map[string]interface{}{
		"status":    status,
		"duration":  run.Duration.String(),
		"completed": run.Summary.Completed,
		"failed":    run.Summary.Failed,
	}).Info("run finished")
}

// NodeStarted implements engine.Observer.
func (r *Recorder) NodeStarted(ctx context.Context, runID string, node *engine.JobNode) context.Context {
	ctx, span := r.tel.Tracer.StartNodeSpan(ctx, runID, node.ID, node.Label())
	ctx = context.WithValue(ctx, recorderSpanKey{}, span)

	logger := r.logger.WithRunID(runID).WithNodeID(node.ID).WithLabel(node.Label()).WithSpan(ctx)
	ctx = logger.WithContext(ctx)

	r.publish(logger, r.tel.Events.PublishNodeStarted(runID, node.ID, node.Label()))
	return ctx
}

// NodeFinished implements engine.Observer.
func (r *Recorder) NodeFinished(ctx context.Context, runID string, node *engine.JobNode, duration time.Duration) {
	state := string(node.State)
	reason := node.Reason
	if node.Error != nil {
		reason = node.Error.Error()
		r.tel.Metrics.RecordError(string(node.Error.Class), node.Error.Code)
	}

	if span, ok := ctx.Value(recorderSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrNodeState.String(state), AttrAttempts.Int(node.Attempts))
		if node.Error != nil {
			span.SetAttributes(
				AttrErrorClass.String(string(node.Error.Class)),
				AttrErrorCode.String(node.Error.Code),
			)
			RecordError(span, node.Error)
		} else if node.State == engine.NodeStateCompleted {
			RecordSuccess(span)
		}
		span.End()
	}

	logger := r.logger.WithRunID(runID).WithNodeID(node.ID).WithLabel(node.Label())
	r.tel.Metrics.RecordNodeExecution(node.Label(), state, duration)
	r.publish(logger, r.tel.Events.PublishNodeFinished(runID, node.ID, node.Label(), state, reason, duration))
}

// Synthesized implements engine.Observer. Merge operations are counted
// only for successful syntheses.
func (r *Recorder) Synthesized(ctx context.Context, spec inputs.JobSpec, err error) {
	mode := string(spec.Mode)
	span := trace.SpanFromContext(ctx)

	if err != nil {
		ee := engine.Classify(err)
		r.tel.Metrics.RecordSynthesis(mode, ee.Code)
		AddEvent(span, "inputs.synthesis_failed",
			AttrSynthesisMode.String(mode),
			AttrErrorCode.String(ee.Code),
			AttrErrorMessage.String(err.Error()),
		)
		return
	}

	r.tel.Metrics.RecordSynthesis(mode, "success")
	for _, op := range spec.Modifications {
		r.tel.Metrics.RecordMergeOperation(string(op.Kind))
	}
	AddEvent(span, "inputs.synthesized",
		AttrSynthesisMode.String(mode),
		AttrMergeOps.Int(len(spec.Modifications)),
	)
}

// PolicyViolation implements engine.Observer.
func (r *Recorder) PolicyViolation(ctx context.Context, runID string, node *engine.JobNode, err error) {
	AddEvent(trace.SpanFromContext(ctx), string(EventTypePolicyViolation),
		AttrErrorMessage.String(err.Error()),
	)

	logger := r.logger.WithRunID(runID).WithNodeID(node.ID).WithLabel(node.Label())
	r.publish(logger, r.tel.Events.PublishPolicyViolation(runID, node.ID, node.Label(), err.Error()))
	logger.WithError(err).Warn("inputs denied by policy")
}

// ReadyNodes implements engine.Observer.
func (r *Recorder) ReadyNodes(runID string, n int) {
	r.tel.Metrics.SetReadyNodes(runID, n)
}

func (r *Recorder) publish(logger *Logger, err error) {
	if err != nil {
		logger.WithError(err).Debug("event not published")
	}
}
