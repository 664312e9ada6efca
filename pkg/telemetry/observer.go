package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/convergo/pkg/engine"
)

// Observer feeds engine run callbacks into metrics and traces. Each run gets
// a root span; every visited resource gets a child span carrying its
// outcome, and notifications become events on the run span.
type Observer struct {
	logger  *Logger
	tracer  *Tracer
	metrics *Metrics

	mu       sync.Mutex
	runSpan  trace.Span
	observed int
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Any argument may be nil.
func NewObserver(logger *Logger, tracer *Tracer, metrics *Metrics) *Observer {
	if logger == nil {
		logger = FromContext(context.Background())
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	if tracer == nil {
		tracer, _ = NewTracer(TracingConfig{}, "convergo", "dev", "", nil)
	}
	return &Observer{logger: logger, tracer: tracer, metrics: metrics}
}

// RunStarted opens the run span.
func (o *Observer) RunStarted(ctx context.Context, report *engine.Report) {
	o.metrics.RecordRunStarted()

	runCtx, span := o.tracer.StartRunSpan(ctx, report.RunID, report.DryRun)

	o.mu.Lock()
	o.runSpan, o.observed = span, 0
	o.mu.Unlock()

	if id := TraceID(runCtx); id != "" {
		o.logger.WithRunID(report.RunID).WithField("trace_id", id).Debug("Tracing convergence run")
	}
}

// ResourceStarted opens a resource span under the run span and attaches a
// resource scoped logger to the returned context.
func (o *Observer) ResourceStarted(ctx context.Context, id engine.Identity) context.Context {
	o.mu.Lock()
	runSpan := o.runSpan
	o.mu.Unlock()

	if runSpan != nil {
		ctx = trace.ContextWithSpan(ctx, runSpan)
	}
	ctx, _ = o.tracer.StartResourceSpan(ctx, id)
	return o.logger.WithResource(id).WithContext(ctx)
}

// ResourceCompleted closes the resource span and records the outcome.
func (o *Observer) ResourceCompleted(ctx context.Context, result *engine.ResourceResult) {
	o.mu.Lock()
	o.observed++
	o.mu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		AttrResourceOutcome.String(string(result.Outcome)),
		AttrResourceChanges.Int(len(result.Changes)),
	)
	if result.Err != nil {
		RecordError(span, result.Err)
		o.recordError(result.Err)
	} else {
		RecordSuccess(span)
	}
	span.End()

	o.metrics.RecordResource(result.Identity.Type, string(result.Outcome), len(result.Changes), result.Duration)
}

// NotificationDispatched adds an event to the run span.
func (o *Observer) NotificationDispatched(_ context.Context, nr engine.NotificationResult) {
	o.metrics.RecordNotification(string(nr.Timing), nr.Mode, nr.Fired)

	o.mu.Lock()
	runSpan := o.runSpan
	o.mu.Unlock()
	if runSpan == nil {
		return
	}
	runSpan.AddEvent("notification", trace.WithAttributes(
		AttrNotifySource.String(nr.Source.String()),
		AttrNotifyTarget.String(nr.Target.String()),
		AttrNotifyAction.String(string(nr.Action)),
		AttrNotifyTiming.String(string(nr.Timing)),
		AttrNotifyMode.String(nr.Mode),
		AttrNotifyFired.Bool(nr.Fired),
	))
	// Failures of converge mode targets were counted with the resource.
	if nr.Err != nil && nr.Mode == engine.ModeAction {
		o.recordError(nr.Err)
	}
}

// RunCompleted records resources the run never reached and closes the run
// span.
func (o *Observer) RunCompleted(_ context.Context, report *engine.Report) {
	o.mu.Lock()
	runSpan, observed := o.runSpan, o.observed
	o.runSpan, o.observed = nil, 0
	o.mu.Unlock()

	if observed < len(report.Results) {
		for _, res := range report.Results[observed:] {
			o.metrics.RecordResource(res.Identity.Type, string(res.Outcome), 0, 0)
		}
	}
	o.metrics.RecordRunCompleted(string(report.Status), report.DryRun, report.Duration)

	if runSpan == nil {
		return
	}
	runSpan.SetAttributes(
		AttrRunStatus.String(string(report.Status)),
		AttrResourceChanges.Int(report.Summary.Updated),
	)
	if err := report.Err(); err != nil {
		RecordError(runSpan, err)
	} else {
		RecordSuccess(runSpan)
	}
	runSpan.End()
}

func (o *Observer) recordError(err error) {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		o.metrics.RecordError(string(engErr.Class), engErr.Code)
		return
	}
	o.metrics.RecordError("unknown", "")
}
