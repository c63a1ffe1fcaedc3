package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/gatewayprobe/internal/plan"
	"github.com/torosent/gatewayprobe/internal/runner"
)

// RunTracer opens one span per run with a child span per ramp step.
type RunTracer struct {
	tracer trace.Tracer
}

// NewRunTracer returns a RunTracer using tracer.
func NewRunTracer(tracer trace.Tracer) *RunTracer {
	return &RunTracer{tracer: tracer}
}

// StartRun opens the run span. The returned context carries it, so sessions
// connected under that context propagate the run's trace to the gateway.
// The observer ends the span when the run reaches a terminal state.
func (rt *RunTracer) StartRun(ctx context.Context, runID string, p plan.Plan) (context.Context, runner.Observer) {
	ctx, span := rt.tracer.Start(ctx, "probe run "+p.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gatewayprobe.run_id", runID),
			attribute.String("gatewayprobe.plan", p.Name),
			attribute.String("gatewayprobe.protocol_version", string(p.ProtocolVersion)),
			attribute.Int("gatewayprobe.sessions", p.SessionCount),
			attribute.Int("gatewayprobe.steps", len(p.Steps)),
		),
	)
	return ctx, &runSpan{
		ctx:    ctx,
		tracer: rt.tracer,
		span:   span,
		steps:  make(map[int]trace.Span),
	}
}

type runSpan struct {
	ctx    context.Context
	tracer trace.Tracer

	mu    sync.Mutex
	span  trace.Span
	steps map[int]trace.Span
	ended bool
}

func (r *runSpan) OnTransition(from, to runner.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.span.AddEvent("transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	if !to.Terminal() {
		return
	}
	for ordinal, s := range r.steps {
		s.SetStatus(codes.Error, "run ended during step")
		s.End()
		delete(r.steps, ordinal)
	}
	if to == runner.StatusFailed {
		r.span.SetStatus(codes.Error, "run failed")
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()
	r.ended = true
}

func (r *runSpan) OnStepStart(step runner.StepProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	_, span := r.tracer.Start(r.ctx, fmt.Sprintf("step %d", step.Ordinal),
		trace.WithAttributes(
			attribute.Int("gatewayprobe.step", step.Ordinal),
			attribute.Float64("gatewayprobe.target_rate", step.TargetRate),
			attribute.String("gatewayprobe.duration", step.Duration.String()),
		),
	)
	if step.Remark != "" {
		span.SetAttributes(attribute.String("gatewayprobe.remark", step.Remark))
	}
	r.steps[step.Ordinal] = span
}

func (r *runSpan) OnStepEnd(step runner.StepProgress) {
	r.mu.Lock()
	span, ok := r.steps[step.Ordinal]
	delete(r.steps, step.Ordinal)
	r.mu.Unlock()
	if !ok {
		return
	}
	EndSpan(span, stepError(step),
		attribute.Float64("gatewayprobe.actual_rate", step.ActualRate),
		attribute.Int64("gatewayprobe.sent", step.Sent),
		attribute.Int64("gatewayprobe.succeeded", step.Succeeded),
		attribute.Int64("gatewayprobe.failed", step.Failed),
	)
}

func stepError(step runner.StepProgress) error {
	if step.Status == runner.StepFailed {
		return fmt.Errorf("step %d %s", step.Ordinal, step.Status)
	}
	return nil
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
