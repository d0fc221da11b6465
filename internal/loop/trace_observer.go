package loop

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"ralph/internal/state"
)

// TraceObserver records the loop as an OpenTelemetry span with one child span
// per iteration.
type TraceObserver struct {
	tracer oteltrace.Tracer
	attrs  []attribute.KeyValue

	mu       sync.Mutex
	loopCtx  context.Context
	loopSpan oteltrace.Span
	iterSpan oteltrace.Span
}

var _ Observer = (*TraceObserver)(nil)

// NewTraceObserver returns an observer using tracer. attrs are added to the
// loop span (e.g. work dir, branch).
func NewTraceObserver(tracer oteltrace.Tracer, attrs ...attribute.KeyValue) *TraceObserver {
	return &TraceObserver{tracer: tracer, attrs: attrs}
}

func (o *TraceObserver) OnLoopStart(st state.LoopState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	attrs := append([]attribute.KeyValue{
		attribute.String("ralph.mode", string(st.Mode)),
		attribute.Int("ralph.start_iteration", st.Iteration),
	}, o.attrs...)
	o.loopCtx, o.loopSpan = o.tracer.Start(context.Background(), "ralph-loop", oteltrace.WithAttributes(attrs...))
}

func (o *TraceObserver) OnIterationStart(iteration int, fingerprint *string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loopSpan == nil {
		return
	}
	if o.iterSpan != nil {
		o.iterSpan.End()
	}
	_, o.iterSpan = o.tracer.Start(o.loopCtx, fmt.Sprintf("iteration-%d", iteration),
		oteltrace.WithAttributes(
			attribute.Int("ralph.iteration", iteration),
			attribute.String("ralph.commit.start", FormatFingerprint(fingerprint)),
		))
}

func (o *TraceObserver) OnIterationEnd(r IterationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.iterSpan == nil {
		return
	}
	o.iterSpan.SetAttributes(
		attribute.Int64("ralph.duration_ms", r.Duration.Milliseconds()),
		attribute.String("ralph.commit.end", FormatFingerprint(r.Fingerprint)),
		attribute.Int("ralph.idle", r.IdleCount),
	)
	if r.Err != nil {
		o.iterSpan.SetAttributes(attribute.String("ralph.error.kind", r.Kind.String()))
		o.iterSpan.RecordError(r.Err)
		o.iterSpan.SetStatus(codes.Error, r.Kind.String())
	} else {
		o.iterSpan.SetStatus(codes.Ok, "")
	}
	o.iterSpan.End()
	o.iterSpan = nil
}

func (o *TraceObserver) OnLoopEnd(out Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.iterSpan != nil {
		o.iterSpan.End()
		o.iterSpan = nil
	}
	if o.loopSpan == nil {
		return
	}
	o.loopSpan.SetAttributes(
		attribute.String("ralph.outcome", out.Kind.String()),
		attribute.Int("ralph.final_iteration", out.Iteration),
		attribute.Int("ralph.error_count", out.ErrorCount),
	)
	if out.Kind == OutcomeFatal {
		if out.Err != nil {
			o.loopSpan.RecordError(out.Err)
		}
		o.loopSpan.SetStatus(codes.Error, out.Reason)
	}
	o.loopSpan.End()
	o.loopSpan = nil
}
