package loop

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ralph/internal/state"
)

func TestMultiObserver_SurvivesPanics(t *testing.T) {
	rec := &recordingObserver{}
	m := NewMultiObserver(nil, panicObserver{}, rec)

	m.OnLoopStart(state.LoopState{})
	m.OnIterationStart(1, nil)
	m.OnIterationEnd(IterationResult{Iteration: 1})
	m.OnLoopEnd(Outcome{Kind: OutcomeCompletion})

	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, []int{1}, rec.iterations)
	assert.Len(t, rec.ends, 1)
	require.NotNil(t, rec.outcome)
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "none", FormatFingerprint(nil))
	short := "abc123"
	assert.Equal(t, "abc123", FormatFingerprint(&short))
	long := "0123456789abcdef0123"
	assert.Equal(t, "0123456789ab", FormatFingerprint(&long))
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	obs := LogObserver{Log: zerolog.New(&buf)}
	limit := 3
	obs.OnLoopStart(state.LoopState{Mode: state.ModePlan, Iteration: 1, MaxIterations: &limit})
	obs.OnIterationEnd(IterationResult{Iteration: 1, Err: errors.New("slow down"), Kind: KindRateLimit, Backoff: 30 * time.Second})
	obs.OnLoopEnd(Outcome{Kind: OutcomeFatal, Reason: "agent failed", Err: errors.New("agent failed: boom"), Iteration: 1})

	out := buf.String()
	assert.Contains(t, out, `"max_iterations":3`)
	assert.Contains(t, out, `"kind":"rate-limit"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"outcome":"fatal"`)
	assert.Contains(t, out, "failed: agent failed: boom")
}

func TestTraceObserver_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := NewTraceObserver(tp.Tracer("test"), attribute.String("ralph.branch", "feature"))

	fp := "deadbeefcafe0000"
	obs.OnLoopStart(state.LoopState{Mode: state.ModeBuild, Iteration: 1})
	obs.OnIterationStart(1, &fp)
	obs.OnIterationEnd(IterationResult{Iteration: 1, Fingerprint: &fp, IdleCount: 1})
	obs.OnIterationStart(2, &fp)
	obs.OnIterationEnd(IterationResult{Iteration: 2, Err: errors.New("timed out"), Kind: KindTimeout})
	obs.OnLoopEnd(Outcome{Kind: OutcomeFatal, Reason: "circuit breaker", Err: errors.New("circuit breaker"), Iteration: 3})

	spans := sr.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "iteration-1", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "iteration-2", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "ralph-loop", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
	assert.Equal(t, spans[2].SpanContext().SpanID(), spans[0].Parent().SpanID())

	var branch string
	for _, kv := range spans[2].Attributes() {
		if kv.Key == "ralph.branch" {
			branch = kv.Value.AsString()
		}
	}
	assert.Equal(t, "feature", branch)
}

func TestTraceObserver_IgnoresCallsBeforeStart(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := NewTraceObserver(tp.Tracer("test"))

	obs.OnIterationStart(1, nil)
	obs.OnIterationEnd(IterationResult{Iteration: 1})
	obs.OnLoopEnd(Outcome{Kind: OutcomeCancelled})
	assert.Empty(t, sr.Ended())
}

func TestOutcome(t *testing.T) {
	assert.True(t, Outcome{Kind: OutcomeCompletion}.Success())
	assert.True(t, Outcome{Kind: OutcomeMaxIterations}.Success())
	assert.False(t, Outcome{Kind: OutcomeCancelled}.Success())
	assert.False(t, Outcome{Kind: OutcomeFatal}.Success())

	assert.Equal(t, 1, OutcomeFatal.ExitCode())
	assert.Equal(t, 0, OutcomeCancelled.ExitCode())
	assert.Equal(t, "cancelled: cancelled (iteration 4)", Outcome{Kind: OutcomeCancelled, Iteration: 4}.Summary())

	b, err := OutcomeMaxIterations.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"max-iterations"`, string(b))
}
