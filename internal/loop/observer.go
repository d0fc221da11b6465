package loop

import (
	"time"

	"github.com/rs/zerolog"

	"ralph/internal/state"
)

// IterationResult describes how one iteration ended.
type IterationResult struct {
	Iteration   int
	Duration    time.Duration
	Err         error     // nil on success
	Kind        ErrorKind // meaningful only when Err != nil
	Backoff     time.Duration
	Fingerprint *string
	IdleCount   int
}

// Observer receives loop lifecycle callbacks. Implementations must not block.
type Observer interface {
	OnLoopStart(st state.LoopState)
	OnIterationStart(iteration int, fingerprint *string)
	OnIterationEnd(result IterationResult)
	OnLoopEnd(outcome Outcome)
}

// NoopObserver implements Observer with no-ops. Embed it to implement only
// the callbacks you need.
type NoopObserver struct{}

func (NoopObserver) OnLoopStart(state.LoopState)    {}
func (NoopObserver) OnIterationStart(int, *string)  {}
func (NoopObserver) OnIterationEnd(IterationResult) {}
func (NoopObserver) OnLoopEnd(Outcome)              {}

// MultiObserver fans callbacks out to several observers. A panicking
// observer does not stop the others.
type MultiObserver struct {
	observers []Observer
}

var _ Observer = (*MultiObserver)(nil)

// NewMultiObserver drops nil observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func (m *MultiObserver) OnLoopStart(st state.LoopState) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnLoopStart(st) })
	}
}

func (m *MultiObserver) OnIterationStart(iteration int, fingerprint *string) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnIterationStart(iteration, fingerprint) })
	}
}

func (m *MultiObserver) OnIterationEnd(result IterationResult) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnIterationEnd(result) })
	}
}

func (m *MultiObserver) OnLoopEnd(outcome Outcome) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnLoopEnd(outcome) })
	}
}

// LogObserver writes lifecycle events to a zerolog logger.
type LogObserver struct {
	Log zerolog.Logger
}

var _ Observer = LogObserver{}

func (o LogObserver) OnLoopStart(st state.LoopState) {
	ev := o.Log.Info().Str("mode", string(st.Mode)).Int("iteration", st.Iteration)
	if st.MaxIterations != nil {
		ev = ev.Int("max_iterations", *st.MaxIterations)
	}
	ev.Msg("loop started")
}

func (o LogObserver) OnIterationStart(iteration int, fingerprint *string) {
	o.Log.Info().Int("iteration", iteration).Str("commit", FormatFingerprint(fingerprint)).Msg("iteration started")
}

func (o LogObserver) OnIterationEnd(r IterationResult) {
	if r.Err == nil {
		o.Log.Info().
			Int("iteration", r.Iteration).
			Dur("duration", r.Duration).
			Str("commit", FormatFingerprint(r.Fingerprint)).
			Int("idle", r.IdleCount).
			Msg("iteration succeeded")
		return
	}
	ev := o.Log.Warn()
	if !r.Kind.Recoverable() {
		ev = o.Log.Error()
	}
	ev = ev.Err(r.Err).Int("iteration", r.Iteration).Str("kind", r.Kind.String()).Dur("duration", r.Duration)
	if r.Backoff > 0 {
		ev = ev.Dur("backoff", r.Backoff)
	}
	ev.Msg("iteration failed")
}

func (o LogObserver) OnLoopEnd(out Outcome) {
	ev := o.Log.Info()
	if out.Kind == OutcomeFatal {
		ev = o.Log.Error().Err(out.Err)
	}
	ev.Str("outcome", out.Kind.String()).
		Int("iteration", out.Iteration).
		Int("errors", out.ErrorCount).
		Dur("duration", out.Duration).
		Msg(out.Summary())
}

// FormatFingerprint renders a fingerprint for logs, "none" when absent.
func FormatFingerprint(fp *string) string {
	if fp == nil {
		return "none"
	}
	if len(*fp) > 12 {
		return (*fp)[:12]
	}
	return *fp
}
