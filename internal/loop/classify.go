package loop

import (
	"context"
	"errors"
	"time"

	"ralph/internal/agent"
	"ralph/internal/state"
	"ralph/internal/validate"
)

// ErrorKind is the loop's view of a failed step.
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindTimeout
	KindRateLimit
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate-limit"
	case KindValidation:
		return "validation"
	default:
		return "fatal"
	}
}

// Recoverable reports whether the loop retries after this kind of error.
func (k ErrorKind) Recoverable() bool { return k != KindFatal }

// ValidationError wraps a failed validation run.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return state.ValidationErrorPrefix + " " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Classify decides how the loop treats err. Typed errors are checked first;
// plain errors from other executors fall back to matching their text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	var (
		te *agent.TimeoutError
		re *agent.RateLimitError
		xe *agent.ExitError
		ve *ValidationError
		vr *validate.Error
	)
	switch {
	case errors.As(err, &re):
		return KindRateLimit
	case errors.As(err, &te):
		return KindTimeout
	case errors.As(err, &ve), errors.As(err, &vr):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &xe):
		// Rate limits were already promoted by agent.FromExit; anything
		// else in the output is just what the agent printed.
		return KindFatal
	}
	msg := err.Error()
	switch {
	case agent.LooksRateLimited(msg):
		return KindRateLimit
	case agent.LooksTimedOut(msg):
		return KindTimeout
	}
	return KindFatal
}

// rateLimitSchedule is indexed by consecutive_errors, saturating at the end.
var rateLimitSchedule = []time.Duration{
	30 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// RateLimitBackoff returns how long to sleep before retrying after a rate
// limit. A rate limit following a non-rate-limit outcome waits the base
// interval; back-to-back rate limits escalate with consecutive errors.
func RateLimitBackoff(consecutiveErrors int, previousWasRateLimit bool) time.Duration {
	if !previousWasRateLimit || consecutiveErrors < 0 {
		return rateLimitSchedule[0]
	}
	if consecutiveErrors >= len(rateLimitSchedule) {
		return rateLimitSchedule[len(rateLimitSchedule)-1]
	}
	return rateLimitSchedule[consecutiveErrors]
}
