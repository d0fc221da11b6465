package loop

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutcomeKind indicates why the loop terminated.
type OutcomeKind int

const (
	OutcomeMaxIterations OutcomeKind = iota // iteration passed max_iterations
	OutcomeCompletion                       // repository went idle
	OutcomeCancelled                        // active flag cleared or context cancelled
	OutcomeFatal                            // unrecoverable error or circuit breaker
)

// String returns a stable label for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMaxIterations:
		return "max-iterations"
	case OutcomeCompletion:
		return "completion"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ExitCode maps the kind to a process exit status: only fatal runs fail.
func (k OutcomeKind) ExitCode() int {
	if k == OutcomeFatal {
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Outcome is the result of Controller.Run.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	Reason     string        `json:"reason,omitempty"`
	Iteration  int           `json:"iteration"`
	ErrorCount int           `json:"error_count"`
	Duration   time.Duration `json:"duration_ns"`
	Err        error         `json:"-"`
}

// Success reports whether the run finished its work normally.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeCompletion || o.Kind == OutcomeMaxIterations
}

// Summary returns a one-line human description.
func (o Outcome) Summary() string {
	switch o.Kind {
	case OutcomeMaxIterations:
		return fmt.Sprintf("stopped: reached max iterations (final iteration %d, %d errors)", o.Iteration, o.ErrorCount)
	case OutcomeCompletion:
		return fmt.Sprintf("complete: no new commits, work appears done (iteration %d, %d errors)", o.Iteration, o.ErrorCount)
	case OutcomeCancelled:
		reason := o.Reason
		if reason == "" {
			reason = "cancelled"
		}
		return fmt.Sprintf("cancelled: %s (iteration %d)", reason, o.Iteration)
	case OutcomeFatal:
		reason := o.Reason
		if o.Err != nil {
			reason = o.Err.Error()
		}
		return fmt.Sprintf("failed: %s (iteration %d, %d errors)", reason, o.Iteration, o.ErrorCount)
	default:
		return "unknown outcome"
	}
}
