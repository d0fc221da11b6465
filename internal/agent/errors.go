package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimeoutError is returned when an agent invocation exceeds its time budget.
type TimeoutError struct {
	After  time.Duration
	Output string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.After)
}

// RateLimitError is returned when the agent's provider refused the request
// because of rate or usage limits.
type RateLimitError struct {
	Output string
	Err    error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return "agent hit provider rate limit: " + e.Err.Error()
	}
	return "agent hit provider rate limit"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ExitError is returned when the agent process ran to completion with a
// non-zero exit code.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	tail := Tail(e.Output, 400)
	if tail == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, tail)
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRateLimit reports whether err is or wraps a *RateLimitError.
func IsRateLimit(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"usage limit",
}

// status429 matches a 429 status code, not the number inside a file
// position or hash.
var status429 = regexp.MustCompile(`(?i)(status|http|code)\D{0,3}429\b|\b429\s+(too many|rate)`)

var timeoutMarkers = []string{
	"timed out",
	"timeout",
}

// LooksRateLimited reports whether text carries one of the provider's
// rate-limit markers.
func LooksRateLimited(text string) bool {
	return containsAny(strings.ToLower(text), rateLimitMarkers) || status429.MatchString(text)
}

// LooksTimedOut reports whether text carries a timeout marker.
func LooksTimedOut(text string) bool {
	return containsAny(strings.ToLower(text), timeoutMarkers)
}

// FromExit builds the error for a failed run, promoting it to a
// *RateLimitError when the output says so.
func FromExit(code int, output string) error {
	exitErr := &ExitError{Code: code, Output: output}
	if LooksRateLimited(Tail(output, 4000)) {
		return &RateLimitError{Output: output, Err: exitErr}
	}
	return exitErr
}

// Tail returns at most the last n bytes of s, trimmed.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
