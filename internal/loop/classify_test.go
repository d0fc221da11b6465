package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ralph/internal/agent"
	"ralph/internal/validate"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindFatal},
		{"typed timeout", &agent.TimeoutError{After: time.Minute}, KindTimeout},
		{"wrapped timeout", fmt.Errorf("run: %w", &agent.TimeoutError{}), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"typed rate limit", &agent.RateLimitError{}, KindRateLimit},
		{"rate limit text", errors.New("Error: 429 Too Many Requests"), KindRateLimit},
		{"usage limit text", errors.New("Claude usage limit reached"), KindRateLimit},
		{"timeout text", errors.New("request timed out"), KindTimeout},
		{"validation", &ValidationError{Err: errors.New("tests failed")}, KindValidation},
		{"validate error", &validate.Error{Command: "make", ExitCode: 2, Output: "boom"}, KindValidation},
		{"other", errors.New("permission denied"), KindFatal},
		{"exit without markers", &agent.ExitError{Code: 1, Output: "panic"}, KindFatal},
		{"exit mentioning timeout", agent.FromExit(2, "panic: runtime error in handleTimeout()"), KindFatal},
		{"exit with 429 line number", agent.FromExit(2, "compile error: parser.go:429: undefined: foo"), KindFatal},
		{"exit with 429 status", agent.FromExit(1, "API error: status 429"), KindRateLimit},
		{"wrapped exit", fmt.Errorf("exec: %w", &agent.ExitError{Code: 1, Output: "request timed out"}), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKind_Recoverable(t *testing.T) {
	assert.False(t, KindFatal.Recoverable())
	assert.True(t, KindTimeout.Recoverable())
	assert.True(t, KindRateLimit.Recoverable())
	assert.True(t, KindValidation.Recoverable())
	assert.Equal(t, "rate-limit", KindRateLimit.String())
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Err: errors.New("go vet failed")}
	assert.Equal(t, "Validation error: go vet failed", err.Error())
	assert.ErrorIs(t, err, err.Err)
}

func TestRateLimitBackoff(t *testing.T) {
	tests := []struct {
		consecutive int
		prev        bool
		want        time.Duration
	}{
		{0, false, 30 * time.Second},
		{4, false, 30 * time.Second},
		{0, true, 30 * time.Second},
		{1, true, 30 * time.Second},
		{2, true, 60 * time.Second},
		{3, true, 120 * time.Second},
		{4, true, 300 * time.Second},
		{5, true, 600 * time.Second},
		{12, true, 600 * time.Second},
		{-1, true, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%v", tt.consecutive, tt.prev), func(t *testing.T) {
			assert.Equal(t, tt.want, RateLimitBackoff(tt.consecutive, tt.prev))
		})
	}
}
