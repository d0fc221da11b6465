// Package validate runs the project's validation command (tests, linters)
// after each successful agent iteration.
package validate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single validation run.
const DefaultTimeout = 10 * time.Minute

// Runner runs a validation command in dir. A nil error means it passed; on
// failure the error text is the command's full output.
type Runner interface {
	Run(ctx context.Context, dir, command string) error
}

// Error is a failed validation run.
type Error struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return out
}

// Shell runs the command through sh -c.
type Shell struct {
	Timeout time.Duration
}

var _ Runner = Shell{}

// Run implements Runner.
func (s Shell) Run(ctx context.Context, dir, command string) error {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Command: command, ExitCode: -1, Output: out.String() + fmt.Sprintf("\nvalidation timed out after %s", timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Error{Command: command, ExitCode: exitErr.ExitCode(), Output: out.String()}
	}
	return fmt.Errorf("run validation %q: %w", command, err)
}
