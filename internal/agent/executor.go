// Package agent runs the external coding-agent CLI for one loop iteration.
//
// An Executor takes a working directory and a prompt and returns the agent's
// combined output. Failures come back as *TimeoutError, *RateLimitError or
// *ExitError so the loop can decide whether to retry.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"ralph/internal/pty"
)

// DefaultTimeout is the default per-iteration agent timeout.
const DefaultTimeout = 30 * time.Minute

// DefaultCommand is the agent CLI invoked when none is configured. The
// prompt is appended as the final argument.
var DefaultCommand = []string{"claude", "--print", "--dangerously-skip-permissions"}

// Executor runs one agent invocation.
type Executor interface {
	Execute(ctx context.Context, workDir, prompt string) (string, error)
}

// Closer is implemented by executors that hold resources across iterations.
type Closer interface {
	Close(ctx context.Context) error
}

// CommandFactory builds an *exec.Cmd for the given context, working directory,
// and arguments. Tests inject a factory that re-executes the test binary.
type CommandFactory func(ctx context.Context, workDir string, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, workDir string, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	return cmd
}

// Local runs the agent CLI as a child process of ralph.
type Local struct {
	command        []string
	env            []string
	timeout        time.Duration
	commandFactory CommandFactory
	liveWriter     io.Writer
	pty            pty.Runner
}

var _ Executor = (*Local)(nil)

// Option configures a Local executor.
type Option func(*Local)

// WithCommand overrides the agent argv (the prompt is appended).
func WithCommand(argv []string) Option {
	return func(l *Local) {
		if len(argv) > 0 {
			l.command = append([]string(nil), argv...)
		}
	}
}

// WithEnv adds KEY=VALUE entries to the agent's environment.
func WithEnv(env []string) Option {
	return func(l *Local) { l.env = append(l.env, env...) }
}

// WithTimeout overrides the default agent timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Local) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(l *Local) { l.commandFactory = f }
}

// WithLiveWriter mirrors agent output as it arrives (default os.Stdout).
// Pass io.Discard to silence it.
func WithLiveWriter(w io.Writer) Option {
	return func(l *Local) { l.liveWriter = w }
}

// WithPTY runs the agent attached to a pseudo-terminal. Some agent CLIs only
// stream progress when they detect a TTY.
func WithPTY(r pty.Runner) Option {
	return func(l *Local) { l.pty = r }
}

// NewLocal returns a Local executor.
func NewLocal(opts ...Option) *Local {
	l := &Local{
		command:        append([]string(nil), DefaultCommand...),
		timeout:        DefaultTimeout,
		commandFactory: defaultCommandFactory,
		liveWriter:     os.Stdout,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Execute runs the agent with prompt in workDir. The process is killed if ctx
// expires or the timeout elapses.
func (l *Local) Execute(ctx context.Context, workDir, prompt string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	args := append(append([]string(nil), l.command[1:]...), prompt)
	cmd := l.commandFactory(runCtx, workDir, l.command[0], args...)
	if len(l.env) > 0 {
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, l.env...)
	}
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	var (
		output string
		err    error
	)
	if l.pty != nil {
		output, err = l.runPTY(runCtx, cmd)
	} else {
		output, err = l.runPipes(cmd)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return output, &TimeoutError{After: l.timeout, Output: output}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return output, fmt.Errorf("agent interrupted: %w", ctx.Err())
			}
			return output, FromExit(exitErr.ExitCode(), output)
		}
		return output, fmt.Errorf("failed to run agent: %w", err)
	}
	return output, nil
}

func (l *Local) runPipes(cmd *exec.Cmd) (string, error) {
	var buf lockedBuffer
	live := l.live()
	cmd.Stdout = io.MultiWriter(&buf, live)
	cmd.Stderr = io.MultiWriter(&buf, live)
	err := cmd.Run()
	return buf.String(), err
}

func (l *Local) runPTY(ctx context.Context, cmd *exec.Cmd) (string, error) {
	master, err := l.pty.Start(ctx, cmd, pty.AgentSize)
	if err != nil {
		return "", err
	}
	var buf lockedBuffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Reading a pty master returns EIO once the child side closes.
		_, _ = io.Copy(io.MultiWriter(&buf, l.live()), master)
	}()

	waitErr := cmd.Wait()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	master.Close()
	<-done
	return buf.String(), waitErr
}

func (l *Local) live() io.Writer {
	if l.liveWriter == nil {
		return io.Discard
	}
	return l.liveWriter
}

// lockedBuffer serialises writes from stdout and stderr copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
