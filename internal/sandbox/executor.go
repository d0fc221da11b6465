package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ralph/internal/agent"
)

// Executor adapts a Manager to agent.Executor. With reuse enabled a single
// persistent container serves every iteration and is replaced if it turns
// unhealthy; otherwise each iteration gets a fresh container.
type Executor struct {
	mgr   *Manager
	reuse bool

	mu      sync.Mutex
	current string
}

var (
	_ agent.Executor = (*Executor)(nil)
	_ agent.Closer   = (*Executor)(nil)
)

// NewExecutor returns an Executor backed by mgr.
func NewExecutor(mgr *Manager, reuse bool) *Executor {
	return &Executor{mgr: mgr, reuse: reuse}
}

// Execute runs one agent invocation in a container.
func (e *Executor) Execute(ctx context.Context, workDir, prompt string) (string, error) {
	if !e.reuse {
		return e.mgr.Run(ctx, workDir, prompt, "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == "" {
		id, err := e.mgr.CreatePersistent(ctx, workDir)
		if err != nil {
			return "", err
		}
		e.current = id
	}

	out, err := e.mgr.Run(ctx, workDir, prompt, e.current)
	var he *HealthError
	if !errors.As(err, &he) {
		return out, err
	}

	e.mgr.log.Warn().Err(err).Msg("persistent container unhealthy, replacing it")
	if rerr := e.mgr.RemovePersistent(ctx, e.current); rerr != nil {
		e.mgr.log.Warn().Err(rerr).Msg("failed to remove unhealthy container")
	}
	e.current = ""
	id, cerr := e.mgr.CreatePersistent(ctx, workDir)
	if cerr != nil {
		return "", fmt.Errorf("replace unhealthy container: %w", errors.Join(err, cerr))
	}
	e.current = id
	return e.mgr.Run(ctx, workDir, prompt, e.current)
}

// Container returns the id of the persistent container, if any.
func (e *Executor) Container() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Close removes the persistent container.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	id := e.current
	e.current = ""
	e.mu.Unlock()
	if id == "" {
		return nil
	}
	return e.mgr.RemovePersistent(ctx, id)
}
