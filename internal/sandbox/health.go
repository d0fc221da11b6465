package sandbox

import (
	"context"
	"fmt"
	"time"
)

// DefaultRestartWait is how long EnsureHealthy waits for a restarting
// container before inspecting it again.
const DefaultRestartWait = 2 * time.Second

// HealthError reports a container that could not be brought to running.
type HealthError struct {
	ID            string
	Status        Status
	Unrecoverable bool
	Err           error
}

func (e *HealthError) Error() string {
	status := string(e.Status)
	if status == "" {
		status = "unknown"
	}
	msg := fmt.Sprintf("container %s unhealthy (status %s)", shortID(e.ID), status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HealthError) Unwrap() error { return e.Err }

// EnsureHealthy brings a container to the running state or reports why it
// cannot be.
//
//	running             ok
//	exited, created     restart, must come back running
//	paused              unpause
//	restarting          wait, inspect once more, must be running
//	dead, removing, ""  unrecoverable
func (m *Manager) EnsureHealthy(ctx context.Context, id string) error {
	status, err := m.client.Inspect(ctx, id)
	if err != nil {
		return &HealthError{ID: id, Status: StatusUnknown, Unrecoverable: true, Err: err}
	}

	switch status {
	case StatusRunning:
		return nil

	case StatusExited, StatusCreated:
		m.log.Warn().Str("container", shortID(id)).Str("status", string(status)).Msg("restarting container")
		m.forgetFirewall(id)
		if err := m.client.Restart(ctx, id); err != nil {
			return &HealthError{ID: id, Status: status, Err: fmt.Errorf("restart: %w", err)}
		}
		return m.expectRunning(ctx, id)

	case StatusPaused:
		m.log.Warn().Str("container", shortID(id)).Msg("unpausing container")
		if err := m.client.Unpause(ctx, id); err != nil {
			return &HealthError{ID: id, Status: status, Err: fmt.Errorf("unpause: %w", err)}
		}
		return nil

	case StatusRestarting:
		m.log.Debug().Str("container", shortID(id)).Dur("wait", m.restartWait).Msg("container restarting, waiting")
		m.forgetFirewall(id)
		if err := m.sleep(ctx, m.restartWait); err != nil {
			return err
		}
		return m.expectRunning(ctx, id)

	default:
		return &HealthError{ID: id, Status: status, Unrecoverable: true}
	}
}

func (m *Manager) expectRunning(ctx context.Context, id string) error {
	status, err := m.client.Inspect(ctx, id)
	if err != nil {
		return &HealthError{ID: id, Status: StatusUnknown, Err: err}
	}
	if status != StatusRunning {
		return &HealthError{ID: id, Status: status}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
