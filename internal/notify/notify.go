// Package notify tells a human that a loop finished or needs attention.
// Delivery is best effort: failures are logged and never surface to the loop.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Event is the kind of notification.
type Event string

const (
	EventComplete Event = "complete"
	EventError    Event = "error"
)

// Details describe the run a notification is about.
type Details struct {
	WorkDir   string    `json:"work_dir"`
	Branch    string    `json:"branch,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, event Event, d Details) error
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(context.Context, Event, Details) error { return nil }

// Webhook POSTs a JSON payload to a URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

type webhookPayload struct {
	Event Event `json:"event"`
	Details
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, event Event, d Details) error {
	body, err := json.Marshal(webhookPayload{Event: event, Details: d})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: unexpected status %s", resp.Status)
	}
	return nil
}

// Desktop raises an OS notification via osascript or notify-send.
type Desktop struct {
	// Command overrides the notifier binary invocation (used in tests).
	Command func(ctx context.Context, title, body string) *exec.Cmd
}

// Notify implements Notifier.
func (d Desktop) Notify(ctx context.Context, event Event, det Details) error {
	title := "ralph: loop " + string(event)
	if det.Branch != "" {
		title += " (" + det.Branch + ")"
	}
	build := d.Command
	if build == nil {
		build = desktopCommand
	}
	cmd := build(ctx, title, det.Message)
	if cmd == nil {
		return nil
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("desktop notification: %s: %w", bytes.TrimSpace(out), err)
	}
	return nil
}

func desktopCommand(ctx context.Context, title, body string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return exec.CommandContext(ctx, "osascript", "-e", script)
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return nil
		}
		return exec.CommandContext(ctx, "notify-send", title, body)
	default:
		return nil
	}
}

// Multi fans a notification out to several notifiers, attempting all of them.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, event Event, d Details) error {
	var firstErr error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Async delivers notifications in the background so a slow endpoint never
// stalls the loop. Call Wait before the process exits to flush.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     zerolog.Logger

	mu sync.Mutex
	wg conc.WaitGroup
}

// NewAsync wraps next. Each delivery gets its own timeout.
func NewAsync(next Notifier, timeout time.Duration, log zerolog.Logger) *Async {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Async{next: next, timeout: timeout, log: log}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(ctx context.Context, event Event, d Details) error {
	if d.Time.IsZero() {
		d.Time = time.Now()
	}
	base := context.WithoutCancel(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wg.Go(func() {
		ctx, cancel := context.WithTimeout(base, a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, event, d); err != nil {
			a.log.Warn().Err(err).Str("event", string(event)).Msg("notification failed")
		}
	})
	return nil
}

// Wait blocks until all scheduled deliveries finish. A panicking notifier is
// logged rather than propagated.
func (a *Async) Wait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := a.wg.WaitAndRecover(); r != nil {
		a.log.Error().Interface("panic", r.Value).Msg("notifier panicked")
	}
}
