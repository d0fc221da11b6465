// Package sandbox runs agent invocations inside disposable or long-lived
// containers with resource caps and an outbound network policy.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ralph/internal/agent"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultImage is the container image used when none is configured.
const DefaultImage = "ghcr.io/ralph-loop/agent:latest"

// Config configures a Manager.
type Config struct {
	Image          string
	Memory         string // human units, e.g. "8g"
	CPUs           string // e.g. "4" or "1.5"
	Timeout        time.Duration
	Network        NetworkPolicy
	AllowedDomains []string
	// AgentCommand is the argv exec'd in the container; the prompt is
	// appended as the final argument.
	AgentCommand []string
	Env          []string
	User         string
	RestartWait  time.Duration
	Logger       zerolog.Logger
	// InUse reports whether a loop is still running in workDir. Its
	// containers are skipped by CleanupOrphaned. Nil treats every container
	// as orphaned.
	InUse func(workDir string) bool

	// Test hooks. When nil, real implementations are used.
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Manager owns the containers of one loop controller.
type Manager struct {
	client      Client
	image       string
	limits      Limits
	timeout     time.Duration
	network     NetworkPolicy
	domains     []string
	command     []string
	env         []string
	user        string
	restartWait time.Duration
	log         zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	newID       func() string
	inUse       func(workDir string) bool

	mu         sync.Mutex
	firewalled map[string]bool
}

// NewManager validates cfg and returns a Manager backed by client.
func NewManager(client Client, cfg Config) (*Manager, error) {
	if client == nil {
		return nil, errors.New("sandbox: nil client")
	}
	limits, err := ParseLimits(cfg.Memory, cfg.CPUs)
	if err != nil {
		return nil, err
	}
	network := cfg.Network
	if network == "" {
		network = NetworkAllowAll
	}
	if _, err := ParseNetworkPolicy(string(network)); err != nil {
		return nil, err
	}

	m := &Manager{
		client:      client,
		image:       cfg.Image,
		limits:      limits,
		timeout:     cfg.Timeout,
		network:     network,
		command:     cfg.AgentCommand,
		env:         cfg.Env,
		user:        cfg.User,
		restartWait: cfg.RestartWait,
		log:         cfg.Logger,
		sleep:       cfg.Sleep,
		newID:       cfg.NewID,
		inUse:       cfg.InUse,
		firewalled:  make(map[string]bool),
	}
	if m.image == "" {
		m.image = DefaultImage
	}
	if m.timeout <= 0 {
		m.timeout = agent.DefaultTimeout
	}
	if len(m.command) == 0 {
		m.command = agent.DefaultCommand
	}
	if m.restartWait <= 0 {
		m.restartWait = DefaultRestartWait
	}
	if m.sleep == nil {
		m.sleep = sleepCtx
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString()[:8] }
	}
	if network == NetworkAllowlist {
		m.domains = FilterDomains(cfg.AllowedDomains, m.log)
	}
	return m, nil
}

// CleanupOrphaned removes ralph-labelled containers left behind by earlier
// runs, skipping those of working copies that still have a live loop. It
// returns the number removed.
func (m *Manager) CleanupOrphaned(ctx context.Context) (int, error) {
	found, err := m.client.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	removed := 0
	var errs []error
	for _, c := range found {
		if m.inUse != nil && c.WorkDir != "" && m.inUse(c.WorkDir) {
			m.log.Debug().Str("container", shortID(c.ID)).Str("work_dir", c.WorkDir).Msg("skipping container of active loop")
			continue
		}
		if err := m.client.Remove(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", shortID(c.ID), err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info().Int("count", removed).Msg("removed orphaned containers")
	}
	return removed, errors.Join(errs...)
}

// CreatePersistent starts a long-lived container for workDir and returns its
// id. The caller must eventually call RemovePersistent.
func (m *Manager) CreatePersistent(ctx context.Context, workDir string) (string, error) {
	id, err := m.start(ctx, workDir, true)
	if err != nil {
		return "", err
	}
	m.log.Info().Str("container", shortID(id)).Msg("started persistent container")
	return id, nil
}

// RemovePersistent force-removes a container created by CreatePersistent.
func (m *Manager) RemovePersistent(ctx context.Context, id string) error {
	m.forgetFirewall(id)
	if err := m.client.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	return nil
}

// Run executes the agent with prompt. With an empty reuseID a fresh container
// is created and always removed afterwards; otherwise the given persistent
// container is health-checked and left running. Output is stdout and stderr
// concatenated. If the timeout elapses the container is killed and a
// *agent.TimeoutError returned.
func (m *Manager) Run(ctx context.Context, workDir, prompt, reuseID string) (string, error) {
	id := reuseID
	if id == "" {
		var err error
		id, err = m.start(ctx, workDir, false)
		if err != nil {
			return "", err
		}
		defer m.removeQuietly(id)
	} else if err := m.EnsureHealthy(ctx, id); err != nil {
		return "", err
	}

	if err := m.applyFirewall(ctx, id); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var out bytes.Buffer
	argv := append(append([]string(nil), m.command...), prompt)
	code, err := m.client.Exec(runCtx, id, ExecSpec{
		Cmd:     argv,
		User:    m.user,
		WorkDir: WorkspaceMount,
	}, &out)
	output := out.String()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		m.log.Warn().Str("container", shortID(id)).Dur("timeout", m.timeout).Msg("agent timed out, killing container")
		m.forgetFirewall(id)
		killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if kerr := m.client.Kill(killCtx, id); kerr != nil {
			m.log.Warn().Err(kerr).Str("container", shortID(id)).Msg("kill after timeout failed")
		}
		killCancel()
		return output, &agent.TimeoutError{After: m.timeout, Output: output}
	}
	if err != nil {
		return output, fmt.Errorf("exec agent in %s: %w", shortID(id), err)
	}
	if code != 0 {
		return output, agent.FromExit(code, output)
	}
	return output, nil
}

func (m *Manager) start(ctx context.Context, workDir string, persistent bool) (string, error) {
	mode, capAdd := m.network.networkMode()
	labels := map[string]string{
		LabelManaged: "true",
		LabelWorkDir: workDir,
	}
	if persistent {
		labels[LabelPersistent] = "true"
	}
	spec := CreateSpec{
		Name:        "ralph-" + m.newID(),
		Image:       m.image,
		WorkDir:     workDir,
		Cmd:         []string{"sleep", "infinity"},
		Env:         m.env,
		Labels:      labels,
		Limits:      m.limits,
		NetworkMode: mode,
		CapAdd:      capAdd,
	}
	id, err := m.client.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.client.Start(ctx, id); err != nil {
		m.removeQuietly(id)
		return "", fmt.Errorf("start container %s: %w", shortID(id), err)
	}
	m.log.Debug().
		Str("container", shortID(id)).
		Str("image", m.image).
		Str("network", string(m.network)).
		Bool("persistent", persistent).
		Msg("container started")
	return id, nil
}

// applyFirewall installs the allowlist rules once per container start. A
// restarted container gets a fresh network namespace without the rules, so
// every path that stops or restarts a container must call forgetFirewall.
func (m *Manager) applyFirewall(ctx context.Context, id string) error {
	if m.network != NetworkAllowlist {
		return nil
	}
	m.mu.Lock()
	done := m.firewalled[id]
	m.mu.Unlock()
	if done {
		return nil
	}

	var out bytes.Buffer
	code, err := m.client.Exec(ctx, id, ExecSpec{
		Cmd:  []string{"sh", "-c", FirewallScript(m.domains)},
		User: "root",
	}, &out)
	if err != nil {
		return fmt.Errorf("apply firewall: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("apply firewall: exit %d: %s", code, agent.Tail(out.String(), 400))
	}
	m.mu.Lock()
	m.firewalled[id] = true
	m.mu.Unlock()
	m.log.Debug().Str("container", shortID(id)).Strs("domains", m.domains).Msg("firewall applied")
	return nil
}

func (m *Manager) forgetFirewall(id string) {
	m.mu.Lock()
	delete(m.firewalled, id)
	m.mu.Unlock()
}

func (m *Manager) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.client.Remove(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("container", shortID(id)).Msg("failed to remove container")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
