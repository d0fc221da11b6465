package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"ralph/internal/agent"
	"ralph/internal/config"
	"ralph/internal/gitutil"
	"ralph/internal/logging"
	"ralph/internal/loop"
	"ralph/internal/notify"
	"ralph/internal/pty"
	"ralph/internal/sandbox"
	"ralph/internal/state"
	"ralph/internal/trace"
	"ralph/internal/validate"
)

// newNotifier builds the configured notification channels behind an async
// wrapper. Call Wait on the result before exiting.
func newNotifier(cfg config.NotifyConfig, log zerolog.Logger) *notify.Async {
	var targets notify.Multi
	if cfg.WebhookURL != "" {
		targets = append(targets, &notify.Webhook{URL: cfg.WebhookURL})
	}
	if cfg.Desktop {
		targets = append(targets, notify.Desktop{})
	}
	var next notify.Notifier = notify.Noop{}
	if len(targets) > 0 {
		next = targets
	}
	return notify.NewAsync(next, 15*time.Second, logging.Component(log, "notify"))
}

// executors hands out one agent executor per loop. With the sandbox enabled
// every executor gets its own container manager over a shared Docker client.
type executors struct {
	cfg    *config.Config
	log    zerolog.Logger
	live   io.Writer
	docker *sandbox.Docker
}

func newExecutors(ctx context.Context, cfg *config.Config, log zerolog.Logger, live io.Writer) (*executors, error) {
	e := &executors{cfg: cfg, log: log, live: live}
	if !cfg.Sandbox.Enabled {
		return e, nil
	}
	d, err := sandbox.NewDocker()
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("docker is not reachable: %w", err)
	}
	e.docker = d
	return e, nil
}

func (e *executors) new(branch string) (agent.Executor, error) {
	log := logging.Component(e.log, "agent")
	if branch != "" {
		log = log.With().Str("branch", branch).Logger()
	}
	if e.docker == nil {
		opts := []agent.Option{
			agent.WithCommand(e.cfg.Agent.Command),
			agent.WithEnv(e.cfg.Agent.Env),
			agent.WithTimeout(e.cfg.Loop.AgentTimeout),
			agent.WithLiveWriter(e.live),
		}
		if e.cfg.Agent.PTY {
			opts = append(opts, agent.WithPTY(pty.CreackPTY{}))
		}
		return agent.NewLocal(opts...), nil
	}

	mgr, err := sandbox.NewManager(e.docker, e.managerConfig(log))
	if err != nil {
		return nil, err
	}
	return sandbox.NewExecutor(mgr, e.cfg.Sandbox.Reuse), nil
}

func (e *executors) managerConfig(log zerolog.Logger) sandbox.Config {
	sc := e.cfg.Sandbox
	return sandbox.Config{
		Image:          sc.Image,
		Memory:         sc.Memory,
		CPUs:           sc.CPUs,
		Timeout:        e.cfg.Loop.AgentTimeout,
		Network:        sandbox.NetworkPolicy(sc.Network),
		AllowedDomains: sc.AllowedDomains,
		AgentCommand:   e.cfg.Agent.Command,
		Env:            e.cfg.Agent.Env,
		User:           sc.User,
		Logger:         logging.Component(log, "sandbox"),
	}
}

func (e *executors) Close() error {
	if e.docker == nil {
		return nil
	}
	return e.docker.Close()
}

// promptDir resolves the configured prompt directory against dir.
func promptDir(cfg *config.Config, dir string) string {
	p := cfg.Loop.PromptDir
	if p == "" {
		p = state.Dir
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// loopDeps are the collaborators shared by every controller of a command.
type loopDeps struct {
	cfg       *config.Config
	log       zerolog.Logger
	git       *gitutil.Git
	notifier  notify.Notifier
	tracer    *trace.Provider
	executors *executors
	prompts   loop.PromptSource
}

// controller builds a controller for workDir. branch labels logs, traces and
// notifications in multi-branch runs.
func (d *loopDeps) controller(ctx context.Context, workDir string, mode state.Mode, branch string) (*loop.Controller, error) {
	exec, err := d.executors.new(branch)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		if b, err := d.git.CurrentBranch(ctx, workDir); err == nil {
			branch = b
		}
	}
	log := logging.Component(d.log, "loop")
	if branch != "" {
		log = log.With().Str("branch", branch).Logger()
	}

	lc := d.cfg.Loop
	return loop.NewController(loop.Config{
		WorkDir:              workDir,
		Mode:                 mode,
		Branch:               branch,
		MaxIterations:        lc.MaxIterations,
		MaxConsecutiveErrors: lc.MaxConsecutiveErrors,
		IdleThreshold:        lc.IdleThreshold,
		AgentTimeout:         lc.AgentTimeout,
		ValidationCommand:    lc.ValidationCommand,
		Push:                 lc.Push,
		ProtectedBranches:    lc.ProtectedBranches,
		Executor:             exec,
		Store:                state.NewStore(workDir),
		Prompts:              d.prompts,
		Git:                  d.git,
		Validator:            validate.Shell{Timeout: lc.ValidationTimeout},
		Notifier:             d.notifier,
		Observer: loop.NewMultiObserver(
			loop.LogObserver{Log: log},
			loop.NewTraceObserver(d.tracer.Tracer(),
				attribute.String("ralph.work_dir", workDir),
				attribute.String("ralph.branch", branch),
			),
		),
		Logger: log,
	})
}

// withInterrupt returns a context for a loop run. The first SIGINT/SIGTERM
// marks the state files returned by stores inactive so running loops stop
// after their current iteration; a second one cancels the context.
func withInterrupt(ctx context.Context, log zerolog.Logger, stores func() []*state.Store) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		graceful := true
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if !graceful {
					log.Warn().Str("signal", sig.String()).Msg("interrupted again, stopping now")
					cancel()
					return
				}
				graceful = false
				log.Warn().Str("signal", sig.String()).Msg("stopping after the current iteration (interrupt again to stop now)")
				for _, s := range stores() {
					if _, err := s.Cancel(); err != nil {
						log.Error().Err(err).Str("state", s.Path()).Msg("failed to mark loop cancelled")
					}
				}
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}
