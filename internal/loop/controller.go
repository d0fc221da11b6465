// Package loop drives the agent iteration loop for one working copy.
//
// Each iteration reloads the persisted state (so an external cancel wins),
// runs the agent, validates, records the repository fingerprint and decides
// whether to go round again. Timeouts, rate limits and validation failures
// are retried; anything else ends the run.
package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"ralph/internal/agent"
	"ralph/internal/completion"
	"ralph/internal/gitutil"
	"ralph/internal/notify"
	"ralph/internal/state"
	"ralph/internal/validate"
)

// Git is the repository plumbing the loop needs.
type Git interface {
	LastCommit(ctx context.Context, dir string) (*string, error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	Push(ctx context.Context, dir string, protected []string) error
}

// Config configures a Controller.
type Config struct {
	WorkDir string
	Mode    state.Mode
	// Branch labels notifications and traces in multi-branch runs.
	Branch string

	// MaxIterations caps the run; 0 means unlimited.
	MaxIterations int
	// MaxConsecutiveErrors trips the circuit breaker; 0 disables it.
	MaxConsecutiveErrors int
	IdleThreshold        int
	// AgentTimeout bounds each agent invocation; 0 leaves it to the executor.
	AgentTimeout      time.Duration
	ValidationCommand string
	Push              bool
	ProtectedBranches []string

	// InitialState, when set, replaces whatever is on disk.
	InitialState *state.LoopState

	Executor  agent.Executor
	Store     *state.Store
	Prompts   PromptSource
	Git       Git
	Validator validate.Runner
	Notifier  notify.Notifier
	Observer  Observer
	Logger    zerolog.Logger

	// Test hooks. When nil, real implementations are used.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Controller runs the loop. A Controller is single-use.
type Controller struct {
	cfg      Config
	store    *state.Store
	prompts  PromptSource
	notifier notify.Notifier
	obs      Observer
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	st       *state.LoopState
	detector *completion.Detector
}

// NewController validates cfg and fills in defaults.
func NewController(cfg Config) (*Controller, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("loop: work dir is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("loop: executor is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = state.ModeBuild
	}
	if _, err := state.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.ValidationCommand != "" && cfg.Validator == nil {
		cfg.Validator = validate.Shell{}
	}

	c := &Controller{
		cfg:      cfg,
		store:    cfg.Store,
		prompts:  cfg.Prompts,
		notifier: cfg.Notifier,
		obs:      cfg.Observer,
		log:      cfg.Logger,
		sleep:    cfg.Sleep,
		now:      cfg.Now,
	}
	if c.store == nil {
		c.store = state.NewStore(cfg.WorkDir)
	}
	if c.prompts == nil {
		c.prompts = FilePrompts{Dir: filepath.Join(cfg.WorkDir, state.Dir)}
	}
	if c.notifier == nil {
		c.notifier = notify.Noop{}
	}
	if c.obs == nil {
		c.obs = NoopObserver{}
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// State returns a copy of the controller's current view of the loop state.
func (c *Controller) State() state.LoopState {
	if c.st == nil {
		return state.LoopState{}
	}
	return *c.st
}

// Run drives iterations until a terminal outcome. The returned error is
// non-nil exactly when the outcome is OutcomeFatal.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	start := c.now()
	st, err := c.begin()
	if err != nil {
		out := fatal("initialise state", err)
		out.Iteration = 1
		out.Duration = c.now().Sub(start)
		c.obs.OnLoopEnd(out)
		c.notify(ctx, notify.EventError, out.Summary())
		return out, out.Err
	}
	c.st = st
	c.detector = completion.Restore(c.cfg.IdleThreshold, st.LastCommit, st.IdleIterations)
	c.obs.OnLoopStart(*st)

	out := c.iterate(ctx)
	out.Duration = c.now().Sub(start)
	return c.finish(ctx, out)
}

func (c *Controller) begin() (*state.LoopState, error) {
	if c.cfg.InitialState != nil {
		st := *c.cfg.InitialState
		st.Active = true
		if st.Iteration < 1 {
			st.Iteration = 1
		}
		if err := c.store.Save(&st); err != nil {
			return nil, err
		}
		return &st, nil
	}

	st, err := c.store.Load()
	switch {
	case err == nil && st.Active && st.Mode == c.cfg.Mode:
		c.log.Info().Int("iteration", st.Iteration).Msg("resuming active loop")
		return st, nil
	case err == nil && st.Active:
		c.log.Warn().Str("stored_mode", string(st.Mode)).Msg("discarding active state from a different mode")
	case err != nil && !errors.Is(err, state.ErrNotFound):
		c.log.Warn().Err(err).Msg("ignoring unreadable state file")
	}

	st = state.New(c.cfg.Mode, c.cfg.MaxIterations, c.now())
	if err := c.store.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *Controller) iterate(ctx context.Context) Outcome {
	for {
		if ctx.Err() != nil {
			return cancelled("interrupted")
		}

		st, err := c.store.Load()
		if errors.Is(err, state.ErrNotFound) {
			return cancelled("state file removed")
		}
		if err != nil {
			return fatal("reload state", err)
		}
		c.st = st
		if !st.Active {
			return cancelled("cancel requested")
		}

		if st.MaxIterations != nil && st.Iteration > *st.MaxIterations {
			return Outcome{Kind: OutcomeMaxIterations, Reason: fmt.Sprintf("max iterations (%d) reached", *st.MaxIterations)}
		}

		startFP := c.fingerprint(ctx)
		c.detector.RecordCommit(startFP)
		c.obs.OnIterationStart(st.Iteration, startFP)
		iterStart := c.now()

		base, err := c.prompts.Prompt(st.Mode)
		if err != nil {
			c.obs.OnIterationEnd(IterationResult{Iteration: st.Iteration, Err: err, Kind: KindFatal})
			return fatal("load prompt", err)
		}
		prompt := BuildPrompt(base, st)

		if _, err := c.invoke(ctx, prompt); err != nil {
			if ctx.Err() != nil {
				return cancelled("interrupted")
			}
			kind := Classify(err)
			if !kind.Recoverable() {
				c.obs.OnIterationEnd(IterationResult{Iteration: st.Iteration, Duration: c.now().Sub(iterStart), Err: err, Kind: kind})
				return fatal("agent failed", err)
			}
			if out, stop := c.recordRecoverable(ctx, err, kind, iterStart); stop {
				return out
			}
			continue
		}

		if c.cfg.ValidationCommand != "" {
			if verr := c.cfg.Validator.Run(ctx, c.cfg.WorkDir, c.cfg.ValidationCommand); verr != nil {
				if ctx.Err() != nil {
					return cancelled("interrupted")
				}
				if out, stop := c.recordRecoverable(ctx, &ValidationError{Err: verr}, KindValidation, iterStart); stop {
					return out
				}
				continue
			}
			if st.HasValidationError() {
				st.LastError = nil
			}
		}

		st.ConsecutiveErrors = 0
		now := c.now().UTC()
		st.LastIterationAt = &now
		if out, stop := c.persist(); stop {
			return out
		}

		endFP := c.fingerprint(ctx)
		done := c.detector.CheckCompletion(endFP)
		st.LastCommit = c.detector.LastCommit()
		st.IdleIterations = c.detector.IdleCount()
		c.obs.OnIterationEnd(IterationResult{
			Iteration:   st.Iteration,
			Duration:    c.now().Sub(iterStart),
			Fingerprint: endFP,
			IdleCount:   st.IdleIterations,
		})
		if done {
			if out, stop := c.persist(); stop {
				return out
			}
			return Outcome{Kind: OutcomeCompletion, Reason: fmt.Sprintf("no new commits for %d iterations", st.IdleIterations)}
		}

		c.afterIteration(ctx)

		st.Iteration++
		if out, stop := c.persist(); stop {
			return out
		}
	}
}

func (c *Controller) invoke(ctx context.Context, prompt string) (string, error) {
	runCtx := ctx
	if c.cfg.AgentTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.AgentTimeout)
		defer cancel()
	}
	out, err := c.cfg.Executor.Execute(runCtx, c.cfg.WorkDir, prompt)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !agent.IsTimeout(err) {
		err = &agent.TimeoutError{After: c.cfg.AgentTimeout, Output: out}
	}
	return out, err
}

// recordRecoverable books a retryable failure. It reports stop=true when the
// loop must end (cancel observed or circuit breaker tripped).
func (c *Controller) recordRecoverable(ctx context.Context, err error, kind ErrorKind, iterStart time.Time) (Outcome, bool) {
	st := c.st
	var backoff time.Duration
	if kind == KindRateLimit {
		prev := st.LastError != nil && !st.HasValidationError() && agent.LooksRateLimited(*st.LastError)
		backoff = RateLimitBackoff(st.ConsecutiveErrors, prev)
		c.log.Warn().Dur("backoff", backoff).Int("consecutive_errors", st.ConsecutiveErrors).Msg("rate limited, backing off")
		if serr := c.sleep(ctx, backoff); serr != nil {
			return cancelled("interrupted during backoff"), true
		}
	}

	st.ErrorCount++
	st.ConsecutiveErrors++
	msg := err.Error()
	st.LastError = &msg
	c.obs.OnIterationEnd(IterationResult{
		Iteration: st.Iteration,
		Duration:  c.now().Sub(iterStart),
		Err:       err,
		Kind:      kind,
		Backoff:   backoff,
	})
	st.Iteration++
	if out, stop := c.persist(); stop {
		return out, true
	}

	if c.cfg.MaxConsecutiveErrors > 0 && st.ConsecutiveErrors >= c.cfg.MaxConsecutiveErrors {
		out := fatal("circuit breaker triggered", err)
		out.Reason = fmt.Sprintf("circuit breaker triggered after %d consecutive errors", st.ConsecutiveErrors)
		return out, true
	}
	return Outcome{}, false
}

// persist writes the in-memory state unless the on-disk copy was cancelled
// in the meantime, in which case the cancel is kept and the loop stops.
func (c *Controller) persist() (Outcome, bool) {
	err := c.store.SaveIfActive(c.st)
	switch {
	case err == nil:
		return Outcome{}, false
	case errors.Is(err, state.ErrNotFound):
		return cancelled("state file removed"), true
	case errors.Is(err, state.ErrInactive):
		c.st.Active = false
		return cancelled("cancel requested"), true
	default:
		return fatal("persist state", err), true
	}
}

func (c *Controller) fingerprint(ctx context.Context) *string {
	if c.cfg.Git == nil {
		return nil
	}
	fp, err := c.cfg.Git.LastCommit(ctx, c.cfg.WorkDir)
	if err != nil {
		c.log.Debug().Err(err).Msg("fingerprint unavailable")
		return nil
	}
	return fp
}

// afterIteration runs side effects whose failures never count as errors.
func (c *Controller) afterIteration(ctx context.Context) {
	if !c.cfg.Push || c.cfg.Git == nil {
		return
	}
	err := c.cfg.Git.Push(ctx, c.cfg.WorkDir, c.cfg.ProtectedBranches)
	switch {
	case err == nil:
		c.log.Debug().Msg("pushed")
	case errors.Is(err, gitutil.ErrProtectedBranch):
		c.log.Warn().Err(err).Msg("skipping push")
	default:
		c.log.Warn().Err(err).Msg("push failed")
		c.notify(ctx, notify.EventError, "push failed: "+err.Error())
	}
}

func (c *Controller) finish(ctx context.Context, out Outcome) (Outcome, error) {
	c.st.Active = false
	if err := c.store.Save(c.st); err != nil {
		c.log.Error().Err(err).Msg("failed to persist final state")
	}

	if closer, ok := c.cfg.Executor.(agent.Closer); ok {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		if err := closer.Close(cctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to tear down executor")
		}
		cancel()
	}

	out.Iteration = c.st.Iteration
	out.ErrorCount = c.st.ErrorCount
	c.obs.OnLoopEnd(out)

	event := notify.EventComplete
	if out.Kind == OutcomeFatal {
		event = notify.EventError
	}
	c.notify(ctx, event, out.Summary())

	if out.Kind == OutcomeFatal {
		return out, out.Err
	}
	return out, nil
}

func (c *Controller) notify(ctx context.Context, event notify.Event, msg string) {
	d := notify.Details{
		WorkDir: c.cfg.WorkDir,
		Branch:  c.cfg.Branch,
		Mode:    string(c.cfg.Mode),
		Message: msg,
		Time:    c.now(),
	}
	if c.st != nil {
		d.Iteration = c.st.Iteration
	}
	if err := c.notifier.Notify(context.WithoutCancel(ctx), event, d); err != nil {
		c.log.Warn().Err(err).Msg("notification failed")
	}
}

func fatal(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason, Err: fmt.Errorf("%s: %w", reason, err)}
}

func cancelled(reason string) Outcome {
	return Outcome{Kind: OutcomeCancelled, Reason: reason}
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
