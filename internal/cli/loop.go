package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ralph/internal/gitutil"
	"ralph/internal/logging"
	"ralph/internal/loop"
	"ralph/internal/state"
	"ralph/internal/trace"
	"ralph/internal/tui"
)

type loopFlags struct {
	dryRun bool
	quiet  bool
}

// addLoopFlags registers the flags shared by plan, build and branches. Their
// values reach the config through flagKeys.
func addLoopFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("max-iterations", 0, "stop after this many iterations (0 = unlimited)")
	f.Int("max-errors", 5, "consecutive errors before giving up (0 = never)")
	f.Int("idle-threshold", 2, "iterations without a new commit that count as done")
	f.Duration("agent-timeout", 30*time.Minute, "time limit for a single agent invocation")
	f.String("validate", "", "command run after each iteration, e.g. \"make test\"")
	f.Bool("push", false, "push after every successful iteration")
	f.Bool("pty", false, "run the agent attached to a pseudo-terminal")
	f.Bool("sandbox", false, "run the agent inside a Docker container")
	f.String("image", "", "container image for --sandbox")
	f.String("network", "", "container network policy: allow-all, deny or allowlist")
	f.Bool("reuse-container", false, "keep one container for the whole run")
}

func newLoopCmd(opts *rootOptions, name string) *cobra.Command {
	mode := state.Mode(name)
	var lf loopFlags
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Run the agent loop with .ralph/PROMPT_%s.md", name),
		Long: fmt.Sprintf(`Run the agent loop in %s mode.

Each iteration sends .ralph/PROMPT_%s.md to the agent. The loop stops when
no new commit has appeared for --idle-threshold iterations, when
--max-iterations is exceeded, after --max-errors consecutive failures, or
when "ralph cancel" is run. An active state file from an interrupted %s
run is resumed.`, name, name, name),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			if lf.dryRun {
				return dryRun(e, mode)
			}
			out, err := runLoop(cmd.Context(), e, mode, lf.quiet)
			if err != nil && out == nil {
				return err
			}
			opts.exitCode = out.Kind.ExitCode()
			return nil
		},
	}
	addLoopFlags(cmd)
	cmd.Flags().BoolVar(&lf.dryRun, "dry-run", false, "print the prompt the next iteration would use and exit")
	cmd.Flags().BoolVarP(&lf.quiet, "quiet", "q", false, "do not mirror agent output")
	return cmd
}

func dryRun(e *env, mode state.Mode) error {
	prompts := loop.FilePrompts{Dir: promptDir(e.cfg, e.dir)}
	base, err := prompts.Prompt(mode)
	if err != nil {
		return err
	}
	st, err := state.NewStore(e.dir).Load()
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if st != nil && (!st.Active || st.Mode != mode) {
		st = nil
	}
	_, err = fmt.Fprintln(e.stdout, loop.BuildPrompt(base, st))
	return err
}

// runLoop runs one controller in e.dir. The outcome is nil only when the
// loop could not be set up.
func runLoop(ctx context.Context, e *env, mode state.Mode, quiet bool) (*loop.Outcome, error) {
	tp, err := trace.NewProvider(ctx, trace.Config{
		Endpoint:    e.cfg.Trace.Endpoint,
		ServiceName: e.cfg.Trace.ServiceName,
		Insecure:    e.cfg.Trace.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			e.log.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	notifier := newNotifier(e.cfg.Notify, e.log)
	defer notifier.Wait()

	live := e.stdout
	if quiet {
		live = nil
	}
	execs, err := newExecutors(ctx, e.cfg, e.log, live)
	if err != nil {
		return nil, err
	}
	defer func() { _ = execs.Close() }()

	deps := &loopDeps{
		cfg:       e.cfg,
		log:       e.log,
		git:       gitutil.New(nil),
		notifier:  notifier,
		tracer:    tp,
		executors: execs,
		prompts:   loop.FilePrompts{Dir: promptDir(e.cfg, e.dir)},
	}
	ctrl, err := deps.controller(ctx, e.dir, mode, "")
	if err != nil {
		return nil, err
	}

	store := state.NewStore(e.dir)
	ctx, stop := withInterrupt(ctx, e.log, func() []*state.Store { return []*state.Store{store} })
	defer stop()

	out, err := ctrl.Run(ctx)
	printOutcome(e, out)
	return &out, err
}

func printOutcome(e *env, out loop.Outcome) {
	s := tui.DefaultStyles()
	line := s.OutcomeStyle(out.Kind).Render(tui.OutcomeIcon(out.Kind)+" "+out.Summary()) +
		" " + s.Duration.Render(logging.Elapsed(out.Duration))
	fmt.Fprintln(e.stdout, line)
}
