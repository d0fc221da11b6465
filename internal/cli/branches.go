package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"ralph/internal/branch"
	"ralph/internal/gitutil"
	"ralph/internal/logging"
	"ralph/internal/loop"
	"ralph/internal/state"
	"ralph/internal/trace"
	"ralph/internal/tui"
)

func newBranchesCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "branches <plan>",
		Short: "Build every incomplete branch of a plan in its own worktree",
		Long: `Build each "## Branch: <name>" section of a markdown plan that still
has open "- [ ]" tasks. Every branch gets its own git worktree, a copy of the
plan, and a build loop rooted there.

Branches run one after another unless --parallel is given. With --pr a pull
request is opened for every branch whose loop finished successfully. The
command exits non-zero if any branch failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.prepare(cmd)
			if err != nil {
				return err
			}
			planPath := args[0]
			if !filepath.IsAbs(planPath) {
				planPath = filepath.Join(e.dir, planPath)
			}
			report, err := runBranches(cmd.Context(), e, planPath, quiet)
			if err != nil {
				return err
			}
			fmt.Fprint(e.stdout, tui.RenderReport(report, tui.DefaultStyles()))
			opts.exitCode = report.ExitCode()
			return nil
		},
	}
	addLoopFlags(cmd)
	f := cmd.Flags()
	f.Bool("parallel", false, "build all branches at once")
	f.Bool("pr", false, "open a pull request for each successful branch")
	f.Bool("keep-worktrees", false, "leave worktrees on disk after the run")
	f.String("base", "", "base branch for sections without a Base: line")
	f.BoolVarP(&quiet, "quiet", "q", false, "do not mirror agent output")
	return cmd
}

// storeSet tracks the state files of running branch loops for the interrupt
// handler. Once drained, no further loops may start.
type storeSet struct {
	mu      sync.Mutex
	stores  []*state.Store
	drained bool
}

func (s *storeSet) add(st *state.Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drained {
		return errors.New("not started: interrupted")
	}
	s.stores = append(s.stores, st)
	return nil
}

func (s *storeSet) drain() []*state.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained = true
	return append([]*state.Store(nil), s.stores...)
}

func runBranches(ctx context.Context, e *env, planPath string, quiet bool) (branch.Report, error) {
	sections, err := branch.LoadPlan(planPath)
	if err != nil {
		return branch.Report{}, err
	}
	if len(branch.Incomplete(sections)) == 0 {
		e.log.Info().Int("sections", len(sections)).Msg("no branch has open tasks")
		return branch.Report{}, nil
	}

	tp, err := trace.NewProvider(ctx, trace.Config{
		Endpoint:    e.cfg.Trace.Endpoint,
		ServiceName: e.cfg.Trace.ServiceName,
		Insecure:    e.cfg.Trace.Insecure,
	})
	if err != nil {
		return branch.Report{}, fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	notifier := newNotifier(e.cfg.Notify, e.log)
	defer notifier.Wait()

	// Interleaved output from parallel agents is unreadable.
	var live io.Writer = e.stdout
	if quiet || e.cfg.Branches.Parallel {
		live = nil
	}
	execs, err := newExecutors(ctx, e.cfg, e.log, live)
	if err != nil {
		return branch.Report{}, err
	}
	defer func() { _ = execs.Close() }()

	git := gitutil.New(nil)
	wts, err := gitutil.NewWorktrees(e.dir, nil)
	if err != nil {
		return branch.Report{}, err
	}
	deps := &loopDeps{
		cfg:       e.cfg,
		log:       e.log,
		git:       git,
		notifier:  notifier,
		tracer:    tp,
		executors: execs,
		// Prompts come from the main working copy; worktrees may not have them.
		prompts: loop.FilePrompts{Dir: promptDir(e.cfg, e.dir)},
	}

	var running storeSet
	ctx, stop := withInterrupt(ctx, e.log, running.drain)
	defer stop()

	bc := e.cfg.Branches
	orch, err := branch.New(branch.Config{
		RepoDir:       wts.SrcRepo(),
		DefaultBase:   bc.DefaultBase,
		WorktreeRoot:  bc.WorktreeRoot,
		KeepWorktrees: bc.KeepWorktrees,
		Parallel:      bc.Parallel,
		CreatePRs:     bc.CreatePRs,
		Worktrees:     wts,
		PullRequests:  git,
		NewRunner: func(workDir string, sec branch.BranchSection) (branch.Runner, error) {
			if err := running.add(state.NewStore(workDir)); err != nil {
				return nil, err
			}
			ctrl, err := deps.controller(ctx, workDir, state.ModeBuild, sec.Name)
			if err != nil {
				return nil, err
			}
			return ctrl, nil
		},
		Logger: logging.Component(e.log, "branches"),
	})
	if err != nil {
		return branch.Report{}, err
	}
	return orch.Run(ctx, planPath, sections), nil
}
