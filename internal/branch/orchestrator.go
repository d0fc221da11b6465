package branch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"ralph/internal/gitutil"
	"ralph/internal/loop"
)

// Worktrees provisions isolated checkouts.
type Worktrees interface {
	Add(ctx context.Context, path, branch, base string) error
	Remove(ctx context.Context, path string) error
}

// PullRequester opens a pull request and returns its URL.
type PullRequester interface {
	CreatePullRequest(ctx context.Context, dir, branch, base, title, body string) (string, error)
}

// Runner is one branch's loop; *loop.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context) (loop.Outcome, error)
}

// RunnerFactory builds the loop for a branch rooted at workDir.
type RunnerFactory func(workDir string, section BranchSection) (Runner, error)

// Config configures an Orchestrator.
type Config struct {
	RepoDir     string
	DefaultBase string
	// WorktreeRoot holds one directory per branch. Defaults to a directory
	// under os.TempDir named after the repository.
	WorktreeRoot  string
	KeepWorktrees bool
	Parallel      bool
	CreatePRs     bool

	Worktrees    Worktrees
	PullRequests PullRequester
	NewRunner    RunnerFactory
	Logger       zerolog.Logger
}

// Orchestrator builds every incomplete branch of a plan.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.RepoDir == "" {
		return nil, errors.New("branch: repo dir is required")
	}
	if cfg.Worktrees == nil {
		return nil, errors.New("branch: worktree manager is required")
	}
	if cfg.NewRunner == nil {
		return nil, errors.New("branch: runner factory is required")
	}
	if cfg.DefaultBase == "" {
		cfg.DefaultBase = "main"
	}
	if cfg.WorktreeRoot == "" {
		cfg.WorktreeRoot = filepath.Join(os.TempDir(), "ralph-worktrees", filepath.Base(cfg.RepoDir))
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger}, nil
}

// WorktreePath returns where the worktree for branch lives.
func (o *Orchestrator) WorktreePath(branch string) string {
	return filepath.Join(o.cfg.WorktreeRoot, gitutil.SanitizeBranch(branch))
}

// Run builds each incomplete section and reports every branch. Complete
// sections are skipped. A failing or panicking branch never stops the others.
func (o *Orchestrator) Run(ctx context.Context, planPath string, sections []BranchSection) Report {
	start := time.Now()
	todo := Incomplete(sections)
	o.log.Info().
		Int("branches", len(todo)).
		Int("skipped", len(sections)-len(todo)).
		Bool("parallel", o.cfg.Parallel).
		Msg("starting branch builds")

	results := make([]BranchResult, len(todo))
	if o.cfg.Parallel {
		var wg conc.WaitGroup
		for i, sec := range todo {
			i, sec := i, sec
			wg.Go(func() {
				results[i] = o.guarded(ctx, planPath, sec)
			})
		}
		wg.Wait()
	} else {
		for i, sec := range todo {
			if ctx.Err() != nil {
				results[i] = failed(sec.Name, errors.New("not started: interrupted"))
				continue
			}
			results[i] = o.guarded(ctx, planPath, sec)
		}
	}

	r := Report{Results: results, Duration: time.Since(start)}
	o.log.Info().Int("succeeded", r.Succeeded()).Int("failed", r.Failed()).Dur("duration", r.Duration).Msg("branch builds finished")
	return r
}

// guarded converts a panic in one branch into a failed result.
func (o *Orchestrator) guarded(ctx context.Context, planPath string, sec BranchSection) BranchResult {
	var (
		pc  panics.Catcher
		res BranchResult
	)
	pc.Try(func() { res = o.build(ctx, planPath, sec) })
	if rec := pc.Recovered(); rec != nil {
		o.log.Error().Str("branch", sec.Name).Str("panic", fmt.Sprint(rec.Value)).Msg("branch build panicked")
		return failed(sec.Name, rec.AsError())
	}
	return res
}

func (o *Orchestrator) build(ctx context.Context, planPath string, sec BranchSection) BranchResult {
	log := o.log.With().Str("branch", sec.Name).Logger()
	base := sec.Base
	if base == "" {
		base = o.cfg.DefaultBase
	}
	wt := o.WorktreePath(sec.Name)

	if err := os.MkdirAll(filepath.Dir(wt), 0o755); err != nil {
		return failed(sec.Name, fmt.Errorf("creating worktree root: %w", err))
	}
	if err := o.cfg.Worktrees.Add(ctx, wt, sec.Name, base); err != nil {
		return failed(sec.Name, err)
	}
	if !o.cfg.KeepWorktrees {
		defer func() {
			if err := o.cfg.Worktrees.Remove(context.WithoutCancel(ctx), wt); err != nil {
				log.Warn().Err(err).Str("worktree", wt).Msg("failed to remove worktree")
			}
		}()
	}
	log.Info().Str("worktree", wt).Str("base", base).Int("open_tasks", len(sec.OpenTasks())).Msg("worktree ready")

	if planPath != "" {
		if err := copyPlan(planPath, o.cfg.RepoDir, wt); err != nil {
			return failed(sec.Name, err)
		}
	}

	runner, err := o.cfg.NewRunner(wt, sec)
	if err != nil {
		return failed(sec.Name, fmt.Errorf("building loop: %w", err))
	}
	out, err := runner.Run(ctx)

	res := BranchResult{Branch: sec.Name, Iterations: out.Iteration, Outcome: out.Kind}
	switch {
	case err != nil:
		msg := err.Error()
		res.Error = &msg
	case !out.Success():
		msg := out.Summary()
		res.Error = &msg
	default:
		res.Success = true
	}
	log.Info().Bool("success", res.Success).Str("outcome", out.Kind.String()).Int("iteration", out.Iteration).Msg("branch loop finished")

	if res.Success && o.cfg.CreatePRs && o.cfg.PullRequests != nil {
		url, err := o.cfg.PullRequests.CreatePullRequest(ctx, wt, sec.Name, base, prTitle(sec), prBody(sec))
		if err != nil {
			log.Warn().Err(err).Msg("failed to create pull request")
		} else {
			res.PRURL = &url
			log.Info().Str("url", url).Msg("pull request created")
		}
	}
	return res
}

// copyPlan writes the plan into the worktree at the same path it has relative
// to the repository, or at the worktree root if it lives outside it.
func copyPlan(planPath, repoDir, worktree string) error {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	dest := filepath.Join(worktree, filepath.Base(planPath))
	abs, err1 := filepath.Abs(planPath)
	repo, err2 := filepath.Abs(repoDir)
	if err1 == nil && err2 == nil {
		if rel, err := filepath.Rel(repo, abs); err == nil && !strings.HasPrefix(rel, "..") {
			dest = filepath.Join(worktree, rel)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("copying plan: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("copying plan: %w", err)
	}
	return nil
}

func prTitle(sec BranchSection) string {
	if sec.Goal != "" {
		return sec.Goal
	}
	return "ralph: " + sec.Name
}

func prBody(sec BranchSection) string {
	var b strings.Builder
	if sec.Goal != "" {
		b.WriteString(sec.Goal)
		b.WriteString("\n\n")
	}
	b.WriteString("Tasks:\n")
	for _, t := range sec.Tasks {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, t.Text)
	}
	return b.String()
}
