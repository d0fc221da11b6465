// Package gitutil shells out to git (and gh) for the repository plumbing the
// loop needs: fingerprints, branch names, pushes, worktrees and pull requests.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// DefaultProtectedBranches are never pushed to by the loop.
var DefaultProtectedBranches = []string{"main", "master"}

// ErrProtectedBranch is returned by Push when HEAD is a protected branch.
var ErrProtectedBranch = errors.New("refusing to push protected branch")

// Runner executes a command in dir and returns its stdout. Stderr is folded
// into the returned error.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Run is the default Runner.
func Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), msg, err)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Git runs git commands through a Runner.
type Git struct {
	run Runner
}

// New returns a Git using r, or the real command runner when r is nil.
func New(r Runner) *Git {
	if r == nil {
		r = Run
	}
	return &Git{run: r}
}

// LastCommit returns HEAD's hash, or nil when dir has no commits or is not a
// repository.
func (g *Git) LastCommit(ctx context.Context, dir string) (*string, error) {
	out, err := g.run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	hash := strings.TrimSpace(string(out))
	if hash == "" {
		return nil, nil
	}
	return &hash, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Push pushes the current branch to origin, setting upstream. It refuses to
// push any branch listed in protected.
func (g *Git) Push(ctx context.Context, dir string, protected []string) error {
	branch, err := g.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if branch == "HEAD" {
		return errors.New("refusing to push detached HEAD")
	}
	if slices.Contains(protected, branch) {
		return fmt.Errorf("%w %q", ErrProtectedBranch, branch)
	}
	if _, err := g.run(ctx, dir, "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// CreatePullRequest opens a pull request with the gh CLI and returns its URL.
func (g *Git) CreatePullRequest(ctx context.Context, dir, branch, base, title, body string) (string, error) {
	if _, err := g.run(ctx, dir, "git", "push", "-u", "origin", branch); err != nil {
		return "", fmt.Errorf("push %s: %w", branch, err)
	}
	out, err := g.run(ctx, dir, "gh", "pr", "create",
		"--head", branch,
		"--base", base,
		"--title", title,
		"--body", body,
	)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("create pull request: unexpected gh output %q", strings.TrimSpace(string(out)))
	}
	return url, nil
}
