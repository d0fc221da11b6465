package gitutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worktrees manages git worktrees of one source repository.
type Worktrees struct {
	srcRepo string
	run     Runner
}

// NewWorktrees returns a worktree manager for the repository containing
// workDir. workDir may itself be a worktree.
func NewWorktrees(workDir string, r Runner) (*Worktrees, error) {
	src, err := ResolveSourceRepo(workDir)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = Run
	}
	return &Worktrees{srcRepo: src, run: r}, nil
}

// SrcRepo returns the main repository path.
func (w *Worktrees) SrcRepo() string { return w.srcRepo }

// Add creates a worktree at path with branch checked out. A missing branch is
// created from base. Hooks are disabled for the checkout.
func (w *Worktrees) Add(ctx context.Context, path, branch, base string) error {
	emptyHooksDir, err := os.MkdirTemp("", "ralph-nohooks")
	if err != nil {
		return fmt.Errorf("create temp hooks dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(emptyHooksDir) }()
	noHooks := []string{"-C", w.srcRepo, "-c", "core.hooksPath=" + emptyHooksDir, "worktree", "add"}

	var args []string
	if _, err := w.run(ctx, w.srcRepo, "git", "-C", w.srcRepo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		args = append(noHooks, "-b", branch, path, base)
	} else {
		args = append(noHooks, path, branch)
	}
	if _, err := w.run(ctx, w.srcRepo, "git", args...); err != nil {
		return fmt.Errorf("creating worktree for %s: %w", branch, err)
	}
	return nil
}

// Remove deletes the worktree at path. The branch is kept. A worktree that is
// already gone is not an error.
func (w *Worktrees) Remove(ctx context.Context, path string) error {
	_, err := w.run(ctx, w.srcRepo, "git", "-C", w.srcRepo, "worktree", "remove", "--force", path)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "is not a working tree") || strings.Contains(msg, "No such file") || strings.Contains(msg, "not found") {
			return nil
		}
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	return nil
}

// ResolveSourceRepo returns the main repository for workDir. If workDir is a
// worktree its .git file points back at the main repository.
func ResolveSourceRepo(workDir string) (string, error) {
	gitPath := filepath.Join(workDir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	if info.IsDir() {
		return workDir, nil
	}

	data, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}
	// Format: "gitdir: /path/to/main/repo/.git/worktrees/<name>"
	gitdir := strings.TrimSpace(string(data))
	if !strings.HasPrefix(gitdir, "gitdir: ") {
		return "", fmt.Errorf("invalid .git file format: %q", gitdir)
	}
	gitdir = strings.TrimPrefix(gitdir, "gitdir: ")
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(workDir, gitdir)
	}
	main, _, found := strings.Cut(filepath.ToSlash(gitdir), "/.git/worktrees/")
	if !found {
		return "", fmt.Errorf("cannot parse gitdir: %q", gitdir)
	}
	return filepath.FromSlash(main), nil
}

// SanitizeBranch turns a branch name into a single path component.
func SanitizeBranch(branch string) string {
	var b strings.Builder
	for _, r := range branch {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-.")
	if s == "" {
		return "branch"
	}
	return s
}
