package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitClient is the repository surface the sync service drives. The
// production implementation shells out to the git command; tests inject a
// fake backed by a temp directory.
type GitClient interface {
	// EnsureRepo clones the repository if the working tree does not exist
	// yet and checks out the configured branch. It reports whether a
	// fresh clone happened.
	EnsureRepo(ctx context.Context) (bool, error)

	// Fetch updates remote tracking references.
	Fetch(ctx context.Context) error

	// Head returns the local branch head commit.
	Head(ctx context.Context) (string, error)

	// RemoteHead returns the remote tracking branch head commit.
	RemoteHead(ctx context.Context) (string, error)

	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// FastForward advances the local branch along the remote history.
	FastForward(ctx context.Context) error

	// ResetHard discards local history and resets to the remote head.
	ResetHard(ctx context.Context) error

	// ListFiles returns the tracked file paths, relative to the work
	// tree, used to verify a materialized tree is complete.
	ListFiles(ctx context.Context) ([]string, error)

	// WorkTree returns the absolute path of the checkout.
	WorkTree() string
}

// ShellGit implements GitClient by shelling out to git.
type ShellGit struct {
	url      string
	branch   string
	workTree string
}

// NewShellGit creates a git client for url checked out at workTree.
func NewShellGit(url, branch, workTree string) *ShellGit {
	return &ShellGit{url: url, branch: branch, workTree: workTree}
}

func (g *ShellGit) WorkTree() string {
	return g.workTree
}

func (g *ShellGit) EnsureRepo(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(g.workTree, ".git")); err == nil {
		if _, err := g.run(ctx, "checkout", g.branch); err != nil {
			return false, fmt.Errorf("git checkout failed: %w", err)
		}
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.workTree), 0o755); err != nil {
		return false, fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--branch", g.branch, g.url, g.workTree)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return true, nil
}

func (g *ShellGit) Fetch(ctx context.Context) error {
	if _, err := g.run(ctx, "fetch", "origin", g.branch); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

func (g *ShellGit) Head(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *ShellGit) RemoteHead(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "origin/"+g.branch)
	if err != nil {
		return "", fmt.Errorf("git rev-parse origin/%s failed: %w", g.branch, err)
	}
	return strings.TrimSpace(out), nil
}

func (g *ShellGit) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", g.workTree, "merge-base", "--is-ancestor", ancestor, descendant)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base failed: %w", err)
}

func (g *ShellGit) FastForward(ctx context.Context) error {
	if _, err := g.run(ctx, "merge", "--ff-only", "origin/"+g.branch); err != nil {
		return fmt.Errorf("git fast-forward failed: %w", err)
	}
	return nil
}

func (g *ShellGit) ResetHard(ctx context.Context) error {
	if _, err := g.run(ctx, "reset", "--hard", "origin/"+g.branch); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

func (g *ShellGit) ListFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "ls-files")
	if err != nil {
		return nil, fmt.Errorf("git ls-files failed: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *ShellGit) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.workTree}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
