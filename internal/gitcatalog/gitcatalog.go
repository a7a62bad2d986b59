// Package gitcatalog checks out (or refreshes) a git directory holding the
// Reconciler's declarative JSON repository descriptors and
// parses them. It adapts a shell-out Runner abstraction from worktree
// management to a plain clone-or-pull, since the Reconciler only ever
// reads a checkout, never commits to it.
package gitcatalog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes git commands in a directory, an interface so tests can
// substitute a fake without shelling out.
type Runner interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

type osRunner struct{}

func (osRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// DefaultRunner is the real git-backed Runner.
var DefaultRunner Runner = osRunner{}

// Checkout keeps dir as a clone of repoURL: it clones if dir is absent,
// otherwise fetches and hard-resets to origin's default branch. The
// Reconciler treats the catalog as read-only, so there is no push path.
func Checkout(ctx context.Context, runner Runner, repoURL, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if _, err := runner.Exec(ctx, ".", "clone", repoURL, dir); err != nil {
			return fmt.Errorf("gitcatalog: clone %s: %w", repoURL, err)
		}
		return nil
	}

	if _, err := runner.Exec(ctx, dir, "fetch", "origin"); err != nil {
		return fmt.Errorf("gitcatalog: fetch: %w", err)
	}
	if _, err := runner.Exec(ctx, dir, "reset", "--hard", "origin/HEAD"); err != nil {
		return fmt.Errorf("gitcatalog: reset: %w", err)
	}
	return nil
}
