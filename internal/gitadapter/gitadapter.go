// Package gitadapter wraps the subset of git plumbing the orchestrator
// needs: scoped staging, commit, scoped reset, and modified/staged file
// queries, all relative to a single project root.
package gitadapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"refactorctl/internal/sandbox"
)

// Adapter runs git subprocesses against a fixed root.
type Adapter struct {
	root string
	env  *sandbox.Env
}

// New creates an Adapter rooted at root, using env for subprocess sandboxing.
func New(root string, env *sandbox.Env) *Adapter {
	return &Adapter{root: root, env: env}
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := a.env.Command(ctx, a.root, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// GetModifiedFiles returns paths with unstaged working-tree modifications,
// via `git status --porcelain`.
func (a *Adapter) GetModifiedFiles(ctx context.Context) ([]string, error) {
	out, stderr, err := a.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w (stderr: %s)", err, stderr)
	}
	return parsePorcelain(out, func(x, y byte) bool { return y != ' ' && y != 0 }), nil
}

// GetStagedFiles returns paths staged for commit, via `git status --porcelain`.
func (a *Adapter) GetStagedFiles(ctx context.Context) ([]string, error) {
	out, stderr, err := a.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w (stderr: %s)", err, stderr)
	}
	return parsePorcelain(out, func(x, y byte) bool { return x != ' ' && x != '?' && x != 0 }), nil
}

// parsePorcelain extracts file paths from `git status --porcelain` output,
// applying keep(indexStatus, worktreeStatus) to each two-character status
// prefix to decide whether the line's path belongs in the result.
func parsePorcelain(out string, keep func(x, y byte) bool) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		if !keep(x, y) {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, path)
	}
	return files
}

// Stage runs `git add` for exactly the given paths. Passing "." stages
// everything, matching the orchestrator's post-validation commit step.
func (a *Adapter) Stage(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add"}, paths...)
	_, stderr, err := a.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("git add: %w (stderr: %s)", err, stderr)
	}
	return nil
}

// Commit creates a commit with message. If nothing is actually staged, this
// is a no-op reported as success (per spec: "commit fails (rare - usually
// nothing to commit) is treated as warning-success").
func (a *Adapter) Commit(ctx context.Context, message string) (committed bool, err error) {
	out, _, statusErr := a.run(ctx, "status", "--porcelain")
	if statusErr != nil {
		return false, fmt.Errorf("git status: %w", statusErr)
	}
	stagedAny := false
	for _, line := range strings.Split(out, "\n") {
		if len(line) >= 2 && line[0] != ' ' && line[0] != '?' {
			stagedAny = true
			break
		}
	}
	if !stagedAny {
		return false, nil
	}

	_, stderr, err := a.run(ctx, "commit", "-m", message)
	if err != nil {
		return false, fmt.Errorf("git commit: %w (stderr: %s)", err, stderr)
	}
	return true, nil
}

// ScopedReset performs `git checkout HEAD -- <paths>`, reverting only the
// listed paths. Files outside paths are left untouched, however dirty.
func (a *Adapter) ScopedReset(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"checkout", "HEAD", "--"}, paths...)
	_, stderr, err := a.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("git checkout HEAD -- <paths>: %w (stderr: %s)", err, stderr)
	}
	return nil
}

// HardReset brings the worktree fully back to HEAD. Only used by legacy
// chunk-level paths per spec §4.4 — the group-level orchestrator relies on
// ScopedReset instead.
func (a *Adapter) HardReset(ctx context.Context) error {
	_, stderr, err := a.run(ctx, "reset", "--hard", "HEAD")
	if err != nil {
		return fmt.Errorf("git reset --hard: %w (stderr: %s)", err, stderr)
	}
	return nil
}
