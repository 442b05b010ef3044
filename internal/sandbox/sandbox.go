// Package sandbox builds the filtered environment every spawned subprocess in
// refactorctl must use: agent CLIs, the dev-server, git, and the project build
// command. It never lets a subprocess inherit the orchestrator's raw
// os.Environ() unfiltered.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrEnvMissing is returned when a required environment variable is absent
// at the time a sandboxed operation needs it.
var ErrEnvMissing = errors.New("required environment variable missing")

// Passthrough lists the credential and behavioral environment variables that
// are explicitly allowed to cross from the operator's shell into a spawned
// subprocess. Everything else in os.Environ() is dropped.
var Passthrough = []string{
	"PATH",
	"HOME",
	"TMPDIR",
	"LANG",
	"LC_ALL",
	"ANTHROPIC_API_KEY",
	"CLAUDE_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"GITHUB_TOKEN",
	"GIT_TOKEN",
	"ADW_WEBHOOK_URL",
	"ADW_SLACK_BOT_TOKEN",
	"ADW_SLACK_DEFAULT_CHANNEL",
	"ADW_DISABLE_FALLBACK",
	"DO_NOT_TRACK",
}

// Env is a filtered, line-buffered environment map ready to hand to
// exec.Cmd.Env.
type Env struct {
	vars map[string]string
}

// Build constructs the sandboxed environment for a working directory. It
// always includes PWD set to dir, PYTHONUNBUFFERED=1 for line-buffering
// semantics expected by tooling that shells out to Python-based build steps,
// and every variable in Passthrough that is set to a non-empty value in the
// operator's environment (an empty value counts as absent).
func Build(dir string) *Env {
	e := &Env{vars: make(map[string]string, len(Passthrough)+2)}
	for _, key := range Passthrough {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			e.vars[key] = val
		}
	}
	e.vars["PYTHONUNBUFFERED"] = "1"
	if dir != "" {
		e.vars["PWD"] = dir
	}
	return e
}

// Require fails with ErrEnvMissing if key is not present in the sandboxed
// environment. Call this before an operation that cannot proceed without it
// (e.g. the agent driver needing a provider API key).
func (e *Env) Require(key string) error {
	if _, ok := e.vars[key]; !ok {
		return fmt.Errorf("%w: %s", ErrEnvMissing, key)
	}
	return nil
}

// Set overrides or adds a variable, for callers that need to inject a
// value the passthrough list doesn't cover (e.g. a per-call MCP profile
// directory).
func (e *Env) Set(key, val string) {
	e.vars[key] = val
}

// Slice renders the environment as a "KEY=VALUE" slice suitable for
// exec.Cmd.Env.
func (e *Env) Slice() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+v)
	}
	return out
}

// Command builds an *exec.Cmd wired to this sandbox: working directory set,
// environment replaced (not inherited), ready for the caller to attach
// stdin/stdout/stderr and Start/Run.
//
// Every subprocess invoked anywhere in refactorctl must be constructed
// through this method, never exec.Command directly.
func (e *Env) Command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = e.Slice()
	return cmd
}
