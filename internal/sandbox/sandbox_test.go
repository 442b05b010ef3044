package sandbox

import (
	"context"
	"testing"
)

func clearEnvVars(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestBuild_PassesThroughAllowlistedVarsOnly(t *testing.T) {
	clearEnvVars(t, Passthrough...)
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("SOME_RANDOM_SECRET", "leak-me-not")

	env := Build("/work")
	slice := env.Slice()

	found := map[string]bool{}
	for _, kv := range slice {
		found[kv] = true
	}
	if !found["PATH=/usr/bin"] {
		t.Fatalf("expected PATH to pass through, got %v", slice)
	}
	if !found["ANTHROPIC_API_KEY=sk-test"] {
		t.Fatalf("expected ANTHROPIC_API_KEY to pass through, got %v", slice)
	}
	for _, kv := range slice {
		if kv == "SOME_RANDOM_SECRET=leak-me-not" {
			t.Fatalf("non-allowlisted var leaked into sandbox: %v", slice)
		}
	}
}

func TestBuild_SetsPWDAndLineBuffering(t *testing.T) {
	env := Build("/work/dir")
	slice := env.Slice()
	want := map[string]string{
		"PWD":              "/work/dir",
		"PYTHONUNBUFFERED": "1",
	}
	got := map[string]string{}
	for _, kv := range slice {
		for k := range want {
			if len(kv) > len(k)+1 && kv[:len(k)+1] == k+"=" {
				got[k] = kv[len(k)+1:]
			}
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("expected %s=%s, got %s=%s", k, v, k, got[k])
		}
	}
}

func TestEnv_Require(t *testing.T) {
	clearEnvVars(t, Passthrough...)
	env := Build("/work")
	if err := env.Require("ANTHROPIC_API_KEY"); err == nil {
		t.Fatal("expected ErrEnvMissing when key absent")
	}
	env.Set("ANTHROPIC_API_KEY", "sk-123")
	if err := env.Require("ANTHROPIC_API_KEY"); err != nil {
		t.Fatalf("unexpected error after Set: %v", err)
	}
}

func TestEnv_Command(t *testing.T) {
	env := Build("/work")
	cmd := env.Command(context.Background(), "/work", "true")
	if cmd.Dir != "/work" {
		t.Fatalf("expected Dir=/work, got %s", cmd.Dir)
	}
	if len(cmd.Env) == 0 {
		t.Fatal("expected sandboxed Env to be non-empty")
	}
}
