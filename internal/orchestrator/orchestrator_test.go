package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"refactorctl/internal/agent"
	"refactorctl/internal/devserver"
	"refactorctl/internal/gitadapter"
	"refactorctl/internal/planparser"
	"refactorctl/internal/sandbox"
	"refactorctl/internal/scope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("export const a = 1;\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return root
}

func newTestOrchestrator(t *testing.T, root string) *Orchestrator {
	t.Helper()
	return New(Config{
		ProjectRoot: root,
		Git:         gitadapter.New(root, sandbox.Build(root)),
		AgentDriver: agent.New(agent.Config{
			Primary:    agent.ProviderClaude,
			PromptRoot: filepath.Join(root, "agents"),
			Env:        sandbox.Build(root),
		}),
	})
}

func TestLocatePlan_FindsDeterministicPathPreferringLatest(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "adws", "adw_plans")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260101_000000_code_refactor_plan.md"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260731_120000_code_refactor_plan.md"), []byte("new"), 0o644))

	o := newTestOrchestrator(t, root)
	path, err := o.locatePlan()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "20260731_120000_code_refactor_plan.md"), path)
}

func TestLocatePlan_FallsBackToRecursiveSearch(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "somewhere", "else")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	planPath := filepath.Join(nested, "adws", "adw_plans", "20260731_120000_code_refactor_plan.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(planPath), 0o755))
	require.NoError(t, os.WriteFile(planPath, []byte("plan"), 0o644))

	o := newTestOrchestrator(t, root)
	path, err := o.locatePlan()
	require.NoError(t, err)
	require.Equal(t, planPath, path)
}

func TestLocatePlan_FailsWhenNoneFound(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, root)
	_, err := o.locatePlan()
	require.Error(t, err)
}

func TestRunParsePhase_EmptyPlanFails(t *testing.T) {
	root := t.TempDir()
	planPath := filepath.Join(root, "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("# nothing actionable here\n"), 0o644))

	o := newTestOrchestrator(t, root)
	result := &OrchestrationResult{PhaseDurations: map[Phase]time.Duration{}}
	_, _, err := o.runParsePhase(result, planPath)
	require.Error(t, err)
}

func TestRunParsePhase_MissingFileFails(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, root)
	result := &OrchestrationResult{PhaseDurations: map[Phase]time.Duration{}}
	_, _, err := o.runParsePhase(result, filepath.Join(root, "missing.md"))
	require.Error(t, err)
}

func TestCommitGroup_NoOpCommitReturnsWarningNotError(t *testing.T) {
	root := initRepo(t)
	o := newTestOrchestrator(t, root)
	chunks := []planparser.ChunkData{{Number: 1}}

	warning, err := o.commitGroup(context.Background(), "home", chunks, "")
	require.NoError(t, err)
	require.Contains(t, warning, "no file changes")
}

func TestCommitGroup_CommitsStagedChanges(t *testing.T) {
	root := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("export const a = 2;\n"), 0o644))
	o := newTestOrchestrator(t, root)
	chunks := []planparser.ChunkData{{Number: 1}}

	warning, err := o.commitGroup(context.Background(), "/search", chunks, "")
	require.NoError(t, err)
	require.Empty(t, warning)

	out, cmdErr := exec.Command("git", "-C", root, "log", "--oneline").CombinedOutput()
	require.NoError(t, cmdErr)
	require.Contains(t, string(out), "refactor(/search): Implement chunks 1")
}

func TestCommitGroup_IncludesExplanationAndMultipleChunkIDs(t *testing.T) {
	root := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("export const a = 2;\n"), 0o644))
	o := newTestOrchestrator(t, root)
	chunks := []planparser.ChunkData{{Number: 3}, {Number: 1}, {Number: 2}}

	warning, err := o.commitGroup(context.Background(), "/search", chunks, "visual parity confirmed")
	require.NoError(t, err)
	require.Empty(t, warning)

	out, cmdErr := exec.Command("git", "-C", root, "log", "-1", "--format=%B").CombinedOutput()
	require.NoError(t, cmdErr)
	require.Contains(t, string(out), "refactor(/search): Implement chunks 1, 2, 3")
	require.Contains(t, string(out), "visual parity confirmed")
}

func TestResetAndSkip_MarksGroupSkippedAndNotifies(t *testing.T) {
	root := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("export const a = 999;\n"), 0o644))
	o := newTestOrchestrator(t, root)

	s := scope.New(root, root, o.cfg.Git)
	s.Track("a.ts")

	result := GroupResult{Key: "home"}
	o.resetAndSkip(context.Background(), s, &result, "implementation agent failed")

	require.Equal(t, GroupSkipped, result.Status)
	require.Contains(t, result.Error, "implementation agent failed")

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	require.Equal(t, "export const a = 1;\n", string(content))
}

func TestRunGroup_ImplementationAgentFailureSkipsGroup(t *testing.T) {
	root := initRepo(t)
	bin := t.TempDir()
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	script := "#!/bin/sh\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "claude"), []byte(script), 0o755))

	o := newTestOrchestrator(t, root)
	chunks := []planparser.ChunkData{{Number: 1, Title: "rename", Files: []string{"a.ts"}}}

	// A short deadline makes the driver's retry backoff select on
	// ctx.Done() instead of sleeping out the full exponential schedule.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, fatalErr := o.runGroup(ctx, nil, "home", chunks)
	require.NoError(t, fatalErr)
	require.Equal(t, GroupSkipped, result.Status)
	require.NotEmpty(t, result.Error)
}

func TestRunGroup_DevServerRestartFailureAbortsPipeline(t *testing.T) {
	root := initRepo(t)
	bin := t.TempDir()
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	script := "#!/bin/sh\ncat >/dev/null\necho '{\"type\":\"result\",\"is_error\":false,\"result\":\"done\"}'\n"
	require.NoError(t, os.WriteFile(filepath.Join(bin, "claude"), []byte(script), 0o755))

	o := newTestOrchestrator(t, root)
	chunks := []planparser.ChunkData{{Number: 1, Title: "rename", Files: []string{"a.ts"}}}

	dev := devserver.New(devserver.Config{
		Command:      []string{"true"},
		WorkDir:      root,
		Port:         18732,
		ReadyTimeout: 2 * time.Second,
	}, sandbox.Build(root))

	result, fatalErr := o.runGroup(context.Background(), dev, "home", chunks)
	require.ErrorIs(t, fatalErr, ErrDevServerFatal)
	require.Equal(t, GroupSkipped, result.Status)
	require.NotEmpty(t, result.Error)
}

func TestSanitizeKey(t *testing.T) {
	require.Equal(t, "search-page", sanitizeKey("/search-page"))
	require.Equal(t, "home", sanitizeKey("home"))
	require.Equal(t, "no-pages-specified", sanitizeKey("(no pages specified)"))
}

func TestBuildImplementationPrompt_IncludesAllChunks(t *testing.T) {
	chunks := []planparser.ChunkData{
		{Number: 1, Title: "extract constant", Files: []string{"a.ts"}, CurrentCode: "const x = 86400", RefactoredCode: "const x = SECONDS_PER_DAY"},
		{Number: 2, Title: "remove log", Files: []string{"b.ts"}, CurrentCode: "console.log(1)", RefactoredCode: ""},
	}
	prompt := buildImplementationPrompt("home", chunks)
	require.Contains(t, prompt, "CHUNK 1: extract constant")
	require.Contains(t, prompt, "CHUNK 2: remove log")
	require.Contains(t, prompt, "group: home")
	require.Contains(t, prompt, "Do not commit")
}
