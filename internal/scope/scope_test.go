package scope

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"refactorctl/internal/gitadapter"
	"refactorctl/internal/planparser"
	"refactorctl/internal/sandbox"
)

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
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.ts"), []byte("export const b = 2;\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return root
}

func TestTrack_SnapshotsOriginalContent(t *testing.T) {
	root := initRepo(t)
	git := gitadapter.New(root, sandbox.Build(root))
	s := New(root, root, git)

	s.Track("a.ts")
	require.Equal(t, []string{filepath.Join(root, "a.ts")}, s.TrackedFiles())

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("export const a = 999;\n"), 0o644))
	require.Equal(t, "export const a = 1;\n", s.tracked[filepath.Join(root, "a.ts")])
}

func TestTrackFromChunk_IgnoresProseSentinelsAndUnrecognizedExtensions(t *testing.T) {
	root := initRepo(t)
	git := gitadapter.New(root, sandbox.Build(root))
	s := New(root, root, git)

	s.TrackFromChunk(planparser.ChunkData{Files: []string{"multiple", "a.ts, `b.ts`", "README.md"}})

	tracked := s.TrackedFiles()
	require.Len(t, tracked, 2)
	require.Contains(t, tracked, filepath.Join(root, "a.ts"))
	require.Contains(t, tracked, filepath.Join(root, "b.ts"))
}

func TestResetScoped_RestoresTrackedAndReportsUntracked(t *testing.T) {
	root := initRepo(t)
	git := gitadapter.New(root, sandbox.Build(root))
	s := New(root, root, git)

	s.Track("a.ts")

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("export const a = 999;\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.ts"), []byte("export const b = 999;\n"), 0o644))

	result, err := s.ResetScoped(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.FilesReset)
	require.Contains(t, result.UntrackedChanges, "b.ts")

	content, err := os.ReadFile(filepath.Join(root, "a.ts"))
	require.NoError(t, err)
	require.Equal(t, "export const a = 1;\n", string(content))

	content, err = os.ReadFile(filepath.Join(root, "b.ts"))
	require.NoError(t, err)
	require.Equal(t, "export const b = 999;\n", string(content))
}
