package runlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesHeaderAndSupportsAppend(t *testing.T) {
	root := t.TempDir()
	l, err := New(Config{Root: root, RunType: "refactor", Now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})
	require.NoError(t, err)

	l.PhaseStart(context.Background(), "audit", false)
	l.Step(context.Background(), "invoking audit agent", false)
	l.PhaseComplete(context.Background(), "audit", true, nil, false)
	require.NoError(t, l.Finalize(context.Background(), true, false))

	entries, err := os.ReadDir(filepath.Join(root, "adw_run_logs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "20260102_030405_refactor_run.log")

	data, err := os.ReadFile(filepath.Join(root, "adw_run_logs", entries[0].Name()))
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "PHASE START: audit")
	require.Contains(t, content, "invoking audit agent")
	require.Contains(t, content, "PHASE COMPLETE: audit [OK]")
	require.Contains(t, content, "RUN FINISHED: SUCCESS")
}

func TestFinalize_FailureStatus(t *testing.T) {
	root := t.TempDir()
	l, err := New(Config{Root: root, RunType: "refactor"})
	require.NoError(t, err)
	require.NoError(t, l.Finalize(context.Background(), false, false))

	entries, _ := os.ReadDir(filepath.Join(root, "adw_run_logs"))
	data, _ := os.ReadFile(filepath.Join(root, "adw_run_logs", entries[0].Name()))
	require.Contains(t, string(data), "RUN FINISHED: FAILURE")
}

func TestSummary_WritesKeyValues(t *testing.T) {
	root := t.TempDir()
	l, err := New(Config{Root: root, RunType: "refactor"})
	require.NoError(t, err)
	l.Summary(map[string]any{"chunks_implemented": 3})
	require.NoError(t, l.Finalize(context.Background(), true, false))

	entries, _ := os.ReadDir(filepath.Join(root, "adw_run_logs"))
	data, _ := os.ReadFile(filepath.Join(root, "adw_run_logs", entries[0].Name()))
	require.Contains(t, string(data), "chunks_implemented: 3")
}
