// Package scope tracks the set of files a single refactor group has
// touched, snapshotting original bytes so a failed group can be rolled back
// even if the git adapter's scoped reset is unavailable.
package scope

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"refactorctl/internal/gitadapter"
	"refactorctl/internal/planparser"
)

var recognizedExtensions = map[string]bool{
	".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
	".ts": true, ".tsx": true, ".json": true, ".css": true, ".scss": true,
}

var proseSentinels = map[string]bool{
	"multiple": true, "various": true, "n/a": true, "none": true, "unknown": true,
}

// Scope tracks one group's touched files and their pre-edit content.
type Scope struct {
	basePath   string
	workingDir string
	git        *gitadapter.Adapter

	tracked  map[string]string // absolute path -> original content snapshot
	trackOrd []string
}

// New creates a Scope rooted at basePath, resolving relative tracked paths
// against it, with workingDir used only for git plumbing.
func New(basePath, workingDir string, git *gitadapter.Adapter) *Scope {
	return &Scope{
		basePath:   basePath,
		workingDir: workingDir,
		git:        git,
		tracked:    make(map[string]string),
	}
}

// Track records filePath as in-scope, joining it against basePath if it
// isn't already prefixed by it, then canonicalizing and snapshotting its
// current bytes (best effort: a missing file is tracked with no snapshot).
func (s *Scope) Track(filePath string) {
	abs := s.canonicalize(filePath)
	if _, already := s.tracked[abs]; already {
		return
	}

	for _, p := range s.trackOrd {
		if p == abs {
			return
		}
	}
	if content, err := os.ReadFile(abs); err == nil {
		s.tracked[abs] = string(content)
	}
	s.trackOrd = append(s.trackOrd, abs)
}

func (s *Scope) canonicalize(filePath string) string {
	if filepath.IsAbs(filePath) {
		return filepath.Clean(filePath)
	}
	if strings.HasPrefix(filePath, s.basePath) {
		return filepath.Clean(filePath)
	}
	return filepath.Clean(filepath.Join(s.basePath, filePath))
}

var multiPathSplitRe = regexp.MustCompile(`[,\x60]`)

// TrackFromChunk interprets a chunk's declared file list: a single path, a
// comma/backtick-separated list, or prose sentinels ("multiple", "various",
// "n/a", ...) which are ignored. Only entries with a recognized source
// extension are tracked, per spec §4.10.
func (s *Scope) TrackFromChunk(chunk planparser.ChunkData) {
	var candidates []string
	if len(chunk.Files) > 0 {
		candidates = chunk.Files
	}

	for _, raw := range candidates {
		for _, part := range multiPathSplitRe.Split(raw, -1) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if proseSentinels[strings.ToLower(part)] {
				continue
			}
			ext := strings.ToLower(filepath.Ext(part))
			if !recognizedExtensions[ext] {
				continue
			}
			s.Track(part)
		}
	}
}

// ResetResult reports the outcome of ResetScoped.
type ResetResult struct {
	FilesReset       int
	FilesPreserved   int      // tracked files whose snapshot could not be restored
	UntrackedChanges []string // modified in the tree but outside scope
}

// ResetScoped asks the git adapter to check out HEAD for exactly the
// tracked file set; if that fails, it falls back to restoring in-memory
// snapshots directly. It also reports any modified files outside scope
// (untracked_changes), which ResetScoped must never touch.
func (s *Scope) ResetScoped(ctx context.Context) (ResetResult, error) {
	rel := s.relativeTrackedPaths()
	result := ResetResult{}

	gitErr := s.git.ScopedReset(ctx, rel)
	if gitErr == nil {
		result.FilesReset = len(rel)
	} else {
		for _, abs := range s.trackOrd {
			original, hadSnapshot := s.tracked[abs]
			if !hadSnapshot {
				result.FilesPreserved++
				continue
			}
			if err := os.WriteFile(abs, []byte(original), 0o644); err != nil {
				result.FilesPreserved++
				continue
			}
			result.FilesReset++
		}
	}

	modified, err := s.git.GetModifiedFiles(ctx)
	if err != nil {
		return result, fmt.Errorf("list modified files: %w", err)
	}
	trackedRel := make(map[string]bool, len(rel))
	for _, r := range rel {
		trackedRel[filepath.ToSlash(r)] = true
	}
	for _, m := range modified {
		if !trackedRel[filepath.ToSlash(m)] {
			result.UntrackedChanges = append(result.UntrackedChanges, m)
		}
	}

	return result, nil
}

func (s *Scope) relativeTrackedPaths() []string {
	rel := make([]string, 0, len(s.trackOrd))
	for _, abs := range s.trackOrd {
		r, err := filepath.Rel(s.workingDir, abs)
		if err != nil {
			r = abs
		}
		rel = append(rel, r)
	}
	return rel
}

// TrackedFiles returns the absolute paths tracked so far, in track order.
func (s *Scope) TrackedFiles() []string {
	out := make([]string, len(s.trackOrd))
	copy(out, s.trackOrd)
	return out
}
