// Package validator implements the deferred, per-group validation pass:
// page-impact tracing up the reverse-dependency graph, a production build
// check, a visual comparison for every traced page, and a synthetic
// test-driven fallback for chunks that touch no page.
package validator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"refactorctl/internal/depgraph"
	"refactorctl/internal/planparser"
	"refactorctl/internal/sandbox"
	"refactorctl/internal/visualjudge"
)

const (
	defaultBuildTimeout = 180 * time.Second
	maxParsedErrors     = 20
	defaultMaxDepth     = 10
	defaultMaxRuns      = 3
)

// ValidationError is one attributed build failure.
type ValidationError struct {
	Message     string
	FilePath    string
	LineNumber  int
	ChunkNumber int
}

// ValidationResult is the outcome of validating one page group.
type ValidationResult struct {
	Success        bool
	BuildPassed    bool
	VisualPassed   bool
	Errors         []ValidationError
	AffectedChunks []int
	// Explanation is the visual judge's summary text for the traced pages
	// (or empty when the test-driven fallback ran instead), carried
	// through so the commit message can include it per spec §6.
	Explanation string
}

// PageEntry describes one page registry row: the URL path a page resolves
// to and the MCP sessions bound to it.
type PageEntry struct {
	URLPath        string
	FilePath       string
	AuthType       visualjudge.AuthType
	LiveSession    visualjudge.McpSessionConfig
	DevSession     visualjudge.McpSessionConfig
	DynamicPattern string
}

// Registry maps page file paths to their registry entry, keyed by the
// absolute, normalized source file.
type Registry map[string]PageEntry

// BuildConfig configures the production build check.
type BuildConfig struct {
	Command []string
	WorkDir string
	Timeout time.Duration
}

// Validator runs the deferred validation pass for one page group.
type Validator struct {
	root         string
	graph        *depgraph.Graph
	env          *sandbox.Env
	judge        *visualjudge.Judge
	registry     Registry
	buildCfg     BuildConfig
	maxDepth     int
	maxRuns      int
	concurrent   bool
	slackChannel string
}

// Config wires a Validator's collaborators.
type Config struct {
	Root       string
	Graph      *depgraph.Graph
	Env        *sandbox.Env
	Judge      *visualjudge.Judge
	Registry   Registry
	Build      BuildConfig
	MaxDepth   int
	MaxRuns    int
	Concurrent bool
	// SlackChannel, when set, is forwarded to the Visual Judge so each
	// comparison posts its result there, per spec §4.11 step 7.
	SlackChannel string
}

// New creates a Validator.
func New(cfg Config) *Validator {
	maxDepth := cfg.MaxDepth
	if maxDepth == 0 {
		maxDepth = defaultMaxDepth
	}
	maxRuns := cfg.MaxRuns
	if maxRuns == 0 {
		maxRuns = defaultMaxRuns
	}
	buildCfg := cfg.Build
	if buildCfg.Timeout == 0 {
		buildCfg.Timeout = defaultBuildTimeout
	}
	return &Validator{
		root:         cfg.Root,
		graph:        cfg.Graph,
		env:          cfg.Env,
		judge:        cfg.Judge,
		registry:     cfg.Registry,
		buildCfg:     buildCfg,
		maxDepth:     maxDepth,
		maxRuns:      maxRuns,
		concurrent:   cfg.Concurrent,
		slackChannel: cfg.SlackChannel,
	}
}

var pageFileRe = regexp.MustCompile(`^(?:[A-Za-z0-9_]+Page|index|([A-Za-z0-9_]+)/\2)\.(?:jsx?|tsx?)$`)

// IsPageEntry reports whether filePath (relative to a `pages/` root)
// names a page entry per spec §4.12: a top-level `*Page.{ext}` directly
// under `pages/`, a `<Name>/index.{ext}`, or a `<Name>/<Name>.{ext}`.
// Deeper nesting and plain utility files are not entries.
func IsPageEntry(filePath string) bool {
	norm := filepath.ToSlash(filePath)
	idx := strings.LastIndex(norm, "/pages/")
	var rel string
	if idx >= 0 {
		rel = norm[idx+len("/pages/"):]
	} else if strings.HasPrefix(norm, "pages/") {
		rel = norm[len("pages/"):]
	} else {
		return false
	}

	base := path.Base(rel)
	dir := path.Dir(rel)

	if dir == "." {
		// top-level file directly in pages/: must be *Page.{ext}
		return regexp.MustCompile(`^[A-Za-z0-9_]+Page\.(jsx?|tsx?)$`).MatchString(base)
	}
	if strings.Contains(dir, "/") {
		// nested deeper than one directory under pages/ is not an entry
		return false
	}
	ext := path.Ext(base)
	if ext != ".js" && ext != ".jsx" && ext != ".ts" && ext != ".tsx" {
		return false
	}
	stem := strings.TrimSuffix(base, ext)
	return stem == "index" || stem == dir
}

// TracePageImpact walks the reverse-dependency graph upward from each
// modified file, stopping at the first page entry found on each branch,
// capped at maxDepth hops. Returns the set of traced page file paths.
func (v *Validator) TracePageImpact(modifiedFiles []string) []string {
	seen := map[string]bool{}
	var pages []string

	var walk func(file string, depth int, visited map[string]bool)
	walk = func(file string, depth int, visited map[string]bool) {
		if depth > v.maxDepth || visited[file] {
			return
		}
		visited[file] = true

		if IsPageEntry(file) {
			if !seen[file] {
				seen[file] = true
				pages = append(pages, file)
			}
			return
		}

		for _, dependent := range v.graph.Dependents(file) {
			walk(dependent, depth+1, visited)
		}
	}

	for _, f := range modifiedFiles {
		walk(f, 0, map[string]bool{})
	}

	sort.Strings(pages)
	return pages
}

// errorLineRe matches `path:line:col:` compiler/bundler diagnostics
// (tsc, webpack, esbuild, vite all emit this shape).
var errorLineRe = regexp.MustCompile(`([^\s:][^:\n]*):(\d+):(\d+):\s*(.+)`)

// RunBuild executes the configured production build and parses any
// failure output into at most maxParsedErrors ValidationErrors.
func (v *Validator) RunBuild(ctx context.Context) (bool, []ValidationError) {
	if len(v.buildCfg.Command) == 0 {
		return true, nil
	}

	buildCtx, cancel := context.WithTimeout(ctx, v.buildCfg.Timeout)
	defer cancel()

	cmd := v.env.Command(buildCtx, v.buildCfg.WorkDir, v.buildCfg.Command[0], v.buildCfg.Command[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	return false, parseBuildErrors(out.String())
}

func parseBuildErrors(output string) []ValidationError {
	var errs []ValidationError
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() && len(errs) < maxParsedErrors {
		line := scanner.Text()
		m := errorLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		errs = append(errs, ValidationError{
			Message:    strings.TrimSpace(m[4]),
			FilePath:   strings.TrimSpace(m[1]),
			LineNumber: lineNum,
		})
	}
	return errs
}

// AttributeErrors assigns each ValidationError to the chunk (by number)
// whose declared file path is the longest suffix match of the error's
// file path, per spec §4.12's failure-attribution rule.
func AttributeErrors(errs []ValidationError, chunks []planparser.ChunkData) ([]ValidationError, []int) {
	out := make([]ValidationError, len(errs))
	copy(out, errs)
	affectedSet := map[int]bool{}

	for i := range out {
		bestChunk := 0
		bestLen := -1
		for _, c := range chunks {
			for _, f := range c.Files {
				f = filepath.ToSlash(strings.TrimSpace(f))
				if f == "" || !strings.HasSuffix(filepath.ToSlash(out[i].FilePath), f) {
					continue
				}
				if len(f) > bestLen {
					bestLen = len(f)
					bestChunk = c.Number
				}
			}
		}
		if bestChunk != 0 {
			out[i].ChunkNumber = bestChunk
			affectedSet[bestChunk] = true
		}
	}

	affected := make([]int, 0, len(affectedSet))
	for n := range affectedSet {
		affected = append(affected, n)
	}
	sort.Ints(affected)
	return out, affected
}

// RunVisualChecks calls the Visual Judge once per traced page; the group
// passes only if every page passes.
func (v *Validator) RunVisualChecks(ctx context.Context, adwid string, pages []string) (bool, map[string]visualjudge.Result) {
	results := make(map[string]visualjudge.Result, len(pages))
	allPassed := true

	var sessions []visualjudge.McpSessionConfig
	for _, page := range pages {
		entry, ok := v.registry[normalizeKey(page)]
		if !ok {
			allPassed = false
			results[page] = visualjudge.Result{Verdict: visualjudge.VerdictBlocked, Summary: "page not in registry"}
			continue
		}
		sessions = append(sessions, entry.LiveSession, entry.DevSession)
	}
	// Lock cleanup failures are non-fatal: the browser launch itself will
	// surface as a BLOCKED/ERROR verdict if a profile truly couldn't be
	// taken over.
	visualjudge.GuardCleanup(sessions)

	for _, page := range pages {
		entry, ok := v.registry[normalizeKey(page)]
		if !ok {
			continue
		}
		result := v.judge.Run(ctx, visualjudge.Request{
			ADWID:        adwid,
			PagePath:     entry.URLPath,
			LiveSession:  entry.LiveSession,
			DevSession:   entry.DevSession,
			AuthType:     entry.AuthType,
			Concurrent:   v.concurrent,
			SlackChannel: v.slackChannel,
		})
		results[page] = result
		if !result.Passed {
			allPassed = false
		}
	}

	return allPassed, results
}

func normalizeKey(p string) string {
	return filepath.ToSlash(p)
}

// Validate runs the full per-group deferred validation pass described in
// spec §4.12: page-impact trace, build check, visual check (only if the
// build passed), reporting success = build_passed AND visual_passed.
func (v *Validator) Validate(ctx context.Context, adwid string, modifiedFiles []string, chunks []planparser.ChunkData) ValidationResult {
	pages := v.TracePageImpact(modifiedFiles)

	buildPassed, rawErrs := v.RunBuild(ctx)
	attributed, affected := AttributeErrors(rawErrs, chunks)

	result := ValidationResult{
		BuildPassed:    buildPassed,
		Errors:         attributed,
		AffectedChunks: affected,
	}

	if !buildPassed {
		result.VisualPassed = false
		result.Success = false
		return result
	}

	if len(pages) == 0 {
		fallbackPassed := v.runTestDrivenFallback(ctx, chunks)
		result.VisualPassed = fallbackPassed
		result.Success = buildPassed && fallbackPassed
		return result
	}

	visualPassed, visualResults := v.RunVisualChecks(ctx, adwid, pages)
	result.VisualPassed = visualPassed
	result.Success = buildPassed && visualPassed
	result.Explanation = summarizeVisualResults(pages, visualResults)
	return result
}

// summarizeVisualResults joins each traced page's verdict summary in page
// order, for use as the commit message explanation per spec §6.
func summarizeVisualResults(pages []string, results map[string]visualjudge.Result) string {
	var parts []string
	for _, page := range pages {
		r, ok := results[page]
		if !ok || r.Summary == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", page, r.Summary))
	}
	return strings.Join(parts, "\n")
}

// detectPattern classifies the kind of change between a chunk's current
// and refactored code, to drive which synthetic test to emit.
func detectPattern(chunk planparser.ChunkData) string {
	switch {
	case strings.Contains(chunk.CurrentCode, "console.log") && !strings.Contains(chunk.RefactoredCode, "console.log"):
		return "console_log_removal"
	case regexp.MustCompile(`\b\d{2,}\b`).MatchString(chunk.CurrentCode) && !regexp.MustCompile(`\b\d{2,}\b`).MatchString(chunk.RefactoredCode):
		return "magic_number_extraction"
	default:
		return "signature_tweak"
	}
}

// runTestDrivenFallback is the pageless-chunk fallback: a synthetic
// import/parse smoke check run up to maxRuns times, trusted only when
// its outcome is predictable (consistent across runs). Per spec §4.12
// this never fails the group on inconsistency -- it is logged instead.
func (v *Validator) runTestDrivenFallback(ctx context.Context, chunks []planparser.ChunkData) bool {
	for _, chunk := range chunks {
		pattern := detectPattern(chunk)

		outcomes := make([]bool, 0, v.maxRuns)
		for run := 0; run < v.maxRuns; run++ {
			outcomes = append(outcomes, v.importParseCheck(ctx, chunk, pattern))
		}
		if !predictable(outcomes) {
			// Inconsistent but non-blocking: the group is not failed for this.
			continue
		}
		if !outcomes[0] {
			return false
		}
	}
	return true
}

// importParseCheck is the synthetic test itself: every declared file must
// be found by the dependency analyzer and have no recorded parse error.
// The tree-sitter parse is error tolerant, so a file containing syntax
// errors still passes this part of the check. For a signature_tweak chunk it also
// requires the file to still export at least one symbol, a cheap
// backward-compatibility proxy for "callers can still import this".
func (v *Validator) importParseCheck(ctx context.Context, chunk planparser.ChunkData, pattern string) bool {
	if len(chunk.Files) == 0 {
		return true
	}
	analyzer := depgraph.NewAnalyzer(v.root)
	depCtx, err := analyzer.Analyze(ctx)
	if err != nil {
		return false
	}
	for _, f := range chunk.Files {
		f = filepath.ToSlash(strings.TrimSpace(f))
		var matched *depgraph.FileFacts
		for i, ff := range depCtx.Files {
			if strings.HasSuffix(filepath.ToSlash(ff.Path), f) {
				matched = &depCtx.Files[i]
				break
			}
		}
		if _, hadErr := depCtx.ParseErrors[f]; hadErr {
			return false
		}
		if matched == nil {
			return false
		}
		if pattern == "signature_tweak" && len(matched.Exports) == 0 {
			return false
		}
	}
	return true
}

func predictable(outcomes []bool) bool {
	if len(outcomes) == 0 {
		return true
	}
	first := outcomes[0]
	for _, o := range outcomes[1:] {
		if o != first {
			return false
		}
	}
	return true
}
