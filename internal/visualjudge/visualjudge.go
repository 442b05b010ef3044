// Package visualjudge decides whether a dev URL is visually and
// functionally equivalent to its production counterpart under a bound
// MCP session, by driving an agent to navigate both, screenshot, and
// compare, then normalizing its verdict against contradictory output.
package visualjudge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"refactorctl/internal/agent"
)

// AuthType names which authenticated role a session binds to.
type AuthType string

const (
	AuthHost   AuthType = "host"
	AuthGuest  AuthType = "guest"
	AuthPublic AuthType = "public"
)

// Environment names which deployment a session points at.
type Environment string

const (
	EnvLive Environment = "live"
	EnvDev  Environment = "dev"
)

// McpSessionConfig is the immutable binding a Visual Judge call addresses
// a browser profile with: a session may only be used against its own
// base URL.
type McpSessionConfig struct {
	SessionName string
	BaseURL     string
	Environment Environment
	AuthType    AuthType
	UserDataDir string
}

const (
	minConfidence       = 80
	defaultMaxRetries   = 2
	baseRetryDelay      = 2 * time.Second
	defaultAgentTimeout = 10 * time.Minute
)

// Severity classifies one visual difference.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Difference is one discrepancy the agent (or verdict normalization)
// reported between live and dev.
type Difference struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Verdict is the raw classification before/after normalization.
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictFail    Verdict = "FAIL"
	VerdictError   Verdict = "ERROR"
	VerdictBlocked Verdict = "BLOCKED"
)

// Result is the final, normalized outcome of a Judge call.
type Result struct {
	Verdict       Verdict
	Confidence    int
	Differences   []Difference
	Summary       string
	Passed        bool
	RawOutput     string
	Accessibility map[string]string // populated only for BLOCKED
}

// Request describes one comparison call.
type Request struct {
	ADWID         string
	PagePath      string
	LiveSession   McpSessionConfig
	DevSession    McpSessionConfig
	AuthType      AuthType
	Concurrent    bool
	MaxRetries    int
	AgentProvider agent.Provider
	// LocalCapture, when set, has the Judge itself launch a headless
	// browser and screenshot both bindings before prompting the agent,
	// instead of relying solely on the agent's own MCP browser tool.
	LocalCapture   bool
	ScreenshotRoot string
	// SlackChannel, when non-empty, has Run post the verdict to this
	// channel and attempt to attach both screenshots from their
	// conventional on-disk location, per spec §4.11 step 7.
	SlackChannel string
}

// Judge drives the agent and normalizes its verdict.
type Judge struct {
	driver     *agent.Driver
	httpClient *http.Client
	slack      *SlackReporter
}

// New creates a Judge backed by driver.
func New(driver *agent.Driver) *Judge {
	return &Judge{driver: driver, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// WithSlack attaches a SlackReporter; a nil reporter (e.g. from
// NewSlackReporter with no bot token configured) leaves Run's Slack
// posting a no-op regardless of Request.SlackChannel.
func (j *Judge) WithSlack(r *SlackReporter) *Judge {
	j.slack = r
	return j
}

// Run executes the full state machine described in spec §4.11: optional
// preflight, prompt build, agent call, parse, verdict normalization, and
// retry-on-ERROR.
func (j *Judge) Run(ctx context.Context, req Request) Result {
	if req.Concurrent {
		if blocked, result := j.preflight(ctx, req); blocked {
			j.notifySlack(ctx, req, result)
			return result
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	var last Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		last = j.attempt(ctx, req)
		if last.Verdict != VerdictError {
			j.notifySlack(ctx, req, last)
			return last
		}
		if attempt == maxRetries {
			break
		}
		delay := time.Duration(math.Pow(baseRetryDelay.Seconds(), float64(attempt+1)) * float64(time.Second))
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			j.notifySlack(ctx, req, last)
			return last
		case <-time.After(delay):
		}
	}
	j.notifySlack(ctx, req, last)
	return last
}

// notifySlack best-effort posts the verdict to req.SlackChannel, attaching
// both screenshots when they exist at their conventional on-disk location.
// A posting failure never changes the returned Result, mirroring the
// original's try/except around its own Slack call.
func (j *Judge) notifySlack(ctx context.Context, req Request, result Result) {
	if j.slack == nil || req.SlackChannel == "" {
		return
	}
	live, dev := conventionalScreenshotPaths(req)
	_ = j.slack.PostParityResult(ctx, req.SlackChannel, req.PagePath, result, live, dev)
}

// conventionalScreenshotPaths returns the paths captureScreenshots would
// have written to for this request, whether or not LocalCapture ran.
func conventionalScreenshotPaths(req Request) (live, dev string) {
	root := req.ScreenshotRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "refactorctl-visualjudge")
	}
	dir := filepath.Join(root, req.ADWID, sanitizePathSegment(req.PagePath))
	return filepath.Join(dir, "live.png"), filepath.Join(dir, "dev.png")
}

// preflight HEADs both bound URLs in concurrent mode; a >=500 or
// unreachable response short-circuits straight to BLOCKED without
// spending any LLM budget.
func (j *Judge) preflight(ctx context.Context, req Request) (bool, Result) {
	accessibility := map[string]string{}
	blocked := false

	for label, url := range map[string]string{"live": req.LiveSession.BaseURL, "dev": req.DevSession.BaseURL} {
		status, err := j.head(ctx, url)
		switch {
		case err != nil:
			accessibility[label] = fmt.Sprintf("unreachable: %v", err)
			blocked = true
		case status >= 500:
			accessibility[label] = fmt.Sprintf("status %d", status)
			blocked = true
		default:
			accessibility[label] = fmt.Sprintf("status %d", status)
		}
	}

	if !blocked {
		return false, Result{}
	}
	return true, Result{
		Verdict:       VerdictBlocked,
		Passed:        false,
		Accessibility: accessibility,
	}
}

func (j *Judge) head(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (j *Judge) attempt(ctx context.Context, req Request) Result {
	prompt := buildPrompt(req)

	if req.LocalCapture {
		capturePrompt, err := j.captureScreenshots(ctx, req)
		if err != nil {
			return Result{Verdict: VerdictError, Summary: fmt.Sprintf("local capture failed: %v", err)}
		}
		prompt = capturePrompt + "\n\n" + prompt
	}

	agentReq := agent.Request{
		ADWID:     req.ADWID,
		AgentName: "visual-judge",
		Prompt:    prompt,
		Timeout:   defaultAgentTimeout,
	}

	agentResult, err := j.driver.Run(ctx, agentReq)
	if err != nil {
		return Result{Verdict: VerdictError, Summary: err.Error(), RawOutput: agentResult.OutputText}
	}

	return normalize(agentResult.OutputText)
}

// captureScreenshots drives a local SessionManager to launch a headless
// browser, navigate both bindings, and screenshot each, returning a prompt
// preamble pointing the agent at the saved image files.
func (j *Judge) captureScreenshots(ctx context.Context, req Request) (string, error) {
	sm := NewSessionManager(true)
	if err := sm.Start([]McpSessionConfig{req.LiveSession, req.DevSession}); err != nil {
		return "", err
	}
	defer sm.Shutdown()

	root := req.ScreenshotRoot
	if root == "" {
		root = filepath.Join(os.TempDir(), "refactorctl-visualjudge")
	}
	dir := filepath.Join(root, req.ADWID, sanitizePathSegment(req.PagePath))

	livePath, err := sm.CaptureToFile(ctx, "live", req.LiveSession.BaseURL, dir)
	if err != nil {
		return "", fmt.Errorf("capture live: %w", err)
	}
	devPath, err := sm.CaptureToFile(ctx, "dev", req.DevSession.BaseURL, dir)
	if err != nil {
		return "", fmt.Errorf("capture dev: %w", err)
	}

	return fmt.Sprintf("Locally captured screenshots are available at:\n- live: %s\n- dev: %s\nOpen and compare both before responding.", livePath, devPath), nil
}

func sanitizePathSegment(s string) string {
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return "root"
	}
	return strings.ReplaceAll(s, "/", "_")
}

func buildPrompt(req Request) string {
	if req.Concurrent {
		return concurrentPrompt(req)
	}
	return sequentialPrompt(req)
}

func sequentialPrompt(req Request) string {
	return fmt.Sprintf(`/compare-visual

Navigate to the LIVE page first, capture a screenshot, then navigate to the
DEV page, capture a screenshot, and compare them.

- Live URL: %s (session %q, auth %q)
- Dev URL: %s (session %q, auth %q)
- Page: %s

Respond with a single JSON object only, no prose, matching:
{"verdict": "PASS"|"FAIL"|"ERROR", "confidence": 0-100, "visual_differences": [{"type": "...", "description": "...", "severity": "critical"|"major"|"minor"}], "summary": "..."}
`, req.LiveSession.BaseURL, req.LiveSession.SessionName, req.LiveSession.AuthType,
		req.DevSession.BaseURL, req.DevSession.SessionName, req.DevSession.AuthType, req.PagePath)
}

func concurrentPrompt(req Request) string {
	return fmt.Sprintf(`/compare-visual

Two MCP sessions are already open. Each session MUST navigate *only* to
its bound base URL below — this binding is mandatory and must not be
violated:

- Session %q is bound to %s (live, auth %q) — never navigate it elsewhere.
- Session %q is bound to %s (dev, auth %q) — never navigate it elsewhere.

Screenshot each session's page for %s and compare them.

Respond with a single JSON object only, no prose, matching:
{"verdict": "PASS"|"FAIL"|"ERROR", "confidence": 0-100, "visual_differences": [{"type": "...", "description": "...", "severity": "critical"|"major"|"minor"}], "summary": "..."}
`, req.LiveSession.SessionName, req.LiveSession.BaseURL, req.LiveSession.AuthType,
		req.DevSession.SessionName, req.DevSession.BaseURL, req.DevSession.AuthType, req.PagePath)
}

type rawVerdict struct {
	Verdict           string       `json:"verdict"`
	Confidence        int          `json:"confidence"`
	VisualDifferences []Difference `json:"visual_differences"`
	Summary           string       `json:"summary"`
}

// normalize extracts the first JSON object from raw agent output and
// applies the verdict-contradiction rules from spec §4.11.
func normalize(raw string) Result {
	obj := extractFirstJSONObject(raw)
	if obj == "" {
		return Result{Verdict: VerdictError, Summary: "no JSON object in agent output", RawOutput: raw}
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(obj), &rv); err != nil {
		return Result{Verdict: VerdictError, Summary: fmt.Sprintf("unparseable verdict JSON: %v", err), RawOutput: raw}
	}

	result := Result{
		Verdict:     Verdict(strings.ToUpper(rv.Verdict)),
		Confidence:  rv.Confidence,
		Differences: rv.VisualDifferences,
		Summary:     rv.Summary,
		RawOutput:   raw,
	}

	switch result.Verdict {
	case VerdictPass:
		if len(result.Differences) > 0 {
			result.Verdict = VerdictFail
		} else if result.Confidence < minConfidence {
			result.Verdict = VerdictError
			result.Differences = append(result.Differences, Difference{
				Type: "low_confidence", Description: fmt.Sprintf("confidence %d below threshold %d", result.Confidence, minConfidence), Severity: SeverityMinor,
			})
		}
	case VerdictFail:
		if len(result.Differences) == 0 {
			result.Differences = append(result.Differences, Difference{
				Type: "unspecified", Description: "verdict FAIL with no listed differences", Severity: SeverityMajor,
			})
		}
	case VerdictError:
		// already ERROR, nothing to do
	default:
		result.Verdict = VerdictError
		result.Differences = append(result.Differences, Difference{
			Type: "invalid_verdict", Description: fmt.Sprintf("unrecognized verdict %q", rv.Verdict), Severity: SeverityMinor,
		})
	}

	result.Passed = result.Verdict == VerdictPass
	return result
}

// extractFirstJSONObject returns the substring spanning the first
// balanced `{...}` object in s, or "" if none is found.
func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// GuardCleanup is the mandatory pre-run hygiene preamble: it removes
// Chromium's singleton lock files (SingletonLock, SingletonCookie,
// SingletonSocket) for each bound session profile, so a fresh browser
// instance can take ownership of the user-data-dir. It does not look for
// or kill browser processes left over from a previous run.
func GuardCleanup(sessions []McpSessionConfig) []error {
	var errs []error
	for _, s := range sessions {
		if s.UserDataDir == "" {
			continue
		}
		for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
			path := filepath.Join(s.UserDataDir, name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			}
		}
	}
	return errs
}
