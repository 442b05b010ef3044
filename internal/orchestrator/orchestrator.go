// Package orchestrator wires every component into the end-to-end
// pipeline: audit, plan parse, dev-server start, a strictly sequential
// per-group implement/validate/commit loop with a consecutive-failure
// pause, and teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"refactorctl/internal/agent"
	"refactorctl/internal/depgraph"
	"refactorctl/internal/devserver"
	"refactorctl/internal/gitadapter"
	"refactorctl/internal/notify"
	"refactorctl/internal/planparser"
	"refactorctl/internal/runlog"
	"refactorctl/internal/sandbox"
	"refactorctl/internal/scope"
	"refactorctl/internal/validator"
)

// Phase names the top-level pipeline phase reached, per spec §3's
// OrchestrationResult.
type Phase string

const (
	PhaseAudit     Phase = "audit"
	PhaseParse     Phase = "parse"
	PhaseSort      Phase = "sort"
	PhaseImplement Phase = "implement"
	PhaseValidate  Phase = "validate"
	PhaseError     Phase = "error"
)

// GroupStatus is one group's terminal or in-flight state.
type GroupStatus string

const (
	GroupIdle         GroupStatus = "IDLE"
	GroupImplementing GroupStatus = "IMPLEMENTING"
	GroupValidating   GroupStatus = "VALIDATING"
	GroupCommitted    GroupStatus = "COMMITTED"
	GroupRolledBack   GroupStatus = "ROLLED_BACK"
	GroupSkipped      GroupStatus = "SKIPPED"
)

const (
	consecutiveFailureCap = 3
	devServerRetryLimit   = 2
	devServerDeathLimit   = 2
)

// ErrDevServerFatal is returned by runGroup when the dev server dies a
// second time mid-run, or when the restart after its first death fails:
// the first death gets one restart-and-retry, per spec §4.13's failure
// semantics; a second death aborts the whole pipeline (Run records the
// error and stops) instead of being scoped-reset and skipped like an
// ordinary group failure.
var ErrDevServerFatal = errors.New("dev server died a second time, pipeline aborted")

// GroupResult records one page group's outcome.
type GroupResult struct {
	Key              string
	Status           GroupStatus
	ValidationResult validator.ValidationResult
	Error            string
}

// OrchestrationResult is the final pipeline outcome.
type OrchestrationResult struct {
	PhaseReached    Phase
	ADWID           string
	PlanPath        string
	GroupResults    []GroupResult
	CommittedCount  int
	SkippedCount    int
	RolledBackCount int
	Paused          bool
	PausedAtGroup   int
	Errors          []string
	StartedAt       time.Time
	FinishedAt      time.Time
	PhaseDurations  map[Phase]time.Duration
}

// AuditType names which flavor of audit prompt the audit agent runs.
type AuditType string

const (
	AuditFull          AuditType = "full"
	AuditPerformance   AuditType = "performance"
	AuditAccessibility AuditType = "accessibility"
)

// Config wires every collaborator the Orchestrator drives.
type Config struct {
	ProjectRoot  string
	TargetPath   string
	AuditType    AuditType
	Env          *sandbox.Env
	AgentDriver  *agent.Driver
	Git          *gitadapter.Adapter
	DevServer    devserver.Config
	ValidatorCfg validator.Config
	Notifier     *notify.Notifier
	Logger       *runlog.Logger
	Checkpoints  *CheckpointStore // optional; nil disables resumable-pause persistence
	SkipVisual   bool
}

// Orchestrator drives the full audit -> parse -> dev-server -> per-group
// loop -> finalize pipeline described in spec §4.13.
type Orchestrator struct {
	cfg                 Config
	adwid               string
	consecutiveFailures int
	devServerDeaths     int
}

// New creates an Orchestrator with a freshly minted ADW run id.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, adwid: uuid.NewString()}
}

// Resume creates an Orchestrator that reuses a paused run's ADW id and
// consecutive-failure count, so the group loop resumes counting from
// where the previous invocation left off instead of restarting the
// safety cap at zero.
func Resume(cfg Config, ckpt Checkpoint) *Orchestrator {
	return &Orchestrator{cfg: cfg, adwid: ckpt.ADWID, consecutiveFailures: ckpt.ConsecutiveFailures}
}

var planPathRe = regexp.MustCompile(`adws/adw_plans/\d{8}_\d{6}_code_refactor_plan\.md$`)

// Run executes the full pipeline and returns the OrchestrationResult
// regardless of where it stopped; callers inspect PhaseReached/Errors to
// decide the process exit code.
func (o *Orchestrator) Run(ctx context.Context) OrchestrationResult {
	result := OrchestrationResult{
		ADWID:          o.adwid,
		StartedAt:      time.Now(),
		PhaseDurations: map[Phase]time.Duration{},
	}

	planPath, err := o.runAuditPhase(ctx, &result)
	if err != nil {
		result.PhaseReached = PhaseAudit
		result.Errors = append(result.Errors, err.Error())
		result.FinishedAt = time.Now()
		return result
	}
	result.PlanPath = planPath

	groups, order, err := o.runParsePhase(&result, planPath)
	if err != nil {
		result.PhaseReached = PhaseParse
		result.Errors = append(result.Errors, err.Error())
		result.FinishedAt = time.Now()
		return result
	}

	dev := devserver.New(o.cfg.DevServer, o.cfg.Env)
	if err := o.startDevServerWithRetry(ctx, dev); err != nil {
		result.PhaseReached = PhaseSort
		result.Errors = append(result.Errors, fmt.Sprintf("dev server failed to start: %v", err))
		result.FinishedAt = time.Now()
		return result
	}
	defer dev.Stop()

	result.PhaseReached = PhaseImplement
	for i, key := range order {
		if o.consecutiveFailures >= consecutiveFailureCap {
			result.Paused = true
			result.PausedAtGroup = i
			o.saveCheckpoint(ctx, planPath, i, true)
			break
		}

		groupResult, fatalErr := o.runGroup(ctx, dev, key, groups[key])
		result.GroupResults = append(result.GroupResults, groupResult)

		if fatalErr != nil {
			result.PhaseReached = PhaseError
			result.Errors = append(result.Errors, fatalErr.Error())
			result.FinishedAt = time.Now()
			return result
		}

		switch groupResult.Status {
		case GroupCommitted:
			result.CommittedCount++
			o.consecutiveFailures = 0
		case GroupSkipped, GroupRolledBack:
			if groupResult.Status == GroupSkipped {
				result.SkippedCount++
			} else {
				result.RolledBackCount++
			}
			o.consecutiveFailures++
		}
	}

	if result.Paused {
		if o.cfg.Notifier != nil {
			o.cfg.Notifier.Notify(ctx, notify.StatusFailure,
				fmt.Sprintf("paused after %d consecutive group failures at group %d", consecutiveFailureCap, result.PausedAtGroup), nil)
		}
	} else if o.cfg.Checkpoints != nil {
		if err := o.cfg.Checkpoints.Clear(ctx, o.adwid); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("clear checkpoint: %v", err))
		}
	}

	result.PhaseReached = PhaseValidate
	result.FinishedAt = time.Now()
	return result
}

// saveCheckpoint persists the resumable run state; a nil store or a
// persistence error is non-fatal to the pause itself, since the pause
// notification and non-zero exit are the operator-visible signal either
// way.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, planPath string, groupIndex int, paused bool) {
	if o.cfg.Checkpoints == nil {
		return
	}
	_ = o.cfg.Checkpoints.Save(ctx, Checkpoint{
		ADWID:               o.adwid,
		PlanPath:            planPath,
		GroupIndex:          groupIndex,
		ConsecutiveFailures: o.consecutiveFailures,
		Paused:              paused,
	})
}

// runAuditPhase invokes the audit agent, then locates the plan file it
// must emit at a deterministic path, falling back to a recursive search.
func (o *Orchestrator) runAuditPhase(ctx context.Context, result *OrchestrationResult) (string, error) {
	if o.cfg.Logger != nil {
		o.cfg.Logger.PhaseStart(ctx, "audit", true)
	}
	start := time.Now()
	defer func() { result.PhaseDurations[PhaseAudit] = time.Since(start) }()

	summary := o.highImpactSummary(ctx)

	prompt := fmt.Sprintf("/audit\n\ntarget_path: %s\naudit_type: %s\n\n%s\n",
		o.cfg.TargetPath, o.cfg.AuditType, summary)

	_, err := o.cfg.AgentDriver.Run(ctx, agent.Request{
		ADWID:      o.adwid,
		AgentName:  "audit",
		Prompt:     prompt,
		WorkingDir: o.cfg.ProjectRoot,
	})
	if err != nil {
		if o.cfg.Logger != nil {
			o.cfg.Logger.PhaseComplete(ctx, "audit", false, err, true)
		}
		return "", fmt.Errorf("audit agent: %w", err)
	}

	planPath, err := o.locatePlan()
	if o.cfg.Logger != nil {
		o.cfg.Logger.PhaseComplete(ctx, "audit", err == nil, err, true)
	}
	return planPath, err
}

// highImpactSummary best-effort builds the dependency-graph digest
// injected into the audit prompt; a failure here degrades gracefully to
// an empty summary rather than aborting the pipeline.
func (o *Orchestrator) highImpactSummary(ctx context.Context) string {
	analyzer := depgraph.NewAnalyzer(o.cfg.ProjectRoot)
	depCtx, err := analyzer.Analyze(ctx)
	if err != nil {
		return ""
	}
	g := depgraph.BuildGraph(depCtx)
	reduction := depgraph.TransitiveReduction(g)
	cycles := depgraph.TarjanSCC(reduction.Reduced)
	levels := depgraph.TopoLevels(reduction.Reduced, cycles)
	return depgraph.Summarize(reduction.Reduced, cycles, levels).Markdown
}

func (o *Orchestrator) locatePlan() (string, error) {
	deterministic := filepath.Join(o.cfg.ProjectRoot, "adws", "adw_plans")
	entries, err := os.ReadDir(deterministic)
	if err == nil {
		var candidates []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), "_code_refactor_plan.md") {
				candidates = append(candidates, filepath.Join(deterministic, e.Name()))
			}
		}
		if len(candidates) > 0 {
			sort.Strings(candidates)
			return candidates[len(candidates)-1], nil
		}
	}

	var found string
	_ = filepath.WalkDir(o.cfg.ProjectRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if planPathRe.MatchString(filepath.ToSlash(path)) {
			found = path
		}
		return nil
	})
	if found == "" {
		return "", errors.New("audit agent did not produce a plan file and none was found")
	}
	return found, nil
}

func (o *Orchestrator) runParsePhase(result *OrchestrationResult, planPath string) (map[string][]planparser.ChunkData, []string, error) {
	start := time.Now()
	defer func() { result.PhaseDurations[PhaseParse] = time.Since(start) }()

	content, err := os.ReadFile(planPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read plan: %w", err)
	}
	groups, order := planparser.Parse(string(content))
	if len(order) == 0 {
		return nil, nil, errors.New("parsed plan contains no actionable chunks")
	}
	return groups, order, nil
}

func (o *Orchestrator) startDevServerWithRetry(ctx context.Context, dev *devserver.Manager) error {
	var lastErr error
	for attempt := 0; attempt <= devServerRetryLimit; attempt++ {
		err := dev.Start(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		dev.Stop()
	}
	return lastErr
}

// runGroup drives one page group through IMPLEMENTING -> VALIDATING ->
// a terminal status, per spec §4.13 Phase D. A non-nil error return means
// the dev server died a second time mid-run (spec §4.13: "second death
// aborts pipeline") or could not be restarted after its first death, and
// Run must stop entirely rather than move to the next group.
func (o *Orchestrator) runGroup(ctx context.Context, dev *devserver.Manager, key string, chunks []planparser.ChunkData) (GroupResult, error) {
	result := GroupResult{Key: key, Status: GroupIdle}

	s := scope.New(o.cfg.ProjectRoot, o.cfg.ProjectRoot, o.cfg.Git)
	for _, c := range chunks {
		s.TrackFromChunk(c)
	}

	result.Status = GroupImplementing
	implPrompt := buildImplementationPrompt(key, chunks)
	_, err := o.cfg.AgentDriver.Run(ctx, agent.Request{
		ADWID:      o.adwid,
		AgentName:  "implement-" + sanitizeKey(key),
		Prompt:     implPrompt,
		WorkingDir: o.cfg.ProjectRoot,
	})
	if err != nil {
		o.resetAndSkip(ctx, s, &result, fmt.Sprintf("implementation agent failed: %v", err))
		return result, nil
	}

	if !o.devServerAlive(ctx, dev) {
		o.devServerDeaths++
		if o.devServerDeaths >= devServerDeathLimit {
			return o.abortDevServerDeath(ctx, s, &result)
		}
		if restartErr := o.restartDevServerOnce(ctx, dev); restartErr != nil {
			return o.abortDevServerDeath(ctx, s, &result)
		}
	}

	result.Status = GroupValidating
	v := validator.New(o.cfg.ValidatorCfg)
	var valResult validator.ValidationResult
	if o.cfg.SkipVisual {
		// Build check only: no page tracing, visual judge, or fallback test.
		buildPassed, rawErrs := v.RunBuild(ctx)
		attributed, affected := validator.AttributeErrors(rawErrs, chunks)
		valResult = validator.ValidationResult{Success: buildPassed, BuildPassed: buildPassed,
			VisualPassed: buildPassed, Errors: attributed, AffectedChunks: affected}
	} else {
		valResult = v.Validate(ctx, o.adwid, s.TrackedFiles(), chunks)
	}
	result.ValidationResult = valResult

	if !valResult.Success {
		o.resetAndSkip(ctx, s, &result, "validation failed")
		return result, nil
	}

	warning, err := o.commitGroup(ctx, key, chunks, valResult.Explanation)
	if err != nil {
		o.resetAndSkip(ctx, s, &result, fmt.Sprintf("commit failed: %v", err))
		return result, nil
	}
	if warning != "" {
		result.Error = warning
	}

	result.Status = GroupCommitted
	return result, nil
}

// resetAndSkip applies a scoped reset and marks the group SKIPPED, per
// spec §4.13's failure semantics: every implementation/build/visual
// failure is scoped-reset and skipped, never partially kept.
func (o *Orchestrator) resetAndSkip(ctx context.Context, s *scope.Scope, result *GroupResult, reason string) {
	if _, err := s.ResetScoped(ctx); err != nil {
		result.Error = fmt.Sprintf("%s (scoped reset also failed: %v)", reason, err)
	} else {
		result.Error = reason
	}
	result.Status = GroupSkipped
	if o.cfg.Notifier != nil {
		o.cfg.Notifier.Notify(ctx, notify.StatusFailure, "group:"+result.Key, errors.New(reason))
	}
}

// abortDevServerDeath applies a scoped reset and marks the group SKIPPED,
// then returns ErrDevServerFatal so Run stops the whole pipeline instead of
// moving on to the next group, per spec §4.13: a second dev-server death
// aborts the run rather than being treated as an ordinary group failure.
func (o *Orchestrator) abortDevServerDeath(ctx context.Context, s *scope.Scope, result *GroupResult) (GroupResult, error) {
	reason := fmt.Sprintf("dev server died (death #%d), pipeline aborted", o.devServerDeaths)
	if _, err := s.ResetScoped(ctx); err != nil {
		result.Error = fmt.Sprintf("%s (scoped reset also failed: %v)", reason, err)
	} else {
		result.Error = reason
	}
	result.Status = GroupSkipped
	if o.cfg.Notifier != nil {
		o.cfg.Notifier.Notify(ctx, notify.StatusFailure, "group:"+result.Key, ErrDevServerFatal)
	}
	return *result, fmt.Errorf("%s: %w", reason, ErrDevServerFatal)
}

// commitGroup stages and commits the group's changes, using the commit
// message format spec §6 Outputs requires: "refactor(<page>): Implement
// chunks <ids>" followed by a blank line and the visual judge's
// explanation, per spec §8 scenario 1's literal expected commit. A no-op
// commit (no files actually changed) is reported by gitadapter as
// committed=false, nil error, and is treated here as a success with a
// warning, per spec §4.13 Phase D.
func (o *Orchestrator) commitGroup(ctx context.Context, key string, chunks []planparser.ChunkData, explanation string) (warning string, err error) {
	if err := o.cfg.Git.Stage(ctx, []string{"."}); err != nil {
		return "", err
	}
	message := fmt.Sprintf("refactor(%s): Implement chunks %s", key, chunkNumbers(chunks))
	if explanation != "" {
		message = message + "\n\n" + explanation
	}
	committed, err := o.cfg.Git.Commit(ctx, message)
	if err != nil {
		return "", err
	}
	if !committed {
		return fmt.Sprintf("group %s produced no file changes to commit", key), nil
	}
	return "", nil
}

// chunkNumbers renders a group's chunk numbers as a sorted, comma-separated
// list, e.g. "1, 2, 3", for the commit message's "Implement chunks" clause.
func chunkNumbers(chunks []planparser.ChunkData) string {
	nums := make([]int, 0, len(chunks))
	for _, c := range chunks {
		nums = append(nums, c.Number)
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func (o *Orchestrator) devServerAlive(ctx context.Context, dev *devserver.Manager) bool {
	return dev.IsReady(ctx)
}

func (o *Orchestrator) restartDevServerOnce(ctx context.Context, dev *devserver.Manager) error {
	dev.Stop()
	return dev.Start(ctx)
}

func buildImplementationPrompt(key string, chunks []planparser.ChunkData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/implement-group\n\ngroup: %s\n\n", key)
	for _, c := range chunks {
		fmt.Fprintf(&b, "## CHUNK %d: %s\nFiles: %s\n\n", c.Number, c.Title, strings.Join(c.Files, ", "))
		fmt.Fprintf(&b, "Current:\n%s\n\nRefactored:\n%s\n\n", c.CurrentCode, c.RefactoredCode)
	}
	b.WriteString("Apply these changes directly to the files. Do not commit.\n")
	return b.String()
}

var nonAlnumRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeKey(key string) string {
	return strings.Trim(nonAlnumRe.ReplaceAllString(key, "-"), "-")
}
