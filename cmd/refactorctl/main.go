// Package main implements the refactorctl CLI: the audit -> plan ->
// implement -> validate -> commit pipeline's single entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"refactorctl/internal/agent"
	runconfig "refactorctl/internal/config"
	"refactorctl/internal/depgraph"
	"refactorctl/internal/devserver"
	"refactorctl/internal/gitadapter"
	"refactorctl/internal/notify"
	"refactorctl/internal/orchestrator"
	"refactorctl/internal/runlog"
	"refactorctl/internal/sandbox"
	"refactorctl/internal/validator"
	"refactorctl/internal/visualjudge"
)

var (
	auditType    string
	skipVisual   bool
	slackChannel string
	noSlack      bool
	useGemini    bool
	webhookURL   string
	devCommand   string
	devPort      int
	buildCommand string
	configPath   string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "refactorctl <target_path>",
	Short: "Unattended audit-plan-implement-validate-commit refactor pipeline",
	Long: `refactorctl drives an end-to-end refactor pass over a JS/TS project:
an audit agent proposes a plan, a weaker implementation agent applies it
group by group, each group is deferred-validated against a production
build and a visual comparison, and only a passing group is committed.`,
	Args: cobra.ExactArgs(1),
	RunE: runOrchestrator,
}

func init() {
	rootCmd.Flags().StringVar(&auditType, "audit-type", string(orchestrator.AuditFull), "audit type: full, performance, accessibility")
	rootCmd.Flags().BoolVar(&skipVisual, "skip-visual", false, "skip the visual judge comparison step")
	rootCmd.Flags().StringVar(&slackChannel, "slack-channel", "", "Slack channel label used in webhook notifications")
	rootCmd.Flags().BoolVar(&noSlack, "no-slack", false, "disable webhook notifications entirely")
	rootCmd.Flags().BoolVar(&useGemini, "use-gemini", false, "use Gemini as the fallback agent provider instead of Codex")
	rootCmd.Flags().StringVar(&devCommand, "dev-command", "npm run dev", "command that starts the project's dev server")
	rootCmd.Flags().IntVar(&devPort, "dev-port", 3000, "port the dev server listens on")
	rootCmd.Flags().StringVar(&buildCommand, "build-command", "npm run build", "command that performs a production build")
	rootCmd.Flags().StringVar(&configPath, "config", "refactorctl.yaml", "path to the run's YAML page registry and timeout config")
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	targetPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve target path: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	webhookURL = os.Getenv("REFACTORCTL_WEBHOOK_URL")
	reportChannel := slackChannel
	if noSlack {
		webhookURL = ""
		reportChannel = ""
	}
	host := "refactorctl"
	if slackChannel != "" {
		host = fmt.Sprintf("refactorctl (#%s)", slackChannel)
	}
	notifier := notify.New(webhookURL, host)

	runLogger, err := runlog.New(runlog.Config{
		Root:     targetPath,
		RunType:  "refactor",
		Mirror:   true,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("init run log: %w", err)
	}
	defer runLogger.Finalize(context.Background(), true, false)

	env := sandbox.Build(targetPath)
	git := gitadapter.New(targetPath, env)

	fallback := agent.ProviderCodex
	if useGemini {
		fallback = agent.Provider("gemini")
	}
	agentDriver := agent.New(agent.Config{
		Primary:    agent.ProviderClaude,
		Fallback:   fallback,
		PromptRoot: filepath.Join(targetPath, "agents"),
		Env:        env,
		Notifier:   notifier,
		Logger:     runLogger,
	})

	checkpoints, err := orchestrator.NewCheckpointStore(targetPath)
	if err != nil {
		logger.Warn("checkpoint store unavailable, pauses will not be resumable", zap.Error(err))
		checkpoints = nil
	} else {
		defer checkpoints.Close()
	}

	analyzer := depgraph.NewAnalyzer(targetPath)
	depCtx, err := analyzer.Analyze(cmd.Context())
	var graph *depgraph.Graph
	if err != nil {
		logger.Warn("dependency analysis failed, page-impact tracing will be empty", zap.Error(err))
		graph = depgraph.BuildGraph(&depgraph.DependencyContext{})
	} else {
		graph = depgraph.BuildGraph(depCtx)
	}

	runCfg, err := runconfig.Load(filepath.Join(targetPath, configPath))
	if err != nil {
		return fmt.Errorf("load run config: %w", err)
	}

	judge := visualjudge.New(agentDriver).WithSlack(visualjudge.NewSlackReporter(os.Getenv("SLACK_BOT_TOKEN")))

	orch := orchestrator.New(orchestrator.Config{
		ProjectRoot: targetPath,
		TargetPath:  targetPath,
		AuditType:   orchestrator.AuditType(auditType),
		Env:         env,
		AgentDriver: agentDriver,
		Git:         git,
		DevServer: devserver.Config{
			Command:      []string{"sh", "-c", devCommand},
			WorkDir:      targetPath,
			Port:         devPort,
			ReadyTimeout: runCfg.Timeouts.DevServerReady,
		},
		ValidatorCfg: validator.Config{
			Root:         targetPath,
			Graph:        graph,
			Env:          env,
			Judge:        judge,
			Registry:     runCfg.Registry(),
			MaxRuns:      runCfg.MaxBuildRetries,
			SlackChannel: reportChannel,
			Build: validator.BuildConfig{
				Command: []string{"sh", "-c", buildCommand},
				WorkDir: targetPath,
				Timeout: runCfg.Timeouts.Build,
			},
		},
		Notifier:    notifier,
		Logger:      runLogger,
		Checkpoints: checkpoints,
		SkipVisual:  skipVisual,
	})

	result := orch.Run(cmd.Context())

	logger.Info("orchestration finished",
		zap.String("phase_reached", string(result.PhaseReached)),
		zap.String("adwid", result.ADWID),
		zap.Int("committed", result.CommittedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Bool("paused", result.Paused),
	)

	if result.Paused {
		failures := 0
		for i := len(result.GroupResults) - 1; i >= 0 && result.GroupResults[i].Status != orchestrator.GroupCommitted; i-- {
			failures++
		}
		return fmt.Errorf("run paused after %d consecutive group failures at group %d; resume once the issue is fixed", failures, result.PausedAtGroup)
	}
	if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			logger.Error("orchestration error", zap.String("error", e))
		}
		return fmt.Errorf("orchestration failed at phase %q: %s", result.PhaseReached, result.Errors[0])
	}
	return nil
}
