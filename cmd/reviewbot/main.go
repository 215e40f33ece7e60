// Package main is the entry point for reviewbot, an autonomous code-review
// agent for pull requests on a hosted Git forge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/consts"
	"github.com/reviewbot/reviewbot/internal/audit"
	"github.com/reviewbot/reviewbot/internal/check"
	"github.com/reviewbot/reviewbot/internal/cleanup"
	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/coordinator"
	"github.com/reviewbot/reviewbot/internal/dashboard"
	"github.com/reviewbot/reviewbot/internal/dashstore"
	"github.com/reviewbot/reviewbot/internal/feature"
	"github.com/reviewbot/reviewbot/internal/feature/describe"
	"github.com/reviewbot/reviewbot/internal/feature/jira"
	"github.com/reviewbot/reviewbot/internal/feature/label"
	"github.com/reviewbot/reviewbot/internal/feature/slack"
	"github.com/reviewbot/reviewbot/internal/forge"
	"github.com/reviewbot/reviewbot/internal/forge/github"
	"github.com/reviewbot/reviewbot/internal/llmcli"
	"github.com/reviewbot/reviewbot/internal/poller"
	"github.com/reviewbot/reviewbot/internal/ratelimit"
	"github.com/reviewbot/reviewbot/internal/recovery"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/internal/verify"
	"github.com/reviewbot/reviewbot/internal/webhook"
	"github.com/reviewbot/reviewbot/internal/worktree"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/idgen"
	"github.com/reviewbot/reviewbot/pkg/logger"
	"github.com/reviewbot/reviewbot/pkg/telemetry"
)

// Build information, set via ldflags during build.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	consts.Version = Version
	consts.BuildTime = BuildTime
	consts.GitCommit = GitCommit
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "reviewbot",
	Short: "reviewbot - autonomous code review for pull requests",
	Long:  "reviewbot polls or receives webhooks for pull requests on a hosted Git forge and posts LLM-driven reviews.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reviewbot service",
	Long: `Start polling/webhook ingress, the review coordinator, and (if enabled)
the read-only dashboard API.

On first run, use 'reviewbot check' to interactively create config.yaml.`,
	Run: runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Interactively verify or create config.yaml",
	Run: func(cmd *cobra.Command, args []string) {
		checker := check.NewChecker(configPath)
		if err := checker.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "environment check failed: %v\n", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reviewbot %s\n", Version)
		fmt.Printf("  build time: %s\n", BuildTime)
		fmt.Printf("  git commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().Bool("debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	checker := check.NewChecker(configPath)
	result := checker.RunNonInteractive()
	if !result.Success {
		check.PrintCheckResult(result)
		os.Exit(1)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "[WARNING] %s\n", w)
	}

	consts.SetStartedAt(time.Now())

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] configuration invalid: %v\n", err)
		os.Exit(apperrors.ExitCodeConfigValidation)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("starting reviewbot", zap.String("version", Version), zap.String("mode", string(cfg.Mode)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down telemetry", zap.Error(err))
		}
	}()

	st := state.New(cfg.State.Path, log)
	if err := st.Load(); err != nil {
		log.Fatal("failed to load state store", zap.Error(err))
	}

	var auditSinks []audit.Sink
	var dashStore *dashstore.Store
	if cfg.Dashboard.Enabled {
		dashStore, err = dashstore.Open(cfg.Dashboard.DashStorePath, log)
		if err != nil {
			log.Fatal("failed to open dashboard store", zap.Error(err))
		}
		defer dashStore.Close()
		auditSinks = append(auditSinks, dashStore)
	}

	auditLogger := audit.New(cfg.Audit, log, auditSinks...)
	go auditLogger.Run(ctx)
	defer auditLogger.Close()

	guard := ratelimit.New(log)
	defer guard.Shutdown()

	fg, err := github.New(ctx, cfg.Forge.Token, cfg.Forge.BaseURL, log)
	if err != nil {
		log.Fatal("failed to create forge client", zap.Error(err))
	}

	wt := worktree.New(worktree.Config{
		CloneDir:     cfg.Review.CloneDir,
		Token:        cfg.Forge.Token,
		CloneTimeout: time.Duration(cfg.Review.WorktreeCloneTimeoutSeconds) * time.Second,
		FetchTimeout: time.Duration(cfg.Review.WorktreeFetchTimeoutSeconds) * time.Second,
	}, log)

	llmArgs := []string{}
	if cfg.LLM.APIKey != "" {
		llmArgs = append(llmArgs, "--api-key", cfg.LLM.APIKey)
	}
	if cfg.LLM.DefaultModel != "" {
		llmArgs = append(llmArgs, "--model", cfg.LLM.DefaultModel)
	}
	llm := llmcli.New(cfg.LLM.CLIPath, llmArgs, log)

	features, err := buildFeatureRunner(st, fg, cfg, log)
	if err != nil {
		log.Fatal("failed to build feature plugins", zap.Error(err))
	}

	coord := coordinator.New(st, fg, wt, guard, llm, features, cfg.Review, cfg.LLM, log)

	recoveryRunner := recovery.New(st, fg, cfg.Repos, log)
	if err := recoveryRunner.Run(ctx); err != nil {
		log.Error("startup recovery reported errors", zap.Error(err))
	}

	verifyLoop := verify.New(st, fg, cfg.Review, log)
	cleanupSweeper := cleanup.New(st, wt, cfg.Review, log)

	var wg sync.WaitGroup

	if cfg.Mode == config.ModePolling || cfg.Mode == config.ModeBoth {
		pollerLoop := poller.New(st, fg, coord, verifyLoop, cleanupSweeper, cfg.Repos, log)
		if err := pollerLoop.Start(ctx, time.Duration(cfg.Review.PollingIntervalSeconds)*time.Second); err != nil {
			log.Fatal("failed to start poller", zap.Error(err))
		}
		defer pollerLoop.Stop()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runMaintenanceLoop(ctx, cfg, verifyLoop, cleanupSweeper)
		}()
	}

	var webhookServer *http.Server
	if cfg.Mode == config.ModeWebhook || cfg.Mode == config.ModeBoth {
		ingress, err := webhook.New(st, fg, coord, cfg.Webhook, cfg.Repos, log)
		if err != nil {
			log.Fatal("failed to build webhook ingress", zap.Error(err))
		}

		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.Use(otelgin.Middleware(consts.ServiceName))
		ingress.RegisterRoutes(r)

		webhookServer = &http.Server{Addr: cfg.Webhook.ListenAddr, Handler: r}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("starting webhook ingress", zap.String("addr", cfg.Webhook.ListenAddr))
			if err := webhookServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("webhook server stopped", zap.Error(err))
			}
		}()
	}

	var dashServer *dashboard.Server
	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.JWTSecret == "" {
			cfg.Dashboard.JWTSecret = idgen.NewSecureSecret(32)
			log.Warn("dashboard.jwt_secret is empty; generated a secret for this process only, tokens will not survive a restart")
		}

		token, expiresAt, err := dashboard.MintToken(cfg.Dashboard.JWTSecret, cfg.Dashboard.TokenExpiryHours)
		if err != nil {
			log.Fatal("failed to mint dashboard token", zap.Error(err))
		}
		log.Info("dashboard API token minted",
			zap.String("token", token),
			zap.Time("expires_at", expiresAt))

		dashServer = dashboard.New(cfg.Dashboard, st, dashStore, guard, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dashServer.Run(); err != nil {
				log.Error("dashboard server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("reviewbot is running")
	<-ctx.Done()
	log.Info("shutting down reviewbot")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if webhookServer != nil {
		if err := webhookServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down webhook server", zap.Error(err))
		}
	}
	if dashServer != nil {
		if err := dashServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down dashboard server", zap.Error(err))
		}
	}

	wg.Wait()
	log.Info("reviewbot stopped")
}

// buildFeatureRunner constructs FeatureRunner with every configured
// feature plugin; each plugin gates its own ShouldRun on its own Enabled
// flag, so they're all registered unconditionally.
func buildFeatureRunner(st *state.StateStore, fg forge.Forge, cfg *config.Config, log *zap.Logger) (*feature.Runner, error) {
	jiraPlugin, err := jira.New(st, cfg.Features.Jira, log)
	if err != nil {
		return nil, fmt.Errorf("building jira feature: %w", err)
	}

	plugins := []feature.Plugin{
		jiraPlugin,
		describe.New(st, fg, cfg.Features.Describe, log),
		label.New(st, fg, cfg.Features.Label, log),
		slack.New(cfg.Features.Slack, log),
	}

	return feature.New(st, plugins, log), nil
}

// runMaintenanceLoop drives VerificationLoop and the cleanup sweep on the
// polling interval when the poller itself isn't running (webhook-only
// mode still needs both to run periodically).
func runMaintenanceLoop(ctx context.Context, cfg *config.Config, verifyLoop *verify.Loop, cleanupSweeper *cleanup.Sweeper) {
	interval := time.Duration(cfg.Review.PollingIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			verifyLoop.Run(ctx)
			cleanupSweeper.Run()
		}
	}
}
