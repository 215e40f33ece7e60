// Package config provides configuration management for the application.
// It supports a single YAML configuration file with environment variable
// overrides, the overrides taking precedence over anything in the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/reviewbot/reviewbot/consts"
	"github.com/reviewbot/reviewbot/pkg/logger"
	"github.com/reviewbot/reviewbot/pkg/telemetry"
)

// Default configuration values.
const (
	defaultCloneDir                      = "./workspace"
	defaultMaxConcurrentReviews          = 3
	defaultMaxDiffLines                  = 5000
	defaultMaxRetries                    = 3
	defaultMaxReviewHistory              = 20
	defaultDebouncePeriodSeconds         = 120
	defaultStaleClosedDays               = 30
	defaultStaleErrorDays                = 14
	defaultPollingIntervalSeconds        = 300
	defaultCommentVerifyIntervalMinutes  = 60
	defaultLLMTimeoutSeconds             = 600
	defaultLLMMaxTurns                   = 40
	defaultWorktreeCloneTimeoutSeconds   = 120
	defaultWorktreeFetchTimeoutSeconds   = 60
	defaultOTLPEndpoint                  = "localhost:4317"
	defaultPrometheusPort                = 9090
	defaultDashboardPort                 = 8080
	defaultDashboardTokenExpiryHours     = 24
)

// Mode is the operating mode for the ingress layer.
type Mode string

const (
	ModePolling Mode = "polling"
	ModeWebhook Mode = "webhook"
	ModeBoth    Mode = "both"
)

// Config is the complete application configuration.
type Config struct {
	Mode       Mode             `yaml:"mode"`
	Forge      ForgeConfig      `yaml:"forge"`
	Repos      []RepoConfig     `yaml:"repos"`
	Review     ReviewConfig     `yaml:"review"`
	LLM        LLMConfig        `yaml:"llm"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Features   FeaturesConfig   `yaml:"features"`
	State      StateConfig      `yaml:"state"`
	Audit      AuditConfig      `yaml:"audit"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    logger.Config    `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// ForgeConfig identifies and authenticates against the hosted Git forge.
type ForgeConfig struct {
	// Type is always "github" today; kept as a field rather than a constant
	// so the abstraction in internal/forge has somewhere to read it from.
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"` // empty for github.com, set for GitHub Enterprise
	Token   string `yaml:"token" sensitive:"true"`
}

// RepoConfig is one tracked repository.
type RepoConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// CanonicalName returns "owner/repo".
func (r RepoConfig) CanonicalName() string {
	return r.Owner + "/" + r.Repo
}

// ReviewConfig holds review-lifecycle parameters consumed by DecisionEngine,
// ReviewCoordinator, PollerLoop, VerificationLoop, and cleanup.
type ReviewConfig struct {
	CloneDir                     string   `yaml:"clone_dir"`
	MaxConcurrentReviews         int      `yaml:"max_concurrent_reviews"`
	MaxDiffLines                 int      `yaml:"max_diff_lines"`
	MaxRetries                   int      `yaml:"max_retries"`
	MaxReviewHistory             int      `yaml:"max_review_history"`
	DebouncePeriodSeconds        int      `yaml:"debounce_period_seconds"`
	StaleClosedDays              int      `yaml:"stale_closed_days"`
	StaleErrorDays               int      `yaml:"stale_error_days"`
	PollingIntervalSeconds       int      `yaml:"polling_interval_seconds"`
	CommentVerifyIntervalMinutes int      `yaml:"comment_verify_interval_minutes"`
	WorktreeCloneTimeoutSeconds  int      `yaml:"worktree_clone_timeout_seconds"`
	WorktreeFetchTimeoutSeconds  int      `yaml:"worktree_fetch_timeout_seconds"`
	SkipDrafts                   bool     `yaml:"skip_drafts"`
	SkipWip                      bool     `yaml:"skip_wip"`
	DryRun                       bool     `yaml:"dry_run"`
	UseWorktree                  bool     `yaml:"use_worktree"`
	ExcludePaths                 []string `yaml:"exclude_paths"`
	SecurityPaths                []string `yaml:"security_paths"`
	OutputMetadata                OutputMetadataConfig `yaml:"output_metadata"`
}

// OutputMetadataConfig configures the footer appended to posted reviews.
type OutputMetadataConfig struct {
	ShowAgent  *bool  `yaml:"show_agent,omitempty" json:"show_agent,omitempty"`
	ShowModel  *bool  `yaml:"show_model,omitempty" json:"show_model,omitempty"`
	CustomText string `yaml:"custom_text,omitempty" json:"custom_text,omitempty"`
}

// LLMConfig configures the LLM CLI subprocess contract (§6).
type LLMConfig struct {
	CLIPath        string `yaml:"cli_path"`
	APIKey         string `yaml:"api_key" sensitive:"true"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTurns       int    `yaml:"max_turns"`
	DefaultModel   string `yaml:"default_model"`
}

// WebhookConfig configures the HTTP ingress.
type WebhookConfig struct {
	ListenAddr     string `yaml:"listen_addr"`
	Secret         string `yaml:"secret" sensitive:"true"`
	CommentTrigger string `yaml:"comment_trigger"`
}

// FeaturesConfig toggles FeatureRunner plugins.
type FeaturesConfig struct {
	Jira        JiraFeatureConfig  `yaml:"jira"`
	Describe    DescribeConfig     `yaml:"describe"`
	Label       LabelFeatureConfig `yaml:"label"`
	Slack       SlackFeatureConfig `yaml:"slack"`
}

// JiraFeatureConfig configures Jira key extraction/validation.
type JiraFeatureConfig struct {
	Enabled    bool   `yaml:"enabled"`
	KeyPattern string `yaml:"key_pattern"`
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token" sensitive:"true"`
}

// DescribeConfig configures auto-description generation.
type DescribeConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LabelFeatureConfig configures auto-labeling from findings.
type LabelFeatureConfig struct {
	Enabled bool              `yaml:"enabled"`
	Mapping map[string]string `yaml:"mapping"` // severity -> label name
}

// SlackFeatureConfig configures the Slack notification plugin.
type SlackFeatureConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" sensitive:"true"`
	Channel    string `yaml:"channel"`
}

// StateConfig configures the StateStore JSON file.
type StateConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig configures the AuditLogger.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// DashboardConfig configures the read-only operational API.
type DashboardConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ListenAddr         string `yaml:"listen_addr"`
	JWTSecret          string `yaml:"jwt_secret" sensitive:"true"`
	TokenExpiryHours   int    `yaml:"token_expiry_hours"`
	DashStorePath      string `yaml:"dash_store_path"`
}

// Default returns a configuration with production-sane defaults; Load
// overlays a YAML file and then environment variables on top of this.
func Default() *Config {
	trueVal := true
	return &Config{
		Mode: ModeBoth,
		Forge: ForgeConfig{
			Type: "github",
		},
		Review: ReviewConfig{
			CloneDir:                     defaultCloneDir,
			MaxConcurrentReviews:         defaultMaxConcurrentReviews,
			MaxDiffLines:                 defaultMaxDiffLines,
			MaxRetries:                   defaultMaxRetries,
			MaxReviewHistory:             defaultMaxReviewHistory,
			DebouncePeriodSeconds:        defaultDebouncePeriodSeconds,
			StaleClosedDays:              defaultStaleClosedDays,
			StaleErrorDays:               defaultStaleErrorDays,
			PollingIntervalSeconds:       defaultPollingIntervalSeconds,
			CommentVerifyIntervalMinutes: defaultCommentVerifyIntervalMinutes,
			WorktreeCloneTimeoutSeconds:  defaultWorktreeCloneTimeoutSeconds,
			WorktreeFetchTimeoutSeconds:  defaultWorktreeFetchTimeoutSeconds,
			SkipDrafts:                   true,
			SkipWip:                      true,
			UseWorktree:                  true,
			OutputMetadata: OutputMetadataConfig{
				ShowAgent:  &trueVal,
				ShowModel:  &trueVal,
				CustomText: "Generated by [reviewbot](https://github.com/reviewbot/reviewbot)",
			},
		},
		LLM: LLMConfig{
			CLIPath:        "/usr/local/bin/llm-review",
			TimeoutSeconds: defaultLLMTimeoutSeconds,
			MaxTurns:       defaultLLMMaxTurns,
		},
		Webhook: WebhookConfig{
			ListenAddr:     ":8090",
			CommentTrigger: `(?i)^\s*/review\b`,
		},
		State: StateConfig{
			Path: "state.json",
		},
		Audit: AuditConfig{
			Path:       "audit.log",
			MaxEntries: 10000,
		},
		Dashboard: DashboardConfig{
			Enabled:          false,
			ListenAddr:       fmt.Sprintf(":%d", defaultDashboardPort),
			TokenExpiryHours: defaultDashboardTokenExpiryHours,
			DashStorePath:    "dashboard.db",
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			ServiceName: consts.ServiceName,
			OTLP: telemetry.OTLPConfig{
				Enabled:  false,
				Endpoint: defaultOTLPEndpoint,
				Insecure: true,
			},
			Prometheus: telemetry.PrometheusConfig{
				Enabled: false,
				Port:    defaultPrometheusPort,
			},
		},
	}
}

// Load loads configuration from a YAML file, expands ${VAR} environment
// references, then applies locked environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with
// environment variable values before YAML parsing.
func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]

		if value := os.Getenv(varName); value != "" {
			return value
		}
		if len(parts) > 1 {
			return parts[1]
		}
		return ""
	})
}

// applyEnvOverrides overlays a fixed set of environment variables that are
// authoritative over the YAML file — "locked" per §6, not editable by any
// UI layer that merely displays the loaded config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REVIEWBOT_FORGE_TOKEN"); v != "" {
		cfg.Forge.Token = v
	}
	if v := os.Getenv("REVIEWBOT_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("REVIEWBOT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("REVIEWBOT_DASHBOARD_JWT_SECRET"); v != "" {
		cfg.Dashboard.JWTSecret = v
	}
	if v := os.Getenv("REVIEWBOT_DRY_RUN"); v != "" {
		cfg.Review.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("REVIEWBOT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
}

// Redacted returns a copy of the config with every field tagged
// `sensitive:"true"` replaced by a fixed placeholder, safe to log or expose
// over the dashboard API.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Forge.Token = redactedIfSet(c.Forge.Token)
	cp.Webhook.Secret = redactedIfSet(c.Webhook.Secret)
	cp.LLM.APIKey = redactedIfSet(c.LLM.APIKey)
	cp.Dashboard.JWTSecret = redactedIfSet(c.Dashboard.JWTSecret)
	cp.Features.Jira.Token = redactedIfSet(c.Features.Jira.Token)
	cp.Features.Slack.WebhookURL = redactedIfSet(c.Features.Slack.WebhookURL)
	return &cp
}

func redactedIfSet(v string) string {
	if v == "" {
		return ""
	}
	return "***redacted***"
}

// Validate rejects a configuration that cannot safely run. Required fields
// per §6: a tracked repository list and a forge token.
func (c *Config) Validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("config: at least one repo must be tracked under repos[]")
	}
	if c.Forge.Token == "" {
		return fmt.Errorf("config: forge.token is required (or REVIEWBOT_FORGE_TOKEN)")
	}
	switch c.Mode {
	case ModePolling, ModeWebhook, ModeBoth:
	default:
		return fmt.Errorf("config: mode must be one of polling, webhook, both (got %q)", c.Mode)
	}
	if c.Mode != ModePolling && c.Webhook.Secret == "" {
		return fmt.Errorf("config: webhook.secret is required when mode is %q", c.Mode)
	}
	return nil
}

