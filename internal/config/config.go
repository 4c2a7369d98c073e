// Package config loads, validates, and hot-reloads the controller's YAML
// configuration file, generalizing the teacher's internal/config.Load
// shape (Server/SLM/Actions/Filters/Logging/Webhook) with the sections
// this spec's domain needs.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

// ServerConfig carries the two HTTP listener ports the binary opens.
type ServerConfig struct {
	WebhookPort int `yaml:"webhook_port" validate:"required,gt=0"`
	MetricsPort int `yaml:"metrics_port" validate:"required,gt=0"`
}

// LLMConfig describes the Planner's default provider chain entry point;
// provider-specific fields (endpoint, model) are shared across whichever
// provider is tried first.
type LLMConfig struct {
	Provider          string        `yaml:"provider" validate:"required,oneof=ollama anthropic bedrock"`
	Endpoint          string        `yaml:"endpoint"`
	Model             string        `yaml:"model" validate:"required"`
	APIKey            string        `yaml:"api_key"`
	Region            string        `yaml:"region"`
	Timeout           time.Duration `yaml:"timeout" validate:"required"`
	RetryCount        int           `yaml:"retry_count"`
	Temperature       float64       `yaml:"temperature" validate:"gte=0,lte=1"`
	MaxTokens         int           `yaml:"max_tokens"`
	MaxContextSize    int           `yaml:"max_context_size"`
	MinRequestSpacing time.Duration `yaml:"min_request_spacing"`

	// Fallbacks are tried in order after Provider fails, per spec.md
	// §4.4's provider failover chain.
	Fallbacks []LLMConfig `yaml:"fallbacks"`
}

// ActionsConfig governs how aggressively the orchestrator executes fixes.
type ActionsConfig struct {
	DryRun         bool          `yaml:"dry_run"`
	MaxConcurrent  int           `yaml:"max_concurrent" validate:"omitempty,gte=1"`
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
}

// FilterRule is one named set of event-matching conditions, e.g. to mute
// a noisy jail or package from auto-remediation.
type FilterRule struct {
	Name       string              `yaml:"name" validate:"required"`
	Conditions map[string][]string `yaml:"conditions"`
}

// LoggingConfig selects logrus level/formatter.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// WebhookConfig is the legacy single-path webhook listener shape kept for
// parity with the teacher; GitHubConfig below is the domain-specific
// superset actually used by pkg/ingest.
type WebhookConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// AutoRemediationConfig is the top-level switch and policy knobs for the
// whole event-driven pipeline.
type AutoRemediationConfig struct {
	Enabled                 bool                     `yaml:"enabled"`
	ApprovalMode            string                   `yaml:"approval_mode" validate:"oneof=paranoid balanced aggressive"`
	DryRun                  bool                     `yaml:"dry_run"`
	CircuitBreakerThreshold int                      `yaml:"circuit_breaker_threshold" validate:"gte=1"`
	CircuitBreakerTimeout   time.Duration            `yaml:"circuit_breaker_timeout"`
	ScanIntervals           map[string]time.Duration `yaml:"scan_intervals"`
	CollectionWindow        time.Duration            `yaml:"collection_window"`
	MaxBatchSize            int                      `yaml:"max_batch_size" validate:"gte=1"`
	MaxAttempts             int                      `yaml:"max_attempts" validate:"gte=1"`
	ApprovalTimeout         time.Duration            `yaml:"approval_timeout"`
}

// KnowledgeBaseConfig locates the embedded SQLite store.
type KnowledgeBaseConfig struct {
	Path          string `yaml:"path" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=1"`
}

// BackupConfig locates and bounds the Backup Manager's snapshot root.
type BackupConfig struct {
	Root          string `yaml:"root" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=1"`
	Compression   bool   `yaml:"compression"`
	MaxSizeMB     int    `yaml:"max_size_mb" validate:"gte=1"`
}

// SourceConfig is the per-adapter poll cadence plus whatever extra
// targets that source's adapter needs to know about: container images
// for the vulnerability scanner, fail2ban jail names for host IPS, and
// critical path prefixes for the file-integrity monitor's severity rule.
type SourceConfig struct {
	LogPath       string        `yaml:"log_path"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Images        []string      `yaml:"images"`
	Jails         []string      `yaml:"jails"`
	CriticalPaths []string      `yaml:"critical_paths"`
}

// GitHubConfig drives the Push/Change Ingestor.
type GitHubConfig struct {
	WebhookSecret        string          `yaml:"webhook_secret"`
	WebhookPort          int             `yaml:"webhook_port" validate:"omitempty,gt=0"`
	WebhookPublicURL     string          `yaml:"webhook_public_url"`
	DeployBranches       []string        `yaml:"deploy_branches"`
	LocalPollingInterval time.Duration   `yaml:"local_polling_interval"`
	DedupeTTLSeconds     int             `yaml:"dedupe_ttl_seconds" validate:"omitempty,gte=1"`
	RedisAddr            string          `yaml:"redis_addr"`
	Token                string          `yaml:"token"`
	Repos                []RepoPollConfig `yaml:"repos"`
}

// RepoPollConfig is one repository the Push/Change Ingestor polls
// outside of its webhook surface, either from a local clone or, when
// GitHubSlug is set, directly against GitHub's REST API.
type RepoPollConfig struct {
	Name         string `yaml:"name" validate:"required"`
	Path         string `yaml:"path"`
	Branch       string `yaml:"branch" validate:"required"`
	Fetch        bool   `yaml:"fetch"`
	DeployBranch bool   `yaml:"deploy_branch"`
	GitHubSlug   string `yaml:"github_slug"`
}

// MonitorConfig is one project's health-probe configuration.
type MonitorConfig struct {
	URL                   string        `yaml:"url" validate:"required"`
	ExpectedStatus        int           `yaml:"expected_status" validate:"gte=100,lte=599"`
	CheckInterval         time.Duration `yaml:"check_interval" validate:"required"`
	Timeout               time.Duration `yaml:"timeout" validate:"required"`
	RemediationCommand    string        `yaml:"remediation_command"`
	RemediationThreshold  int           `yaml:"remediation_threshold"`
	LogFile               string        `yaml:"log_file"`
	LogPattern            string        `yaml:"log_pattern"`
}

// ProjectConfig is one entry of the impact/health project registry.
type ProjectConfig struct {
	Path     string         `yaml:"path" validate:"required"`
	Priority int            `yaml:"priority" validate:"gte=1"`
	Monitor  MonitorConfig  `yaml:"monitor"`
}

// Config is the fully parsed, validated configuration tree.
type Config struct {
	Server          ServerConfig                 `yaml:"server" validate:"required"`
	LLM             LLMConfig                    `yaml:"llm" validate:"required"`
	Actions         ActionsConfig                `yaml:"actions"`
	Filters         []FilterRule                 `yaml:"filters"`
	Logging         LoggingConfig                `yaml:"logging"`
	Webhook         WebhookConfig                `yaml:"webhook"`
	AutoRemediation AutoRemediationConfig        `yaml:"auto_remediation" validate:"required"`
	KnowledgeBase   KnowledgeBaseConfig          `yaml:"knowledge_base" validate:"required"`
	Backup          BackupConfig                 `yaml:"backup" validate:"required"`
	Sources         map[string]SourceConfig      `yaml:"sources"`
	GitHub          GitHubConfig                 `yaml:"github"`
	Projects        map[string]ProjectConfig     `yaml:"projects"`
}

var validate = validator.New()

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aerrors.Wrapf(aerrors.ErrConfigInvalid, "read config %s: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, aerrors.Wrapf(aerrors.ErrConfigInvalid, "parse config yaml: %v", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, aerrors.Wrapf(aerrors.ErrConfigInvalid, "validate config: %v", err)
	}

	return &cfg, nil
}
