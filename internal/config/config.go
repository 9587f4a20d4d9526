package config

import (
	"time"

	"github.com/trellis-data/labflow/internal/core"
)

// Config holds all application configuration.
type Config struct {
	Log      LogConfig              `mapstructure:"log"`
	Server   ServerConfig           `mapstructure:"server"`
	Atoms    AtomsConfig            `mapstructure:"atoms"`
	LLM      LLMConfig              `mapstructure:"llm"`
	ReAct    ReActConfig            `mapstructure:"react"`
	Retry    RetryConfig            `mapstructure:"retry"`
	Context  ContextConfig          `mapstructure:"context"`
	State    StateConfig            `mapstructure:"state"`
	Aliases  AliasesConfig          `mapstructure:"aliases"`
	Contexts ContextsConfig         `mapstructure:"contexts"`
	Files    FilesConfig            `mapstructure:"files"`
	Memory   MemoryConfig           `mapstructure:"memory"`
	Metrics  MetricsConfig          `mapstructure:"metrics"`
	Limits   map[string]LimitConfig `mapstructure:"limits"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
	PingInterval    string   `mapstructure:"ping_interval"`
}

// AtomsConfig locates the atom and card services.
type AtomsConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout string `mapstructure:"timeout"`
}

// LLMConfig configures the planning and evaluation model.
type LLMConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     string  `mapstructure:"timeout"`
}

// ReActConfig configures the step loop.
type ReActConfig struct {
	MaxRetriesPerStep int `mapstructure:"max_retries_per_step"`
}

// RetryBudget bounds one structured generation call site.
type RetryBudget struct {
	Attempts int    `mapstructure:"attempts"`
	Delay    string `mapstructure:"delay"`
	Timeout  string `mapstructure:"timeout"`
}

// DelayDuration parses Delay, returning zero when unset or invalid.
func (b RetryBudget) DelayDuration() time.Duration {
	return parseDurationOr(b.Delay, 0)
}

// TimeoutDuration parses Timeout, returning zero (no deadline) when unset or invalid.
func (b RetryBudget) TimeoutDuration() time.Duration {
	return parseDurationOr(b.Timeout, 0)
}

// RetryConfig holds the per call site generation budgets.
type RetryConfig struct {
	Planning   RetryBudget `mapstructure:"planning"`
	Evaluation RetryBudget `mapstructure:"evaluation"`
	Dispatch   RetryBudget `mapstructure:"dispatch"`
}

// ContextConfig is the process-wide default scope, used only when a sequence
// has not recorded its own.
type ContextConfig struct {
	Client  string `mapstructure:"client"`
	App     string `mapstructure:"app"`
	Project string `mapstructure:"project"`
}

// Default returns the configured scope.
func (c ContextConfig) Default() core.ExecutionContext {
	return core.ExecutionContext{ClientName: c.Client, AppName: c.App, ProjectName: c.Project}
}

// StateConfig configures sequence state persistence.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // sqlite, json, memory
	Path    string `mapstructure:"path"`
}

// AliasesConfig configures the alias store.
type AliasesConfig struct {
	Backend   string `mapstructure:"backend"` // memory, redis
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       string `mapstructure:"ttl"`
}

// ContextsConfig configures where sequences record their scope.
type ContextsConfig struct {
	Backend string `mapstructure:"backend"` // memory, postgres
	DSN     string `mapstructure:"dsn"`
}

// FilesConfig configures the file inventory lister.
type FilesConfig struct {
	Backend         string `mapstructure:"backend"` // none, s3
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	Concurrency     int    `mapstructure:"concurrency"`
}

// MemoryConfig configures the audit document store.
type MemoryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// LimitConfig paces calls to one outbound collaborator (llm or atoms).
type LimitConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Duration parses a duration field, returning fallback when unset or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	return parseDurationOr(s, fallback)
}
