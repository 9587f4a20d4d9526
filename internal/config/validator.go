package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateAtoms(&cfg.Atoms)
	v.validateLLM(&cfg.LLM)
	v.validateReAct(&cfg.ReAct)
	v.validateBudget("retry.planning", cfg.Retry.Planning)
	v.validateBudget("retry.evaluation", cfg.Retry.Evaluation)
	v.validateBudget("retry.dispatch", cfg.Retry.Dispatch)
	v.validateState(&cfg.State)
	v.validateAliases(&cfg.Aliases)
	v.validateContexts(&cfg.Contexts)
	v.validateFiles(&cfg.Files)
	v.validateMemory(&cfg.Memory)
	v.validateMetrics(&cfg.Metrics)
	v.validateLimits(cfg.Limits)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateDuration(field, value string, required bool) {
	if value == "" {
		if required {
			v.addError(field, value, "duration required")
		}
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 {
		v.addError(field, value, "must not be negative")
	}
}

func (v *Validator) validateURL(field, value string, schemes ...string) {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		v.addError(field, value, "must be an absolute URL")
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	v.addError(field, value, "scheme must be one of: "+strings.Join(schemes, ", "))
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
	v.validateDuration("server.shutdown_timeout", cfg.ShutdownTimeout, false)
	v.validateDuration("server.ping_interval", cfg.PingInterval, false)
}

func (v *Validator) validateAtoms(cfg *AtomsConfig) {
	v.validateURL("atoms.base_url", cfg.BaseURL, "http", "https")
	v.validateDuration("atoms.timeout", cfg.Timeout, false)
}

func (v *Validator) validateLLM(cfg *LLMConfig) {
	if !cfg.Enabled {
		return
	}
	v.validateURL("llm.base_url", cfg.BaseURL, "http", "https")
	if strings.TrimSpace(cfg.Model) == "" {
		v.addError("llm.model", cfg.Model, "model required when enabled")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		v.addError("llm.temperature", cfg.Temperature, "must be between 0 and 2")
	}
	if cfg.MaxTokens < 0 || cfg.MaxTokens > 200000 {
		v.addError("llm.max_tokens", cfg.MaxTokens, "must be between 0 and 200000")
	}
	v.validateDuration("llm.timeout", cfg.Timeout, false)
}

func (v *Validator) validateReAct(cfg *ReActConfig) {
	if cfg.MaxRetriesPerStep < 0 || cfg.MaxRetriesPerStep > 10 {
		v.addError("react.max_retries_per_step", cfg.MaxRetriesPerStep, "must be between 0 and 10")
	}
}

func (v *Validator) validateBudget(prefix string, b RetryBudget) {
	if b.Attempts < 1 || b.Attempts > 10 {
		v.addError(prefix+".attempts", b.Attempts, "must be between 1 and 10")
	}
	v.validateDuration(prefix+".delay", b.Delay, false)
	v.validateDuration(prefix+".timeout", b.Timeout, false)
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case "memory":
	case "sqlite", "json":
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "path required for "+cfg.Backend+" backend")
		} else if !isValidPath(cfg.Path) {
			v.addError("state.path", cfg.Path, "invalid file path")
		}
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, json, memory")
	}
}

func (v *Validator) validateAliases(cfg *AliasesConfig) {
	switch cfg.Backend {
	case "memory":
	case "redis":
		v.validateURL("aliases.redis_url", cfg.RedisURL, "redis", "rediss")
	default:
		v.addError("aliases.backend", cfg.Backend, "must be one of: memory, redis")
	}
	v.validateDuration("aliases.ttl", cfg.TTL, false)
}

func (v *Validator) validateContexts(cfg *ContextsConfig) {
	switch cfg.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			v.addError("contexts.dsn", cfg.DSN, "dsn required for postgres backend")
		}
	default:
		v.addError("contexts.backend", cfg.Backend, "must be one of: memory, postgres")
	}
}

func (v *Validator) validateFiles(cfg *FilesConfig) {
	switch cfg.Backend {
	case "none":
	case "s3":
		if cfg.Bucket == "" {
			v.addError("files.bucket", cfg.Bucket, "bucket required for s3 backend")
		}
		if cfg.Endpoint != "" {
			v.validateURL("files.endpoint", cfg.Endpoint, "http", "https")
		}
		if cfg.Concurrency < 1 || cfg.Concurrency > 64 {
			v.addError("files.concurrency", cfg.Concurrency, "must be between 1 and 64")
		}
	default:
		v.addError("files.backend", cfg.Backend, "must be one of: none, s3")
	}
}

func (v *Validator) validateMemory(cfg *MemoryConfig) {
	if !cfg.Enabled {
		return
	}
	v.validateURL("memory.uri", cfg.URI, "mongodb", "mongodb+srv")
	if cfg.Database == "" {
		v.addError("memory.database", cfg.Database, "database required")
	}
	if cfg.Collection == "" {
		v.addError("memory.collection", cfg.Collection, "collection required")
	}
}

func (v *Validator) validateMetrics(cfg *MetricsConfig) {
	if cfg.Enabled && !strings.HasPrefix(cfg.Path, "/") {
		v.addError("metrics.path", cfg.Path, "must start with /")
	}
}

func (v *Validator) validateLimits(limits map[string]LimitConfig) {
	names := make([]string, 0, len(limits))
	for name := range limits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l := limits[name]
		field := "limits." + name
		if name != "llm" && name != "atoms" {
			v.addError(field, name, "collaborator must be one of: llm, atoms")
			continue
		}
		if l.RatePerSecond <= 0 || l.RatePerSecond > 1000 {
			v.addError(field+".rate_per_second", l.RatePerSecond, "must be above 0 and at most 1000")
		}
		if l.Burst < 1 || l.Burst > 1000 {
			v.addError(field+".burst", l.Burst, "must be between 1 and 1000")
		}
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
