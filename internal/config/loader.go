package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (LABFLOW_LOG_LEVEL, ...).
const EnvPrefix = "LABFLOW"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (LABFLOW_*)
// 3. Project config (.labflow.yaml in current directory)
// 4. User config (~/.config/labflow/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	configFile := l.configFile
	if configFile == "" {
		configFile = discoverConfigFile()
	}
	if configFile != "" {
		l.v.SetConfigFile(configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and calls fn with the new
// configuration. Invalid files are reported through onErr and ignored.
// It is a no-op when no config file was loaded.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.unmarshal()
		if err == nil {
			err = ValidateConfig(cfg)
		}
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.shutdown_timeout", "15s")
	l.v.SetDefault("server.ping_interval", "30s")

	l.v.SetDefault("atoms.base_url", "http://localhost:8001")
	l.v.SetDefault("atoms.timeout", "120s")

	l.v.SetDefault("llm.enabled", false)
	l.v.SetDefault("llm.api_key", "")
	l.v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	l.v.SetDefault("llm.model", "qwen2.5:14b")
	l.v.SetDefault("llm.temperature", 0.1)
	l.v.SetDefault("llm.max_tokens", 2048)
	l.v.SetDefault("llm.timeout", "90s")

	l.v.SetDefault("react.max_retries_per_step", 2)

	// Empty defaults register the keys so LABFLOW_* overrides reach Unmarshal.
	l.v.SetDefault("context.client", "")
	l.v.SetDefault("context.app", "")
	l.v.SetDefault("context.project", "")

	l.v.SetDefault("retry.planning.attempts", 3)
	l.v.SetDefault("retry.planning.delay", "1s")
	l.v.SetDefault("retry.planning.timeout", "60s")
	l.v.SetDefault("retry.evaluation.attempts", 2)
	l.v.SetDefault("retry.evaluation.delay", "500ms")
	l.v.SetDefault("retry.evaluation.timeout", "30s")
	l.v.SetDefault("retry.dispatch.attempts", 2)
	l.v.SetDefault("retry.dispatch.delay", "1s")
	l.v.SetDefault("retry.dispatch.timeout", "120s")

	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".labflow/state.db")

	l.v.SetDefault("aliases.backend", "memory")
	l.v.SetDefault("aliases.redis_url", "")
	l.v.SetDefault("aliases.key_prefix", "labflow:aliases:")
	l.v.SetDefault("aliases.ttl", "24h")

	l.v.SetDefault("contexts.backend", "memory")
	l.v.SetDefault("contexts.dsn", "")

	l.v.SetDefault("files.backend", "none")
	l.v.SetDefault("files.bucket", "")
	l.v.SetDefault("files.endpoint", "")
	l.v.SetDefault("files.access_key_id", "")
	l.v.SetDefault("files.secret_access_key", "")
	l.v.SetDefault("files.use_path_style", false)
	l.v.SetDefault("files.region", "us-east-1")
	l.v.SetDefault("files.concurrency", 8)

	l.v.SetDefault("memory.enabled", false)
	l.v.SetDefault("memory.uri", "")
	l.v.SetDefault("memory.database", "labflow")
	l.v.SetDefault("memory.collection", "laboratory_memory")

	l.v.SetDefault("metrics.enabled", true)
	l.v.SetDefault("metrics.path", "/metrics")

	l.v.SetDefault("limits.llm.rate_per_second", 2)
	l.v.SetDefault("limits.llm.burst", 5)
	l.v.SetDefault("limits.atoms.rate_per_second", 10)
	l.v.SetDefault("limits.atoms.burst", 20)
}

// discoverConfigFile returns the project config, else the user config, else "".
func discoverConfigFile() string {
	candidates := []string{".labflow.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "labflow", "config.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
