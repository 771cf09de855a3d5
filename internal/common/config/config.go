// Package config provides configuration management for codeherd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for codeherd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// StorageConfig holds the durable document store configuration.
// The task queue, active-task tracker, and plan store each persist one JSON
// document under DataDir.
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// AgentConfig holds the external agent process configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable (default: claude).
	Binary string `mapstructure:"binary"`
	// Model is the model identifier passed to the agent.
	Model string `mapstructure:"model"`
	// SystemPrompt is prepended to every invocation.
	SystemPrompt string `mapstructure:"systemPrompt"`
}

// ExecutorConfig holds timeout, stall, retry, and reporting configuration for
// agent runs. Per-complexity values are keyed trivial/moderate/complex.
type ExecutorConfig struct {
	ExecuteTimeouts map[string]int `mapstructure:"executeTimeouts"` // seconds per complexity
	PlanTimeoutCap  int            `mapstructure:"planTimeoutCap"`  // seconds, absolute plan ceiling

	StallWarn       map[string]int `mapstructure:"stallWarn"` // seconds per complexity
	StallKill       map[string]int `mapstructure:"stallKill"` // seconds per complexity
	StallGraceMult  float64        `mapstructure:"stallGraceMult"`
	StallCheckEvery int            `mapstructure:"stallCheckEvery"` // seconds

	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds
	StatusInterval    int `mapstructure:"statusInterval"`    // seconds, status-update throttle
	RetryDelay        int `mapstructure:"retryDelay"`        // seconds before the single transient retry
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	MaxPerChat int `mapstructure:"maxPerChat"`
}

// RegistryConfig holds agent registry configuration.
type RegistryConfig struct {
	OutputBufferLines int `mapstructure:"outputBufferLines"`
	HistoryLimit      int `mapstructure:"historyLimit"`
	RetentionSeconds  int `mapstructure:"retentionSeconds"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Retention returns the registry retention window as a time.Duration.
func (r *RegistryConfig) Retention() time.Duration {
	return time.Duration(r.RetentionSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODEHERD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codeherd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Storage defaults
	v.SetDefault("storage.dataDir", "./data")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.systemPrompt", "")

	// Executor defaults
	v.SetDefault("executor.executeTimeouts", map[string]int{
		"trivial":  600,
		"moderate": 1200,
		"complex":  2700,
	})
	v.SetDefault("executor.planTimeoutCap", 600)
	v.SetDefault("executor.stallWarn", map[string]int{
		"trivial":  120,
		"moderate": 180,
		"complex":  240,
	})
	v.SetDefault("executor.stallKill", map[string]int{
		"trivial":  240,
		"moderate": 360,
		"complex":  480,
	})
	v.SetDefault("executor.stallGraceMult", 1.5)
	v.SetDefault("executor.stallCheckEvery", 1)
	v.SetDefault("executor.heartbeatInterval", 60)
	v.SetDefault("executor.statusInterval", 5)
	v.SetDefault("executor.retryDelay", 2)

	// Queue defaults
	v.SetDefault("queue.maxPerChat", 5)

	// Registry defaults
	v.SetDefault("registry.outputBufferLines", 30)
	v.SetDefault("registry.historyLimit", 50)
	v.SetDefault("registry.retentionSeconds", 300)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEHERD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/codeherd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose camelCase naming differs from the
	// SNAKE_CASE env var AutomaticEnv would derive.
	_ = v.BindEnv("storage.dataDir", "CODEHERD_STORAGE_DATA_DIR")
	_ = v.BindEnv("agent.systemPrompt", "CODEHERD_AGENT_SYSTEM_PROMPT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codeherd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}

	for _, tier := range []string{"trivial", "moderate", "complex"} {
		if cfg.Executor.ExecuteTimeouts[tier] <= 0 {
			errs = append(errs, fmt.Sprintf("executor.executeTimeouts.%s must be positive", tier))
		}
		if cfg.Executor.StallWarn[tier] <= 0 || cfg.Executor.StallKill[tier] <= cfg.Executor.StallWarn[tier] {
			errs = append(errs, fmt.Sprintf("executor stall thresholds for %s must satisfy 0 < warn < kill", tier))
		}
	}
	if cfg.Executor.StallGraceMult < 1.0 {
		errs = append(errs, "executor.stallGraceMult must be >= 1.0")
	}
	if cfg.Queue.MaxPerChat <= 0 {
		errs = append(errs, "queue.maxPerChat must be positive")
	}
	if cfg.Registry.OutputBufferLines <= 0 || cfg.Registry.HistoryLimit <= 0 {
		errs = append(errs, "registry buffer sizes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
