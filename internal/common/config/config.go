// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Events     EventsConfig     `mapstructure:"events"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	ForkDetect ForkDetectConfig `mapstructure:"forkDetect"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BrokerConfig holds the JSON-RPC broker HTTP server configuration.
type BrokerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	PortAttempts int    `mapstructure:"portAttempts"` // forward scan width when Port is taken
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds; 0 keeps SSE channels open
}

// SupervisorConfig holds agent supervision configuration.
type SupervisorConfig struct {
	// PollIntervalMs is the transcript poll cadence (default 500).
	PollIntervalMs int `mapstructure:"pollIntervalMs"`

	// StateIntervalMs is the state monitor poll cadence (default 500).
	StateIntervalMs int `mapstructure:"stateIntervalMs"`

	// StabilizationMs is how long Start waits for children to create their
	// transcript files before binding monitors (default 3000, max 5000).
	StabilizationMs int `mapstructure:"stabilizationMs"`

	// IdleWaitTimeoutMs bounds WaitForAgentIdle (default 30000).
	IdleWaitTimeoutMs int `mapstructure:"idleWaitTimeoutMs"`

	// InterruptCooldownMs is the per-recipient high-priority interrupt
	// cooldown (default 2000).
	InterruptCooldownMs int `mapstructure:"interruptCooldownMs"`

	// LauncherPath is the external launcher script invoked inside each pane.
	LauncherPath string `mapstructure:"launcherPath"`

	// ProxyScript is the stdio->HTTP MCP proxy installed into the run
	// scratch directory and referenced from per-agent MCP configs.
	ProxyScript string `mapstructure:"proxyScript"`

	// DefaultModel is assigned to agents whose team entry names none.
	DefaultModel string `mapstructure:"defaultModel"`
}

// EventsConfig holds event bus configuration. Empty URL selects the
// in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ArchiveConfig holds the delivery/state audit store configuration.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// OpsConfig holds the operator MCP server configuration.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// GatewayConfig holds the observer WebSocket gateway configuration.
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RegistryConfig holds the team context registry location.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// ForkDetectConfig holds session-fork detection configuration.
type ForkDetectConfig struct {
	// Mode is "auto", "inotify", or "poll".
	Mode            string `mapstructure:"mode"`
	PollIntervalSec int    `mapstructure:"pollIntervalSec"`
	SettleMs        int    `mapstructure:"settleMs"` // debounce after an inotify event
}

// PollInterval returns the transcript poll cadence as a time.Duration.
func (s *SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// StateInterval returns the state poll cadence as a time.Duration.
func (s *SupervisorConfig) StateInterval() time.Duration {
	return time.Duration(s.StateIntervalMs) * time.Millisecond
}

// Stabilization returns the post-launch settle window as a time.Duration.
func (s *SupervisorConfig) Stabilization() time.Duration {
	return time.Duration(s.StabilizationMs) * time.Millisecond
}

// IdleWaitTimeout returns the idle wait bound as a time.Duration.
func (s *SupervisorConfig) IdleWaitTimeout() time.Duration {
	return time.Duration(s.IdleWaitTimeoutMs) * time.Millisecond
}

// InterruptCooldown returns the interrupt cooldown as a time.Duration.
func (s *SupervisorConfig) InterruptCooldown() time.Duration {
	return time.Duration(s.InterruptCooldownMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (b *BrokerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(b.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (b *BrokerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(b.WriteTimeout) * time.Second
}

// PollInterval returns the fork detector poll cadence as a time.Duration.
func (f *ForkDetectConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalSec) * time.Second
}

// Settle returns the fork detector debounce as a time.Duration.
func (f *ForkDetectConfig) Settle() time.Duration {
	return time.Duration(f.SettleMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// homeDir resolves the user home, falling back to the cwd so defaults never
// contain an empty path segment.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home := homeDir()

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Broker defaults - loopback only, forward port scan when taken
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 8765)
	v.SetDefault("broker.portAttempts", 10)
	v.SetDefault("broker.readTimeout", 30)
	v.SetDefault("broker.writeTimeout", 0) // SSE channels stay open indefinitely

	// Supervisor defaults
	v.SetDefault("supervisor.pollIntervalMs", 500)
	v.SetDefault("supervisor.stateIntervalMs", 500)
	v.SetDefault("supervisor.stabilizationMs", 3000)
	v.SetDefault("supervisor.idleWaitTimeoutMs", 30000)
	v.SetDefault("supervisor.interruptCooldownMs", 2000)
	v.SetDefault("supervisor.launcherPath", filepath.Join(home, ".claude-orc", "bin", "launch-agent.sh"))
	v.SetDefault("supervisor.proxyScript", filepath.Join(home, ".claude-orc", "bin", "mcp_proxy.py"))
	v.SetDefault("supervisor.defaultModel", "sonnet")

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clusterId", "orc-cluster")
	v.SetDefault("events.clientId", "orc-client")
	v.SetDefault("events.maxReconnects", 10)

	// Archive defaults
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", filepath.Join(home, ".claude-orc", "archive.db"))

	// Ops MCP server defaults
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 8766)

	// Gateway defaults
	v.SetDefault("gateway.enabled", true)

	// Registry defaults
	v.SetDefault("registry.path", filepath.Join(home, ".claude-orc", "team_contexts.json"))

	// Fork detection defaults
	v.SetDefault("forkDetect.mode", "auto")
	v.SetDefault("forkDetect.pollIntervalSec", 30)
	v.SetDefault("forkDetect.settleMs", 500)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.claude-orc/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ORC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config
	// key naming.
	_ = v.BindEnv("broker.portAttempts", "ORC_BROKER_PORT_ATTEMPTS")
	_ = v.BindEnv("events.natsUrl", "ORC_EVENTS_NATS_URL")
	_ = v.BindEnv("supervisor.launcherPath", "ORC_SUPERVISOR_LAUNCHER_PATH")
	_ = v.BindEnv("supervisor.proxyScript", "ORC_SUPERVISOR_PROXY_SCRIPT")
	_ = v.BindEnv("supervisor.defaultModel", "ORC_SUPERVISOR_DEFAULT_MODEL")
	_ = v.BindEnv("registry.path", "ORC_REGISTRY_PATH")
	_ = v.BindEnv("archive.path", "ORC_ARCHIVE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(homeDir(), ".claude-orc"))

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if cfg.Broker.PortAttempts < 1 {
		errs = append(errs, "broker.portAttempts must be at least 1")
	}
	if cfg.Ops.Enabled && (cfg.Ops.Port <= 0 || cfg.Ops.Port > 65535) {
		errs = append(errs, "ops.port must be between 1 and 65535")
	}

	if cfg.Supervisor.PollIntervalMs <= 0 {
		errs = append(errs, "supervisor.pollIntervalMs must be positive")
	}
	if cfg.Supervisor.StateIntervalMs <= 0 {
		errs = append(errs, "supervisor.stateIntervalMs must be positive")
	}
	if cfg.Supervisor.StabilizationMs < 0 || cfg.Supervisor.StabilizationMs > 5000 {
		errs = append(errs, "supervisor.stabilizationMs must be within [0, 5000]")
	}
	if cfg.Supervisor.InterruptCooldownMs < 0 {
		errs = append(errs, "supervisor.interruptCooldownMs must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.ForkDetect.Mode {
	case "auto", "inotify", "poll":
	default:
		errs = append(errs, "forkDetect.mode must be one of: auto, inotify, poll")
	}
	if cfg.ForkDetect.PollIntervalSec <= 0 {
		errs = append(errs, "forkDetect.pollIntervalSec must be positive")
	}

	if cfg.Registry.Path == "" {
		errs = append(errs, "registry.path must not be empty")
	}
	if cfg.Archive.Enabled && cfg.Archive.Path == "" {
		errs = append(errs, "archive.path must not be empty when archive.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
