// Package config provides configuration management for the parallel work
// engine. It supports loading configuration from environment variables, a
// config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the engine.
type Config struct {
	EngineRoot string           `mapstructure:"engineRoot"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Events     EventsConfig     `mapstructure:"events"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Debug      DebugConfig      `mapstructure:"debug"`
}

// StreamingConfig holds the HTTP streaming hub configuration.
type StreamingConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	Port         int  `mapstructure:"port"`
	ReadTimeout  int  `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int  `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds persistence store configuration. The sqlite driver is
// the default embedded store; postgres is available for server deployments.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path; derived from engineRoot when empty
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DockerConfig holds container daemon client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
}

// PoolConfig holds sandbox pool sizing and resource caps.
type PoolConfig struct {
	WarmSize    int     `mapstructure:"warmSize"`    // target warm pool size
	MaxSize     int     `mapstructure:"maxSize"`     // hard cap on warm sandboxes
	CPUCores    float64 `mapstructure:"cpuCores"`    // per-sandbox CPU cap
	MemoryMB    int64   `mapstructure:"memoryMb"`    // per-sandbox memory cap
	NetworkMode string  `mapstructure:"networkMode"` // restricted egress network
}

// EventsConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type EventsConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SupervisorConfig holds crash-restart policy for the supervisor process.
type SupervisorConfig struct {
	MaxRestarts        int `mapstructure:"maxRestarts"`        // within the window
	RestartWindowSecs  int `mapstructure:"restartWindowSecs"`  // crash counting window
	GracePeriodSecs    int `mapstructure:"gracePeriodSecs"`    // termination grace
	BackoffCapSecs     int `mapstructure:"backoffCapSecs"`     // exponential backoff cap
	HealthIntervalSecs int `mapstructure:"healthIntervalSecs"` // idle health check period
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DebugConfig holds debug toggles read from the MCP_* environment surface.
type DebugConfig struct {
	ClaudeDebug     bool `mapstructure:"claudeDebug"`
	NoCleanup       bool `mapstructure:"noCleanup"`
	SecureExecution bool `mapstructure:"secureExecution"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *StreamingConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *StreamingConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RestartWindow returns the crash counting window as a time.Duration.
func (s *SupervisorConfig) RestartWindow() time.Duration {
	return time.Duration(s.RestartWindowSecs) * time.Second
}

// GracePeriod returns the termination grace period as a time.Duration.
func (s *SupervisorConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodSecs) * time.Second
}

// BackoffCap returns the restart backoff cap as a time.Duration.
func (s *SupervisorConfig) BackoffCap() time.Duration {
	return time.Duration(s.BackoffCapSecs) * time.Second
}

// HealthInterval returns the health check period as a time.Duration.
func (s *SupervisorConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSecs) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *StorageConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// DataPath returns the sqlite database file path, deriving it from the
// engine root when not set explicitly.
func (c *Config) DataPath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.EngineRoot, "data", "parallel-work.db")
}

// LogDir returns the directory holding per-execution agent logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.EngineRoot, "logs")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("engineRoot", defaultEngineRoot())

	// Streaming hub defaults
	v.SetDefault("streaming.enabled", true)
	v.SetDefault("streaming.port", 47821)
	v.SetDefault("streaming.readTimeout", 30)
	v.SetDefault("streaming.writeTimeout", 0) // SSE streams stay open

	// Storage defaults - sqlite embedded store
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.host", "")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "parallelwork")
	v.SetDefault("storage.dbName", "parallelwork")
	v.SetDefault("storage.sslMode", "disable")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.image", "parallel-work/sandbox:latest")

	// Pool defaults
	v.SetDefault("pool.warmSize", 3)
	v.SetDefault("pool.maxSize", 10)
	v.SetDefault("pool.cpuCores", 2.0)
	v.SetDefault("pool.memoryMb", 2048)
	v.SetDefault("pool.networkMode", "bridge")

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.url", "")
	v.SetDefault("events.clientId", "parallel-work-engine")
	v.SetDefault("events.maxReconnects", 10)

	// Supervisor defaults
	v.SetDefault("supervisor.maxRestarts", 10)
	v.SetDefault("supervisor.restartWindowSecs", 60)
	v.SetDefault("supervisor.gracePeriodSecs", 30)
	v.SetDefault("supervisor.backoffCapSecs", 30)
	v.SetDefault("supervisor.healthIntervalSecs", 5)

	// Logging defaults - stderr keeps stdout clean for the stdio protocol
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")

	// Debug defaults
	v.SetDefault("debug.claudeDebug", false)
	v.SetDefault("debug.noCleanup", false)
	v.SetDefault("debug.secureExecution", true)
}

func defaultEngineRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parallel-work"
	}
	return filepath.Join(home, ".parallel-work")
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. The published environment surface keeps its historical names,
// so the variables that differ from viper's derived keys are bound
// explicitly.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PARALLEL_WORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("streaming.enabled", "CLAUDE_PARALLEL_WORK_ENABLE_STREAMING")
	_ = v.BindEnv("streaming.port", "CLAUDE_PARALLEL_WORK_STREAM_PORT")
	_ = v.BindEnv("debug.claudeDebug", "MCP_CLAUDE_DEBUG")
	_ = v.BindEnv("debug.noCleanup", "CLAUDE_PARALLEL_DEBUG_NO_CLEANUP")
	_ = v.BindEnv("debug.secureExecution", "MCP_ENABLE_SECURE_EXECUTION")
	_ = v.BindEnv("supervisor.maxRestarts", "MCP_SUPERVISOR_MAX_RESTARTS")
	_ = v.BindEnv("supervisor.restartWindowSecs", "MCP_SUPERVISOR_RESTART_WINDOW_SECS")
	_ = v.BindEnv("supervisor.gracePeriodSecs", "MCP_SUPERVISOR_GRACE_PERIOD_SECS")
	_ = v.BindEnv("supervisor.backoffCapSecs", "MCP_SUPERVISOR_BACKOFF_CAP_SECS")
	_ = v.BindEnv("supervisor.healthIntervalSecs", "MCP_SUPERVISOR_HEALTH_INTERVAL_SECS")
	_ = v.BindEnv("docker.host", "DOCKER_HOST")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultEngineRoot())

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

	if cfg.Streaming.Port <= 0 || cfg.Streaming.Port > 65535 {
		errs = append(errs, "streaming.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.Host == "" {
			errs = append(errs, "storage.host is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	if cfg.Pool.WarmSize < 0 {
		errs = append(errs, "pool.warmSize must not be negative")
	}
	if cfg.Pool.MaxSize < cfg.Pool.WarmSize {
		errs = append(errs, "pool.maxSize must be at least pool.warmSize")
	}

	if cfg.Supervisor.MaxRestarts <= 0 {
		errs = append(errs, "supervisor.maxRestarts must be positive")
	}
	if cfg.Supervisor.RestartWindowSecs <= 0 {
		errs = append(errs, "supervisor.restartWindowSecs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
