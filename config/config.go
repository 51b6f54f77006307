package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// EngineConfig holds executor configuration
type EngineConfig struct {
	MaxConcurrentJobs int               `mapstructure:"max_concurrent_jobs"`
	DefaultTimeoutMS  int               `mapstructure:"default_timeout_ms"`
	CPUPercent        int               `mapstructure:"cpu_percent"`
	MemoryMB          int               `mapstructure:"memory_mb"`
	DiskMB            int               `mapstructure:"disk_mb"`
	NetworkEnabled    bool              `mapstructure:"network_enabled"`
	Environment       map[string]string `mapstructure:"environment"`
	HistoryLimit      int               `mapstructure:"history_limit"`
}

// SandboxConfig holds sandbox manager configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	Image              string `mapstructure:"image"`
	WorkdirRoot        string `mapstructure:"workdir_root"`
	EnableProcessMode  bool   `mapstructure:"enable_process_mode"`
	FallbackOnNoDocker bool   `mapstructure:"fallback_on_no_docker"`
}

// PolicyConfig holds policy engine configuration
type PolicyConfig struct {
	MaxEvents int    `mapstructure:"max_events"`
	RulesFile string `mapstructure:"rules_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("engine.max_concurrent_jobs", 10)
	viper.SetDefault("engine.default_timeout_ms", 300000)
	viper.SetDefault("engine.cpu_percent", 50)
	viper.SetDefault("engine.memory_mb", 512)
	viper.SetDefault("engine.disk_mb", 1024)
	viper.SetDefault("engine.network_enabled", false)
	viper.SetDefault("engine.history_limit", 1000)

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.image", "alpine:3.20")
	viper.SetDefault("sandbox.workdir_root", "")
	viper.SetDefault("sandbox.enable_process_mode", true)
	viper.SetDefault("sandbox.fallback_on_no_docker", true)

	viper.SetDefault("policy.max_events", 1000)
	viper.SetDefault("policy.rules_file", "")

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Engine.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must be positive, got: %d", c.Engine.MaxConcurrentJobs)
	}

	if c.Engine.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("engine.default_timeout_ms must be positive, got: %d", c.Engine.DefaultTimeoutMS)
	}

	if c.Engine.CPUPercent <= 0 || c.Engine.CPUPercent > 100 {
		return fmt.Errorf("engine.cpu_percent must be in (0, 100], got: %d", c.Engine.CPUPercent)
	}

	if c.Engine.MemoryMB <= 0 {
		return fmt.Errorf("engine.memory_mb must be positive, got: %d", c.Engine.MemoryMB)
	}

	if c.Engine.DiskMB <= 0 {
		return fmt.Errorf("engine.disk_mb must be positive, got: %d", c.Engine.DiskMB)
	}

	if c.Policy.MaxEvents <= 0 {
		return fmt.Errorf("policy.max_events must be positive, got: %d", c.Policy.MaxEvents)
	}

	supportedBackends := map[string]bool{
		"docker":  true,
		"process": c.Sandbox.EnableProcessMode, // process mode only when specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	return nil
}

// DefaultTimeout returns the default job timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Engine.DefaultTimeoutMS) * time.Millisecond
}
