package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Engine: EngineConfig{
			MaxConcurrentJobs: 10,
			DefaultTimeoutMS:  300000,
			CPUPercent:        50,
			MemoryMB:          512,
			DiskMB:            1024,
			HistoryLimit:      1000,
		},
		Sandbox: SandboxConfig{
			Backend:            "docker",
			Image:              "alpine:3.20",
			EnableProcessMode:  false,
			FallbackOnNoDocker: true,
		},
		Policy: PolicyConfig{
			MaxEvents: 1000,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := validConfig()
		require.NoError(t, cfg.validate())
	})

	t.Run("InvalidServerTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "invalid"
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.transport")
	})

	t.Run("NonPositiveMaxConcurrentJobs", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.MaxConcurrentJobs = 0
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_concurrent_jobs")
	})

	t.Run("NonPositiveDefaultTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.DefaultTimeoutMS = -1
		require.Error(t, cfg.validate())
	})

	t.Run("CPUPercentOutOfRange", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.CPUPercent = 150
		require.Error(t, cfg.validate())
	})

	t.Run("ProcessBackendRequiresOptIn", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "process"
		cfg.Sandbox.EnableProcessMode = false
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.backend")

		cfg.Sandbox.EnableProcessMode = true
		require.NoError(t, cfg.validate())
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "firecracker"
		require.Error(t, cfg.validate())
	})
}

func TestDefaultTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.DefaultTimeoutMS = 1500
	assert.Equal(t, 1500*time.Millisecond, cfg.DefaultTimeout())
}
