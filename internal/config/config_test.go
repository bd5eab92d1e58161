package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetDispatch/internal/shared/constants"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeCoordinator, cfg.Mode)
	assert.Equal(t, "0.0.0.0", cfg.Coordinator.Host)
	assert.Equal(t, 8000, cfg.Coordinator.Port)
	assert.Equal(t, "per-ip", cfg.Coordinator.Fairness)
	assert.Equal(t, constants.MaxInFlightPerAgent, cfg.Coordinator.MaxInFlightPerAgent)
	assert.Equal(t, constants.HistorySize, cfg.Coordinator.HistorySize)
	assert.Equal(t, "http://localhost:8000", cfg.Agent.CoordinatorURL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("DISPATCHER_MODE", "agent")
	t.Setenv("DISPATCHER_COORDINATOR_URL", "http://coordinator.internal:9000")
	t.Setenv("DISPATCHER_AGENT_ID", "agent-env-1")
	t.Setenv("DISPATCHER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeAgent, cfg.Mode)
	assert.Equal(t, "http://coordinator.internal:9000", cfg.Agent.CoordinatorURL)
	assert.Equal(t, "agent-env-1", cfg.Agent.AgentID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Mode: ModeCoordinator,
			Coordinator: CoordinatorConfig{
				Port:     8000,
				Fairness: "per-ip",
			},
			Agent: AgentConfig{CoordinatorURL: "http://localhost:8000"},
		}
	}

	assert.NoError(t, validateConfig(base()))

	cfg := base()
	cfg.Mode = "nope"
	assert.Error(t, validateConfig(cfg))

	cfg = base()
	cfg.Coordinator.Port = 0
	assert.Error(t, validateConfig(cfg))

	cfg = base()
	cfg.Coordinator.Binds = []string{"no-port"}
	assert.Error(t, validateConfig(cfg))

	cfg = base()
	cfg.Coordinator.Fairness = "random"
	assert.Error(t, validateConfig(cfg))

	cfg = base()
	cfg.Mode = ModeAgent
	cfg.Agent.CoordinatorURL = ""
	assert.Error(t, validateConfig(cfg))

	cfg = base()
	cfg.Coordinator.Fairness = "per-agent"
	assert.NoError(t, validateConfig(cfg))
}
