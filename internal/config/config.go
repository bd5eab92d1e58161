package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"NetDispatch/internal/coordinator/pool"
	"NetDispatch/internal/shared/constants"
)

const (
	ModeCoordinator = "coordinator"
	ModeAgent       = "agent"
	ModeMonitoring  = "monitoring"
)

type Config struct {
	Mode        string            `mapstructure:"mode"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type CoordinatorConfig struct {
	Host                string   `mapstructure:"host"`
	Port                int      `mapstructure:"port"`
	Binds               []string `mapstructure:"binds"`
	Mode                string   `mapstructure:"mode"`
	Fairness            string   `mapstructure:"fairness"`
	MaxInFlightPerAgent int      `mapstructure:"max_in_flight_per_agent"`
	MaxTotalInFlight    int      `mapstructure:"max_total_in_flight"`
	HistorySize         int      `mapstructure:"history_size"`
}

type AgentConfig struct {
	CoordinatorURL string   `mapstructure:"coordinator_url"`
	AgentID        string   `mapstructure:"agent_id"`
	Addresses      []string `mapstructure:"addresses"`
	MaxInFlight    int      `mapstructure:"max_in_flight"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")

	setDefaults()
	bindEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Debug("config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("mode", ModeCoordinator)

	// coordinator defaults
	viper.SetDefault("coordinator.host", "0.0.0.0")
	viper.SetDefault("coordinator.port", 8000)
	viper.SetDefault("coordinator.mode", "release")
	viper.SetDefault("coordinator.fairness", pool.FairnessPerIP)
	viper.SetDefault("coordinator.max_in_flight_per_agent", constants.MaxInFlightPerAgent)
	viper.SetDefault("coordinator.max_total_in_flight", constants.MaxTotalInFlight)
	viper.SetDefault("coordinator.history_size", constants.HistorySize)

	// agent defaults
	viper.SetDefault("agent.coordinator_url", "http://localhost:8000")
	viper.SetDefault("agent.max_in_flight", constants.MaxInFlightPerAgent)

	// logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// bindEnv wires the documented DISPATCHER_* variables onto their config keys.
func bindEnv() {
	viper.BindEnv("mode", "DISPATCHER_MODE")
	viper.BindEnv("agent.coordinator_url", "DISPATCHER_COORDINATOR_URL")
	viper.BindEnv("agent.agent_id", "DISPATCHER_AGENT_ID")
	viper.BindEnv("logging.level", "DISPATCHER_LOG_LEVEL")
}

func validateConfig(cfg *Config) error {
	switch cfg.Mode {
	case ModeCoordinator, ModeAgent, ModeMonitoring:
	default:
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}

	if cfg.Coordinator.Port < 1 || cfg.Coordinator.Port > 65535 {
		return fmt.Errorf("invalid coordinator port %d", cfg.Coordinator.Port)
	}

	for _, bind := range cfg.Coordinator.Binds {
		if !strings.Contains(bind, ":") {
			return fmt.Errorf("invalid bind address %q, want host:port", bind)
		}
	}

	if cfg.Coordinator.Fairness != pool.FairnessPerIP && cfg.Coordinator.Fairness != pool.FairnessPerAgent {
		return fmt.Errorf("invalid fairness %q", cfg.Coordinator.Fairness)
	}

	if cfg.Mode == ModeAgent || cfg.Mode == ModeMonitoring {
		if cfg.Agent.CoordinatorURL == "" {
			return errors.New("coordinator url is required")
		}
	}

	return nil
}
