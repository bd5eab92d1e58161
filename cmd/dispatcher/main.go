package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"NetDispatch/internal/config"
)

// Exit codes: 0 normal, 1 usage error, 2 unrecoverable startup failure.
const (
	exitUsage   = 1
	exitStartup = 2
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Distributed HTTP egress dispatcher",
		Long:          "Dispatches HTTP request jobs to agents that execute them from specific local source IPs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.String("mode", "", "mode to run in: coordinator, agent or monitoring")
	flags.String("host", "", "coordinator listen host")
	flags.Int("port", 0, "coordinator listen port")
	flags.StringArray("bind", nil, "additional listen address host:port (repeatable)")
	flags.String("coordinator-url", "", "coordinator URL (agent and monitoring modes)")
	flags.String("agent-id", "", "agent id (auto-generated if omitted)")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("mode", flags.Lookup("mode"))
	viper.BindPFlag("coordinator.host", flags.Lookup("host"))
	viper.BindPFlag("coordinator.port", flags.Lookup("port"))
	viper.BindPFlag("coordinator.binds", flags.Lookup("bind"))
	viper.BindPFlag("agent.coordinator_url", flags.Lookup("coordinator-url"))
	viper.BindPFlag("agent.agent_id", flags.Lookup("agent-id"))
	viper.BindPFlag("logging.level", flags.Lookup("log-level"))

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case config.ModeCoordinator:
		return runCoordinator(cfg)
	case config.ModeAgent:
		return runAgent(cfg)
	case config.ModeMonitoring:
		return runMonitoring(cfg)
	default:
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}
}
