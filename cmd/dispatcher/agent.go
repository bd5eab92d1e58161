package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"NetDispatch/internal/agent/executor"
	"NetDispatch/internal/agent/session"
	"NetDispatch/internal/config"
	"NetDispatch/pkg/logger"
	"NetDispatch/pkg/uuidutil"
)

func runAgent(cfg *config.Config) error {
	log := logger.Setup(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	hostname, _ := os.Hostname()

	agentID := cfg.Agent.AgentID
	if agentID == "" {
		agentID = uuidutil.NewAgentID(hostname)
	}

	log.Info("starting agent",
		"agent_id", agentID,
		"coordinator_url", cfg.Agent.CoordinatorURL,
	)

	exec := executor.New(log.With("component", "executor"))

	sess, err := session.New(session.Config{
		CoordinatorURL: cfg.Agent.CoordinatorURL,
		AgentID:        agentID,
		Hostname:       hostname,
		Version:        "1.0.0",
		Addresses:      cfg.Agent.Addresses,
		MaxInFlight:    cfg.Agent.MaxInFlight,
	}, exec, log.With("component", "session"))
	if err != nil {
		log.Error("failed to build session", "error", err)
		os.Exit(exitStartup)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("session failed", "error", err)
		os.Exit(exitStartup)
	}

	log.Info("agent stopped")
	return nil
}
