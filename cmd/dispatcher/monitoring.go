package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"NetDispatch/internal/config"
	"NetDispatch/pkg/logger"
)

// runMonitoring polls /api/stats and logs a one-line summary. The interactive
// terminal UI this mode once fronted is gone; the mode itself stays so
// operator scripts keep working.
func runMonitoring(cfg *config.Config) error {
	log := logger.Setup(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	log.Info("starting monitoring poller", "coordinator_url", cfg.Agent.CoordinatorURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/api/stats", cfg.Agent.CoordinatorURL)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring stopped")
			return nil
		case <-ticker.C:
			stats, err := fetchStats(ctx, client, url)
			if err != nil {
				log.Warn("stats fetch failed", "error", err)
				continue
			}
			log.Info("coordinator stats",
				"live_agents", stats["live_agents"],
				"ip_pool_size", stats["ip_pool_size"],
				"in_flight", stats["in_flight"],
				"completed", stats["completed"],
				"failed", stats["failed"],
			)
		}
	}
}

func fetchStats(ctx context.Context, client *http.Client, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return stats, nil
}
