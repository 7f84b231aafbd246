// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package main

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/USA-RedDragon/configulator"
	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/logging"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/ztrue/shutdown"
)

// loadConfig loads Config through configulator and validates it before any
// socket is bound.
func loadConfig() (*config.Config, error) {
	cfg, err := configulator.New[config.Config]().Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the tint-backed default logger and returns it.
func setupLogger(cfg *config.Config) *slog.Logger {
	return logging.SetDefault(cfg)
}

// startMetricsServer runs the Prometheus endpoint in the background if
// enabled.
func startMetricsServer(cfg *config.Config) {
	if cfg.Metrics.Enabled {
		go metrics.CreateMetricsServer(cfg)
	}
}

// waitForShutdown blocks until a termination signal arrives and runs stop.
func waitForShutdown(logger *slog.Logger, stop func()) {
	handler := func(sig os.Signal) {
		logger.Warn("shutting down", "signal", sig)
		stop()
	}
	shutdown.AddWithParam(handler)
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}
