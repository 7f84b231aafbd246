// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/USA-RedDragon/fabric/internal/discovery"
	"github.com/USA-RedDragon/fabric/internal/gateway"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
)

const stalePoolJanitorInterval = 30 * time.Second

func newGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run a client-side load balancer over discovered providers",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	startMetricsServer(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := metrics.NewMetrics()
	d := discovery.New(ctx, logger, m)
	d.ConnectRegistry(cfg.Gateway.DiscoveryEndpoint)
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	g := gateway.New(ctx, cfg.Gateway, logger, m, d)
	if cfg.Gateway.TLSCA != "" || cfg.Gateway.TLSTrustSystem {
		if err := g.SetTLSClient(cfg.Gateway.TLSCA, "", cfg.Gateway.TLSTrustSystem); err != nil {
			return fmt.Errorf("failed to configure gateway TLS: %w", err)
		}
	}
	logger.Info("gateway: ready", "discovery", cfg.Gateway.DiscoveryEndpoint, "strategy", cfg.Gateway.LBStrategy)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(stalePoolJanitorInterval),
		gocron.NewTask(func() {
			if n := g.PruneStalePools(); n > 0 {
				logger.Debug("gateway: pruned stale pools", "count", n)
			}
		}),
	)
	if err != nil {
		logger.Warn("gateway: failed to schedule stale-pool janitor", "error", err)
	}
	scheduler.Start()

	waitForShutdown(logger, func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Warn("gateway: failed to stop scheduler", "error", err)
		}
		g.Destroy()
		d.Destroy()
	})
	return nil
}
