// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/USA-RedDragon/fabric/internal/kv"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/USA-RedDragon/fabric/internal/registry"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
)

func newRegistryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "Run a gossiped service registry",
		RunE:  runRegistry,
	}
}

func runRegistry(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	startMetricsServer(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := metrics.NewMetrics()
	r := registry.New(ctx, cfg.Registry, logger, m)
	for _, peer := range cfg.Registry.GossipPeers {
		r.AddPeer(peer)
	}

	var store kv.KV
	if cfg.Redis.Enabled {
		store, err = kv.MakeKV(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to set up kv store: %w", err)
		}
		r.AttachKV(store)
	}

	if err := r.Start(); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	logger.Info("registry: listening", "router", cfg.Registry.RouterBind, "publisher", cfg.Registry.PublisherBind, "id", r.ID())

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	statusInterval := cfg.Registry.BroadcastInterval * 10
	if statusInterval <= 0 {
		statusInterval = 20 * time.Second
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(statusInterval),
		gocron.NewTask(func() {
			logger.Info("registry: status", "total_providers", r.TotalProviders())
		}),
	)
	if err != nil {
		logger.Warn("registry: failed to schedule status job", "error", err)
	}
	scheduler.Start()

	waitForShutdown(logger, func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Warn("registry: failed to stop scheduler", "error", err)
		}
		r.Destroy()
		if store != nil {
			_ = store.Close()
		}
	})
	return nil
}
