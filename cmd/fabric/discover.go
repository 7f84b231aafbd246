// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package main

import (
	"context"
	"fmt"

	"github.com/USA-RedDragon/fabric/internal/discovery"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/spf13/cobra"
)

func newDiscoverCommand() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Track a registry's directory and print providers for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, service)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name to watch; prints the full directory when empty")
	return cmd
}

func runDiscover(cmd *cobra.Command, service string) error {
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
	if service != "" {
		d.Subscribe(service)
	}
	obsID := d.AddObserver(func(ev discovery.Event) {
		logger.Info("discover: event", "kind", ev.Kind.String(), "service", ev.Service, "endpoint", ev.Provider.Endpoint)
	})
	defer d.RemoveObserver(obsID)

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	logger.Info("discover: watching", "registry", cfg.Gateway.DiscoveryEndpoint, "service", service)

	waitForShutdown(logger, func() {
		d.Destroy()
	})
	return nil
}
