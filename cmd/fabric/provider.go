// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package main

import (
	"context"
	"fmt"

	"github.com/USA-RedDragon/fabric/internal/provider"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newProviderCommand() *cobra.Command {
	var service, advertise string
	var weight uint32
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Register and heartbeat a service provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProvider(cmd, service, advertise, weight)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name to register under")
	cmd.Flags().StringVar(&advertise, "advertise", "", "endpoint to advertise; defaults to --provider-router-bind")
	cmd.Flags().Uint32Var(&weight, "weight", 1, "initial load-balancing weight")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func runProvider(cmd *cobra.Command, service, advertise string, weight uint32) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	startMetricsServer(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	p := provider.New(ctx, cfg.Provider, logger)
	if cfg.Provider.TLSCert != "" || cfg.Provider.TLSKey != "" {
		if err := p.SetTLSServer(cfg.Provider.TLSCert, cfg.Provider.TLSKey); err != nil {
			return fmt.Errorf("failed to configure provider TLS: %w", err)
		}
	}

	// Startup steps fan out over an errgroup so a future second listener
	// slots in without restructuring the sequence.
	g := new(errgroup.Group)
	g.Go(func() error {
		return p.Bind(cfg.Provider.RouterBind)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to bind provider router: %w", err)
	}

	if err := p.ConnectRegistry(cfg.Provider.RegistryEndpoint); err != nil {
		return fmt.Errorf("failed to connect to registry: %w", err)
	}

	ep := advertise
	if ep == "" {
		ep = cfg.Provider.RouterBind
	}
	if err := p.RegisterService(service, ep, weight); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	result := p.LastRegisterResult()
	logger.Info("provider: registered", "service", service, "endpoint", result.Endpoint)

	waitForShutdown(logger, func() {
		p.Destroy()
	})
	return nil
}
