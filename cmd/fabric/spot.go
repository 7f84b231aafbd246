// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/USA-RedDragon/fabric/internal/discovery"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/USA-RedDragon/fabric/internal/pubsub"
	"github.com/USA-RedDragon/fabric/internal/spot"
	"github.com/spf13/cobra"
)

const spotDeliveryPollTimeout = 500 * time.Millisecond

func newSpotCommand() *cobra.Command {
	var topic, pattern string
	var ring bool
	cmd := &cobra.Command{
		Use:   "spot",
		Short: "Run a publish/subscribe overlay node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSpot(cmd, topic, pattern, ring)
		},
	}
	cmd.Flags().StringVar(&topic, "publish-topic", "", "create and hold open a topic to publish on; empty disables local publishing")
	cmd.Flags().BoolVar(&ring, "ringbuffer", false, "use RINGBUFFER mode for --publish-topic instead of QUEUE")
	cmd.Flags().StringVar(&pattern, "subscribe", "", "subscribe to a topic or trailing-wildcard pattern and log deliveries")
	return cmd
}

func runSpot(cmd *cobra.Command, topic, pattern string, ring bool) error {
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
	d.ConnectRegistry(cfg.Spot.DiscoveryEndpoint)
	d.Subscribe(cfg.Spot.ServiceName)
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}

	var ps pubsub.PubSub
	if cfg.Redis.Enabled {
		ps, err = pubsub.MakePubSub(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to set up pubsub transport: %w", err)
		}
	}

	n := spot.New(ctx, cfg.Spot, logger, m, d, ps)
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start spot node: %w", err)
	}
	logger.Info("spot: ready", "bind", cfg.Spot.Bind, "service", cfg.Spot.ServiceName, "redis", cfg.Redis.Enabled)

	var pub *spot.Spot
	if topic != "" {
		mode := spot.ModeQueue
		if ring {
			mode = spot.ModeRingBuffer
		}
		pub, err = n.CreateTopic(topic, mode)
		if err != nil {
			return fmt.Errorf("failed to create topic %q: %w", topic, err)
		}
		logger.Info("spot: publishing", "topic", topic, "mode", mode.String())
	}

	var sub *spot.SpotSub
	if pattern != "" {
		sub, err = n.Subscribe(pattern)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", pattern, err)
		}
		go logDeliveries(ctx, logger, sub)
	}

	waitForShutdown(logger, func() {
		if sub != nil {
			_ = sub.Close()
		}
		if pub != nil {
			_ = pub.Close()
		}
		n.Destroy()
		d.Destroy()
		if ps != nil {
			_ = ps.Close()
		}
	})
	return nil
}

func logDeliveries(ctx context.Context, logger *slog.Logger, sub *spot.SpotSub) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		topic, frames, err := sub.Recv(spotDeliveryPollTimeout)
		if err != nil {
			continue
		}
		logger.Info("spot: delivery", "topic", topic, "frames", len(frames))
	}
}
