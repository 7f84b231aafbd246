// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pubsub is a small topic fan-out abstraction with in-memory and
// Redis-backed implementations, used by the spot overlay (internal/spot)
// to bridge a process-local publish into a cross-process broadcast when
// Redis is enabled.
package pubsub

import (
	"context"

	"github.com/USA-RedDragon/fabric/internal/config"
)

type PubSub interface {
	Publish(topic string, message []byte) error
	Subscribe(topic string) Subscription
	Close() error
}

type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// MakePubSub returns a Redis-backed PubSub when cfg.Redis.Enabled, else an
// in-memory one scoped to this process.
func MakePubSub(ctx context.Context, cfg *config.Config) (PubSub, error) {
	if cfg.Redis.Enabled {
		return makePubSubFromRedis(ctx, cfg)
	}
	return makeInMemoryPubSub(cfg)
}
