// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import "errors"

var (
	ErrInvalidLogLevel      = errors.New("invalid log level provided")
	ErrInvalidRedisHost     = errors.New("invalid Redis host provided")
	ErrInvalidRedisPort     = errors.New("invalid Redis port provided")
	ErrInvalidLBStrategy    = errors.New("invalid load-balancing strategy provided")
	ErrInvalidMetricsBind   = errors.New("invalid metrics server bind address provided")
	ErrInvalidMetricsPort   = errors.New("invalid metrics server port provided")
	ErrRegistryBindRequired = errors.New("registry router bind address is required")
	ErrRegistryPubRequired  = errors.New("registry publisher bind address is required")
	ErrGatewayLBStrategy    = errors.New("gateway load-balancing strategy is invalid")
	ErrSpotBindRequired     = errors.New("spot node bind address is required")
	ErrRingBufferSize       = errors.New("spot ringbuffer size must be positive")
)

// Validate validates the Redis configuration.
func (r Redis) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.Host == "" {
		return ErrInvalidRedisHost
	}
	if r.Port <= 0 || r.Port > 65535 {
		return ErrInvalidRedisPort
	}
	return nil
}

// Validate validates the Metrics configuration.
func (m Metrics) Validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Bind == "" {
		return ErrInvalidMetricsBind
	}
	if m.Port <= 0 || m.Port > 65535 {
		return ErrInvalidMetricsPort
	}
	return nil
}

// Validate validates the Registry configuration.
func (r Registry) Validate() error {
	if r.RouterBind == "" {
		return ErrRegistryBindRequired
	}
	if r.PublisherBind == "" {
		return ErrRegistryPubRequired
	}
	return nil
}

// Validate validates the Gateway configuration.
func (g Gateway) Validate() error {
	if g.LBStrategy != LBStrategyRoundRobin && g.LBStrategy != LBStrategyWeighted {
		return ErrGatewayLBStrategy
	}
	return nil
}

// Validate validates the Spot configuration.
func (s Spot) Validate() error {
	if s.Bind == "" {
		return ErrSpotBindRequired
	}
	if s.RingBufferSize <= 0 {
		return ErrRingBufferSize
	}
	return nil
}

// Validate validates the full process configuration.
func (c Config) Validate() error {
	if c.LogLevel != LogLevelDebug &&
		c.LogLevel != LogLevelInfo &&
		c.LogLevel != LogLevelWarn &&
		c.LogLevel != LogLevelError {
		return ErrInvalidLogLevel
	}

	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Spot.Validate(); err != nil {
		return err
	}

	return nil
}
