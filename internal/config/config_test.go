// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package config_test

import (
	"errors"
	"testing"

	"github.com/USA-RedDragon/fabric/internal/config"
)

func makeValidConfig() config.Config {
	return config.Config{
		LogLevel: config.LogLevelInfo,
		Registry: config.Registry{
			RouterBind:    "tcp://0.0.0.0:7000",
			PublisherBind: "tcp://0.0.0.0:7001",
		},
		Gateway: config.Gateway{
			LBStrategy: config.LBStrategyRoundRobin,
		},
		Spot: config.Spot{
			Bind:           "tcp://0.0.0.0:7100",
			RingBufferSize: 1024,
		},
	}
}

// --- Redis Validation ---

func TestRedisValidateDisabled(t *testing.T) {
	t.Parallel()
	r := config.Redis{Enabled: false}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected nil error for disabled Redis, got %v", err)
	}
}

func TestRedisValidateEmptyHost(t *testing.T) {
	t.Parallel()
	r := config.Redis{Enabled: true, Host: "", Port: 6379}
	if !errors.Is(r.Validate(), config.ErrInvalidRedisHost) {
		t.Errorf("Expected ErrInvalidRedisHost, got %v", r.Validate())
	}
}

func TestRedisValidateInvalidPort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		port int
	}{
		{"zero", 0},
		{"negative", -1},
		{"too high", 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := config.Redis{Enabled: true, Host: "localhost", Port: tt.port}
			if !errors.Is(r.Validate(), config.ErrInvalidRedisPort) {
				t.Errorf("Expected ErrInvalidRedisPort for port %d, got %v", tt.port, r.Validate())
			}
		})
	}
}

func TestRedisValidateValid(t *testing.T) {
	t.Parallel()
	r := config.Redis{Enabled: true, Host: "localhost", Port: 6379}
	if err := r.Validate(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

// --- Metrics Validation ---

func TestMetricsValidateDisabled(t *testing.T) {
	t.Parallel()
	m := config.Metrics{Enabled: false}
	if err := m.Validate(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestMetricsValidateValid(t *testing.T) {
	t.Parallel()
	m := config.Metrics{Enabled: true, Bind: "[::]", Port: 9000}
	if err := m.Validate(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestMetricsValidateEmptyBind(t *testing.T) {
	t.Parallel()
	m := config.Metrics{Enabled: true, Bind: "", Port: 9000}
	if !errors.Is(m.Validate(), config.ErrInvalidMetricsBind) {
		t.Errorf("Expected ErrInvalidMetricsBind, got %v", m.Validate())
	}
}

// --- Registry / Gateway / Spot validation ---

func TestRegistryValidateMissingBind(t *testing.T) {
	t.Parallel()
	r := config.Registry{PublisherBind: "tcp://0.0.0.0:7001"}
	if !errors.Is(r.Validate(), config.ErrRegistryBindRequired) {
		t.Errorf("Expected ErrRegistryBindRequired, got %v", r.Validate())
	}
}

func TestRegistryValidateMissingPublisherBind(t *testing.T) {
	t.Parallel()
	r := config.Registry{RouterBind: "tcp://0.0.0.0:7000"}
	if !errors.Is(r.Validate(), config.ErrRegistryPubRequired) {
		t.Errorf("Expected ErrRegistryPubRequired, got %v", r.Validate())
	}
}

func TestGatewayValidateInvalidStrategy(t *testing.T) {
	t.Parallel()
	g := config.Gateway{LBStrategy: "bogus"}
	if !errors.Is(g.Validate(), config.ErrGatewayLBStrategy) {
		t.Errorf("Expected ErrGatewayLBStrategy, got %v", g.Validate())
	}
}

func TestSpotValidateMissingBind(t *testing.T) {
	t.Parallel()
	s := config.Spot{RingBufferSize: 1024}
	if !errors.Is(s.Validate(), config.ErrSpotBindRequired) {
		t.Errorf("Expected ErrSpotBindRequired, got %v", s.Validate())
	}
}

func TestSpotValidateBadRingBufferSize(t *testing.T) {
	t.Parallel()
	s := config.Spot{Bind: "tcp://0.0.0.0:7100", RingBufferSize: 0}
	if !errors.Is(s.Validate(), config.ErrRingBufferSize) {
		t.Errorf("Expected ErrRingBufferSize, got %v", s.Validate())
	}
}

// --- Full Config Validation ---

func TestConfigValidateInvalidLogLevel(t *testing.T) {
	t.Parallel()
	c := makeValidConfig()
	c.LogLevel = "invalid"
	if !errors.Is(c.Validate(), config.ErrInvalidLogLevel) {
		t.Errorf("Expected ErrInvalidLogLevel, got %v", c.Validate())
	}
}

func TestConfigValidateValid(t *testing.T) {
	t.Parallel()
	c := makeValidConfig()
	if err := c.Validate(); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

func TestConfigValidateAllLogLevels(t *testing.T) {
	t.Parallel()
	levels := []config.LogLevel{config.LogLevelDebug, config.LogLevelInfo, config.LogLevelWarn, config.LogLevelError}
	for _, level := range levels {
		t.Run(string(level), func(t *testing.T) {
			t.Parallel()
			c := makeValidConfig()
			c.LogLevel = level
			if err := c.Validate(); err != nil {
				t.Errorf("Expected nil error for log level %s, got %v", level, err)
			}
		})
	}
}

func TestConfigValidatePropagatesRedisError(t *testing.T) {
	t.Parallel()
	c := makeValidConfig()
	c.Redis = config.Redis{Enabled: true, Host: "", Port: 6379}
	if !errors.Is(c.Validate(), config.ErrInvalidRedisHost) {
		t.Errorf("Expected ErrInvalidRedisHost, got %v", c.Validate())
	}
}
