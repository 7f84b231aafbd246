// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package provider_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/provider"
	"github.com/USA-RedDragon/fabric/internal/registry"
	"github.com/stretchr/testify/require"
)

var inprocCounter int64

func inprocEndpoint(prefix string) string {
	n := atomic.AddInt64(&inprocCounter, 1)
	return fmt.Sprintf("inproc://%s-%d", prefix, n)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRegistry(t *testing.T, ctx context.Context) (routerEP, pubEP string, r *registry.Registry) {
	t.Helper()
	routerEP = inprocEndpoint("router")
	pubEP = inprocEndpoint("pub")
	r = registry.New(ctx, config.Registry{
		RouterBind:        routerEP,
		PublisherBind:     pubEP,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatGrace:    50 * time.Millisecond,
		BroadcastInterval: 20 * time.Millisecond,
		SweepInterval:     20 * time.Millisecond,
	}, testLogger(), nil)
	require.NoError(t, r.Start())
	return
}

func TestProviderRegistersAndReceivesAck(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP, _, r := startRegistry(t, ctx)
	defer r.Destroy()

	p := provider.New(ctx, config.Provider{HeartbeatPeriod: 30 * time.Millisecond}, testLogger())
	defer p.Destroy()

	require.NoError(t, p.Bind(inprocEndpoint("provider")))
	require.NoError(t, p.ConnectRegistry(routerEP))
	require.NoError(t, p.RegisterService("svc", "tcp://127.0.0.1:9000", 3))

	result := p.LastRegisterResult()
	require.Equal(t, uint8(0), result.Status)
	require.Equal(t, "tcp://127.0.0.1:9000", result.Endpoint)
	require.Equal(t, 1, r.ProviderCount("svc"))
}

func TestProviderDerivesAdvertiseEndpointFromBind(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP, _, r := startRegistry(t, ctx)
	defer r.Destroy()

	p := provider.New(ctx, config.Provider{HeartbeatPeriod: 30 * time.Millisecond}, testLogger())
	defer p.Destroy()

	require.NoError(t, p.Bind("tcp://127.0.0.1:0"))
	require.NoError(t, p.ConnectRegistry(routerEP))
	require.NoError(t, p.RegisterService("svc", "", 1))

	result := p.LastRegisterResult()
	require.Equal(t, uint8(0), result.Status)
	require.Contains(t, result.Endpoint, "tcp://127.0.0.1:")
	require.NotContains(t, result.Endpoint, "0.0.0.0")
}

func TestProviderHeartbeatKeepsRegistrationAlive(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP, _, r := startRegistry(t, ctx)
	defer r.Destroy()

	p := provider.New(ctx, config.Provider{HeartbeatPeriod: 30 * time.Millisecond}, testLogger())
	defer p.Destroy()

	require.NoError(t, p.Bind(inprocEndpoint("provider")))
	require.NoError(t, p.ConnectRegistry(routerEP))
	require.NoError(t, p.RegisterService("svc", "tcp://127.0.0.1:9100", 1))

	require.Never(t, func() bool {
		return r.ProviderCount("svc") == 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestProviderUnregisterRemovesEntry(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP, _, r := startRegistry(t, ctx)
	defer r.Destroy()

	p := provider.New(ctx, config.Provider{HeartbeatPeriod: 30 * time.Millisecond}, testLogger())
	defer p.Destroy()

	require.NoError(t, p.Bind(inprocEndpoint("provider")))
	require.NoError(t, p.ConnectRegistry(routerEP))
	require.NoError(t, p.RegisterService("svc", "tcp://127.0.0.1:9200", 1))
	require.Equal(t, 1, r.ProviderCount("svc"))

	require.NoError(t, p.UnregisterService("svc"))
	require.Eventually(t, func() bool {
		return r.ProviderCount("svc") == 0
	}, time.Second, 10*time.Millisecond)
}

func TestProviderUpdateWeight(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP, _, r := startRegistry(t, ctx)
	defer r.Destroy()

	p := provider.New(ctx, config.Provider{HeartbeatPeriod: 30 * time.Millisecond}, testLogger())
	defer p.Destroy()

	require.NoError(t, p.Bind(inprocEndpoint("provider")))
	require.NoError(t, p.ConnectRegistry(routerEP))
	require.NoError(t, p.RegisterService("svc", "tcp://127.0.0.1:9300", 1))
	require.NoError(t, p.UpdateWeight("svc", 7))

	result := p.LastRegisterResult()
	require.Equal(t, uint8(0), result.Status)
}
