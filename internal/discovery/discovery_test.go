// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package discovery_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/discovery"
	"github.com/USA-RedDragon/fabric/internal/registry"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/wire"
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

func testRegistryConfig(routerEP, pubEP string) config.Registry {
	return config.Registry{
		RouterBind:        routerEP,
		PublisherBind:     pubEP,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatGrace:    50 * time.Millisecond,
		BroadcastInterval: 20 * time.Millisecond,
		SweepInterval:     20 * time.Millisecond,
	}
}

func dialDealer(t *testing.T, ctx context.Context, endpoint string) socket.Socket {
	t.Helper()
	dealer := socket.New(ctx, socket.TypeDealer)
	require.NoError(t, dealer.Connect(endpoint))
	return dealer
}

// eventCollector records observer events in arrival order behind a mutex.
type eventCollector struct {
	mu     sync.Mutex
	events []discovery.Event
}

func (c *eventCollector) observe(ev discovery.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) count(kind discovery.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestDiscoveryTracksRegisteredProvider(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP := inprocEndpoint("router")
	pubEP := inprocEndpoint("pub")
	r := registry.New(ctx, testRegistryConfig(routerEP, pubEP), testLogger(), nil)
	require.NoError(t, r.Start())
	defer r.Destroy()

	dealer := dialDealer(t, ctx, routerEP)
	defer dealer.Close()
	require.NoError(t, wire.SendRegister(dealer, "svc", "tcp://127.0.0.1:9600", 5))
	_, err := wire.RecvAll(dealer, socket.FlagNone)
	require.NoError(t, err)

	d := discovery.New(ctx, testLogger(), nil)
	d.ConnectRegistry(pubEP)
	require.NoError(t, d.Start())
	defer d.Destroy()

	require.Eventually(t, func() bool {
		providers := d.GetProviders("svc")
		return len(providers) == 1 && providers[0].Endpoint == "tcp://127.0.0.1:9600" && providers[0].Weight == 5
	}, time.Second, 10*time.Millisecond)

	require.True(t, d.ServiceAvailable("svc"))
	require.Equal(t, 1, d.ProviderCount("svc"))
}

func TestDiscoveryObserverFiresProviderAddedAndServiceAvailable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP := inprocEndpoint("router")
	pubEP := inprocEndpoint("pub")
	r := registry.New(ctx, testRegistryConfig(routerEP, pubEP), testLogger(), nil)
	require.NoError(t, r.Start())
	defer r.Destroy()

	d := discovery.New(ctx, testLogger(), nil)
	d.ConnectRegistry(pubEP)
	collector := &eventCollector{}
	d.AddObserver(collector.observe)
	require.NoError(t, d.Start())
	defer d.Destroy()

	dealer := dialDealer(t, ctx, routerEP)
	defer dealer.Close()
	require.NoError(t, wire.SendRegister(dealer, "svc", "tcp://127.0.0.1:9700", 1))
	_, err := wire.RecvAll(dealer, socket.FlagNone)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.count(discovery.ProviderAdded) >= 1 && collector.count(discovery.ServiceAvailable) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestDiscoveryUnregisterFiresProviderRemoved(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP := inprocEndpoint("router")
	pubEP := inprocEndpoint("pub")
	r := registry.New(ctx, testRegistryConfig(routerEP, pubEP), testLogger(), nil)
	require.NoError(t, r.Start())
	defer r.Destroy()

	dealer := dialDealer(t, ctx, routerEP)
	defer dealer.Close()
	require.NoError(t, wire.SendRegister(dealer, "svc", "tcp://127.0.0.1:9800", 1))
	_, err := wire.RecvAll(dealer, socket.FlagNone)
	require.NoError(t, err)

	d := discovery.New(ctx, testLogger(), nil)
	d.ConnectRegistry(pubEP)
	collector := &eventCollector{}
	d.AddObserver(collector.observe)
	require.NoError(t, d.Start())
	defer d.Destroy()

	require.Eventually(t, func() bool {
		return d.ProviderCount("svc") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, wire.SendUnregister(dealer, "svc", "tcp://127.0.0.1:9800"))

	require.Eventually(t, func() bool {
		return d.ProviderCount("svc") == 0
	}, time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, collector.count(discovery.ProviderRemoved), 1)
	require.GreaterOrEqual(t, collector.count(discovery.ServiceUnavailable), 1)
}

func TestDiscoverySubscriptionFiltersUntrackedServices(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP := inprocEndpoint("router")
	pubEP := inprocEndpoint("pub")
	r := registry.New(ctx, testRegistryConfig(routerEP, pubEP), testLogger(), nil)
	require.NoError(t, r.Start())
	defer r.Destroy()

	dealer := dialDealer(t, ctx, routerEP)
	defer dealer.Close()
	require.NoError(t, wire.SendRegister(dealer, "tracked", "tcp://127.0.0.1:9900", 1))
	_, err := wire.RecvAll(dealer, socket.FlagNone)
	require.NoError(t, err)
	require.NoError(t, wire.SendRegister(dealer, "ignored", "tcp://127.0.0.1:9901", 1))
	_, err = wire.RecvAll(dealer, socket.FlagNone)
	require.NoError(t, err)

	d := discovery.New(ctx, testLogger(), nil)
	d.Subscribe("tracked")
	d.ConnectRegistry(pubEP)
	require.NoError(t, d.Start())
	defer d.Destroy()

	require.Eventually(t, func() bool {
		return d.ServiceAvailable("tracked")
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.False(t, d.ServiceAvailable("ignored"))
	require.Empty(t, d.GetProviders("ignored"))
}

func TestDiscoveryTwoRegistriesMergeIndependently(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerEP1 := inprocEndpoint("router")
	pubEP1 := inprocEndpoint("pub")
	r1 := registry.New(ctx, testRegistryConfig(routerEP1, pubEP1), testLogger(), nil)
	require.NoError(t, r1.Start())
	defer r1.Destroy()

	routerEP2 := inprocEndpoint("router")
	pubEP2 := inprocEndpoint("pub")
	r2 := registry.New(ctx, testRegistryConfig(routerEP2, pubEP2), testLogger(), nil)
	require.NoError(t, r2.Start())
	defer r2.Destroy()

	dealer1 := dialDealer(t, ctx, routerEP1)
	defer dealer1.Close()
	require.NoError(t, wire.SendRegister(dealer1, "svc", "tcp://127.0.0.1:9910", 1))
	_, err := wire.RecvAll(dealer1, socket.FlagNone)
	require.NoError(t, err)

	dealer2 := dialDealer(t, ctx, routerEP2)
	defer dealer2.Close()
	require.NoError(t, wire.SendRegister(dealer2, "svc", "tcp://127.0.0.1:9911", 1))
	_, err = wire.RecvAll(dealer2, socket.FlagNone)
	require.NoError(t, err)

	d := discovery.New(ctx, testLogger(), nil)
	d.ConnectRegistry(pubEP1)
	d.ConnectRegistry(pubEP2)
	require.NoError(t, d.Start())
	defer d.Destroy()

	require.Eventually(t, func() bool {
		return d.ProviderCount("svc") == 2
	}, time.Second, 10*time.Millisecond)
}
