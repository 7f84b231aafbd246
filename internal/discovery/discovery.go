// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package discovery implements the subscriber side of the directory: it
// tracks a monotonic local view of one or more registries' service lists
// and serves snapshot queries and change observers.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/wire"
)

const tickInterval = 100 * time.Millisecond

// Discovery is the public handle for one discovery client.
type Discovery struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	state *state
	sub   socket.Socket

	mu        sync.Mutex
	endpoints map[string]bool
	connected map[string]bool
	started   bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Discovery client. The worker is not started until Start
// is called.
func New(ctx context.Context, logger *slog.Logger, m *metrics.Metrics) *Discovery {
	dctx, cancel := context.WithCancel(ctx)
	return &Discovery{
		logger:    logger,
		metrics:   m,
		ctx:       dctx,
		cancel:    cancel,
		state:     newState(),
		sub:       socket.New(dctx, socket.TypeSub),
		endpoints: make(map[string]bool),
		connected: make(map[string]bool),
	}
}

// ConnectRegistry adds a registry publisher endpoint to track. May be
// called multiple times; duplicates are ignored. The connection is made
// immediately; Start and every worker tick retry endpoints whose connect
// failed.
func (d *Discovery) ConnectRegistry(pubEndpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.endpoints[pubEndpoint] {
		return
	}
	d.endpoints[pubEndpoint] = true
	d.connectLocked(pubEndpoint)
}

func (d *Discovery) connectLocked(endpoint string) {
	if d.connected[endpoint] {
		return
	}
	if err := d.sub.Connect(endpoint); err != nil {
		d.logger.Warn("discovery: failed to connect to registry", "endpoint", endpoint, "error", err)
		return
	}
	d.connected[endpoint] = true
}

// Subscribe adds a service name to the client-side tracking filter.
func (d *Discovery) Subscribe(name string) {
	d.state.subscribe(name)
}

// Unsubscribe removes a service name from the tracking filter and purges
// any providers currently tracked for it, firing observer events.
func (d *Discovery) Unsubscribe(name string) {
	events := d.state.unsubscribe(name)
	d.dispatch(events)
}

// GetProviders returns a snapshot of every provider currently known for
// name.
func (d *Discovery) GetProviders(name string) []ProviderInfo {
	return d.state.getProviders(name)
}

// SnapshotProviders is the internal hot path used by the gateway; currently
// identical to GetProviders.
func (d *Discovery) SnapshotProviders(name string) []ProviderInfo {
	return d.state.getProviders(name)
}

// ProviderCount returns the number of providers currently known for name.
func (d *Discovery) ProviderCount(name string) int {
	return d.state.providerCount(name)
}

// ServiceAvailable reports whether at least one provider is known for name.
func (d *Discovery) ServiceAvailable(name string) bool {
	return d.state.serviceAvailable(name)
}

// AddObserver registers a callback and returns a handle for RemoveObserver.
func (d *Discovery) AddObserver(o Observer) int {
	return d.state.addObserver(o)
}

// RemoveObserver deregisters a callback by its AddObserver handle.
func (d *Discovery) RemoveObserver(id int) {
	d.state.removeObserver(id)
}

// Start spawns the worker goroutine. Idempotent.
func (d *Discovery) Start() error {
	d.startOnce.Do(func() {
		d.mu.Lock()
		d.started = true
		endpoints := make([]string, 0, len(d.endpoints))
		for ep := range d.endpoints {
			endpoints = append(endpoints, ep)
		}
		for _, ep := range endpoints {
			d.connectLocked(ep)
		}
		d.mu.Unlock()

		d.wg.Add(1)
		go d.run()
	})
	return nil
}

// Destroy stops the worker and closes the subscriber socket.
func (d *Discovery) Destroy() {
	d.cancel()
	_ = d.sub.Close()
	d.wg.Wait()
}

func (d *Discovery) run() {
	defer d.wg.Done()

	if err := d.sub.SetOption(socket.OptSubscribe, nil); err != nil {
		d.logger.Warn("discovery: failed to subscribe", "error", err)
		return
	}

	items := []socket.PollItem{{Socket: d.sub}}
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		// Pick up registries added after Start via ConnectRegistry.
		d.mu.Lock()
		for ep := range d.endpoints {
			d.connectLocked(ep)
		}
		d.mu.Unlock()

		n, err := socket.Poll(items, int(tickInterval.Milliseconds()))
		if err != nil || n == 0 {
			continue
		}
		d.handleServiceList()
	}
}

func (d *Discovery) handleServiceList() {
	frames, err := wire.RecvAll(d.sub, socket.FlagNone)
	if err != nil {
		return
	}
	if len(frames) < 1 {
		return
	}
	msgIDRaw, ok := wire.ReadU16(frames[0])
	if !ok {
		return
	}
	msgID := wire.MsgID(msgIDRaw)
	if msgID != wire.MsgServiceList && msgID != wire.MsgRegistrySync {
		return
	}
	list, ok := wire.DecodeServiceList(frames[1:])
	if !ok {
		return
	}
	d.state.mu.Lock()
	stale := list.ListSeq <= d.state.registrySeq[list.RegistryID]
	d.state.mu.Unlock()
	events := d.state.applyServiceList(list.RegistryID, list.ListSeq, list.Services, time.Now())
	if stale && d.metrics != nil {
		d.metrics.RecordDiscoveryStaleDrop()
	} else if d.metrics != nil {
		d.metrics.RecordDiscoveryUpdate()
	}
	d.dispatch(events)
}

func (d *Discovery) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}
	observers := d.state.snapshotObservers()
	for _, ev := range events {
		for _, o := range observers {
			o(ev)
		}
	}
}
