// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package gateway implements a client-side load balancer: for each named
// service it maintains a pool of router connections to the advertised
// provider endpoints, refreshes the pool as discovery changes, and retries
// sends on transient unreachability.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/discovery"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/syserr"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const readinessPoll = 20 * time.Millisecond

// tlsClientConfig is the TLS material applied to every current and future
// pool socket.
type tlsClientConfig struct {
	ca          string
	hostname    string
	trustSystem bool
}

// Gateway is the public handle for one gateway instance.
type Gateway struct {
	cfg       config.Gateway
	logger    *slog.Logger
	metrics   *metrics.Metrics
	discovery *discovery.Discovery
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	pools *xsync.Map[string, *servicePool]

	mu          sync.Mutex
	defaultLB   config.LBStrategy
	lbOverrides map[string]config.LBStrategy
	tls         tlsClientConfig

	obsID int
}

// New constructs a Gateway observing discovery for pool invalidation.
func New(ctx context.Context, cfg config.Gateway, logger *slog.Logger, m *metrics.Metrics, d *discovery.Discovery) *Gateway {
	gctx, cancel := context.WithCancel(ctx)
	g := &Gateway{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		discovery:   d,
		tracer:      otel.Tracer("fabric"),
		ctx:         gctx,
		cancel:      cancel,
		pools:       xsync.NewMap[string, *servicePool](),
		defaultLB:   cfg.LBStrategy,
		lbOverrides: make(map[string]config.LBStrategy),
	}
	if d != nil {
		g.obsID = d.AddObserver(g.onDiscoveryEvent)
	}
	return g
}

func (g *Gateway) onDiscoveryEvent(ev discovery.Event) {
	switch ev.Kind {
	case discovery.ProviderAdded, discovery.ProviderRemoved, discovery.ServiceUnavailable:
		if pool, ok := g.pools.Load(ev.Service); ok {
			g.refreshPool(pool)
		}
	}
}

// SetLBStrategy overrides the load-balancing strategy for one service.
func (g *Gateway) SetLBStrategy(service string, strategy config.LBStrategy) {
	g.mu.Lock()
	g.lbOverrides[service] = strategy
	g.mu.Unlock()
	if pool, ok := g.pools.Load(service); ok {
		pool.setStrategy(strategy)
	}
}

// SetTLSClient applies TLS client credentials to all current and future pool
// sockets.
func (g *Gateway) SetTLSClient(ca, hostname string, trustSystem bool) error {
	g.mu.Lock()
	g.tls = tlsClientConfig{ca: ca, hostname: hostname, trustSystem: trustSystem}
	g.mu.Unlock()

	var firstErr error
	g.pools.Range(func(_ string, pool *servicePool) bool {
		if err := pool.applyTLS(g.tls); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func (g *Gateway) strategyFor(service string) config.LBStrategy {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.lbOverrides[service]; ok {
		return s
	}
	if g.defaultLB == "" {
		return config.LBStrategyRoundRobin
	}
	return g.defaultLB
}

func (g *Gateway) getOrCreatePool(service string) (*servicePool, error) {
	if pool, ok := g.pools.Load(service); ok {
		return pool, nil
	}

	pool := newServicePool(g.ctx, service, g.strategyFor(service))
	g.mu.Lock()
	tls := g.tls
	g.mu.Unlock()
	if err := pool.applyTLS(tls); err != nil {
		return nil, err
	}
	if err := pool.router.SetOption(socket.OptRouterMandatory, []byte{1}); err != nil {
		return nil, err
	}
	if err := pool.router.SetOption(socket.OptProbeRouter, []byte{1}); err != nil {
		return nil, err
	}
	if err := pool.router.SetOption(socket.OptSndTimeo, ms32(2000)); err != nil {
		return nil, err
	}

	actual, loaded := g.pools.LoadOrStore(service, pool)
	if loaded {
		_ = pool.router.Close()
		return actual, nil
	}
	g.refreshPool(actual)
	return actual, nil
}

func ms32(ms int32) []byte {
	return []byte{byte(ms), byte(ms >> 8), byte(ms >> 16), byte(ms >> 24)}
}

// refreshPool reconciles a pool's connected endpoints against the current
// discovery snapshot.
func (g *Gateway) refreshPool(pool *servicePool) {
	if g.discovery == nil {
		return
	}
	providers := g.discovery.SnapshotProviders(pool.name)
	pool.reconcile(providers)
}

// ConnectionCount returns the number of currently-advertised endpoints for a
// service after a refresh.
func (g *Gateway) ConnectionCount(service string) int {
	pool, err := g.getOrCreatePool(service)
	if err != nil {
		return 0
	}
	return pool.endpointCount()
}

// Router exposes the pool's router socket for reads (responses).
func (g *Gateway) Router(service string) (socket.Socket, error) {
	pool, err := g.getOrCreatePool(service)
	if err != nil {
		return nil, err
	}
	return pool.router, nil
}

// Send is an atomic multi-part send to one selected provider.
func (g *Gateway) Send(service string, parts [][]byte, flags socket.Flag) error {
	if flags&^socket.FlagDontWait != 0 {
		return syserr.ErrNotSupported
	}
	_, span := g.tracer.Start(g.ctx, "Gateway.Send")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))
	pool, err := g.getOrCreatePool(service)
	if err != nil {
		return err
	}

	dontWait := flags&socket.FlagDontWait != 0
	rid, ok := g.awaitProvider(pool, dontWait)
	if !ok {
		if dontWait {
			return syserr.ErrAgain
		}
		return syserr.ErrHostUnreach
	}
	return g.sendWithRetry(pool, rid, parts)
}

// SendRID sends to a caller-specified provider, bypassing selection.
func (g *Gateway) SendRID(service string, routingID []byte, parts [][]byte, flags socket.Flag) error {
	if len(routingID) == 0 {
		return syserr.ErrHostUnreach
	}
	if flags&^socket.FlagDontWait != 0 {
		return syserr.ErrNotSupported
	}
	_, span := g.tracer.Start(g.ctx, "Gateway.SendRID")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))
	pool, err := g.getOrCreatePool(service)
	if err != nil {
		return err
	}
	return g.sendWithRetry(pool, routingID, parts)
}

// awaitProvider implements the readiness gate: poll the discovery snapshot
// up to ~2s (or once, for DONTWAIT) waiting for at least one endpoint.
func (g *Gateway) awaitProvider(pool *servicePool, dontWait bool) ([]byte, bool) {
	if rid, ok := pool.selectProvider(); ok {
		return rid, true
	}
	if dontWait {
		return nil, false
	}

	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(readinessPoll)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-g.ctx.Done():
			return nil, false
		case <-ticker.C:
			g.refreshPool(pool)
			if rid, ok := pool.selectProvider(); ok {
				return rid, true
			}
		}
	}
	return nil, false
}

func (g *Gateway) sendWithRetry(pool *servicePool, rid []byte, parts [][]byte) error {
	deadline := time.Now().Add(2 * time.Second)
	retries := g.cfg.SendRetries
	backoff := g.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	attempt := 0
	for {
		start := time.Now()
		err := pool.send(rid, parts)
		if err == nil {
			if g.metrics != nil {
				g.metrics.RecordGatewaySend(pool.name, "ok", time.Since(start).Seconds())
			}
			return nil
		}

		switch {
		case errors.Is(err, syserr.ErrAgain):
			if time.Now().After(deadline) {
				return syserr.ErrTimedOut
			}
			time.Sleep(time.Millisecond)
		case errors.Is(err, syserr.ErrHostUnreach):
			if attempt >= retries {
				if g.metrics != nil {
					g.metrics.RecordGatewayFailure(pool.name)
				}
				return syserr.ErrHostUnreach
			}
			attempt++
			if g.metrics != nil {
				g.metrics.RecordGatewayRetry(pool.name)
			}
			g.refreshPool(pool)
			newRid, ok := pool.selectProvider()
			if !ok {
				time.Sleep(backoff)
				continue
			}
			rid = newRid
			time.Sleep(backoff)
		default:
			if g.metrics != nil {
				g.metrics.RecordGatewayFailure(pool.name)
			}
			return err
		}
	}
}

// Recv scans all pools non-blockingly for a complete message.
func (g *Gateway) Recv(flags socket.Flag) (service string, frames [][]byte, err error) {
	dontWait := flags&socket.FlagDontWait != 0
	for {
		found := false
		g.pools.Range(func(name string, pool *servicePool) bool {
			fr, recvErr := pool.recvNonBlocking()
			if recvErr == nil {
				service, frames, found = name, fr, true
				return false
			}
			return true
		})
		if found {
			return service, frames, nil
		}
		if dontWait {
			return "", nil, syserr.ErrAgain
		}
		select {
		case <-g.ctx.Done():
			return "", nil, syserr.ErrFault
		case <-time.After(readinessPoll):
		}
	}
}

// PruneStalePools closes and drops every pool whose service currently has no
// advertised endpoints, intended to run as a periodic scheduled job rather
// than inline on the hot send path.
// Returns the number of pools pruned.
func (g *Gateway) PruneStalePools() int {
	var stale []string
	g.pools.Range(func(name string, pool *servicePool) bool {
		if pool.endpointCount() == 0 {
			stale = append(stale, name)
		}
		return true
	})
	for _, name := range stale {
		if pool, ok := g.pools.LoadAndDelete(name); ok {
			_ = pool.router.Close()
		}
	}
	return len(stale)
}

// Destroy closes all pool sockets and clears state.
func (g *Gateway) Destroy() {
	if g.discovery != nil {
		g.discovery.RemoveObserver(g.obsID)
	}
	g.cancel()
	g.pools.Range(func(_ string, pool *servicePool) bool {
		_ = pool.router.Close()
		return true
	})
}

// --- servicePool -----------------------------------------------------------

type poolProvider struct {
	endpoint  string
	routingID []byte
	weight    uint32
}

type servicePool struct {
	name   string
	router socket.Socket

	mu        sync.Mutex
	strategy  config.LBStrategy
	endpoints map[string]poolProvider
	ordered   []poolProvider
	cursor    int
	rng       *rand.Rand
}

func newServicePool(ctx context.Context, name string, strategy config.LBStrategy) *servicePool {
	return &servicePool{
		name:      name,
		router:    socket.New(ctx, socket.TypeRouter),
		strategy:  strategy,
		endpoints: make(map[string]poolProvider),
		rng:       rand.New(rand.NewSource(seedFor(name))),
	}
}

func seedFor(name string) int64 {
	var h int64 = 1469598103934665603
	for _, b := range []byte(name) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h == 0 {
		h = 1
	}
	return h
}

func (p *servicePool) setStrategy(s config.LBStrategy) {
	p.mu.Lock()
	p.strategy = s
	p.mu.Unlock()
}

func (p *servicePool) applyTLS(tls tlsClientConfig) error {
	if err := p.router.SetOption(socket.OptTLSCA, []byte(tls.ca)); err != nil {
		return err
	}
	if err := p.router.SetOption(socket.OptTLSHostname, []byte(tls.hostname)); err != nil {
		return err
	}
	trust := []byte{0}
	if tls.trustSystem {
		trust = []byte{1}
	}
	return p.router.SetOption(socket.OptTLSTrustSystem, trust)
}

// reconcile connects newly-advertised endpoints and disconnects vanished
// ones, setting each provider's routing id immediately before connecting
// so the router learns the peer identity synchronously.
func (p *servicePool) reconcile(providers []discovery.ProviderInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	incoming := make(map[string]poolProvider, len(providers))
	for _, pr := range providers {
		incoming[pr.Endpoint] = poolProvider{endpoint: pr.Endpoint, routingID: pr.RoutingID, weight: pr.Weight}
	}

	changed := false
	for ep := range p.endpoints {
		if _, ok := incoming[ep]; !ok {
			_ = p.router.TermEndpoint(ep)
			delete(p.endpoints, ep)
			changed = true
		}
	}
	for ep, pr := range incoming {
		if _, ok := p.endpoints[ep]; ok {
			continue
		}
		if err := p.router.SetOption(socket.OptConnectRoutingID, pr.routingID); err != nil {
			continue
		}
		if err := p.router.Connect(ep); err != nil {
			continue
		}
		p.endpoints[ep] = pr
		changed = true
	}

	if changed {
		p.rebuildOrderedLocked()
		p.rng = rand.New(rand.NewSource(seedFor(p.name) ^ int64(len(p.endpoints))))
		p.cursor = 0
	}
}

func (p *servicePool) rebuildOrderedLocked() {
	ordered := make([]poolProvider, 0, len(p.endpoints))
	for _, pr := range p.endpoints {
		ordered = append(ordered, pr)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].endpoint < ordered[j].endpoint })
	p.ordered = ordered
}

func (p *servicePool) endpointCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// selectProvider picks a destination routing id per the pool's strategy.
// Returns ok=false if no endpoint is currently connected.
func (p *servicePool) selectProvider() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ordered) == 0 {
		return nil, false
	}

	switch p.strategy {
	case config.LBStrategyWeighted:
		total := 0
		for _, pr := range p.ordered {
			w := int(pr.weight)
			if w < 1 {
				w = 1
			}
			total += w
		}
		k := p.rng.Intn(total)
		running := 0
		for _, pr := range p.ordered {
			w := int(pr.weight)
			if w < 1 {
				w = 1
			}
			running += w
			if running > k {
				return append([]byte(nil), pr.routingID...), true
			}
		}
		last := p.ordered[len(p.ordered)-1]
		return append([]byte(nil), last.routingID...), true
	default: // ROUND_ROBIN
		idx := p.cursor % len(p.ordered)
		p.cursor++
		return append([]byte(nil), p.ordered[idx].routingID...), true
	}
}

// send prepends the routing-id frame and writes the caller's frames under
// the pool's send lock, so the logical message is atomic on the wire.
func (p *servicePool) send(rid []byte, parts [][]byte) error {
	if len(parts) == 0 {
		return fmt.Errorf("gateway: send requires at least one frame: %w", syserr.ErrInvalid)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.router.Send(rid, socket.FlagMore); err != nil {
		return err
	}
	for i, part := range parts {
		flags := socket.FlagNone
		if i < len(parts)-1 {
			flags = socket.FlagMore
		}
		if err := p.router.Send(part, flags); err != nil {
			return err
		}
	}
	return nil
}

// recvNonBlocking reads one complete message (routing-id frame + payload)
// without blocking.
func (p *servicePool) recvNonBlocking() ([][]byte, error) {
	frame, more, err := p.router.Recv(socket.FlagDontWait)
	if err != nil {
		return nil, err
	}
	msg := [][]byte{frame}
	for more {
		f, m, err := p.router.Recv(socket.FlagNone)
		if err != nil {
			return msg, nil
		}
		msg = append(msg, f)
		more = m
	}
	return msg, nil
}
