// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package registry implements the gossiped service directory: a
// heartbeat-refreshed, TTL-swept (service -> providers) map, replicated
// between peer registries over publisher gossip and broadcast to clients.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/kv"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tickInterval = 100 * time.Millisecond

// peerTTLFloor is the minimum peer quiet-period before its gossip entries
// are dropped, regardless of how small the broadcast interval is
// configured.
const peerTTLFloor = 90 * time.Second

// Registry is the public handle for one registry instance: binds a
// publisher and router, optionally gossips with peers, and answers
// REGISTER/UNREGISTER/HEARTBEAT/UPDATE_WEIGHT over its router.
type Registry struct {
	cfg     config.Registry
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	state *state

	router  socket.Socket
	pub     socket.Socket
	peerSub socket.Socket

	// kv, when non-nil (cfg.Redis.Enabled), persists the peer-seq/peer-last-
	// seen dedup table so a restarted registry doesn't treat every peer as
	// new.
	kv kv.KV

	heartbeatTimeout time.Duration
	peerTTL          time.Duration

	mu      sync.Mutex
	peers   []string
	added   map[string]bool
	running bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

func randomID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	id := binary.LittleEndian.Uint32(b[:])
	if id == 0 {
		id = 1
	}
	return id
}

// New constructs a Registry from configuration. The worker is not started
// until Start is called.
func New(ctx context.Context, cfg config.Registry, logger *slog.Logger, m *metrics.Metrics) *Registry {
	rctx, cancel := context.WithCancel(ctx)

	heartbeatTimeout := cfg.HeartbeatInterval + cfg.HeartbeatGrace
	peerTTL := 3 * cfg.BroadcastInterval
	if peerTTL < peerTTLFloor {
		peerTTL = peerTTLFloor
	}

	return &Registry{
		cfg:              cfg,
		logger:           logger,
		metrics:          m,
		tracer:           otel.Tracer("fabric"),
		ctx:              rctx,
		cancel:           cancel,
		state:            newState(randomID()),
		router:           socket.New(rctx, socket.TypeRouter),
		pub:              socket.New(rctx, socket.TypeXPub),
		peerSub:          socket.New(rctx, socket.TypeSub),
		heartbeatTimeout: heartbeatTimeout,
		peerTTL:          peerTTL,
		added:            make(map[string]bool),
	}
}

// SetID overrides the randomly generated registry id. Must be called before
// Start.
func (r *Registry) SetID(id uint32) {
	r.state.mu.Lock()
	r.state.id = id
	r.state.mu.Unlock()
}

// AttachKV wires a kv.KV store used to persist peer-seq/peer-last-seen
// gossip dedup state across restarts. Must be called before Start.
func (r *Registry) AttachKV(store kv.KV) {
	r.kv = store
}

func (r *Registry) peerKey(peerID uint32) string {
	return fmt.Sprintf("registry:%d:peer:%d", r.state.localID(), peerID)
}

// loadPersistedPeers restores the peer-seq/peer-last-seen table from kv on
// startup, so peers already known before a restart aren't re-treated as
// brand new (and don't get dropped as unreachable before their next
// broadcast arrives).
func (r *Registry) loadPersistedPeers() {
	if r.kv == nil {
		return
	}
	match := fmt.Sprintf("registry:%d:peer:*", r.state.localID())
	cursor := uint64(0)
	for {
		keys, next, err := r.kv.Scan(r.ctx, cursor, match, 100)
		if err != nil {
			r.logger.Warn("registry: failed to scan persisted peers", "error", err)
			return
		}
		for _, key := range keys {
			raw, err := r.kv.Get(r.ctx, key)
			if err != nil || len(raw) != 16 {
				continue
			}
			var peerID uint32
			if _, err := fmt.Sscanf(key, fmt.Sprintf("registry:%d:peer:%%d", r.state.localID()), &peerID); err != nil {
				continue
			}
			seq := binary.LittleEndian.Uint64(raw[0:8])
			lastSeenUnix := int64(binary.LittleEndian.Uint64(raw[8:16])) // #nosec G115 -- round-trips a value we wrote
			r.state.loadPeer(peerID, seq, time.Unix(0, lastSeenUnix))
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// persistPeer writes peerID's current seq/last-seen back to kv after a
// successful gossip merge. Best-effort: failures are logged, never fatal.
func (r *Registry) persistPeer(peerID uint32) {
	if r.kv == nil {
		return
	}
	seq, lastSeen := r.state.peerSnapshot(peerID)
	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[0:8], seq)
	binary.LittleEndian.PutUint64(raw[8:16], uint64(lastSeen.UnixNano())) // #nosec G115 -- unix nanos round-trip fine as uint64
	key := r.peerKey(peerID)
	if err := r.kv.Set(r.ctx, key, raw[:]); err != nil {
		r.logger.Debug("registry: failed to persist peer state", "peer", peerID, "error", err)
		return
	}
	if err := r.kv.Expire(r.ctx, key, r.peerTTL); err != nil {
		r.logger.Debug("registry: failed to set peer state ttl", "peer", peerID, "error", err)
	}
}

// forgetPeer removes peerID's persisted state after it's dropped for
// silence past peerTTL.
func (r *Registry) forgetPeer(peerID uint32) {
	if r.kv == nil {
		return
	}
	if err := r.kv.Delete(r.ctx, r.peerKey(peerID)); err != nil {
		r.logger.Debug("registry: failed to delete persisted peer state", "peer", peerID, "error", err)
	}
}

// AddPeer registers a peer registry's publisher endpoint to gossip with.
// Safe to call before or after Start; duplicates are ignored.
func (r *Registry) AddPeer(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.added[endpoint] {
		return
	}
	r.added[endpoint] = true
	r.peers = append(r.peers, endpoint)
	if r.running {
		if err := r.peerSub.Connect(endpoint); err != nil {
			r.logger.Warn("registry: failed to connect to peer", "endpoint", endpoint, "error", err)
		}
	}
}

// ID returns the registry's id (random unless SetID was called).
func (r *Registry) ID() uint32 {
	return r.state.localID()
}

// TotalProviders returns the number of providers registered across every
// service, for periodic status logging.
func (r *Registry) TotalProviders() int {
	return r.totalProviders()
}

// ProviderCount returns the number of providers registered for name.
func (r *Registry) ProviderCount(name string) int {
	return r.state.providerCount(name)
}

// Start binds the publisher and router, connects configured peers, and
// spawns the worker. Idempotent: subsequent calls are no-ops.
func (r *Registry) Start() error {
	var startErr error
	r.startOnce.Do(func() {
		// Bind-then-connect: local sockets must be live before we start
		// pulling peer gossip, so a peer's first frame never races ahead of
		// local state existing.
		if err := r.router.Bind(r.cfg.RouterBind); err != nil {
			startErr = err
			return
		}
		if err := r.pub.Bind(r.cfg.PublisherBind); err != nil {
			startErr = err
			return
		}
		if err := r.peerSub.SetOption(socket.OptSubscribe, nil); err != nil {
			startErr = err
			return
		}
		r.loadPersistedPeers()

		r.mu.Lock()
		peers := append([]string(nil), r.peers...)
		r.running = true
		r.mu.Unlock()
		for _, p := range peers {
			if err := r.peerSub.Connect(p); err != nil {
				r.logger.Warn("registry: failed to connect to peer", "endpoint", p, "error", err)
			}
		}

		r.wg.Add(1)
		go r.run()
	})
	return startErr
}

// Destroy stops the worker and closes all bound/connected sockets.
func (r *Registry) Destroy() {
	r.cancel()
	_ = r.router.Close()
	_ = r.pub.Close()
	_ = r.peerSub.Close()
	r.wg.Wait()
}

func (r *Registry) run() {
	defer r.wg.Done()

	items := []socket.PollItem{
		{Socket: r.router},
		{Socket: r.pub},
		{Socket: r.peerSub},
	}

	lastSweep := time.Now()
	lastBroadcast := time.Now()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		n, err := socket.Poll(items, int(tickInterval.Milliseconds()))
		if err != nil {
			r.logger.Warn("registry: poll failed", "error", err)
			continue
		}
		if n > 0 {
			if items[0].Revents&socket.PollIn != 0 {
				r.handleRouter()
			}
			if items[1].Revents&socket.PollIn != 0 {
				r.handlePubUpcall()
			}
			if items[2].Revents&socket.PollIn != 0 {
				r.handlePeerGossip()
			}
		}

		now := time.Now()
		if now.Sub(lastSweep) >= r.cfg.SweepInterval {
			r.sweep(now)
			lastSweep = now
		}
		if now.Sub(lastBroadcast) >= r.cfg.BroadcastInterval {
			r.publish()
			lastBroadcast = now
		} else if r.state.advancedSincePublish() {
			r.publish()
		}
	}
}

func (r *Registry) handleRouter() {
	_, span := r.tracer.Start(r.ctx, "Registry.handleRouter")
	defer span.End()

	frames, err := wire.RecvAll(r.router, socket.FlagNone)
	if err != nil {
		return
	}
	if len(frames) < 2 {
		return
	}
	identity := frames[0]
	msgIDRaw, ok := wire.ReadU16(frames[1])
	if !ok {
		return
	}
	args := frames[2:]

	switch wire.MsgID(msgIDRaw) {
	case wire.MsgRegister:
		service, endpoint, weight, ok := wire.DecodeServiceOp(args)
		if !ok {
			r.replyRegisterAck(identity, 2, "", "missing service or endpoint")
			return
		}
		resolved := r.state.register(service, endpoint, weight, identity, time.Now())
		r.replyRegisterAck(identity, 0, resolved, "")
		if r.metrics != nil {
			r.metrics.RegistryProvidersTotal.Set(float64(r.totalProviders()))
		}
	case wire.MsgUnregister:
		service, endpoint, _, ok := wire.DecodeServiceOp(args)
		if !ok {
			return
		}
		r.state.unregister(service, endpoint)
		if r.metrics != nil {
			r.metrics.RegistryProvidersTotal.Set(float64(r.totalProviders()))
		}
	case wire.MsgHeartbeat:
		service, endpoint, _, ok := wire.DecodeServiceOp(args)
		if !ok {
			return
		}
		r.state.heartbeat(service, endpoint, time.Now())
		if r.metrics != nil {
			r.metrics.RecordHeartbeat()
		}
	case wire.MsgUpdateWeight:
		service, endpoint, weight, ok := wire.DecodeServiceOp(args)
		if !ok {
			r.replyRegisterAck(identity, 2, "", "missing service or endpoint")
			return
		}
		if r.state.updateWeight(service, endpoint, weight) {
			r.replyRegisterAck(identity, 0, endpoint, "")
		} else {
			r.replyRegisterAck(identity, 1, endpoint, "not registered with this registry")
		}
	default:
		// Unknown op ids are dropped silently.
	}
}

func (r *Registry) replyRegisterAck(identity []byte, status uint8, endpoint, errMsg string) {
	if err := r.router.Send(identity, socket.FlagMore); err != nil {
		r.logger.Debug("registry: failed to address ack", "error", err)
		return
	}
	if err := wire.SendRegisterAck(r.router, status, endpoint, errMsg); err != nil {
		r.logger.Debug("registry: failed to send ack", "error", err)
	}
}

func (r *Registry) handlePubUpcall() {
	frame, _, err := r.pub.Recv(socket.FlagDontWait)
	if err != nil {
		return
	}
	// Verbose XPUB subscribe upcalls begin with byte 1; re-broadcast
	// immediately so a newly-connecting client converges quickly.
	if len(frame) > 0 && frame[0] == 1 {
		r.publish()
	}
}

func (r *Registry) handlePeerGossip() {
	_, span := r.tracer.Start(r.ctx, "Registry.handlePeerGossip")
	defer span.End()

	frames, err := wire.RecvAll(r.peerSub, socket.FlagNone)
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
	if r.state.applyGossip(list.RegistryID, list.ListSeq, list.Services, time.Now()) {
		if r.metrics != nil {
			r.metrics.RecordGossipSync("in")
		}
		r.persistPeer(list.RegistryID)
	}
}

func (r *Registry) sweep(now time.Time) {
	start := now
	expired, droppedPeers := r.state.removeExpired(now, r.heartbeatTimeout, r.peerTTL)
	for _, peerID := range droppedPeers {
		r.forgetPeer(peerID)
	}
	if r.metrics != nil {
		if expired > 0 {
			r.metrics.RecordExpired(float64(expired))
		}
		r.metrics.RecordSweepDuration(time.Since(start).Seconds())
	}
}

func (r *Registry) publish() {
	_, span := r.tracer.Start(r.ctx, "Registry.publish")
	defer span.End()

	list := r.state.snapshot()
	if err := wire.SendServiceList(r.pub, wire.MsgServiceList, list); err != nil {
		r.logger.Warn("registry: failed to publish service list", "error", err)
		return
	}
	r.state.markPublished(list.ListSeq)
	if r.metrics != nil {
		r.metrics.RegistryServicesTotal.Set(float64(len(list.Services)))
		r.metrics.RecordGossipSync("out")
	}
}

func (r *Registry) totalProviders() int {
	list := r.state.snapshot()
	total := 0
	for _, svc := range list.Services {
		total += len(svc.Providers)
	}
	return total
}
