// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package spot implements the publish/subscribe overlay: a node owns one
// PUB socket, one SUB socket connected to peer PUBs, and one DEALER to the
// registry for registration/heartbeat, multiplexing many Spot/SpotSub
// handles over those three sockets. Queue-mode topics get a per-subscriber
// FIFO; ring-buffer-mode topics share a bounded backlog served per-cursor
// by internal/ringbuffer.
package spot

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/discovery"
	"github.com/USA-RedDragon/fabric/internal/metrics"
	"github.com/USA-RedDragon/fabric/internal/pubsub"
	"github.com/USA-RedDragon/fabric/internal/ringbuffer"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/syserr"
	"github.com/USA-RedDragon/fabric/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Mode names the two topic delivery strategies.
type Mode int

const (
	// ModeQueue gives each matching subscriber a per-subscriber FIFO queue.
	ModeQueue Mode = iota
	// ModeRingBuffer retains a bounded, sequence-addressed history that
	// subscribers pull from at their own cursor.
	ModeRingBuffer
)

func (m Mode) String() string {
	if m == ModeRingBuffer {
		return "ringbuffer"
	}
	return "queue"
}

const (
	maxTopicLen       = 255
	heartbeatChunk    = 100 * time.Millisecond
	defaultHeartbeat  = 5 * time.Second
	defaultPeerPeriod = 500 * time.Millisecond
)

// validateTopic enforces the plain (non-pattern) topic rules: length 1-255
// bytes, no wildcard.
func validateTopic(topic string) error {
	if len(topic) == 0 || len(topic) > maxTopicLen {
		return fmt.Errorf("spot: topic length must be 1-255 bytes: %w", syserr.ErrInvalid)
	}
	if strings.Contains(topic, "*") {
		return fmt.Errorf("spot: topic must not contain a wildcard: %w", syserr.ErrInvalid)
	}
	return nil
}

// validatePattern enforces the pattern rules: length 1-255 bytes, at most
// one trailing '*'. Returns the literal prefix to subscribe/match against.
func validatePattern(pattern string) (prefix string, wildcard bool, err error) {
	if len(pattern) == 0 || len(pattern) > maxTopicLen {
		return "", false, fmt.Errorf("spot: pattern length must be 1-255 bytes: %w", syserr.ErrInvalid)
	}
	n := strings.Count(pattern, "*")
	switch {
	case n == 0:
		return pattern, false, nil
	case n == 1 && strings.HasSuffix(pattern, "*"):
		return strings.TrimSuffix(pattern, "*"), true, nil
	default:
		return "", false, fmt.Errorf("spot: pattern may only use one trailing wildcard: %w", syserr.ErrInvalid)
	}
}

func matches(prefix string, wildcard bool, topic string) bool {
	if wildcard {
		return strings.HasPrefix(topic, prefix)
	}
	return topic == prefix
}

// Node is the public handle for one spot overlay node.
type Node struct {
	cfg     config.Spot
	logger  *slog.Logger
	metrics *metrics.Metrics
	disc    *discovery.Discovery
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	pub    socket.Socket
	sub    socket.Socket
	dealer socket.Socket

	// ps, when non-nil, replaces the PUB/SUB socket pair for remote fan-out
	// with a shared Redis channel (internal/pubsub), so every node publishes
	// to and subscribes from one broker channel instead of per-peer sockets.
	ps    pubsub.PubSub
	psSub pubsub.Subscription

	selfID []byte

	pubMu sync.Mutex // serializes PUB sends so one message's frames never interleave

	mu      sync.Mutex
	cond    *sync.Cond
	topics  map[string]*topicState
	filters map[string]*filterState
	peers   map[string]bool

	advertiseEP string
	registered  bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

type topicState struct {
	mode Mode
	ring *ringbuffer.RingBuffer
}

type filterState struct {
	prefix   string
	wildcard bool
	subs     map[*SpotSub]bool
}

// New constructs a Node. Nothing is bound, connected, or registered until
// Start is called. disc is the discovery client used to find peer nodes
// registered under cfg.ServiceName; it must already be started. ps is
// optional: when non-nil (cfg.Redis.Enabled), remote fan-out rides the
// shared Redis channel instead of the PUB/SUB socket pair, avoiding the
// per-peer connection reconciliation that peerDiscoveryLoop otherwise does.
func New(ctx context.Context, cfg config.Spot, logger *slog.Logger, m *metrics.Metrics, disc *discovery.Discovery, ps pubsub.PubSub) *Node {
	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		disc:    disc,
		tracer:  otel.Tracer("fabric"),
		ps:      ps,
		ctx:     nctx,
		cancel:  cancel,
		pub:     socket.New(nctx, socket.TypePub),
		sub:     socket.New(nctx, socket.TypeSub),
		dealer:  socket.New(nctx, socket.TypeDealer),
		topics:  make(map[string]*topicState),
		filters: make(map[string]*filterState),
		peers:   make(map[string]bool),
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func randNodeID() []byte {
	b := make([]byte, 5)
	b[0] = 0x00
	_, _ = rand.Read(b[1:])
	return b
}

func resolveWildcard(endpoint string) string {
	switch {
	case strings.Contains(endpoint, "://*:"):
		return strings.Replace(endpoint, "://*:", "://127.0.0.1:", 1)
	case strings.Contains(endpoint, "://0.0.0.0:"):
		return strings.Replace(endpoint, "://0.0.0.0:", "://127.0.0.1:", 1)
	default:
		return endpoint
	}
}

// Start binds the PUB socket, connects the DEALER to the registry and
// registers this node under cfg.ServiceName, and spawns the worker
// goroutines (SUB recv loop, heartbeat, peer discovery).
func (n *Node) Start() error {
	var startErr error
	n.startOnce.Do(func() {
		if n.ps == nil {
			if err := n.pub.Bind(n.cfg.Bind); err != nil {
				startErr = err
				return
			}
		}
		n.selfID = randNodeID()
		if err := n.dealer.SetOption(socket.OptRoutingID, n.selfID); err != nil {
			startErr = err
			return
		}
		if err := n.dealer.Connect(n.cfg.RegistryEndpoint); err != nil {
			startErr = err
			return
		}
		if err := n.registerSelf(); err != nil {
			startErr = err
			return
		}

		if n.ps != nil {
			n.psSub = n.ps.Subscribe(n.cfg.ServiceName)
			n.wg.Add(2)
			go n.redisRecvLoop()
			go n.heartbeatLoop()
		} else {
			n.wg.Add(3)
			go n.recvLoop()
			go n.heartbeatLoop()
			go n.peerDiscoveryLoop()
		}
	})
	return startErr
}

func (n *Node) registerSelf() error {
	// In Redis mode no peer ever dials this endpoint directly; it only needs
	// to be a non-empty, stable string for the registry's validation and for
	// reconcilePeers to recognize (and skip) this node's own entry.
	ep := fmt.Sprintf("redis://%s", n.cfg.ServiceName)
	if n.ps == nil {
		last, err := n.pub.GetOption(socket.OptLastEndpoint)
		if err != nil {
			return err
		}
		ep = resolveWildcard(string(last))
	}
	return n.sendRegister(ep)
}

func (n *Node) sendRegister(ep string) error {
	if err := wire.SendRegister(n.dealer, n.cfg.ServiceName, ep, 1); err != nil {
		return fmt.Errorf("spot: send register: %w", err)
	}
	frames, err := wire.RecvAll(n.dealer, socket.FlagNone)
	if err != nil {
		return fmt.Errorf("spot: recv register ack: %w", err)
	}
	ack, ok := wire.DecodeRegisterAck(frames[1:])
	if !ok || ack.Status != 0 {
		return fmt.Errorf("spot: registration refused: %s", ack.Error)
	}

	n.mu.Lock()
	n.advertiseEP = ack.Endpoint
	n.registered = true
	n.mu.Unlock()
	return nil
}

func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	interval := n.cfg.HeartbeatPeriod
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	last := time.Now()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(heartbeatChunk):
		}
		if time.Since(last) < interval {
			continue
		}
		last = time.Now()

		n.mu.Lock()
		registered, ep := n.registered, n.advertiseEP
		n.mu.Unlock()
		if !registered {
			continue
		}
		if err := wire.SendHeartbeat(n.dealer, n.cfg.ServiceName, ep); err != nil {
			n.logger.Debug("spot: heartbeat send failed", "error", err)
		}
	}
}

// peerDiscoveryLoop reconciles SUB connections against the discovery
// snapshot for cfg.ServiceName every cfg.PeerDiscoveryPeriod.
func (n *Node) peerDiscoveryLoop() {
	defer n.wg.Done()

	period := n.cfg.PeerDiscoveryPeriod
	if period <= 0 {
		period = defaultPeerPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.reconcilePeers()
		}
	}
}

func (n *Node) reconcilePeers() {
	if n.disc == nil {
		return
	}
	providers := n.disc.SnapshotProviders(n.cfg.ServiceName)

	n.mu.Lock()
	selfEP := n.advertiseEP
	incoming := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p.Endpoint == selfEP {
			continue
		}
		incoming[p.Endpoint] = true
	}

	var toConnect, toDisconnect []string
	for ep := range incoming {
		if !n.peers[ep] {
			toConnect = append(toConnect, ep)
		}
	}
	for ep := range n.peers {
		if !incoming[ep] {
			toDisconnect = append(toDisconnect, ep)
		}
	}
	for _, ep := range toConnect {
		n.peers[ep] = true
	}
	for _, ep := range toDisconnect {
		delete(n.peers, ep)
	}
	n.mu.Unlock()

	for _, ep := range toConnect {
		if err := n.sub.Connect(ep); err != nil {
			n.logger.Warn("spot: failed to connect to peer", "endpoint", ep, "error", err)
		}
	}
	for _, ep := range toDisconnect {
		if err := n.sub.TermEndpoint(ep); err != nil {
			n.logger.Debug("spot: failed to disconnect peer", "endpoint", ep, "error", err)
		}
	}
}

// recvLoop reads [topic, nodeID, mode, parts...] frames off the SUB socket
// and dispatches them locally, dropping self-originated messages by
// comparing the envelope's source node id against this node's own.
func (n *Node) recvLoop() {
	defer n.wg.Done()

	items := []socket.PollItem{{Socket: n.sub}}
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}
		cnt, err := socket.Poll(items, 100)
		if err != nil || cnt == 0 {
			continue
		}

		frames, err := wire.RecvAll(n.sub, socket.FlagNone)
		if err != nil || len(frames) < 3 {
			continue
		}
		topic := wire.ReadString(frames[0])
		originID := frames[1]
		if len(frames[2]) != 1 {
			continue
		}
		if bytesEqual(originID, n.selfID) {
			continue
		}
		mode := ModeQueue
		if frames[2][0] == 1 {
			mode = ModeRingBuffer
		}
		n.dispatchLocal(topic, mode, frames[3:])
	}
}

// redisRecvLoop mirrors recvLoop over the shared Redis channel instead of
// the SUB socket: unmarshal a WireEnvelope per message, drop self-originated
// ones, dispatch the rest locally.
func (n *Node) redisRecvLoop() {
	defer n.wg.Done()

	ch := n.psSub.Channel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var env WireEnvelope
			if _, err := env.UnmarshalMsg(raw); err != nil {
				n.logger.Debug("spot: failed to decode redis envelope", "error", err)
				continue
			}
			if bytesEqual(env.NodeID, n.selfID) {
				continue
			}
			mode := ModeQueue
			if env.Mode == 1 {
				mode = ModeRingBuffer
			}
			n.dispatchLocal(env.Topic, mode, env.Frames)
		}
	}
}

func (n *Node) sendRemoteRedis(topic string, mode Mode, parts [][]byte) error {
	modeByte := uint8(0)
	if mode == ModeRingBuffer {
		modeByte = 1
	}
	env := WireEnvelope{Topic: topic, NodeID: n.selfID, Mode: modeByte, Frames: parts}
	buf, err := env.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("spot: marshal envelope: %w", err)
	}
	return n.ps.Publish(n.cfg.ServiceName, buf)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// publish dispatches frames locally and broadcasts them over PUB. Called by
// Spot.Publish.
func (n *Node) publish(topic string, mode Mode, parts [][]byte) error {
	_, span := n.tracer.Start(n.ctx, "Node.publish")
	defer span.End()
	span.SetAttributes(attribute.String("topic", topic), attribute.String("mode", mode.String()))

	n.dispatchLocal(topic, mode, parts)
	if n.metrics != nil {
		n.metrics.RecordSpotPublish(mode.String())
	}
	return n.sendRemote(topic, mode, parts)
}

func (n *Node) sendRemote(topic string, mode Mode, parts [][]byte) error {
	if n.ps != nil {
		return n.sendRemoteRedis(topic, mode, parts)
	}

	n.pubMu.Lock()
	defer n.pubMu.Unlock()

	if err := wire.SendString(n.pub, topic, socket.FlagMore); err != nil {
		return err
	}
	if err := n.pub.Send(n.selfID, socket.FlagMore); err != nil {
		return err
	}
	modeByte := []byte{0}
	if mode == ModeRingBuffer {
		modeByte[0] = 1
	}
	if err := n.pub.Send(modeByte, socket.FlagMore); err != nil {
		return err
	}
	for i, part := range parts {
		flags := socket.FlagNone
		if i < len(parts)-1 {
			flags = socket.FlagMore
		}
		if err := n.pub.Send(part, flags); err != nil {
			return err
		}
	}
	return nil
}

// dispatchLocal delivers frames to every matching local subscriber: for
// ModeQueue it enqueues to each matching SpotSub's FIFO, for ModeRingBuffer
// it appends to the topic's (lazily created) ring buffer so subscribers pull
// it on their own cursor.
func (n *Node) dispatchLocal(topic string, mode Mode, parts [][]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if mode == ModeRingBuffer {
		ts, ok := n.topics[topic]
		if !ok || ts.mode != ModeRingBuffer {
			ts = &topicState{mode: ModeRingBuffer, ring: ringbuffer.New(n.ringBufferSize(), n.onRingDropLocked)}
			n.topics[topic] = ts
		}
		ts.ring.Publish(parts)
	} else {
		for _, f := range n.filters {
			if matches(f.prefix, f.wildcard, topic) {
				for s := range f.subs {
					s.enqueue(topic, parts)
				}
			}
		}
	}
	n.cond.Broadcast()
}

func (n *Node) onRingDropLocked() {
	if n.metrics != nil {
		n.metrics.RecordSpotRingBufferDrop()
	}
}

func (n *Node) ringBufferSize() int {
	if n.cfg.RingBufferSize <= 0 {
		return 1024
	}
	return n.cfg.RingBufferSize
}

// Destroy stops all workers and closes every socket.
func (n *Node) Destroy() {
	n.cancel()
	_ = n.pub.Close()
	_ = n.sub.Close()
	_ = n.dealer.Close()
	if n.psSub != nil {
		_ = n.psSub.Close()
	}
	n.mu.Lock()
	n.cond.Broadcast()
	n.mu.Unlock()
	n.wg.Wait()
}
