// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package provider implements the server side of a service: it binds a
// router socket for application reads, registers itself with a registry,
// and keeps the registration alive with periodic heartbeats.
package provider

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/config"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/syserr"
	"github.com/USA-RedDragon/fabric/internal/wire"
)

const heartbeatChunk = 100 * time.Millisecond

// RegisterResult caches the outcome of the most recent registration
// exchange, readable via LastRegisterResult.
type RegisterResult struct {
	Status   uint8
	Endpoint string
	Error    string
}

// Provider is the public handle for one provider agent.
type Provider struct {
	cfg    config.Provider
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	router socket.Socket
	dealer socket.Socket

	// wireMu spans every multi-part exchange on the dealer (request frames
	// plus, where the protocol has one, the ack), so the heartbeat worker and
	// caller-thread operations never interleave frames of two messages.
	wireMu sync.Mutex

	mu               sync.Mutex
	service          string
	advertiseEP      string
	weight           uint32
	registered       bool
	lastResult       RegisterResult
	heartbeatStarted bool
	heartbeatWG      sync.WaitGroup
}

// New constructs a Provider. Neither the router nor the registry connection
// is established until Bind/ConnectRegistry are called.
func New(ctx context.Context, cfg config.Provider, logger *slog.Logger) *Provider {
	pctx, cancel := context.WithCancel(ctx)
	return &Provider{
		cfg:    cfg,
		logger: logger,
		ctx:    pctx,
		cancel: cancel,
		router: socket.New(pctx, socket.TypeRouter),
	}
}

// Bind binds the provider's router socket to endpoint.
func (p *Provider) Bind(endpoint string) error {
	return p.router.Bind(endpoint)
}

// SetTLSServer applies TLS server credentials to the router; empty strings
// clear them.
func (p *Provider) SetTLSServer(cert, key string) error {
	if err := p.router.SetOption(socket.OptTLSCert, []byte(cert)); err != nil {
		return err
	}
	return p.router.SetOption(socket.OptTLSKey, []byte(key))
}

// Router exposes the bound router socket for application use.
func (p *Provider) Router() socket.Socket {
	return p.router
}

func randRoutingID() []byte {
	b := make([]byte, 5)
	b[0] = 0x00
	_, _ = rand.Read(b[1:])
	return b
}

// ConnectRegistry creates the dealer connection to the registry's router if
// absent, ensures a routing id is present on the local router (generating
// one if not set), mirrors it onto the dealer, and connects.
func (p *Provider) ConnectRegistry(routerEndpoint string) error {
	rid, err := p.router.GetOption(socket.OptRoutingID)
	if err != nil {
		return err
	}
	if len(rid) == 0 {
		rid = randRoutingID()
		if err := p.router.SetOption(socket.OptRoutingID, rid); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.dealer == nil {
		p.dealer = socket.New(p.ctx, socket.TypeDealer)
	}
	dealer := p.dealer
	p.mu.Unlock()

	if err := dealer.SetOption(socket.OptRoutingID, rid); err != nil {
		return err
	}
	return dealer.Connect(routerEndpoint)
}

// resolveWildcard rewrites tcp://*:port and tcp://0.0.0.0:port to a
// concrete loopback address so a wildcard bind still yields a dialable
// advertise endpoint.
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

// RegisterService sends REGISTER and blocks for REGISTER_ACK. If
// advertiseEndpoint is empty, it is derived from the router's last bound
// endpoint. The heartbeat worker starts on first successful registration.
func (p *Provider) RegisterService(name, advertiseEndpoint string, weight uint32) error {
	p.mu.Lock()
	dealer := p.dealer
	p.mu.Unlock()
	if dealer == nil {
		return fmt.Errorf("provider: connect_registry must be called before register_service: %w", syserr.ErrFault)
	}
	if name == "" {
		return fmt.Errorf("provider: service name required: %w", syserr.ErrInvalid)
	}

	ep := advertiseEndpoint
	if ep == "" {
		last, err := p.router.GetOption(socket.OptLastEndpoint)
		if err != nil {
			return err
		}
		ep = resolveWildcard(string(last))
	}

	p.wireMu.Lock()
	err := wire.SendRegister(dealer, name, ep, weight)
	var frames [][]byte
	if err == nil {
		frames, err = wire.RecvAll(dealer, socket.FlagNone)
	}
	p.wireMu.Unlock()
	if err != nil {
		return fmt.Errorf("provider: register exchange: %w", err)
	}
	ack, ok := wire.DecodeRegisterAck(frames[1:])
	if !ok {
		return fmt.Errorf("provider: malformed register ack: %w", syserr.ErrInvalid)
	}

	p.mu.Lock()
	p.service = name
	p.advertiseEP = ack.Endpoint
	p.weight = weight
	p.lastResult = RegisterResult{Status: ack.Status, Endpoint: ack.Endpoint, Error: ack.Error}
	succeeded := ack.Status == 0
	if succeeded {
		p.registered = true
	}
	startHeartbeat := succeeded && !p.heartbeatStarted
	if startHeartbeat {
		p.heartbeatStarted = true
	}
	p.mu.Unlock()

	if startHeartbeat {
		p.heartbeatWG.Add(1)
		go p.heartbeatLoop(dealer)
	}

	if !succeeded {
		return fmt.Errorf("provider: registration refused: %s", ack.Error)
	}
	return nil
}

// LastRegisterResult returns the cached outcome of the most recent
// register_service/update_weight call.
func (p *Provider) LastRegisterResult() RegisterResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastResult
}

// UpdateWeight sends UPDATE_WEIGHT and blocks for its ack.
func (p *Provider) UpdateWeight(name string, weight uint32) error {
	p.mu.Lock()
	dealer := p.dealer
	ep := p.advertiseEP
	p.mu.Unlock()
	if dealer == nil {
		return fmt.Errorf("provider: connect_registry must be called before update_weight: %w", syserr.ErrFault)
	}

	p.wireMu.Lock()
	err := wire.SendUpdateWeight(dealer, name, ep, weight)
	var frames [][]byte
	if err == nil {
		frames, err = wire.RecvAll(dealer, socket.FlagNone)
	}
	p.wireMu.Unlock()
	if err != nil {
		return err
	}
	ack, ok := wire.DecodeRegisterAck(frames[1:])
	if !ok {
		return fmt.Errorf("provider: malformed update_weight ack: %w", syserr.ErrInvalid)
	}

	p.mu.Lock()
	p.weight = weight
	p.lastResult = RegisterResult{Status: ack.Status, Endpoint: ack.Endpoint, Error: ack.Error}
	p.mu.Unlock()

	if ack.Status != 0 {
		return fmt.Errorf("provider: update_weight refused: %s", ack.Error)
	}
	return nil
}

// UnregisterService sends UNREGISTER; no ack is expected.
func (p *Provider) UnregisterService(name string) error {
	p.mu.Lock()
	dealer := p.dealer
	ep := p.advertiseEP
	p.registered = false
	p.mu.Unlock()
	if dealer == nil {
		return fmt.Errorf("provider: connect_registry must be called before unregister_service: %w", syserr.ErrFault)
	}
	p.wireMu.Lock()
	defer p.wireMu.Unlock()
	return wire.SendUnregister(dealer, name, ep)
}

func (p *Provider) heartbeatLoop(dealer socket.Socket) {
	defer p.heartbeatWG.Done()

	interval := p.cfg.HeartbeatPeriod
	if interval <= 0 {
		interval = 5 * time.Second
	}
	last := time.Now()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(heartbeatChunk):
		}
		if time.Since(last) < interval {
			continue
		}
		last = time.Now()

		p.mu.Lock()
		registered := p.registered
		service, ep := p.service, p.advertiseEP
		p.mu.Unlock()
		if !registered {
			continue
		}
		p.wireMu.Lock()
		err := wire.SendHeartbeat(dealer, service, ep)
		p.wireMu.Unlock()
		if err != nil {
			p.logger.Debug("provider: heartbeat send failed", "error", err)
		}
	}
}

// Destroy stops the heartbeat worker and closes both sockets.
func (p *Provider) Destroy() {
	p.cancel()
	_ = p.router.Close()
	p.mu.Lock()
	dealer := p.dealer
	p.mu.Unlock()
	if dealer != nil {
		_ = dealer.Close()
	}
	p.heartbeatWG.Wait()
}
