// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package socket

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/syserr"
)

type peerHandle struct {
	conn     peerConn
	identity []byte
	endpoint string
}

type socketImpl struct {
	ctx    context.Context
	cancel context.CancelFunc
	typ    Type

	mu       sync.Mutex
	identity []byte
	lastEP   string
	closed   bool

	unbinds []func()

	peersByIdentity map[string]*peerHandle
	peersByEndpoint map[string]*peerHandle

	pendingConnectID []byte

	subs [][]byte

	routerMandatory bool
	probeRouter     bool
	sndTimeo        time.Duration
	rcvTimeo        time.Duration
	linger          time.Duration

	tlsCert, tlsKey, tlsCA, tlsHostname string
	tlsTrustSystem                     bool

	// send-side router state: a ROUTER send begins with a destination
	// identity frame (not written to the wire) followed by payload frames.
	txActive   bool
	txIdentity []byte

	inboxCh  chan [][]byte
	notifyCh chan struct{}
	curMsg   [][]byte
}

func newSocket(ctx context.Context, t Type) *socketImpl {
	sctx, cancel := context.WithCancel(ctx)
	return &socketImpl{
		ctx:             sctx,
		cancel:          cancel,
		typ:             t,
		peersByIdentity: make(map[string]*peerHandle),
		peersByEndpoint: make(map[string]*peerHandle),
		sndTimeo:        defaultSendTimeout,
		rcvTimeo:        defaultRecvTimeout,
		inboxCh:         make(chan [][]byte, 1024),
		notifyCh:        make(chan struct{}, 1),
	}
}

func (s *socketImpl) Type() Type { return s.typ }

func randIdentity() []byte {
	b := make([]byte, 5)
	b[0] = 0x00
	_, _ = rand.Read(b[1:])
	return b
}

// --- bind ----------------------------------------------------------------

func (s *socketImpl) Bind(endpoint string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syserr.ErrFault
	}
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(endpoint, "inproc://"):
		accept, unbind := globalInproc.bind(endpoint)
		s.mu.Lock()
		s.unbinds = append(s.unbinds, unbind)
		s.lastEP = endpoint
		s.mu.Unlock()
		go s.acceptLoop(func() (peerConn, bool) {
			c, ok := <-accept
			return c, ok
		})
		return nil
	case strings.HasPrefix(endpoint, "tcp://"):
		addr := strings.TrimPrefix(endpoint, "tcp://")
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("socket: bind %s: %w", endpoint, err)
		}
		if cfg, tlsErr := s.serverTLSConfig(); tlsErr == nil && cfg != nil {
			ln = tls.NewListener(ln, cfg)
		}
		resolved := fmt.Sprintf("tcp://%s", ln.Addr().String())
		s.mu.Lock()
		s.lastEP = resolved
		s.unbinds = append(s.unbinds, func() { _ = ln.Close() })
		s.mu.Unlock()
		go s.acceptLoop(func() (peerConn, bool) {
			nc, err := ln.Accept()
			if err != nil {
				return nil, false
			}
			return &tcpConn{nc: nc, ep: endpoint}, true
		})
		return nil
	default:
		return fmt.Errorf("socket: unsupported endpoint scheme: %s: %w", endpoint, syserr.ErrInvalid)
	}
}

func (s *socketImpl) serverTLSConfig() (*tls.Config, error) {
	s.mu.Lock()
	cert, key := s.tlsCert, s.tlsKey
	s.mu.Unlock()
	if cert == "" || key == "" {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("socket: load server TLS credentials: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}, nil
}

func (s *socketImpl) clientTLSConfig() (*tls.Config, error) {
	s.mu.Lock()
	ca, hostname, trustSystem := s.tlsCA, s.tlsHostname, s.tlsTrustSystem
	s.mu.Unlock()
	if ca == "" && !trustSystem {
		return nil, nil
	}
	cfg := &tls.Config{ServerName: hostname, MinVersion: tls.VersionTLS12}
	if ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("socket: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("socket: no certificates parsed from CA file")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// acceptLoop handles both bind backends identically: for ROUTER/PAIR it
// reads a one-frame identity handshake before entering the per-connection
// receive loop; for PUB/XPUB it records the subscriber under its handshake
// identity as a send target and only surfaces further frames for XPUB
// (subscribe/unsubscribe upcalls).
func (s *socketImpl) acceptLoop(accept func() (peerConn, bool)) {
	for {
		conn, ok := accept()
		if !ok {
			return
		}
		go s.handleAccepted(conn)
	}
}

func (s *socketImpl) handleAccepted(conn peerConn) {
	identity, _, err := conn.recvFrame()
	if err != nil {
		_ = conn.close()
		return
	}
	if len(identity) == 0 {
		identity = randIdentity()
	}
	ph := &peerHandle{conn: conn, identity: identity, endpoint: conn.remoteEndpoint()}

	switch s.typ {
	case TypeRouter, TypePair:
		s.mu.Lock()
		s.peersByIdentity[string(identity)] = ph
		s.peersByEndpoint[ph.endpoint] = ph
		s.mu.Unlock()
		s.readLoop(ph, s.typ == TypeRouter)
	case TypePub:
		s.mu.Lock()
		s.peersByIdentity[string(identity)] = ph
		s.mu.Unlock()
		// Subscribers may send control frames (subscribe upcalls) that a
		// plain PUB does not surface; drain and discard them.
		for {
			if _, _, err := conn.recvFrame(); err != nil {
				s.mu.Lock()
				delete(s.peersByIdentity, string(identity))
				s.mu.Unlock()
				return
			}
		}
	case TypeXPub:
		s.mu.Lock()
		s.peersByIdentity[string(identity)] = ph
		s.mu.Unlock()
		for {
			frame, _, err := conn.recvFrame()
			if err != nil {
				return
			}
			s.pushMessage([][]byte{frame})
		}
	default:
		_ = conn.close()
	}
}

// readLoop assembles one connection's frame stream into complete logical
// messages, prefixing the peer's identity when withIdentity is set (ROUTER
// semantics).
func (s *socketImpl) readLoop(ph *peerHandle, withIdentity bool) {
	for {
		var msg [][]byte
		if withIdentity {
			msg = append(msg, append([]byte(nil), ph.identity...))
		}
		for {
			frame, more, err := ph.conn.recvFrame()
			if err != nil {
				s.mu.Lock()
				delete(s.peersByIdentity, string(ph.identity))
				delete(s.peersByEndpoint, ph.endpoint)
				s.mu.Unlock()
				return
			}
			msg = append(msg, frame)
			if !more {
				break
			}
		}
		s.pushMessage(msg)
	}
}

func (s *socketImpl) pushMessage(msg [][]byte) {
	if s.typ == TypeSub && len(msg) > 0 {
		s.mu.Lock()
		subs := s.subs
		s.mu.Unlock()
		if !topicMatches(msg[0], subs) {
			return
		}
	}
	select {
	case s.inboxCh <- msg:
	case <-s.ctx.Done():
		return
	}
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// subscribeUpcall/unsubscribeUpcall frame a SUBSCRIBE/UNSUBSCRIBE control
// message the way XPUB_VERBOSE delivers it to the publisher: a leading
// 1 or 0 byte followed by the topic; the registry relies on this byte to
// distinguish a subscribe upcall from a data frame.
func subscribeUpcall(topic []byte) []byte {
	return append([]byte{1}, topic...)
}

func unsubscribeUpcall(topic []byte) []byte {
	return append([]byte{0}, topic...)
}

func topicMatches(topic []byte, subs [][]byte) bool {
	if len(subs) == 0 {
		return false
	}
	for _, p := range subs {
		if len(p) <= len(topic) && string(topic[:len(p)]) == string(p) {
			return true
		}
	}
	return false
}

// --- connect ---------------------------------------------------------------

func (s *socketImpl) Connect(endpoint string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syserr.ErrFault
	}
	connectID := s.pendingConnectID
	s.pendingConnectID = nil
	identity := append([]byte(nil), s.identity...)
	s.mu.Unlock()

	var conn peerConn
	var err error
	if strings.HasPrefix(endpoint, "inproc://") {
		conn, err = globalInproc.dial(endpoint)
	} else if strings.HasPrefix(endpoint, "tcp://") {
		cfg, tlsErr := s.clientTLSConfig()
		if tlsErr != nil {
			return tlsErr
		}
		conn, err = dialTCP(endpoint, cfg)
	} else {
		return fmt.Errorf("socket: unsupported endpoint scheme: %s: %w", endpoint, syserr.ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", syserr.ErrHostUnreach, err)
	}

	if err := conn.sendFrame(identity, false); err != nil {
		_ = conn.close()
		return fmt.Errorf("%w: %w", syserr.ErrHostUnreach, err)
	}

	key := endpoint
	phIdentity := identity
	if len(connectID) > 0 {
		key = string(connectID)
		phIdentity = connectID
	}
	ph := &peerHandle{conn: conn, identity: phIdentity, endpoint: endpoint}

	s.mu.Lock()
	s.peersByEndpoint[endpoint] = ph
	if s.typ == TypeRouter {
		s.peersByIdentity[key] = ph
	}
	s.mu.Unlock()

	switch s.typ {
	case TypeRouter:
		go s.readLoop(ph, true)
	case TypeDealer, TypePair:
		go s.readLoop(ph, false)
	case TypeSub:
		s.mu.Lock()
		for _, topic := range s.subs {
			_ = ph.conn.sendFrame(subscribeUpcall(topic), false)
		}
		s.mu.Unlock()
		go s.readLoop(ph, false)
	default:
		go s.readLoop(ph, false)
	}
	return nil
}

func (s *socketImpl) TermEndpoint(endpoint string) error {
	s.mu.Lock()
	ph, ok := s.peersByEndpoint[endpoint]
	if ok {
		delete(s.peersByEndpoint, endpoint)
		delete(s.peersByIdentity, string(ph.identity))
	}
	s.mu.Unlock()
	if !ok {
		return syserr.ErrNoEnt
	}
	return ph.conn.close()
}

func (s *socketImpl) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unbinds := s.unbinds
	peers := make([]*peerHandle, 0, len(s.peersByEndpoint))
	for _, p := range s.peersByEndpoint {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.cancel()
	for _, u := range unbinds {
		u()
	}
	for _, p := range peers {
		_ = p.conn.close()
	}
	return nil
}

// --- options -----------------------------------------------------------

func boolByte(v []byte) bool { return len(v) > 0 && v[0] != 0 }

func (s *socketImpl) SetOption(opt Option, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case OptRoutingID:
		s.identity = append([]byte(nil), value...)
	case OptSubscribe:
		if s.typ != TypeSub {
			return syserr.ErrNotSupported
		}
		topic := append([]byte(nil), value...)
		s.subs = append(s.subs, topic)
		for _, ph := range s.peersByEndpoint {
			_ = ph.conn.sendFrame(subscribeUpcall(topic), false)
		}
	case OptUnsubscribe:
		if s.typ != TypeSub {
			return syserr.ErrNotSupported
		}
		for i, p := range s.subs {
			if string(p) == string(value) {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				for _, ph := range s.peersByEndpoint {
					_ = ph.conn.sendFrame(unsubscribeUpcall(p), false)
				}
				break
			}
		}
	case OptXPubVerbose:
		// Always verbose in this implementation; accepted for contract
		// compatibility.
	case OptRouterMandatory:
		s.routerMandatory = boolByte(value)
	case OptRouterHandover:
		// Accepted; single-writer-per-identity handover is this
		// implementation's only mode.
	case OptProbeRouter:
		s.probeRouter = boolByte(value)
	case OptConnectRoutingID:
		s.pendingConnectID = append([]byte(nil), value...)
	case OptSndHWM, OptRcvHWM:
		// Stored implicitly via the inboxCh buffer size; no-op here.
	case OptSndTimeo:
		s.sndTimeo = msOptionToDuration(value)
	case OptRcvTimeo:
		s.rcvTimeo = msOptionToDuration(value)
	case OptLinger:
		s.linger = msOptionToDuration(value)
	case OptTLSCert:
		s.tlsCert = string(value)
	case OptTLSKey:
		s.tlsKey = string(value)
	case OptTLSCA:
		s.tlsCA = string(value)
	case OptTLSHostname:
		s.tlsHostname = string(value)
	case OptTLSTrustSystem:
		s.tlsTrustSystem = boolByte(value)
	default:
		return syserr.ErrNotSupported
	}
	return nil
}

func msOptionToDuration(value []byte) time.Duration {
	if len(value) != 4 {
		return 0
	}
	ms := int32(binary.LittleEndian.Uint32(value))
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *socketImpl) GetOption(opt Option) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch opt {
	case OptRoutingID:
		return append([]byte(nil), s.identity...), nil
	case OptLastEndpoint:
		return []byte(s.lastEP), nil
	default:
		return nil, syserr.ErrNotSupported
	}
}

// --- send/recv -----------------------------------------------------------

func (s *socketImpl) Send(frame []byte, flags Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syserr.ErrFault
	}
	more := flags&FlagMore != 0

	switch s.typ {
	case TypePub, TypeXPub:
		for _, ph := range s.peersByIdentity {
			_ = ph.conn.sendFrame(frame, more)
		}
		for _, ph := range s.peersByEndpoint {
			if _, ok := s.peersByIdentity[string(ph.identity)]; !ok {
				_ = ph.conn.sendFrame(frame, more)
			}
		}
		return nil
	case TypeSub:
		return syserr.ErrNotSupported
	case TypeDealer, TypePair:
		ph := s.firstPeerLocked()
		if ph == nil {
			return syserr.ErrHostUnreach
		}
		if err := ph.conn.sendFrame(frame, more); err != nil {
			return fmt.Errorf("%w: %w", syserr.ErrHostUnreach, err)
		}
		return nil
	case TypeRouter:
		if !s.txActive {
			s.txIdentity = append([]byte(nil), frame...)
			s.txActive = true
			if !more {
				s.txActive = false
				return fmt.Errorf("socket: router send must carry payload after identity: %w", syserr.ErrInvalid)
			}
			return nil
		}
		ph, ok := s.peersByIdentity[string(s.txIdentity)]
		if !ok {
			s.txActive = false
			if s.routerMandatory {
				return syserr.ErrHostUnreach
			}
			return nil
		}
		if err := ph.conn.sendFrame(frame, more); err != nil {
			s.txActive = false
			return fmt.Errorf("%w: %w", syserr.ErrHostUnreach, err)
		}
		if !more {
			s.txActive = false
		}
		return nil
	default:
		return syserr.ErrNotSupported
	}
}

func (s *socketImpl) firstPeerLocked() *peerHandle {
	for _, ph := range s.peersByEndpoint {
		return ph
	}
	return nil
}

func (s *socketImpl) Recv(flags Flag) ([]byte, bool, error) {
	if len(s.curMsg) > 0 {
		frame := s.curMsg[0]
		s.curMsg = s.curMsg[1:]
		return frame, len(s.curMsg) > 0, nil
	}

	if flags&FlagDontWait != 0 {
		select {
		case msg := <-s.inboxCh:
			return s.startMessage(msg)
		default:
			return nil, false, syserr.ErrAgain
		}
	}

	s.mu.Lock()
	timeout := s.rcvTimeo
	s.mu.Unlock()

	if timeout < 0 {
		select {
		case msg := <-s.inboxCh:
			return s.startMessage(msg)
		case <-s.ctx.Done():
			return nil, false, syserr.ErrFault
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.inboxCh:
		return s.startMessage(msg)
	case <-timer.C:
		return nil, false, syserr.ErrTimedOut
	case <-s.ctx.Done():
		return nil, false, syserr.ErrFault
	}
}

func (s *socketImpl) startMessage(msg [][]byte) ([]byte, bool, error) {
	if len(msg) == 0 {
		return nil, false, syserr.ErrAgain
	}
	// Re-arm the readiness token if more complete messages are still queued,
	// so a Poll after this Recv wakes immediately instead of waiting for the
	// next push.
	if len(s.inboxCh) > 0 {
		select {
		case s.notifyCh <- struct{}{}:
		default:
		}
	}
	s.curMsg = msg[1:]
	return msg[0], len(s.curMsg) > 0, nil
}

func (s *socketImpl) Readable() <-chan struct{} {
	return s.notifyCh
}
