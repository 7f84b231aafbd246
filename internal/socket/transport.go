// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package socket

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// peerConn is one established connection to a remote (or in-process) peer,
// independent of the socket pattern layered on top. Frames are written as
// [more:1 byte][len:4 bytes big-endian][payload], a minimal custom framing
// rather than the ZMTP handshake and wire format.
type peerConn interface {
	sendFrame(data []byte, more bool) error
	recvFrame() (data []byte, more bool, err error)
	close() error
	remoteEndpoint() string
}

// --- TCP transport -----------------------------------------------------

type tcpConn struct {
	nc  net.Conn
	ep  string
	mu  sync.Mutex
}

func (c *tcpConn) sendFrame(data []byte, more bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdr := make([]byte, 5)
	if more {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	if _, err := c.nc.Write(hdr); err != nil {
		return fmt.Errorf("socket: write frame header: %w", err)
	}
	if len(data) > 0 {
		if _, err := c.nc.Write(data); err != nil {
			return fmt.Errorf("socket: write frame body: %w", err)
		}
	}
	return nil
}

func (c *tcpConn) recvFrame() ([]byte, bool, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(c.nc, hdr); err != nil {
		return nil, false, fmt.Errorf("socket: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.nc, data); err != nil {
			return nil, false, fmt.Errorf("socket: read frame body: %w", err)
		}
	}
	return data, hdr[0] == 1, nil
}

func (c *tcpConn) close() error {
	return c.nc.Close()
}

func (c *tcpConn) remoteEndpoint() string {
	return c.ep
}

func dialTCP(endpoint string, tlsCfg *tls.Config) (peerConn, error) {
	addr := strings.TrimPrefix(endpoint, "tcp://")
	var nc net.Conn
	var err error
	if tlsCfg != nil {
		nc, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", endpoint, err)
	}
	return &tcpConn{nc: nc, ep: endpoint}, nil
}

// --- in-process transport ----------------------------------------------

// inprocHub lets a bound inproc:// endpoint accept connections from
// connecting sockets within the same process, used heavily in tests.
type inprocHub struct {
	mu        sync.Mutex
	listeners map[string]chan *inprocConn
}

var globalInproc = &inprocHub{listeners: make(map[string]chan *inprocConn)}

type inprocConn struct {
	ep   string
	in   chan inprocFrame
	out  chan inprocFrame
	once sync.Once
}

type inprocFrame struct {
	data []byte
	more bool
}

func (c *inprocConn) sendFrame(data []byte, more bool) error {
	cp := append([]byte(nil), data...)
	c.out <- inprocFrame{data: cp, more: more}
	return nil
}

func (c *inprocConn) recvFrame() ([]byte, bool, error) {
	f, ok := <-c.in
	if !ok {
		return nil, false, io.EOF
	}
	return f.data, f.more, nil
}

func (c *inprocConn) close() error {
	c.once.Do(func() { close(c.out) })
	return nil
}

func (c *inprocConn) remoteEndpoint() string {
	return c.ep
}

func (h *inprocHub) bind(endpoint string) (accept chan *inprocConn, unbind func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan *inprocConn, 16)
	h.listeners[endpoint] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.listeners[endpoint] == ch {
			delete(h.listeners, endpoint)
		}
	}
}

func (h *inprocHub) dial(endpoint string) (peerConn, error) {
	h.mu.Lock()
	accept, ok := h.listeners[endpoint]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("socket: no inproc listener bound at %s", endpoint)
	}
	a2b := make(chan inprocFrame, 64)
	b2a := make(chan inprocFrame, 64)
	client := &inprocConn{ep: endpoint, in: b2a, out: a2b}
	server := &inprocConn{ep: endpoint, in: a2b, out: b2a}
	select {
	case accept <- server:
	default:
		go func() { accept <- server }()
	}
	return client, nil
}
