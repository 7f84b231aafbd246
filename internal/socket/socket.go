// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package socket is the messaging facade the rest of this module consumes:
// bind/connect/send/recv over PAIR/PUB/SUB/XPUB/DEALER/ROUTER sockets with
// multi-part framing and per-peer routing identities. It deliberately does
// not speak ZMTP; it provides its own minimal transport (TCP and
// in-process) honoring the same operation set, so the components above it
// are written exactly as if a ZeroMQ-family library sat underneath.
package socket

import (
	"context"
	"errors"
	"time"
)

// Type is the socket pattern, mirroring the ZMQ-family socket types.
type Type int

const (
	TypePair Type = iota
	TypePub
	TypeSub
	TypeXPub
	TypeDealer
	TypeRouter
)

func (t Type) String() string {
	switch t {
	case TypePair:
		return "PAIR"
	case TypePub:
		return "PUB"
	case TypeSub:
		return "SUB"
	case TypeXPub:
		return "XPUB"
	case TypeDealer:
		return "DEALER"
	case TypeRouter:
		return "ROUTER"
	default:
		return "UNKNOWN"
	}
}

// Flag carries per-call send/recv modifiers.
type Flag uint8

const (
	FlagNone     Flag = 0
	FlagMore     Flag = 1 << iota // SNDMORE: more frames of this message follow
	FlagDontWait                  // DONTWAIT: fail with EAGAIN instead of blocking
)

// Option names the settable/gettable socket options.
type Option string

const (
	OptRoutingID       Option = "ROUTING_ID"
	OptLastEndpoint    Option = "LAST_ENDPOINT"
	OptSubscribe       Option = "SUBSCRIBE"
	OptUnsubscribe     Option = "UNSUBSCRIBE"
	OptXPubVerbose     Option = "XPUB_VERBOSE"
	OptRouterMandatory Option = "ROUTER_MANDATORY"
	OptRouterHandover  Option = "ROUTER_HANDOVER"
	OptProbeRouter     Option = "PROBE_ROUTER"
	OptConnectRoutingID Option = "CONNECT_ROUTING_ID"
	OptSndHWM          Option = "SNDHWM"
	OptRcvHWM          Option = "RCVHWM"
	OptSndTimeo        Option = "SNDTIMEO"
	OptRcvTimeo        Option = "RCVTIMEO"
	OptLinger          Option = "LINGER"
	OptTLSCert         Option = "TLS_CERT"
	OptTLSKey          Option = "TLS_KEY"
	OptTLSCA           Option = "TLS_CA"
	OptTLSHostname     Option = "TLS_HOSTNAME"
	OptTLSTrustSystem  Option = "TLS_TRUST_SYSTEM"
)

// ErrNotSupported is returned for options/flags a socket type does not honor.
var ErrNotSupported = errors.New("socket: option or flag not supported")

// Socket is the capability set the components above consume.
// Implementations are not safe for concurrent use without external
// locking: callers (Registry, Gateway, ...) hold their own coarse mutex
// across every frame of one logical send.
type Socket interface {
	Type() Type
	Bind(endpoint string) error
	Connect(endpoint string) error
	TermEndpoint(endpoint string) error
	Close() error
	SetOption(opt Option, value []byte) error
	GetOption(opt Option) ([]byte, error)

	// Send transmits one frame. Pass FlagMore when more frames of the same
	// logical message follow.
	Send(frame []byte, flags Flag) error
	// Recv returns one frame and whether more frames of the same message
	// follow.
	Recv(flags Flag) (frame []byte, more bool, err error)

	// Readable is signaled whenever a Recv call would return without
	// blocking. Used by Poll; also safe to select on directly.
	Readable() <-chan struct{}
}

// New constructs a socket of the given type bound to ctx's lifetime: closing
// ctx unblocks any pending operation the socket owns.
func New(ctx context.Context, t Type) Socket {
	return newSocket(ctx, t)
}

// PollEvent is a bitmask of the events Poll reports.
type PollEvent uint8

const (
	PollIn PollEvent = 1 << iota
	PollOut
	PollErr
	PollPri
)

// PollItem is one entry in a Poll() call.
type PollItem struct {
	Socket  Socket
	Events  PollEvent
	Revents PollEvent
}

// defaultSendTimeout and defaultRecvTimeout are the initial SNDTIMEO/RCVTIMEO
// values. Recv honors RCVTIMEO, so with it unset a Recv waits at most
// defaultRecvTimeout; Send does not consult SNDTIMEO and has no timeout.
const (
	defaultSendTimeout = 2 * time.Second
	defaultRecvTimeout = 24 * time.Hour
)
