// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package wire implements the little-endian frame codec the discovery wire
// protocol is built on: fixed-width integers, raw length-delimited strings,
// and capped routing-id blobs, each carried as one socket frame.
package wire

import (
	"encoding/binary"

	"github.com/USA-RedDragon/fabric/internal/socket"
)

// MaxRoutingIDLen is the largest routing id the protocol will carry.
const MaxRoutingIDLen = 255

// RoutingID is a fixed-capacity routing identity carried by value: zero
// Len encodes "absent" rather than embedding the id in a polymorphic
// message type.
type RoutingID struct {
	Len  uint8
	Data [MaxRoutingIDLen]byte
}

// NewRoutingID builds a RoutingID from a byte slice, truncating silently to
// the capacity. Callers that need to detect oversize input should check
// len(b) themselves.
func NewRoutingID(b []byte) RoutingID {
	var r RoutingID
	n := len(b)
	if n > MaxRoutingIDLen {
		n = MaxRoutingIDLen
	}
	r.Len = uint8(n)
	copy(r.Data[:], b[:n])
	return r
}

// Bytes returns the routing id's payload.
func (r RoutingID) Bytes() []byte {
	return r.Data[:r.Len]
}

// Empty reports whether the routing id carries no identity.
func (r RoutingID) Empty() bool {
	return r.Len == 0
}

func (r RoutingID) String() string {
	return string(r.Bytes())
}

// SendU16 writes v as a 2-byte little-endian frame.
func SendU16(s socket.Socket, v uint16, flags socket.Flag) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return s.Send(b, flags)
}

// SendU32 writes v as a 4-byte little-endian frame.
func SendU32(s socket.Socket, v uint32, flags socket.Flag) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return s.Send(b, flags)
}

// SendU64 writes v as an 8-byte little-endian frame.
func SendU64(s socket.Socket, v uint64, flags socket.Flag) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return s.Send(b, flags)
}

// SendString writes s's raw bytes as one frame; an empty string becomes an
// empty frame, not an absent one.
func SendString(s socket.Socket, str string, flags socket.Flag) error {
	return s.Send([]byte(str), flags)
}

// SendRoutingID writes rid's payload verbatim as one frame.
func SendRoutingID(s socket.Socket, rid RoutingID, flags socket.Flag) error {
	return s.Send(rid.Bytes(), flags)
}

// ReadU16 decodes a 2-byte frame, returning ok=false if the frame size
// doesn't match exactly.
func ReadU16(frame []byte) (uint16, bool) {
	if len(frame) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(frame), true
}

// ReadU32 decodes a 4-byte frame, returning ok=false if the frame size
// doesn't match exactly.
func ReadU32(frame []byte) (uint32, bool) {
	if len(frame) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(frame), true
}

// ReadU64 decodes an 8-byte frame, returning ok=false if the frame size
// doesn't match exactly.
func ReadU64(frame []byte) (uint64, bool) {
	if len(frame) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(frame), true
}

// ReadString returns the frame's raw bytes as a string, verbatim.
func ReadString(frame []byte) string {
	return string(frame)
}

// ReadRoutingID decodes a frame into a RoutingID, capping at
// MaxRoutingIDLen (the excess is silently dropped, matching NewRoutingID).
func ReadRoutingID(frame []byte) RoutingID {
	return NewRoutingID(frame)
}

// DrainContinuations reads and discards every remaining frame of a
// multi-part message. Receivers must call this on a decode error so the
// socket's frame boundary stays aligned for the next message.
func DrainContinuations(s socket.Socket) {
	for {
		msg, more, err := s.Recv(socket.FlagNone)
		if err != nil {
			return
		}
		_ = msg
		if !more {
			return
		}
	}
}

// RecvAll reads one complete multi-part message (every frame up to and
// including the one without MORE set).
func RecvAll(s socket.Socket, flags socket.Flag) ([][]byte, error) {
	var frames [][]byte
	for {
		frame, more, err := s.Recv(flags)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		if !more {
			return frames, nil
		}
		// Subsequent reads of one logical message must not block on
		// DONTWAIT semantics differently than the first: clear any
		// non-blocking flag once the message has started arriving.
		flags &^= socket.FlagDontWait
	}
}
