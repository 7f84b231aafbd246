// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package spot

import "github.com/tinylib/msgp/msgp"

// WireEnvelope is the internal transport envelope a node publishes on its
// shared Redis channel when cfg.Redis.Enabled replaces the raw PUB/SUB
// sockets with internal/pubsub's Redis backend. The discovery wire protocol
// itself (internal/wire) stays hand-rolled little-endian framing; this
// envelope only ever travels over the Redis transport, never over a
// ROUTER/DEALER/PUB/SUB socket.
//
//go:generate msgp
type WireEnvelope struct {
	Topic  string   `msg:"topic"`
	NodeID []byte   `msg:"node_id"`
	Mode   uint8    `msg:"mode"`
	Frames [][]byte `msg:"frames"`
}

// MarshalMsg implements msgp.Marshaler.
func (z *WireEnvelope) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 4)
	o = msgp.AppendString(o, "topic")
	o = msgp.AppendString(o, z.Topic)
	o = msgp.AppendString(o, "node_id")
	o = msgp.AppendBytes(o, z.NodeID)
	o = msgp.AppendString(o, "mode")
	o = msgp.AppendUint8(o, z.Mode)
	o = msgp.AppendString(o, "frames")
	o = msgp.AppendArrayHeader(o, uint32(len(z.Frames)))
	for _, f := range z.Frames {
		o = msgp.AppendBytes(o, f)
	}
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *WireEnvelope) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var n uint32
	n, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return nil, err
		}
		switch string(field) {
		case "topic":
			z.Topic, bts, err = msgp.ReadStringBytes(bts)
		case "node_id":
			z.NodeID, bts, err = msgp.ReadBytesBytes(bts, z.NodeID)
		case "mode":
			z.Mode, bts, err = msgp.ReadUint8Bytes(bts)
		case "frames":
			var sz uint32
			sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return nil, err
			}
			z.Frames = make([][]byte, sz)
			for j := range z.Frames {
				z.Frames[j], bts, err = msgp.ReadBytesBytes(bts, nil)
				if err != nil {
					return nil, err
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, err
		}
	}
	return bts, nil
}

// Msgsize returns an upper bound on the encoded size, used to presize the
// append buffer.
func (z *WireEnvelope) Msgsize() (s int) {
	s = 1 + 6 + msgp.StringPrefixSize + len(z.Topic) +
		8 + msgp.BytesPrefixSize + len(z.NodeID) +
		5 + msgp.Uint8Size +
		7 + msgp.ArrayHeaderSize
	for _, f := range z.Frames {
		s += msgp.BytesPrefixSize + len(f)
	}
	return s
}
