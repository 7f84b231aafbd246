// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package wire_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/wire"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var inprocCounter int64 //nolint:gochecknoglobals

func pairEndpoints(t *testing.T, ctx context.Context) (a, b socket.Socket) {
	t.Helper()
	n := atomic.AddInt64(&inprocCounter, 1)
	ep := fmt.Sprintf("inproc://wire-test-%d", n)
	a = socket.New(ctx, socket.TypePair)
	b = socket.New(ctx, socket.TypePair)
	require.NoError(t, a.Bind(ep))
	require.NoError(t, b.Connect(ep))
	return a, b
}

//nolint:gochecknoglobals
var knownGoodServiceList = wire.ServiceList{
	RegistryID: 42,
	ListSeq:    7,
	Services: []wire.ServiceRecord{
		{
			Name: "orders",
			Providers: []wire.ProviderRecord{
				{Endpoint: "tcp://10.0.0.1:9000", RoutingID: wire.NewRoutingID([]byte{1, 2, 3}), Weight: 5},
				{Endpoint: "tcp://10.0.0.2:9000", RoutingID: wire.NewRoutingID([]byte{4, 5, 6, 7}), Weight: 1},
			},
		},
		{
			Name:      "empty-service",
			Providers: nil,
		},
	},
}

// TestServiceListRoundTrip sends a known-good SERVICE_LIST payload over a
// PAIR socket, decodes it back, and diffs against the original.
func TestServiceListRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := pairEndpoints(t, ctx)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	require.NoError(t, wire.SendServiceList(a, wire.MsgServiceList, knownGoodServiceList))

	frames, err := wire.RecvAll(b, socket.FlagNone)
	require.NoError(t, err)
	require.NotEmpty(t, frames)

	msgID, ok := wire.ReadU16(frames[0])
	require.True(t, ok)
	require.Equal(t, uint16(wire.MsgServiceList), msgID)

	decoded, ok := wire.DecodeServiceList(frames[1:])
	require.True(t, ok)
	if diff := cmp.Diff(knownGoodServiceList, decoded); diff != "" {
		t.Errorf("service list did not round-trip (-want +got):\n%s", diff)
	}
}

func TestRegisterAckRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := pairEndpoints(t, ctx)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	require.NoError(t, wire.SendRegisterAck(a, 0, "tcp://127.0.0.1:9000", ""))

	frames, err := wire.RecvAll(b, socket.FlagNone)
	require.NoError(t, err)
	require.Len(t, frames, 4)

	ack, ok := wire.DecodeRegisterAck(frames[1:])
	require.True(t, ok)

	want := wire.RegisterAck{Status: 0, Endpoint: "tcp://127.0.0.1:9000", Error: ""}
	if diff := cmp.Diff(want, ack); diff != "" {
		t.Errorf("register ack did not round-trip (-want +got):\n%s", diff)
	}
}
