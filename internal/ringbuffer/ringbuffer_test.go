// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package ringbuffer_test

import (
	"testing"

	"github.com/USA-RedDragon/fabric/internal/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(n byte) [][]byte {
	return [][]byte{{n}}
}

func TestReplayAfterOverflow(t *testing.T) {
	t.Parallel()
	r := ringbuffer.New(3, nil)
	for i := byte(1); i <= 5; i++ {
		r.Publish(frame(i))
	}
	require.Equal(t, 3, r.Len())

	entries, _ := r.ReadFrom(r.NewCursor())
	require.Len(t, entries, 3)
	assert.Equal(t, byte(3), entries[0].Frames[0][0])
	assert.Equal(t, byte(4), entries[1].Frames[0][0])
	assert.Equal(t, byte(5), entries[2].Frames[0][0])
}

func TestCursorAdvancesWithoutDuplication(t *testing.T) {
	t.Parallel()
	r := ringbuffer.New(2, nil)
	r.Publish(frame(1))
	r.Publish(frame(2))

	entries, cursor := r.ReadFrom(r.NewCursor())
	require.Len(t, entries, 2)

	r.Publish(frame(3))
	entries, cursor = r.ReadFrom(cursor)
	require.Len(t, entries, 1)
	assert.Equal(t, byte(3), entries[0].Frames[0][0])

	entries, _ = r.ReadFrom(cursor)
	assert.Empty(t, entries)
}

func TestOverflowInvokesOnDrop(t *testing.T) {
	t.Parallel()
	drops := 0
	r := ringbuffer.New(1, func() { drops++ })
	r.Publish(frame(1))
	r.Publish(frame(2))
	r.Publish(frame(3))
	assert.Equal(t, 2, drops)
}

func TestLaggingCursorClampsToStartSeq(t *testing.T) {
	t.Parallel()
	r := ringbuffer.New(2, nil)
	for i := byte(1); i <= 4; i++ {
		r.Publish(frame(i))
	}
	// A cursor stuck at 0 (never read) must be advanced to start_seq, not
	// replay entries that were already evicted.
	entries, _ := r.ReadFrom(0)
	require.Len(t, entries, 2)
	assert.Equal(t, byte(3), entries[0].Frames[0][0])
}
