// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

// Package ringbuffer implements the bounded deque backing a
// ring-buffer-mode spot topic: a sequence-numbered history of published
// frame-lists capped at a high-water mark, with per-subscriber cursors
// that never block a publisher.
package ringbuffer

import "sync"

// Entry is one published frame-list at a specific sequence number.
type Entry struct {
	Seq    uint64
	Frames [][]byte
}

// RingBuffer is a bounded deque of frame-lists. Publish never blocks; once
// the deque holds HighWater entries, the next Publish drops the oldest and
// start_seq advances. Cursors are not tracked here: a cursor that has fallen
// below start_seq is clamped up to it when it is next passed to ReadFrom.
type RingBuffer struct {
	mu        sync.Mutex
	highWater int
	entries   []Entry
	startSeq  uint64
	nextSeq   uint64
	onDrop    func()
}

// New constructs a RingBuffer capped at highWater entries. onDrop, if
// non-nil, is called once per entry evicted by overflow (wired to a metrics
// counter by callers).
func New(highWater int, onDrop func()) *RingBuffer {
	if highWater <= 0 {
		highWater = 1
	}
	return &RingBuffer{highWater: highWater, onDrop: onDrop}
}

// Publish appends frames at the next sequence number, evicting the oldest
// entry if the buffer is at capacity, and returns the assigned sequence.
func (r *RingBuffer) Publish(frames [][]byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.nextSeq
	r.nextSeq++
	r.entries = append(r.entries, Entry{Seq: seq, Frames: frames})
	if len(r.entries) > r.highWater {
		drop := len(r.entries) - r.highWater
		r.entries = r.entries[drop:]
		r.startSeq = r.entries[0].Seq
		if r.onDrop != nil {
			for i := 0; i < drop; i++ {
				r.onDrop()
			}
		}
	}
	return seq
}

// NewCursor returns the cursor value for a brand-new subscriber: seq 0,
// which ReadFrom clamps up to the current start_seq on first read so a
// fresh subscriber replays everything currently retained.
func (r *RingBuffer) NewCursor() uint64 {
	return 0
}

// ReadFrom returns every retained entry at or after cursor (clamped up to
// start_seq if the cursor has fallen behind) and the cursor value to use on
// the next call.
func (r *RingBuffer) ReadFrom(cursor uint64) ([]Entry, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cursor < r.startSeq {
		cursor = r.startSeq
	}
	var out []Entry
	for _, e := range r.entries {
		if e.Seq >= cursor {
			out = append(out, e)
		}
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].Seq + 1
	}
	return out, next
}

// Len returns the number of entries currently retained.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
