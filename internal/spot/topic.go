// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package spot

import (
	"fmt"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/ringbuffer"
	"github.com/USA-RedDragon/fabric/internal/socket"
	"github.com/USA-RedDragon/fabric/internal/syserr"
)

// Spot is a publish handle bound to one topic and mode.
type Spot struct {
	node   *Node
	topic  string
	mode   Mode
	closed bool
}

// CreateTopic creates a publishable topic with the given mode. Returns
// EEXIST if the topic already exists, EINVAL for a malformed topic string
// (length outside 1-255, or a wildcard).
func (n *Node) CreateTopic(topic string, mode Mode) (*Spot, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.topics[topic]; exists {
		return nil, fmt.Errorf("spot: topic %q already exists: %w", topic, syserr.ErrExist)
	}

	ts := &topicState{mode: mode}
	if mode == ModeRingBuffer {
		ts.ring = ringbuffer.New(n.ringBufferSize(), n.onRingDropLocked)
	}
	n.topics[topic] = ts
	return &Spot{node: n, topic: topic, mode: mode}, nil
}

// Publish sends parts on this topic: locally to every matching subscriber,
// and over the node's PUB socket for remote subscribers.
func (s *Spot) Publish(parts [][]byte) error {
	if s.closed {
		return syserr.ErrFault
	}
	if len(parts) == 0 {
		return fmt.Errorf("spot: publish requires at least one frame: %w", syserr.ErrInvalid)
	}
	return s.node.publish(s.topic, s.mode, parts)
}

// Close destroys the topic. Returns ENOENT if already closed.
func (s *Spot) Close() error {
	if s.closed {
		return syserr.ErrNoEnt
	}
	s.closed = true

	s.node.mu.Lock()
	delete(s.node.topics, s.topic)
	s.node.mu.Unlock()
	return nil
}

// frameMsg is one queued delivery for a QUEUE-mode SpotSub.
type frameMsg struct {
	topic  string
	frames [][]byte
}

// SpotSub is a subscription handle for one topic or pattern.
type SpotSub struct {
	node     *Node
	pattern  string
	prefix   string
	wildcard bool

	mu          sync.Mutex
	queue       []frameMsg
	ringCursors map[string]uint64
	closed      bool
}

// Subscribe registers interest in topic or pattern (a literal topic, or a
// string with exactly one trailing '*'). The underlying SUB socket
// subscribes to the filter's byte prefix the first time any handle
// requests it.
func (n *Node) Subscribe(pattern string) (*SpotSub, error) {
	prefix, wildcard, err := validatePattern(pattern)
	if err != nil {
		return nil, err
	}

	s := &SpotSub{
		node:        n,
		pattern:     pattern,
		prefix:      prefix,
		wildcard:    wildcard,
		ringCursors: make(map[string]uint64),
	}

	n.mu.Lock()
	f, ok := n.filters[pattern]
	if !ok {
		f = &filterState{prefix: prefix, wildcard: wildcard, subs: make(map[*SpotSub]bool)}
		n.filters[pattern] = f
	}
	firstSubscriber := len(f.subs) == 0
	f.subs[s] = true
	n.mu.Unlock()

	if firstSubscriber {
		if err := n.sub.SetOption(socket.OptSubscribe, []byte(prefix)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close unsubscribes this handle. When the last handle for a filter closes,
// the SUB socket unsubscribes from it.
func (s *SpotSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syserr.ErrNoEnt
	}
	s.closed = true
	s.mu.Unlock()

	n := s.node
	n.mu.Lock()
	f, ok := n.filters[s.pattern]
	last := false
	if ok {
		delete(f.subs, s)
		if len(f.subs) == 0 {
			delete(n.filters, s.pattern)
			last = true
		}
	}
	n.cond.Broadcast()
	n.mu.Unlock()

	if last {
		return n.sub.SetOption(socket.OptUnsubscribe, []byte(f.prefix))
	}
	return nil
}

// enqueue pushes a QUEUE-mode delivery onto this subscriber's FIFO. Called
// by Node.dispatchLocal with the node lock held.
func (s *SpotSub) enqueue(topic string, frames [][]byte) {
	s.mu.Lock()
	s.queue = append(s.queue, frameMsg{topic: topic, frames: frames})
	s.mu.Unlock()
}

func (s *SpotSub) popQueued() (frameMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return frameMsg{}, false
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, true
}

// pollRingBuffersLocked scans every currently-live RINGBUFFER topic this
// subscription matches for entries past its cursor, returning the first one
// found. Must be called with the node lock held.
func (s *SpotSub) pollRingBuffersLocked() (frameMsg, bool) {
	for name, ts := range s.node.topics {
		if ts.mode != ModeRingBuffer || !matches(s.prefix, s.wildcard, name) {
			continue
		}
		s.mu.Lock()
		cursor := s.ringCursors[name]
		s.mu.Unlock()

		entries, _ := ts.ring.ReadFrom(cursor)
		if len(entries) == 0 {
			continue
		}
		s.mu.Lock()
		s.ringCursors[name] = entries[0].Seq + 1
		s.mu.Unlock()
		return frameMsg{topic: name, frames: entries[0].Frames}, true
	}
	return frameMsg{}, false
}

// Recv returns the next delivery for this subscription. timeout < 0 blocks
// indefinitely, 0 returns EAGAIN immediately if nothing is pending, and > 0
// bounds the wait, mirroring the socket poll() timeout semantics.
func (s *SpotSub) Recv(timeout time.Duration) (topic string, frames [][]byte, err error) {
	n := s.node
	n.mu.Lock()
	defer n.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		if s.isClosed() {
			return "", nil, syserr.ErrFault
		}
		if m, ok := s.popQueued(); ok {
			if n.metrics != nil {
				n.metrics.RecordSpotDelivery(1)
			}
			return m.topic, m.frames, nil
		}
		if m, ok := s.pollRingBuffersLocked(); ok {
			if n.metrics != nil {
				n.metrics.RecordSpotDelivery(1)
			}
			return m.topic, m.frames, nil
		}
		if timeout == 0 {
			return "", nil, syserr.ErrAgain
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return "", nil, syserr.ErrTimedOut
		}

		if hasDeadline {
			remaining := time.Until(deadline)
			timer := time.AfterFunc(remaining, func() {
				n.mu.Lock()
				n.cond.Broadcast()
				n.mu.Unlock()
			})
			n.cond.Wait()
			timer.Stop()
		} else {
			n.cond.Wait()
		}
	}
}

func (s *SpotSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
