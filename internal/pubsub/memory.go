// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pubsub

import (
	"sync"

	"github.com/USA-RedDragon/fabric/internal/config"
)

func makeInMemoryPubSub(_ *config.Config) (PubSub, error) {
	return &inMemoryPubSub{subs: make(map[string]map[*inMemorySubscription]struct{})}, nil
}

type inMemoryPubSub struct {
	mu   sync.Mutex
	subs map[string]map[*inMemorySubscription]struct{}
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	ps.mu.Lock()
	subs := make([]*inMemorySubscription, 0, len(ps.subs[topic]))
	for s := range ps.subs[topic] {
		subs = append(subs, s)
	}
	ps.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- message:
		default:
			// Slow subscriber: drop rather than block the publisher, matching
			// the bounded-buffer behavior a Redis channel subscriber gets for
			// free from its own client-side queue.
		}
	}
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	const subscriberBuffer = 64
	sub := &inMemorySubscription{ps: ps, topic: topic, ch: make(chan []byte, subscriberBuffer)}

	ps.mu.Lock()
	if ps.subs[topic] == nil {
		ps.subs[topic] = make(map[*inMemorySubscription]struct{})
	}
	ps.subs[topic][sub] = struct{}{}
	ps.mu.Unlock()

	return sub
}

func (ps *inMemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, topicSubs := range ps.subs {
		for s := range topicSubs {
			close(s.ch)
		}
	}
	ps.subs = make(map[string]map[*inMemorySubscription]struct{})
	return nil
}

type inMemorySubscription struct {
	ps     *inMemoryPubSub
	topic  string
	ch     chan []byte
	closed bool
}

func (s *inMemorySubscription) Close() error {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.ps.subs[s.topic], s)
	close(s.ch)
	return nil
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}
