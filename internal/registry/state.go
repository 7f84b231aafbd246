// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/wire"
)

// ProviderEntry is the directory's record of one provider advertising one
// service. SourceRegistry names the registry that owns this
// record: the local one for providers that registered directly, or a peer's
// id for entries learned by gossip.
type ProviderEntry struct {
	Service        string
	Endpoint       string
	RoutingID      []byte
	Weight         uint32
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
	SourceRegistry uint32
}

// state is the authoritative local directory slice, mutated only under mu.
// Every method here is self-locking so it can be
// called from both the worker goroutine and read-only test/API callers.
type state struct {
	mu sync.Mutex

	id      uint32
	listSeq uint64

	// service -> endpoint -> entry. A service key is purged the instant its
	// provider map becomes empty.
	services map[string]map[string]*ProviderEntry

	peerSeq      map[uint32]uint64
	peerLastSeen map[uint32]time.Time

	lastPublishedSeq uint64
}

func newState(id uint32) *state {
	return &state{
		id:           id,
		services:     make(map[string]map[string]*ProviderEntry),
		peerSeq:      make(map[uint32]uint64),
		peerLastSeen: make(map[uint32]time.Time),
	}
}

// loadPeer seeds the peer-seq/peer-last-seen dedup table from a persisted
// kv record, so a restarted registry resumes gossip dedup where it left
// off instead of re-learning it from the next round of peer broadcasts.
// Must be called before Start.
func (s *state) loadPeer(peerID uint32, seq uint64, lastSeen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerSeq[peerID] = seq
	s.peerLastSeen[peerID] = lastSeen
}

// peerSnapshot reads back the current seq/last-seen for peerID, for the
// caller to persist after a successful applyGossip.
func (s *state) peerSnapshot(peerID uint32) (seq uint64, lastSeen time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerSeq[peerID], s.peerLastSeen[peerID]
}

func (s *state) localID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func coerceWeight(w uint32) uint32 {
	if w == 0 {
		return 1
	}
	return w
}

// resolveWildcard rewrites a wildcard bind address to a concrete loopback
// address, a registry-side fallback for providers that skip the
// client-side rewrite.
func resolveWildcard(endpoint string) string {
	switch {
	case strings.Contains(endpoint, "://*:"):
		return strings.Replace(endpoint, "://*:", "://127.0.0.1:", 1)
	case strings.Contains(endpoint, "://0.0.0.0:"):
		return strings.Replace(endpoint, "://0.0.0.0:", "://127.0.0.1:", 1)
	default:
		return endpoint
	}
}

// register inserts or replaces a locally-owned ProviderEntry. Returns the
// resolved endpoint actually stored.
func (s *state) register(service, endpoint string, weight uint32, rid []byte, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := resolveWildcard(endpoint)
	providers, ok := s.services[service]
	if !ok {
		providers = make(map[string]*ProviderEntry)
		s.services[service] = providers
	}
	registeredAt := now
	if existing, ok := providers[resolved]; ok {
		registeredAt = existing.RegisteredAt
	}
	providers[resolved] = &ProviderEntry{
		Service:        service,
		Endpoint:       resolved,
		RoutingID:      append([]byte(nil), rid...),
		Weight:         coerceWeight(weight),
		RegisteredAt:   registeredAt,
		LastHeartbeat:  now,
		SourceRegistry: s.id,
	}
	s.listSeq++
	return resolved
}

// unregister removes a locally-owned entry. Returns whether an entry
// existed and was removed.
func (s *state) unregister(service, endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers, ok := s.services[service]
	if !ok {
		return false
	}
	entry, ok := providers[endpoint]
	if !ok || entry.SourceRegistry != s.id {
		return false
	}
	delete(providers, endpoint)
	if len(providers) == 0 {
		delete(s.services, service)
	}
	s.listSeq++
	return true
}

// heartbeat refreshes LastHeartbeat on a locally-owned entry. No list_seq
// bump: heartbeats are not directory changes.
func (s *state) heartbeat(service, endpoint string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers, ok := s.services[service]
	if !ok {
		return false
	}
	entry, ok := providers[endpoint]
	if !ok || entry.SourceRegistry != s.id {
		return false
	}
	entry.LastHeartbeat = now
	return true
}

// updateWeight updates a locally-owned entry's weight.
func (s *state) updateWeight(service, endpoint string, weight uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers, ok := s.services[service]
	if !ok {
		return false
	}
	entry, ok := providers[endpoint]
	if !ok || entry.SourceRegistry != s.id {
		return false
	}
	entry.Weight = coerceWeight(weight)
	s.listSeq++
	return true
}

// applyGossip merges a peer's SERVICE_LIST/REGISTRY_SYNC payload: entries
// sourced from peerID are wholly replaced by the
// carried set; entries sourced from any other registry are untouched.
func (s *state) applyGossip(peerID uint32, peerSeq uint64, services []wire.ServiceRecord, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peerID == s.id {
		return false
	}
	if peerSeq <= s.peerSeq[peerID] {
		return false
	}

	removed := 0
	for name, providers := range s.services {
		for ep, entry := range providers {
			if entry.SourceRegistry == peerID {
				delete(providers, ep)
				removed++
			}
		}
		if len(providers) == 0 {
			delete(s.services, name)
		}
	}

	added := 0
	for _, svc := range services {
		for _, p := range svc.Providers {
			providers, ok := s.services[svc.Name]
			if !ok {
				providers = make(map[string]*ProviderEntry)
				s.services[svc.Name] = providers
			}
			if _, taken := providers[p.Endpoint]; taken {
				// Owned by the local registry or another peer: left as is.
				continue
			}
			providers[p.Endpoint] = &ProviderEntry{
				Service:        svc.Name,
				Endpoint:       p.Endpoint,
				RoutingID:      append([]byte(nil), p.RoutingID.Bytes()...),
				Weight:         coerceWeight(p.Weight),
				RegisteredAt:   now,
				LastHeartbeat:  now,
				SourceRegistry: peerID,
			}
			added++
		}
	}

	s.peerSeq[peerID] = peerSeq
	s.peerLastSeen[peerID] = now

	changed := removed > 0 || added > 0
	if changed {
		s.listSeq++
	}
	return changed
}

// removeExpired runs the periodic sweep: drops
// locally-owned entries past their heartbeat timeout, and drops every entry
// sourced from a peer that has gone quiet past peerTTL.
func (s *state) removeExpired(now time.Time, heartbeatTimeout, peerTTL time.Duration) (expiredCount int, droppedPeers []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	bumped := false

	for name, providers := range s.services {
		for ep, entry := range providers {
			if entry.SourceRegistry == s.id && now.Sub(entry.LastHeartbeat) > heartbeatTimeout {
				delete(providers, ep)
				expired++
				bumped = true
			}
		}
		if len(providers) == 0 {
			delete(s.services, name)
		}
	}

	for peerID, lastSeen := range s.peerLastSeen {
		if now.Sub(lastSeen) <= peerTTL {
			continue
		}
		for name, providers := range s.services {
			for ep, entry := range providers {
				if entry.SourceRegistry == peerID {
					delete(providers, ep)
					bumped = true
				}
			}
			if len(providers) == 0 {
				delete(s.services, name)
			}
		}
		delete(s.peerSeq, peerID)
		delete(s.peerLastSeen, peerID)
		droppedPeers = append(droppedPeers, peerID)
	}

	if bumped {
		s.listSeq++
	}
	return expired, droppedPeers
}

// advancedSincePublish reports whether list_seq has moved since the last
// publish, so the worker can publish immediately on a change instead of
// waiting out the broadcast interval.
func (s *state) advancedSincePublish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSeq != s.lastPublishedSeq
}

func (s *state) markPublished(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPublishedSeq = seq
}

// snapshot builds the current directory as a wire.ServiceList, with
// deterministic ordering so tests and replays are stable.
func (s *state) snapshot() wire.ServiceList {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)

	list := wire.ServiceList{RegistryID: s.id, ListSeq: s.listSeq}
	for _, name := range names {
		providers := s.services[name]
		eps := make([]string, 0, len(providers))
		for ep := range providers {
			eps = append(eps, ep)
		}
		sort.Strings(eps)
		svc := wire.ServiceRecord{Name: name}
		for _, ep := range eps {
			entry := providers[ep]
			svc.Providers = append(svc.Providers, wire.ProviderRecord{
				Endpoint:  entry.Endpoint,
				RoutingID: wire.NewRoutingID(entry.RoutingID),
				Weight:    entry.Weight,
			})
		}
		list.Services = append(list.Services, svc)
	}
	return list
}

// providerCount reports the number of providers registered for a service,
// for tests and local introspection.
func (s *state) providerCount(service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.services[service])
}
