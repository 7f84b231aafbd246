// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh

package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/USA-RedDragon/fabric/internal/wire"
)

// EventKind names the observer notifications.
type EventKind int

const (
	ProviderAdded EventKind = iota
	ProviderRemoved
	ServiceAvailable
	ServiceUnavailable
)

func (k EventKind) String() string {
	switch k {
	case ProviderAdded:
		return "provider_added"
	case ProviderRemoved:
		return "provider_removed"
	case ServiceAvailable:
		return "service_available"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "unknown"
	}
}

// ProviderInfo is one row of a get_providers/snapshot_providers result.
type ProviderInfo struct {
	Service      string
	Endpoint     string
	RoutingID    []byte
	Weight       uint32
	RegisteredAt time.Time
}

// Event is one observer notification: the kind, the affected service, and
// (for provider_added/provider_removed) the affected provider.
type Event struct {
	Kind     EventKind
	Service  string
	Provider ProviderInfo
}

// Observer is a callback registered via AddObserver. Dispatch happens
// outside the discovery lock.
type Observer func(Event)

type providerRecord struct {
	endpoint     string
	routingID    []byte
	weight       uint32
	registeredAt time.Time
}

// state holds the client's view: per-registry highest seen list_seq, the
// local merged service map, the subscription filter, and observers.
type state struct {
	mu sync.Mutex

	subscriptions map[string]bool // empty means "track everything"
	registrySeq   map[uint32]uint64

	// service -> registryID -> endpoint -> record
	services map[string]map[uint32]map[string]providerRecord

	observers   map[int]Observer
	nextObsID   int
}

func newState() *state {
	return &state{
		subscriptions: make(map[string]bool),
		registrySeq:   make(map[uint32]uint64),
		services:      make(map[string]map[uint32]map[string]providerRecord),
		observers:     make(map[int]Observer),
	}
}

func (s *state) subscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[name] = true
}

// unsubscribe drops the client-side filter for name and purges any tracked
// state for it, returning the events this produces.
func (s *state) unsubscribe(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, name)

	providersByRegistry, ok := s.services[name]
	if !ok {
		return nil
	}
	var events []Event
	for _, providers := range providersByRegistry {
		for _, p := range providers {
			events = append(events, Event{Kind: ProviderRemoved, Service: name, Provider: toInfo(name, p)})
		}
	}
	delete(s.services, name)
	events = append(events, Event{Kind: ServiceUnavailable, Service: name})
	return events
}

func (s *state) tracked(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions) == 0 || s.subscriptions[name]
}

func toInfo(service string, p providerRecord) ProviderInfo {
	return ProviderInfo{
		Service:      service,
		Endpoint:     p.endpoint,
		RoutingID:    append([]byte(nil), p.routingID...),
		Weight:       p.weight,
		RegisteredAt: p.registeredAt,
	}
}

func (s *state) totalProvidersLocked(service string) int {
	total := 0
	for _, providers := range s.services[service] {
		total += len(providers)
	}
	return total
}

// applyServiceList merges a SERVICE_LIST/REGISTRY_SYNC payload from one
// registry into the local view, returning the observer events
// the change produces. Must be called with the discovery lock released by
// the caller before dispatching the returned events.
func (s *state) applyServiceList(registryID uint32, seq uint64, services []wire.ServiceRecord, now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.registrySeq[registryID] {
		return nil
	}
	s.registrySeq[registryID] = seq

	incoming := make(map[string]map[string]providerRecord, len(services))
	for _, svc := range services {
		if len(s.subscriptions) > 0 && !s.subscriptions[svc.Name] {
			continue
		}
		providers := make(map[string]providerRecord, len(svc.Providers))
		for _, p := range svc.Providers {
			providers[p.Endpoint] = providerRecord{
				endpoint:     p.Endpoint,
				routingID:    append([]byte(nil), p.RoutingID.Bytes()...),
				weight:       p.Weight,
				registeredAt: now,
			}
		}
		incoming[svc.Name] = providers
	}

	touched := make(map[string]bool)
	for name := range incoming {
		touched[name] = true
	}
	for name, byRegistry := range s.services {
		if _, ok := byRegistry[registryID]; ok {
			touched[name] = true
		}
	}

	var events []Event
	for name := range touched {
		beforeTotal := s.totalProvidersLocked(name)
		oldSet := s.services[name][registryID]

		newSet := incoming[name]
		if len(newSet) == 0 {
			if byRegistry, ok := s.services[name]; ok {
				delete(byRegistry, registryID)
				if len(byRegistry) == 0 {
					delete(s.services, name)
				}
			}
		} else {
			if s.services[name] == nil {
				s.services[name] = make(map[uint32]map[string]providerRecord)
			}
			s.services[name][registryID] = newSet
		}

		for ep, p := range newSet {
			if _, existed := oldSet[ep]; !existed {
				events = append(events, Event{Kind: ProviderAdded, Service: name, Provider: toInfo(name, p)})
			}
		}
		for ep, p := range oldSet {
			if _, still := newSet[ep]; !still {
				events = append(events, Event{Kind: ProviderRemoved, Service: name, Provider: toInfo(name, p)})
			}
		}

		afterTotal := s.totalProvidersLocked(name)
		switch {
		case beforeTotal == 0 && afterTotal > 0:
			events = append(events, Event{Kind: ServiceAvailable, Service: name})
		case beforeTotal > 0 && afterTotal == 0:
			events = append(events, Event{Kind: ServiceUnavailable, Service: name})
		}
	}

	return events
}

func (s *state) getProviders(name string) []ProviderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ProviderInfo
	for _, providers := range s.services[name] {
		for _, p := range providers {
			out = append(out, toInfo(name, p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

func (s *state) providerCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalProvidersLocked(name)
}

func (s *state) serviceAvailable(name string) bool {
	return s.providerCount(name) > 0
}

func (s *state) addObserver(o Observer) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = o
	return id
}

func (s *state) removeObserver(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, id)
}

// snapshotObservers returns a stable copy of the registered observers so
// callbacks run without the discovery lock held.
func (s *state) snapshotObservers() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Observer, 0, len(s.observers))
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}
