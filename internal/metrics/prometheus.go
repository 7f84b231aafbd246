// SPDX-License-Identifier: AGPL-3.0-or-later
// fabric - a service-discovery and message-routing mesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/USA-RedDragon/fabric>

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// Registry metrics
	RegistryServicesTotal    prometheus.Gauge
	RegistryProvidersTotal   prometheus.Gauge
	RegistryHeartbeatsTotal  prometheus.Counter
	RegistryExpiredTotal     prometheus.Counter
	RegistryGossipSyncsTotal *prometheus.CounterVec
	RegistrySweepDuration    prometheus.Histogram

	// Discovery metrics
	DiscoveryUpdatesTotal  prometheus.Counter
	DiscoveryStaleDropped  prometheus.Counter
	DiscoveryProvidersSeen prometheus.Gauge

	// Gateway metrics
	GatewaySentTotal     *prometheus.CounterVec
	GatewayRetriesTotal  *prometheus.CounterVec
	GatewayFailuresTotal *prometheus.CounterVec
	GatewaySendDuration  prometheus.Histogram

	// Spot overlay metrics
	SpotPublishedTotal  *prometheus.CounterVec
	SpotDeliveredTotal  prometheus.Counter
	SpotRingBufferDrops prometheus.Counter
}

func NewMetrics() *Metrics {
	metrics := &Metrics{
		RegistryServicesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_registry_services_total",
			Help: "The current number of distinct services known to the registry",
		}),
		RegistryProvidersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_registry_providers_total",
			Help: "The current number of registered providers",
		}),
		RegistryHeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_registry_heartbeats_total",
			Help: "The total number of heartbeats received from providers",
		}),
		RegistryExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_registry_expired_total",
			Help: "The total number of providers removed by the expiry sweep",
		}),
		RegistryGossipSyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_registry_gossip_syncs_total",
			Help: "The total number of REGISTRY_SYNC exchanges with peer registries",
		}, []string{"direction"}),
		RegistrySweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_registry_sweep_duration_seconds",
			Help:    "Duration of expired-provider sweep passes",
			Buckets: prometheus.DefBuckets,
		}),
		DiscoveryUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_discovery_updates_total",
			Help: "The total number of SERVICE_LIST updates applied",
		}),
		DiscoveryStaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_discovery_stale_dropped_total",
			Help: "The total number of SERVICE_LIST updates dropped for an out-of-order sequence number",
		}),
		DiscoveryProvidersSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_discovery_providers_seen",
			Help: "The current number of providers known to this discovery client",
		}),
		GatewaySentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_gateway_sent_total",
			Help: "The total number of requests sent through the gateway",
		}, []string{"service", "status"}),
		GatewayRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_gateway_retries_total",
			Help: "The total number of gateway send retries",
		}, []string{"service"}),
		GatewayFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_gateway_failures_total",
			Help: "The total number of gateway sends that exhausted their retries",
		}, []string{"service"}),
		GatewaySendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_gateway_send_duration_seconds",
			Help:    "Duration of gateway send operations, including retries",
			Buckets: prometheus.DefBuckets,
		}),
		SpotPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_spot_published_total",
			Help: "The total number of messages published to the spot overlay",
		}, []string{"mode"}),
		SpotDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_spot_delivered_total",
			Help: "The total number of messages delivered to spot subscribers",
		}),
		SpotRingBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_spot_ringbuffer_drops_total",
			Help: "The total number of messages dropped by a full ring-buffer topic",
		}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(m.RegistryServicesTotal)
	prometheus.MustRegister(m.RegistryProvidersTotal)
	prometheus.MustRegister(m.RegistryHeartbeatsTotal)
	prometheus.MustRegister(m.RegistryExpiredTotal)
	prometheus.MustRegister(m.RegistryGossipSyncsTotal)
	prometheus.MustRegister(m.RegistrySweepDuration)
	prometheus.MustRegister(m.DiscoveryUpdatesTotal)
	prometheus.MustRegister(m.DiscoveryStaleDropped)
	prometheus.MustRegister(m.DiscoveryProvidersSeen)
	prometheus.MustRegister(m.GatewaySentTotal)
	prometheus.MustRegister(m.GatewayRetriesTotal)
	prometheus.MustRegister(m.GatewayFailuresTotal)
	prometheus.MustRegister(m.GatewaySendDuration)
	prometheus.MustRegister(m.SpotPublishedTotal)
	prometheus.MustRegister(m.SpotDeliveredTotal)
	prometheus.MustRegister(m.SpotRingBufferDrops)
}

func (m *Metrics) RecordHeartbeat() {
	m.RegistryHeartbeatsTotal.Inc()
}

func (m *Metrics) RecordExpired(count float64) {
	m.RegistryExpiredTotal.Add(count)
}

func (m *Metrics) RecordGossipSync(direction string) {
	m.RegistryGossipSyncsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordSweepDuration(seconds float64) {
	m.RegistrySweepDuration.Observe(seconds)
}

func (m *Metrics) RecordDiscoveryUpdate() {
	m.DiscoveryUpdatesTotal.Inc()
}

func (m *Metrics) RecordDiscoveryStaleDrop() {
	m.DiscoveryStaleDropped.Inc()
}

func (m *Metrics) SetDiscoveryProvidersSeen(count float64) {
	m.DiscoveryProvidersSeen.Set(count)
}

func (m *Metrics) RecordGatewaySend(service, status string, duration float64) {
	m.GatewaySentTotal.WithLabelValues(service, status).Inc()
	m.GatewaySendDuration.Observe(duration)
}

func (m *Metrics) RecordGatewayRetry(service string) {
	m.GatewayRetriesTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) RecordGatewayFailure(service string) {
	m.GatewayFailuresTotal.WithLabelValues(service).Inc()
}

func (m *Metrics) RecordSpotPublish(mode string) {
	m.SpotPublishedTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordSpotDelivery(count float64) {
	m.SpotDeliveredTotal.Add(count)
}

func (m *Metrics) RecordSpotRingBufferDrop() {
	m.SpotRingBufferDrops.Inc()
}
