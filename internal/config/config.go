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

// Package config declares the process configuration, loaded through
// configulator from defaults, environment variables, and flags.
package config

import "time"

// Config is the full process configuration: every subcommand (registry,
// discover, provider, gateway, spot) loads one Config and reads only the
// sections it needs.
type Config struct {
	LogLevel LogLevel `name:"log-level" description:"Logging verbosity" default:"info"`
	Debug    bool     `name:"debug" description:"Enable debug logging and verbose component tracing" default:"false"`

	Registry Registry `name:"registry"`
	Provider Provider `name:"provider"`
	Gateway  Gateway  `name:"gateway"`
	Spot     Spot     `name:"spot"`

	Redis   Redis   `name:"redis"`
	Metrics Metrics `name:"metrics"`
}

// Registry configures the gossiped service directory.
type Registry struct {
	RouterBind          string        `name:"router-bind" description:"Endpoint the registry's ROUTER socket binds to" default:"tcp://0.0.0.0:7000"`
	PublisherBind       string        `name:"publisher-bind" description:"Endpoint the registry's XPUB socket binds to" default:"tcp://0.0.0.0:7001"`
	HeartbeatInterval   time.Duration `name:"heartbeat-interval" description:"Expected interval between provider heartbeats" default:"5s"`
	HeartbeatGrace      time.Duration `name:"heartbeat-grace" description:"Grace period added to heartbeat interval before a provider expires" default:"10s"`
	BroadcastInterval   time.Duration `name:"broadcast-interval" description:"Interval between full SERVICE_LIST gossip broadcasts" default:"2s"`
	SweepInterval       time.Duration `name:"sweep-interval" description:"Interval between expired-provider sweeps" default:"1s"`
	GossipPeers         []string      `name:"gossip-peers" description:"REGISTRY_SYNC endpoints of peer registries to gossip with"`
	TLSCert             string        `name:"tls-cert" description:"Server TLS certificate path"`
	TLSKey              string        `name:"tls-key" description:"Server TLS key path"`
}

// Provider configures the provider-side agent that registers and serves a
// local service implementation.
type Provider struct {
	RegistryEndpoint string        `name:"registry-endpoint" description:"Registry ROUTER endpoint to register against" default:"tcp://127.0.0.1:7000"`
	RouterBind       string        `name:"router-bind" description:"Endpoint this provider's own ROUTER socket binds to" default:"tcp://0.0.0.0:0"`
	HeartbeatPeriod  time.Duration `name:"heartbeat-period" description:"Interval between heartbeats sent to the registry" default:"5s"`
	TLSCert          string        `name:"tls-cert" description:"Server TLS certificate path for the provider's router"`
	TLSKey           string        `name:"tls-key" description:"Server TLS key path for the provider's router"`
}

// Gateway configures the client-side load balancer.
type Gateway struct {
	DiscoveryEndpoint string        `name:"discovery-endpoint" description:"Registry XPUB endpoint to subscribe to" default:"tcp://127.0.0.1:7001"`
	RegistryEndpoint  string        `name:"registry-endpoint" description:"Registry ROUTER endpoint; not read by the gateway, which follows the registry through discovery-endpoint only" default:"tcp://127.0.0.1:7000"`
	LBStrategy        LBStrategy    `name:"lb-strategy" description:"Default load-balancing strategy for new service pools" default:"round_robin"`
	SendRetries       int           `name:"send-retries" description:"Retries after EHOSTUNREACH before giving up on a send; EAGAIN is retried until the send deadline instead" default:"2"`
	RetryBackoff      time.Duration `name:"retry-backoff" description:"Backoff between send retries" default:"50ms"`
	TLSCA             string        `name:"tls-ca" description:"CA bundle used to verify provider TLS certificates"`
	TLSTrustSystem    bool          `name:"tls-trust-system" description:"Trust the system root CA pool for provider TLS certificates" default:"false"`
}

// Spot configures the pub/sub overlay node.
type Spot struct {
	Bind                string        `name:"bind" description:"Endpoint this node's PUB socket binds to" default:"tcp://0.0.0.0:7100"`
	ServiceName         string        `name:"service-name" description:"Service name spot nodes register and discover each other under" default:"__spot__"`
	RegistryEndpoint    string        `name:"registry-endpoint" description:"Registry ROUTER endpoint to register this node against" default:"tcp://127.0.0.1:7000"`
	DiscoveryEndpoint   string        `name:"discovery-endpoint" description:"Registry XPUB endpoint used to discover peer spot nodes" default:"tcp://127.0.0.1:7001"`
	PeerDiscoveryPeriod time.Duration `name:"peer-discovery-period" description:"Interval between peer spot-node discovery refreshes" default:"500ms"`
	RingBufferSize      int           `name:"ringbuffer-size" description:"Capacity of a RINGBUFFER-mode topic's backing deque" default:"1024"`
	HeartbeatPeriod     time.Duration `name:"heartbeat-period" description:"Interval between heartbeats sent to the registry" default:"5s"`
}

// Redis optionally backs the Registry's peer-sequence bookkeeping and the
// Spot overlay's cross-process fan-out with a shared external store instead
// of this process's in-memory maps.
type Redis struct {
	Enabled  bool   `name:"enabled" description:"Use Redis for shared KV/pubsub state instead of in-memory" default:"false"`
	Host     string `name:"host" description:"Redis host" default:"localhost"`
	Port     int    `name:"port" description:"Redis port" default:"6379"`
	Password string `name:"password" description:"Redis password"`
}

// Metrics configures the Prometheus metrics HTTP endpoint and the optional
// OpenTelemetry instrumentation of Redis clients. No OTLP exporter is
// started by this process.
type Metrics struct {
	Enabled      bool   `name:"enabled" description:"Serve Prometheus metrics" default:"true"`
	Bind         string `name:"bind" description:"Metrics server bind address" default:"0.0.0.0"`
	Port         int    `name:"port" description:"Metrics server port" default:"9090"`
	OTLPEndpoint string `name:"otlp-endpoint" description:"When set, Redis clients are instrumented with redisotel tracing and metrics; no exporter is started"`
}
