// Package metrics wires the Prometheus collectors exposed by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the server. Each
// server instance owns its own underlying registry so tests can build
// several without collector name collisions.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     prometheus.Counter
	AcceptErrors         prometheus.Counter
	ConnectionsOverLimit prometheus.Counter

	Commands        *prometheus.CounterVec
	CommandErrors   prometheus.Counter
	ProtocolErrors  prometheus.Counter
	BlockedClients  prometheus.Gauge
	Keys            prometheus.Gauge
	PubSubPublished prometheus.Counter
	PubSubDelivered prometheus.Counter
}

// NewRegistry creates the Prometheus collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "respkv_connections_active",
			Help: "Number of currently connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_connections_total",
			Help: "Total number of accepted client connections",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_accept_errors_total",
			Help: "Total number of listener accept errors",
		}),
		ConnectionsOverLimit: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_connections_over_limit_total",
			Help: "Total number of connections rejected by the connection cap",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "respkv_commands_total",
			Help: "Total number of commands processed, by command name",
		}, []string{"command"}),
		CommandErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_command_errors_total",
			Help: "Total number of commands answered with an error reply",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_protocol_errors_total",
			Help: "Total number of malformed frames that closed a connection",
		}),
		BlockedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "respkv_blocked_clients",
			Help: "Number of clients currently blocked in BLPOP or XREAD BLOCK",
		}),
		Keys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "respkv_keys",
			Help: "Number of keys in the keyspace",
		}),
		PubSubPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_pubsub_messages_published_total",
			Help: "Total number of PUBLISH commands processed",
		}),
		PubSubDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "respkv_pubsub_messages_delivered_total",
			Help: "Total number of pub/sub messages enqueued to subscriber mailboxes",
		}),
	}
}

// Handler returns an HTTP handler exposing the collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
