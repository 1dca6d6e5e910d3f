// Package metrics exposes mxgateway's Prometheus instrumentation: a
// fresh, self-contained prometheus.Registry plus a Collector wrapping
// typed vecs, so New() can be called more than once (e.g. in tests)
// without colliding on the global default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric mxgateway exports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	backendsActive    *prometheus.GaugeVec

	sclCommandsTotal         *prometheus.CounterVec
	sclPoisonedSessionsTotal prometheus.Counter
	sclReplayDuration        *prometheus.HistogramVec
	sclCanonicalReplyTotal   *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec
	authTotal     *prometheus.CounterVec
}

// New creates and registers mxgateway's metrics on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mxgateway_connections_active",
			Help: "Number of client connections currently being served",
		}),
		backendsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mxgateway_backends_active",
				Help: "Whether a backend shard is in a session's live rotation",
			},
			[]string{"backend"},
		),
		sclCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxgateway_scl_commands_total",
				Help: "Session-modifying commands appended to the session command list",
			},
			[]string{"opcode"},
		),
		sclPoisonedSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mxgateway_scl_poisoned_sessions_total",
			Help: "Sessions closed after a divergent backend error under on_error=Abort",
		}),
		sclReplayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxgateway_scl_replay_duration_seconds",
				Help:    "Time spent replaying the session command backlog to a newly attached backend",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"backend"},
		),
		sclCanonicalReplyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxgateway_scl_canonical_reply_total",
				Help: "Canonical replies forwarded to the client, by reply kind",
			},
			[]string{"kind"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mxgateway_query_duration_seconds",
				Help:    "Duration of a single routed query, from dispatch to client-visible reply",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"kind"},
		),
		authTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mxgateway_auth_total",
				Help: "Authentication attempts, by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.backendsActive,
		c.sclCommandsTotal,
		c.sclPoisonedSessionsTotal,
		c.sclReplayDuration,
		c.sclCanonicalReplyTotal,
		c.queryDuration,
		c.authTotal,
	)

	return c
}

// ConnectionOpened/ConnectionClosed track the active client connection
// gauge.
func (c *Collector) ConnectionOpened() { c.connectionsActive.Inc() }
func (c *Collector) ConnectionClosed() { c.connectionsActive.Dec() }

// SetBackendActive records whether a shard is currently in the live
// rotation for at least one session.
func (c *Collector) SetBackendActive(backend string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.backendsActive.WithLabelValues(backend).Set(v)
}

// CommandAppended records one session-modifying command reaching the
// SCL, labeled by its MySQL opcode.
func (c *Collector) CommandAppended(opcode byte) {
	c.sclCommandsTotal.WithLabelValues(opcodeLabel(opcode)).Inc()
}

// SessionPoisoned records a session torn down by replay divergence.
func (c *Collector) SessionPoisoned() {
	c.sclPoisonedSessionsTotal.Inc()
}

// ReplayCompleted observes how long a backend took to replay the
// session command backlog before joining the live pool.
func (c *Collector) ReplayCompleted(backend string, d time.Duration) {
	c.sclReplayDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// CanonicalReplyForwarded records the kind of reply forwarded to the
// client for a settled command.
func (c *Collector) CanonicalReplyForwarded(kind string) {
	c.sclCanonicalReplyTotal.WithLabelValues(kind).Inc()
}

// QueryCompleted observes a single routed query's latency.
func (c *Collector) QueryCompleted(kind string, d time.Duration) {
	c.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// AuthAttempt records an authentication outcome ("ok" or "denied").
func (c *Collector) AuthAttempt(outcome string) {
	c.authTotal.WithLabelValues(outcome).Inc()
}

func opcodeLabel(opcode byte) string {
	switch opcode {
	case 0x02:
		return "COM_INIT_DB"
	case 0x03:
		return "COM_QUERY"
	case 0x11:
		return "COM_CHANGE_USER"
	case 0x16:
		return "COM_STMT_PREPARE"
	case 0x1b:
		return "COM_SET_OPTION"
	case 0x1f:
		return "COM_RESET_CONNECTION"
	default:
		return "unknown"
	}
}
