// Package observability — metrics.go
//
// Prometheus metrics for the node runtime.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only unless explicitly reconfigured.
//
// Metric naming convention: p2pagent_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the node runtime.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event bus ────────────────────────────────────────────────────────────

	// EventsPublishedTotal counts events published to the bus, by topic.
	EventsPublishedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events dropped under backpressure.
	// Labels: reason (queue_full, circuit_open)
	EventsDroppedTotal *prometheus.CounterVec

	// EventQueueDepth is the current depth of a priority tier's queue.
	// Labels: tier (control, task, telemetry)
	EventQueueDepth *prometheus.GaugeVec

	// ─── Network ──────────────────────────────────────────────────────────────

	// ConnectionsActive is the current count of established peer connections.
	ConnectionsActive prometheus.Gauge

	// HandshakesTotal counts completed handshakes, by outcome.
	HandshakesTotal *prometheus.CounterVec

	// HandshakeRejectionsPow counts inbound handshakes rejected for failing
	// proof-of-work verification.
	HandshakeRejectionsPow prometheus.Counter

	// HandshakeDuration records wall-clock handshake duration.
	HandshakeDuration prometheus.Histogram

	// ConnectionErrorsTotal counts dial, accept, and handshake failures.
	ConnectionErrorsTotal prometheus.Counter

	// MessagesSentTotal counts envelopes written to a connection, by type.
	MessagesSentTotal *prometheus.CounterVec

	// MessagesReceivedTotal counts envelopes read from a connection, by type.
	MessagesReceivedTotal *prometheus.CounterVec

	// MessageSize records envelope body size in bytes, sent and received.
	MessageSize prometheus.Histogram

	// ─── Discovery ────────────────────────────────────────────────────────────

	// PeersKnown is the current size of the peer registry.
	PeersKnown prometheus.Gauge

	// ─── Reputation ───────────────────────────────────────────────────────────

	// ReputationUpdatesTotal counts reputation score updates, by direction.
	ReputationUpdatesTotal *prometheus.CounterVec

	// ─── Task engine ──────────────────────────────────────────────────────────

	// TasksSubmittedTotal counts tasks submitted locally.
	TasksSubmittedTotal prometheus.Counter

	// TasksCompletedTotal counts tasks reaching a terminal state, by status.
	TasksCompletedTotal *prometheus.CounterVec

	// TaskLatency records submit-to-terminal-state latency.
	TaskLatency prometheus.Histogram

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageOpLatency records storage backend operation latency, by op.
	StorageOpLatency *prometheus.HistogramVec

	// ─── Node ─────────────────────────────────────────────────────────────────

	// NodeUptimeSeconds is the number of seconds since the node started.
	NodeUptimeSeconds prometheus.Gauge

	// NodeStateTransitionsTotal counts lifecycle state transitions.
	NodeStateTransitionsTotal *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates and registers all node runtime Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "eventbus",
			Name:      "published_total",
			Help:      "Total events published to the event bus, by topic.",
		}, []string{"topic"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Total events dropped under backpressure, by reason.",
		}, []string{"reason"}),

		EventQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "p2pagent",
			Subsystem: "eventbus",
			Name:      "queue_depth",
			Help:      "Current depth of a priority tier's event queue.",
		}, []string{"tier"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "connections_active",
			Help:      "Current number of established peer connections.",
		}),

		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "handshakes_total",
			Help:      "Total handshakes attempted, by outcome.",
		}, []string{"outcome"}),

		HandshakeRejectionsPow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "handshake_rejections_pow",
			Help:      "Total inbound handshakes rejected for failing proof-of-work verification.",
		}),

		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "handshake_duration_seconds",
			Help:      "Handshake duration in seconds, inbound and outbound.",
			Buckets:   prometheus.DefBuckets,
		}),

		ConnectionErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "connection_errors_total",
			Help:      "Total dial, accept, and handshake failures.",
		}),

		MessagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "messages_sent_total",
			Help:      "Total envelopes written to a connection, by message type.",
		}, []string{"type"}),

		MessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "messages_received_total",
			Help:      "Total envelopes read from a connection, by message type.",
		}, []string{"type"}),

		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "p2pagent",
			Subsystem: "network",
			Name:      "message_size_bytes",
			Help:      "Envelope body size in bytes, sent and received.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pagent",
			Subsystem: "discovery",
			Name:      "peers_known",
			Help:      "Current number of peers in the local registry.",
		}),

		ReputationUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "reputation",
			Name:      "updates_total",
			Help:      "Total reputation score updates, by direction (increase, decrease).",
		}, []string{"direction"}),

		TasksSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "taskengine",
			Name:      "submitted_total",
			Help:      "Total tasks submitted locally.",
		}),

		TasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "taskengine",
			Name:      "completed_total",
			Help:      "Total tasks reaching a terminal state, by status.",
		}, []string{"status"}),

		TaskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "p2pagent",
			Subsystem: "taskengine",
			Name:      "latency_seconds",
			Help:      "Submit-to-terminal-state task latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "p2pagent",
			Subsystem: "storage",
			Name:      "op_latency_seconds",
			Help:      "Storage backend operation latency in seconds, by op.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pagent",
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the node started.",
		}),

		NodeStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pagent",
			Subsystem: "node",
			Name:      "state_transitions_total",
			Help:      "Total lifecycle state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),
	}

	reg.MustRegister(
		m.EventsPublishedTotal,
		m.EventsDroppedTotal,
		m.EventQueueDepth,
		m.ConnectionsActive,
		m.HandshakesTotal,
		m.HandshakeRejectionsPow,
		m.HandshakeDuration,
		m.ConnectionErrorsTotal,
		m.MessagesSentTotal,
		m.MessagesReceivedTotal,
		m.MessageSize,
		m.PeersKnown,
		m.ReputationUpdatesTotal,
		m.TasksSubmittedTotal,
		m.TasksCompletedTotal,
		m.TaskLatency,
		m.StorageOpLatency,
		m.NodeUptimeSeconds,
		m.NodeStateTransitionsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
