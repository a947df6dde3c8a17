// Package metrics exposes relay counters to prometheus and logs a periodic
// summary.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the relay collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessions        prometheus.Gauge
	logins          *prometheus.CounterVec
	messages        *prometheus.CounterVec
	mentions        prometheus.Counter
	droppedEvents   prometheus.Counter
	persistFailures *prometheus.CounterVec
	adminOps        *prometheus.CounterVec

	// Mirrors for the log reporter; prometheus counters are write-only.
	sessionCount  atomic.Int64
	messageCount  atomic.Uint64
	rejectedCount atomic.Uint64
	droppedCount  atomic.Uint64
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_sessions",
			Help: "Number of logged-in sessions.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_total",
			Help: "Inbound chat messages by result.",
		}, []string{"result"}),
		mentions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_mentions_total",
			Help: "Mention notices delivered.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_dropped_events_total",
			Help: "Outbound events dropped because a session buffer was full.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_persist_failures_total",
			Help: "Durable writes that failed, by document.",
		}, []string{"doc"}),
		adminOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_admin_ops_total",
			Help: "Admin control plane calls by operation and result.",
		}, []string{"op", "result"}),
	}
	m.registry.MustRegister(
		m.sessions,
		m.logins,
		m.messages,
		m.mentions,
		m.droppedEvents,
		m.persistFailures,
		m.adminOps,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetSessions records the number of logged-in sessions. Like every recorder
// it is a no-op on a nil *Metrics, so the relay can run without metrics.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
	m.sessionCount.Store(int64(n))
}

// Login counts one login attempt under result ("ok", "taken", "banned", ...).
func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

// Message counts one inbound chat message. Any result other than "accepted"
// counts as rejected in the log summary.
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
	if result == "accepted" {
		m.messageCount.Add(1)
	} else {
		m.rejectedCount.Add(1)
	}
}

// Mention counts one delivered at notice.
func (m *Metrics) Mention() {
	if m == nil {
		return
	}
	m.mentions.Inc()
}

// DroppedEvent counts one outbound event lost to a full session queue.
func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
	m.droppedCount.Add(1)
}

// PersistFailure counts one failed durable write of doc.
func (m *Metrics) PersistFailure(doc string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(doc).Inc()
}

// AdminOp counts one admin call by operation and result.
func (m *Metrics) AdminOp(op, result string) {
	if m == nil {
		return
	}
	m.adminOps.WithLabelValues(op, result).Inc()
}

// Snapshot is the reporter's view of the counters.
type Snapshot struct {
	Sessions int64
	Messages uint64
	Rejected uint64
	Dropped  uint64
}

// Snapshot returns the current mirrored counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Sessions: m.sessionCount.Load(),
		Messages: m.messageCount.Load(),
		Rejected: m.rejectedCount.Load(),
		Dropped:  m.droppedCount.Load(),
	}
}

// RunReporter logs relay stats every interval until ctx is canceled.
// Nothing is logged while the relay is idle.
func RunReporter(ctx context.Context, m *Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Snapshot()
			if s.Sessions == 0 && s == last {
				continue
			}
			slog.Info("relay stats",
				"sessions", s.Sessions,
				"messages", s.Messages-last.Messages,
				"rejected", s.Rejected-last.Rejected,
				"dropped", s.Dropped-last.Dropped,
			)
			last = s
		}
	}
}
