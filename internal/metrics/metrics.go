// Package metrics exposes grouptip's Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grouptip"

// Metrics holds every collector grouptip records. All methods are safe on a
// nil receiver so components can run without metrics in tests.
type Metrics struct {
	poolsCreated       *prometheus.CounterVec
	claims             *prometheus.CounterVec
	finalizations      *prometheus.CounterVec
	settlementLatency  *prometheus.HistogramVec
	settlementFailures prometheus.Counter
	sweeps             *prometheus.CounterVec
	timers             prometheus.Gauge
	ledgerEntries      *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
}

var (
	registryOnce sync.Once
	registry     *Metrics
)

// Default returns the lazily-initialised process-wide registry, registered with
// the default Prometheus registerer.
func Default() *Metrics {
	registryOnce.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New builds a fresh set of collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pools",
			Name:      "created_total",
			Help:      "Pools created, segmented by token.",
		}, []string{"token"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claims",
			Name:      "registrations_total",
			Help:      "Claim registration attempts segmented by result.",
		}, []string{"result"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "finalizations_total",
			Help:      "Settlement attempts segmented by outcome.",
		}, []string{"outcome"}),
		settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Latency of settlement transactions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		settlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "failures_total",
			Help:      "Settlement transactions rolled back after an error.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Expiry sweep runs segmented by result.",
		}, []string{"result"}),
		timers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "armed_timers",
			Help:      "Expiry timers currently armed in this process.",
		}),
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries written, segmented by entry type.",
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Settlement notification deliveries segmented by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests segmented by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for HTTP API handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.poolsCreated,
			m.claims,
			m.finalizations,
			m.settlementLatency,
			m.settlementFailures,
			m.sweeps,
			m.timers,
			m.ledgerEntries,
			m.notifications,
			m.httpRequests,
			m.httpLatency,
		)
	}
	return m
}

// PoolCreated counts a new pool.
func (m *Metrics) PoolCreated(token string) {
	if m == nil {
		return
	}
	m.poolsCreated.WithLabelValues(label(token)).Inc()
}

// ClaimResult counts a registration attempt. Results should be stable strings
// such as "accepted" or "already_claimed".
func (m *Metrics) ClaimResult(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(label(result)).Inc()
}

// ObserveSettlement records a settlement attempt and how long it took.
func (m *Metrics) ObserveSettlement(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome = label(outcome)
	m.finalizations.WithLabelValues(outcome).Inc()
	m.settlementLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SettlementFailed counts a rolled-back settlement.
func (m *Metrics) SettlementFailed() {
	if m == nil {
		return
	}
	m.settlementFailures.Inc()
}

// SweepRun counts a sweep pass.
func (m *Metrics) SweepRun(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(label(result)).Inc()
}

// SetArmedTimers reports the number of live expiry timers.
func (m *Metrics) SetArmedTimers(n int) {
	if m == nil {
		return
	}
	m.timers.Set(float64(n))
}

// LedgerEntry counts a written ledger entry.
func (m *Metrics) LedgerEntry(entryType string) {
	if m == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(label(entryType)).Inc()
}

// Notification counts a delivery attempt.
func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(label(result)).Inc()
}

// ObserveHTTP records an API request.
func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
