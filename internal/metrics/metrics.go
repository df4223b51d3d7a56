// Package metrics exposes marketplace and HTTP metrics to Prometheus.
package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const namespace = "nftmarket"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	events       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	withdrawnWei prometheus.Counter
	payoutFails  prometheus.Counter
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_committed_total",
			Help:      "Journaled marketplace events by type.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Rejected marketplace operations by operation and primary code.",
		}, []string{"op", "code"}),
		withdrawnWei: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawn_wei_total",
			Help:      "Wei paid out by successful withdrawals.",
		}),
		payoutFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_failed_total",
			Help:      "Withdrawals reverted because the transfer failed.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(
		m.events, m.rejections, m.withdrawnWei, m.payoutFails, m.requests, m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// EventCommitted counts a journaled event.
func (m *Metrics) EventCommitted(t domain.EventType) {
	m.events.WithLabelValues(string(t)).Inc()
}

// Rejected counts a failed operation under its primary code name.
func (m *Metrics) Rejected(op, code string) {
	m.rejections.WithLabelValues(op, code).Inc()
}

// Withdrawn adds a completed payout.
func (m *Metrics) Withdrawn(amount *big.Int) {
	if amount == nil {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	m.withdrawnWei.Add(f)
}

// PayoutFailed counts a reverted withdrawal.
func (m *Metrics) PayoutFailed() {
	m.payoutFails.Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

// RegisterLedger exports the ledger totals and journal position as gauges
// evaluated at scrape time.
func (m *Metrics) RegisterLedger(stats func() domain.LedgerStats, seq func() uint64) {
	gauge := func(name, help string, f func() float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      name,
			Help:      help,
		}, f)
	}
	wei := func(pick func(domain.LedgerStats) *big.Int) func() float64 {
		return func() float64 {
			f, _ := new(big.Float).SetInt(pick(stats())).Float64()
			return f
		}
	}
	m.reg.MustRegister(
		gauge("locked_wei", "Wei locked behind highest bids.", wei(func(s domain.LedgerStats) *big.Int { return s.Locked })),
		gauge("withdrawable_wei", "Wei credited and not yet withdrawn.", wei(func(s domain.LedgerStats) *big.Int { return s.Withdrawable })),
		gauge("balance_wei", "Total wei held by the marketplace.", wei(func(s domain.LedgerStats) *big.Int { return s.Balance() })),
		gauge("journal_seq", "Sequence number of the last committed event.", func() float64 { return float64(seq()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
