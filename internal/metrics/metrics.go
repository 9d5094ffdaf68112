// Package metrics exposes the Prometheus instruments of the daily
// pipeline. Everything hangs off a Registry so tests can inspect a
// private registerer instead of the process-global one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all pipeline metrics.
type Registry struct {
	RunDuration  prometheus.Histogram
	RunsTotal    *prometheus.CounterVec
	Decisions    *prometheus.CounterVec
	Anomalies    *prometheus.CounterVec
	FetchErrors  prometheus.Counter
	QuoteBatches *prometheus.CounterVec
	Positions    *prometheus.GaugeVec
	Deliveries   *prometheus.CounterVec
}

// NewRegistry builds and registers the instrument set. A nil
// registerer falls back to the default process registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "psmwatch_run_duration_seconds",
			Help:    "Wall-clock duration of one daily run",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psmwatch_runs_total",
			Help: "Daily runs by terminal status",
		}, []string{"status"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psmwatch_decisions_total",
			Help: "Decisions emitted by action and reason code",
		}, []string{"action", "reason"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psmwatch_anomalies_total",
			Help: "Anomaly events by code and severity",
		}, []string{"code", "severity"}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "psmwatch_fetch_errors_total",
			Help: "Symbols whose market data fetch failed",
		}),
		QuoteBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psmwatch_quote_batches_total",
			Help: "Quote feed batch requests by result",
		}, []string{"result"}),
		Positions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "psmwatch_positions",
			Help: "Tracked positions by mode",
		}, []string{"mode"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psmwatch_telegram_deliveries_total",
			Help: "Telegram delivery attempts by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		r.RunDuration,
		r.RunsTotal,
		r.Decisions,
		r.Anomalies,
		r.FetchErrors,
		r.QuoteBatches,
		r.Positions,
		r.Deliveries,
	)
	return r
}

// ObserveRun records the run duration and terminal status in one call.
func (r *Registry) ObserveRun(start time.Time, status string) {
	if r == nil {
		return
	}
	r.RunDuration.Observe(time.Since(start).Seconds())
	r.RunsTotal.WithLabelValues(status).Inc()
}

// RecordDecision tags one emitted decision.
func (r *Registry) RecordDecision(action, reason string) {
	if r == nil {
		return
	}
	r.Decisions.WithLabelValues(action, reason).Inc()
}

// RecordAnomaly tags one anomaly event.
func (r *Registry) RecordAnomaly(code, severity string) {
	if r == nil {
		return
	}
	r.Anomalies.WithLabelValues(code, severity).Inc()
}

// RecordFetchError counts one symbol whose data fetch failed.
func (r *Registry) RecordFetchError() {
	if r == nil {
		return
	}
	r.FetchErrors.Inc()
}

// RecordDelivery counts one notification outcome: sent, skipped, failed.
func (r *Registry) RecordDelivery(outcome string) {
	if r == nil {
		return
	}
	r.Deliveries.WithLabelValues(outcome).Inc()
}

// SetPositions publishes the per-mode position gauge.
func (r *Registry) SetPositions(mode string, count int) {
	if r == nil {
		return
	}
	r.Positions.WithLabelValues(mode).Set(float64(count))
}
