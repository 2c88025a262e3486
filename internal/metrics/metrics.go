package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the processor collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	rows         *prometheus.CounterVec
	lemurLatency prometheus.Histogram
	pauses       prometheus.Counter
	pauseSeconds prometheus.Counter
	jobs         *prometheus.CounterVec
	remaining    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lemur_csv_rows_total",
			Help: "Rows processed, by outcome.",
		}, []string{"outcome"}),
		lemurLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lemur_csv_request_duration_seconds",
			Help:    "Latency of LeMUR task requests.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lemur_csv_throttle_pauses_total",
			Help: "Pauses taken because the remaining LeMUR quota hit the threshold.",
		}),
		pauseSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lemur_csv_throttle_pause_seconds_total",
			Help: "Seconds spent paused for the LeMUR quota.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lemur_csv_jobs_total",
			Help: "Jobs finished, by final status.",
		}, []string{"status"}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lemur_csv_ratelimit_remaining",
			Help: "Last x-ratelimit-remaining value reported by LeMUR.",
		}),
	}

	m.registry.MustRegister(
		m.rows,
		m.lemurLatency,
		m.pauses,
		m.pauseSeconds,
		m.jobs,
		m.remaining,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// The observers below accept a nil receiver so callers without metrics can
// pass nothing.

func (m *Metrics) RowProcessed(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	m.rows.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LemurRequest(latency time.Duration) {
	if m == nil {
		return
	}
	m.lemurLatency.Observe(latency.Seconds())
}

func (m *Metrics) Paused(d time.Duration) {
	if m == nil {
		return
	}
	m.pauses.Inc()
	m.pauseSeconds.Add(d.Seconds())
}

func (m *Metrics) RemainingQuota(v int) {
	if m == nil {
		return
	}
	m.remaining.Set(float64(v))
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
