// Package metrics exposes renewd's Prometheus instrumentation.
//
// A Collector implements scheduler.Recorder and notifier.AttemptObserver,
// so both can report into it without importing prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "renewd"

type Collector struct {
	reg *prometheus.Registry

	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	passRunning     prometheus.Gauge
	reminders       *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	normalized      prometheus.Counter
	remindersPruned prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New builds a Collector on its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Reminder passes by outcome (completed, aborted, canceled, coalesced)",
			},
			[]string{"outcome"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of reminder passes",
				Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
			},
		),
		passRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_running",
				Help:      "1 while a reminder pass is running",
			},
		),
		reminders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_total",
				Help:      "Due reminders by result (sent, skipped, failed_permanent, invalid, released)",
			},
			[]string{"result"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Transport delivery attempts by transport and class (ok, transient, permanent)",
			},
			[]string{"transport", "class"},
		),
		normalized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dates_normalized_total",
				Help:      "Stale billing dates rolled forward",
			},
		),
		remindersPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminders_pruned_total",
				Help:      "Reminder records deleted by retention",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Admin API requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Admin API request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.passes,
		c.passDuration,
		c.passRunning,
		c.reminders,
		c.attempts,
		c.normalized,
		c.remindersPruned,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collector) SetPassRunning(running bool) {
	if running {
		c.passRunning.Set(1)
		return
	}
	c.passRunning.Set(0)
}

func (c *Collector) ObservePass(outcome string, took time.Duration) {
	c.passes.WithLabelValues(outcome).Inc()
	if took > 0 {
		c.passDuration.Observe(took.Seconds())
	}
}

func (c *Collector) ObserveReminder(result string) { c.reminders.WithLabelValues(result).Inc() }

func (c *Collector) ObserveNormalized(n int) { c.normalized.Add(float64(n)) }

func (c *Collector) ObservePruned(n int) { c.remindersPruned.Add(float64(n)) }

func (c *Collector) ObserveAttempt(transport, outcome string) {
	c.attempts.WithLabelValues(transport, outcome).Inc()
}

func (c *Collector) ObserveHTTP(method, route string, status int, took time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Registry is exposed for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }
