// Package metrics exports orchestrator measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/service"
)

const namespace = "labflow"

// Collector implements workflow.Observer on a private registry.
type Collector struct {
	registry *prometheus.Registry

	plans           *prometheus.CounterVec
	planSteps       prometheus.Histogram
	attemptFailures *prometheus.CounterVec
	dispatchCalls   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	steps           *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	sequences       *prometheus.CounterVec
	connections     prometheus.Gauge
	turns           prometheus.Gauge
}

// NewCollector creates a collector and registers its metrics together with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Plans built, by source (model or heuristic).",
		}, []string{"source"}),
		planSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_steps",
			Help:      "Number of steps per built plan.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 12},
		}),
		attemptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_failures_total",
			Help:      "Failed attempts inside a retry budget, by site and whether the attempt timed out.",
		}, []string{"site", "timeout"}),
		dispatchCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_calls_total",
			Help:      "Calls to the atom service, by call and result.",
		}, []string{"call", "result"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_call_duration_seconds",
			Help:      "Latency of calls to the atom service.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"call"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts by atom and outcome.",
		}, []string{"atom", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempt_duration_seconds",
			Help:      "Duration of a step attempt including evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"atom"}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_turns_finished_total",
			Help:      "Turns that left a sequence in a terminal status.",
		}, []string{"status"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Open workflow stream connections.",
		}),
		turns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently running.",
		}),
	}
	c.registry.MustRegister(
		c.plans, c.planSteps, c.attemptFailures,
		c.dispatchCalls, c.dispatchLatency,
		c.steps, c.stepDuration, c.sequences,
		c.connections, c.turns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) PlanBuilt(heuristic bool, steps int) {
	source := "model"
	if heuristic {
		source = "heuristic"
	}
	c.plans.WithLabelValues(source).Inc()
	c.planSteps.Observe(float64(steps))
}

func (c *Collector) AttemptFailed(site string, timedOut bool) {
	timeout := "false"
	if timedOut {
		timeout = "true"
	}
	c.attemptFailures.WithLabelValues(site, timeout).Inc()
}

func (c *Collector) DispatchCall(call string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.dispatchCalls.WithLabelValues(call, result).Inc()
	c.dispatchLatency.WithLabelValues(call).Observe(d.Seconds())
}

func (c *Collector) StepFinished(atomID string, outcome core.StepOutcome, d time.Duration) {
	c.steps.WithLabelValues(atomID, string(outcome)).Inc()
	c.stepDuration.WithLabelValues(atomID).Observe(d.Seconds())
}

func (c *Collector) SequenceFinished(status core.SequenceStatus) {
	c.sequences.WithLabelValues(string(status)).Inc()
}

// ConnectionOpened and ConnectionClosed track the open connections gauge.
func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }

// TurnStarted and TurnFinished track turns in flight.
func (c *Collector) TurnStarted()  { c.turns.Inc() }
func (c *Collector) TurnFinished() { c.turns.Dec() }

// ThrottleSource reports the outbound call throttles.
type ThrottleSource interface {
	Status() []service.ThrottleStatus
}

// WatchThrottles exports the rate, free tokens and throttled replies of every
// throttle src has handed out, read at scrape time.
func (c *Collector) WatchThrottles(src ThrottleSource) {
	c.registry.MustRegister(&throttleCollector{
		src: src,
		rate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "throttle", "rate_per_second"),
			"Current call rate allowed to a collaborator.", []string{"collaborator"}, nil),
		tokens: prometheus.NewDesc(prometheus.BuildFQName(namespace, "throttle", "tokens"),
			"Calls a collaborator can take right now without waiting.", []string{"collaborator"}, nil),
		throttled: prometheus.NewDesc(prometheus.BuildFQName(namespace, "throttle", "throttled_total"),
			"429 replies received from a collaborator.", []string{"collaborator"}, nil),
	})
}

type throttleCollector struct {
	src       ThrottleSource
	rate      *prometheus.Desc
	tokens    *prometheus.Desc
	throttled *prometheus.Desc
}

func (t *throttleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.rate
	ch <- t.tokens
	ch <- t.throttled
}

func (t *throttleCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range t.src.Status() {
		ch <- prometheus.MustNewConstMetric(t.rate, prometheus.GaugeValue, st.RatePerSecond, st.Name)
		ch <- prometheus.MustNewConstMetric(t.tokens, prometheus.GaugeValue, st.Tokens, st.Name)
		ch <- prometheus.MustNewConstMetric(t.throttled, prometheus.CounterValue, float64(st.Throttled), st.Name)
	}
}
