// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "amqprpc"

// Outcomes recorded against calls and dispatched requests.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
	outcomeClosed  = "closed"
)

// Collector is a prometheus.Collector that collects metrics about rpc
// clients and workers. A nil *Collector records nothing.
type Collector struct {
	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	pendingCalls  *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	jobs          *prometheus.GaugeVec
	queuedReplies *prometheus.GaugeVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "calls_total",
				Help:      "The number of settled calls, by service and outcome.",
			}, []string{"service", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "call_duration_seconds",
				Help:      "The time from publishing a call to receiving its reply.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			}, []string{"service"},
		),
		pendingCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "pending_calls",
				Help:      "The number of calls awaiting a reply.",
			}, []string{"service"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "requests_total",
				Help:      "The number of requests answered, by service, procedure and outcome.",
			}, []string{"service", "procedure", "outcome"},
		),
		jobs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "jobs",
				Help:      "The number of asynchronous procedures running.",
			}, []string{"service"},
		),
		queuedReplies: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "worker",
				Name:      "queued_replies",
				Help:      "The number of replies waiting to be published.",
			}, []string{"service"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.calls.Describe(ch)
	c.callDuration.Describe(ch)
	c.pendingCalls.Describe(ch)
	c.requests.Describe(ch)
	c.jobs.Describe(ch)
	c.queuedReplies.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.calls.Collect(ch)
	c.callDuration.Collect(ch)
	c.pendingCalls.Collect(ch)
	c.requests.Collect(ch)
	c.jobs.Collect(ch)
	c.queuedReplies.Collect(ch)
}

func (c *Collector) callSettled(service, outcome string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(service, outcome).Inc()
}

func (c *Collector) replyReceived(service string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.callDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

func (c *Collector) setPending(service string, n int) {
	if c == nil {
		return
	}
	c.pendingCalls.WithLabelValues(service).Set(float64(n))
}

func (c *Collector) requestAnswered(service, procedure, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(service, procedure, outcome).Inc()
}

func (c *Collector) setJobs(service string, n int) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(service).Set(float64(n))
}

func (c *Collector) setQueuedReplies(service string, n int) {
	if c == nil {
		return
	}
	c.queuedReplies.WithLabelValues(service).Set(float64(n))
}
