package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"leasing-telephony/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the service registry. Counters are updated inline by the
// hangup orchestrator; gauges come from the Collector at scrape time.
type Metrics struct {
	reg *prometheus.Registry

	hangupOutcomes *prometheus.CounterVec
	callDetails    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		hangupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telephony_hangup_outcomes_total",
			Help: "Hangup callbacks by how the after-call handling ended",
		}, []string{"outcome"}),
		callDetails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telephony_call_details_total",
			Help: "Provider call detail fetches by result",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.hangupOutcomes,
		m.callDetails,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) HangupOutcome(outcome string) {
	m.hangupOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CallDetailsResult(result string) {
	m.callDetails.WithLabelValues(result).Inc()
}

// Register adds a scrape-time collector to the registry.
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.reg.Register(c)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RetryBacklog lists retries waiting in the durable store.
type RetryBacklog interface {
	List(ctx context.Context) ([]scheduler.RetryTask, error)
}

// JobLister lists continuations waiting on in-process timers.
type JobLister interface {
	Pending() []scheduler.Job
}

// Collector is a prometheus.Collector that reports scheduler state at scrape time.
type Collector struct {
	retries   RetryBacklog
	jobs      JobLister
	startTime time.Time

	pendingRetriesDesc *prometheus.Desc
	oldestRetryDesc    *prometheus.Desc
	scheduledJobsDesc  *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(retries RetryBacklog, jobs JobLister, startTime time.Time) *Collector {
	return &Collector{
		retries:   retries,
		jobs:      jobs,
		startTime: startTime,

		pendingRetriesDesc: prometheus.NewDesc(
			"telephony_pending_retries",
			"After-call retries persisted and not yet run",
			[]string{"kind"}, nil,
		),
		oldestRetryDesc: prometheus.NewDesc(
			"telephony_oldest_retry_overdue_seconds",
			"How far past its run time the oldest persisted retry is (0 when none is overdue)",
			nil, nil,
		),
		scheduledJobsDesc: prometheus.NewDesc(
			"telephony_scheduled_jobs",
			"Continuations waiting on in-process timers",
			[]string{"name"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"telephony_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingRetriesDesc
	ch <- c.oldestRetryDesc
	ch <- c.scheduledJobsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.retries != nil {
		tasks, err := c.retries.List(ctx)
		if err != nil {
			slog.Error("metrics: failed to list pending retries", "err", err)
		} else {
			byKind := map[string]int{}
			overdue := 0.0
			now := time.Now()
			for _, t := range tasks {
				byKind[t.Kind]++
				if d := now.Sub(t.RunAt).Seconds(); d > overdue {
					overdue = d
				}
			}
			for kind, n := range byKind {
				ch <- prometheus.MustNewConstMetric(c.pendingRetriesDesc, prometheus.GaugeValue, float64(n), kind)
			}
			ch <- prometheus.MustNewConstMetric(c.oldestRetryDesc, prometheus.GaugeValue, overdue)
		}
	}

	if c.jobs != nil {
		byName := map[string]int{}
		for _, j := range c.jobs.Pending() {
			byName[j.Name]++
		}
		for name, n := range byName {
			ch <- prometheus.MustNewConstMetric(c.scheduledJobsDesc, prometheus.GaugeValue, float64(n), name)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
