// Package metrics exports queue activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aatumaykin/nexq/internal/janitor"
	"github.com/aatumaykin/nexq/internal/job"
	"github.com/aatumaykin/nexq/internal/scheduler"
	"github.com/aatumaykin/nexq/internal/workers"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "nexq"

var (
	_ workers.Recorder   = (*PrometheusMetrics)(nil)
	_ scheduler.Recorder = (*PrometheusMetrics)(nil)
	_ janitor.Recorder   = (*PrometheusMetrics)(nil)
)

// PrometheusMetrics records worker, scheduler and janitor events.
type PrometheusMetrics struct {
	registry         prometheus.Registerer
	jobsClaimed      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsRetried      *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	slotsBusy        *prometheus.GaugeVec
	schedulesFired   *prometheus.CounterVec
	scheduleRaceLost *prometheus.CounterVec
	janitorJobs      *prometheus.CounterVec
}

// InitPrometheusMetrics creates the collectors and registers them with reg
// (the default registerer when nil).
func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &PrometheusMetrics{
		registry: reg,
		jobsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_claimed_total",
				Help:      "Jobs claimed by worker slots",
			},
			[]string{"queue", "type"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Jobs that completed successfully",
			},
			[]string{"queue", "type"},
		),
		jobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_attempts_failed_total",
				Help:      "Failed execution attempts by failure kind",
			},
			[]string{"queue", "type", "kind"},
		),
		jobsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_retried_total",
				Help:      "Failed attempts that were scheduled for retry",
			},
			[]string{"queue", "type"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Handler execution time",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"queue", "type", "outcome"},
		),
		slotsBusy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_slots_busy",
				Help:      "Worker slots currently executing a job",
			},
			[]string{"queue"},
		),
		schedulesFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_fires_total",
				Help:      "Jobs created from recurring schedules",
			},
			[]string{"schedule"},
		),
		scheduleRaceLost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_races_lost_total",
				Help:      "Schedule triggers already fired by another scheduler",
			},
			[]string{"schedule"},
		),
		janitorJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "janitor_jobs_total",
				Help:      "Jobs touched by maintenance runs",
			},
			[]string{"action"},
		),
	}

	reg.MustRegister(
		m.jobsClaimed,
		m.jobsCompleted,
		m.jobsFailed,
		m.jobsRetried,
		m.jobDuration,
		m.slotsBusy,
		m.schedulesFired,
		m.scheduleRaceLost,
		m.janitorJobs,
	)

	return m
}

func (m *PrometheusMetrics) JobClaimed(queue, typ string) {
	m.jobsClaimed.WithLabelValues(queue, typ).Inc()
}

func (m *PrometheusMetrics) JobCompleted(queue, typ string, d time.Duration) {
	m.jobsCompleted.WithLabelValues(queue, typ).Inc()
	m.jobDuration.WithLabelValues(queue, typ, string(job.OutcomeSucceeded)).Observe(d.Seconds())
}

func (m *PrometheusMetrics) JobFailed(queue, typ string, kind job.FailureKind, retried bool, d time.Duration) {
	m.jobsFailed.WithLabelValues(queue, typ, string(kind)).Inc()
	if retried {
		m.jobsRetried.WithLabelValues(queue, typ).Inc()
	}
	m.jobDuration.WithLabelValues(queue, typ, string(job.OutcomeFailed)).Observe(d.Seconds())
}

func (m *PrometheusMetrics) SlotBusy(queue string, delta int) {
	m.slotsBusy.WithLabelValues(queue).Add(float64(delta))
}

func (m *PrometheusMetrics) ScheduleFired(name string) {
	m.schedulesFired.WithLabelValues(name).Inc()
}

func (m *PrometheusMetrics) ScheduleRaceLost(name string) {
	m.scheduleRaceLost.WithLabelValues(name).Inc()
}

func (m *PrometheusMetrics) JanitorRun(s janitor.Stats) {
	m.janitorJobs.WithLabelValues("promoted").Add(float64(s.Promoted))
	m.janitorJobs.WithLabelValues("abandoned").Add(float64(s.Abandoned))
	m.janitorJobs.WithLabelValues("purged").Add(float64(s.Purged))
}

// StatsSource is the read side used by StatsCollector.
type StatsSource interface {
	Stats(ctx context.Context, now time.Time) (job.Stats, error)
}

// StatsCollector exports the stats projection as gauges, queried on scrape.
type StatsCollector struct {
	source  StatsSource
	timeout time.Duration
	jobs    *prometheus.Desc
	avg     *prometheus.Desc
	up      *prometheus.Desc
}

// NewStatsCollector creates a collector over source. Register it with the
// same registry that serves /metrics.
func NewStatsCollector(namespace string, source StatsSource, timeout time.Duration) *StatsCollector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatsCollector{
		source:  source,
		timeout: timeout,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs by queue and status",
			[]string{"queue", "status"}, nil),
		avg: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "job_average_duration_seconds"),
			"Average duration of completed jobs by type",
			[]string{"type"}, nil),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "store_up"),
			"Whether the last stats query succeeded",
			nil, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.avg
	ch <- c.up
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.Stats(ctx, time.Now().UTC())
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	for _, cnt := range stats.ByQueue {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(cnt.Count), cnt.Key, string(cnt.Status))
	}
	for _, d := range stats.Durations {
		ch <- prometheus.MustNewConstMetric(c.avg, prometheus.GaugeValue, d.Average.Seconds(), d.Type)
	}
}
