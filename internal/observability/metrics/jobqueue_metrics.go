package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	JobOutcomeSucceeded  = "succeeded"
	JobOutcomeRetried    = "retried"
	JobOutcomeDead       = "dead"
	JobOutcomeSuperseded = "superseded"
)

// JobQueueMetrics tracks delivery of delayed jobs per kind.
type JobQueueMetrics struct {
	claimed     *prometheus.CounterVec
	completed   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	pickupDelay *prometheus.HistogramVec
}

var (
	jobQueueMetricsOnce sync.Once
	jobQueueMetrics     *JobQueueMetrics
)

func JobQueue() *JobQueueMetrics {
	return JobQueueWithConfig(Config{})
}

func JobQueueWithConfig(cfg Config) *JobQueueMetrics {
	jobQueueMetricsOnce.Do(func() {
		jobQueueMetrics = NewJobQueueMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return jobQueueMetrics
}

// ResetJobQueueMetricsForTest resets the job queue metrics singleton for tests.
func ResetJobQueueMetricsForTest() {
	jobQueueMetricsOnce = sync.Once{}
	jobQueueMetrics = nil
}

func NewJobQueueMetrics(registerer prometheus.Registerer, cfg Config) *JobQueueMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recon_jobqueue_claimed_total",
		Help:        "Jobs leased by a worker.",
		ConstLabels: labels,
	}, []string{"kind"})
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recon_jobqueue_completed_total",
		Help:        "Job executions by outcome.",
		ConstLabels: labels,
	}, []string{"kind", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "recon_jobqueue_handler_duration_seconds",
		Help:        "Handler latency per job kind.",
		Buckets:     []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: labels,
	}, []string{"kind"})
	pickupDelay := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "recon_jobqueue_pickup_delay_seconds",
		Help:        "Delay between a job's run_at and its claim.",
		Buckets:     []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600},
		ConstLabels: labels,
	}, []string{"kind"})

	registerer.MustRegister(claimed, completed, duration, pickupDelay)

	return &JobQueueMetrics{
		claimed:     claimed,
		completed:   completed,
		duration:    duration,
		pickupDelay: pickupDelay,
	}
}

func (m *JobQueueMetrics) ObserveClaim(kind string, delay time.Duration) {
	if m == nil {
		return
	}
	if delay < 0 {
		delay = 0
	}
	m.claimed.WithLabelValues(kind).Inc()
	m.pickupDelay.WithLabelValues(kind).Observe(delay.Seconds())
}

func (m *JobQueueMetrics) ObserveCompletion(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Completed returns the counter for assertions in tests.
func (m *JobQueueMetrics) Completed(kind, outcome string) prometheus.Counter {
	return m.completed.WithLabelValues(kind, outcome)
}
