package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the scheduler and monitor daemons.
// It satisfies engine.Recorder and monitor.Recorder.
type Metrics struct {
	config MetricsConfig

	// Step metrics
	stepsExecuted     *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	stepFailures      *prometheus.CounterVec
	deadlinesExceeded *prometheus.CounterVec

	// Scheduler metrics
	tasksClaimed   prometheus.Counter
	idlePasses     prometheus.Counter
	partitionIndex prometheus.Gauge
	partitionCount prometheus.Gauge
	tasksByState   *prometheus.GaugeVec

	// Monitor metrics
	pulseResources prometheus.Gauge
	pulsesTotal    prometheus.Gauge
	pulsesMissing  *prometheus.GaugeVec
	pagesOpened    prometheus.Counter
	pagesResolved  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics: every Record* method returns early.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.StepBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed, by resulting directive",
			},
			[]string{"program", "step", "directive"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution including its commit",
				Buckets:   buckets,
			},
			[]string{"program", "step"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Total number of failed steps by error class",
			},
			[]string{"program", "step", "class"},
		),
		deadlinesExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deadlines_exceeded_total",
				Help:      "Total number of steps that found their task past its deadline",
			},
			[]string{"program"},
		),

		tasksClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_claimed_total",
				Help:      "Total number of task leases acquired",
			},
		),
		idlePasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_idle_passes_total",
				Help:      "Total number of scheduler passes that claimed nothing",
			},
		),
		partitionIndex: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "partition_index",
				Help:      "Index of the partition owned by this worker",
			},
		),
		partitionCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "partition_workers",
				Help:      "Number of live workers sharing the id space",
			},
		),
		tasksByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Current number of tasks by lifecycle state",
			},
			[]string{"state"},
		),

		pulseResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pulse_resources",
				Help:      "Number of resources with a registered pulse",
			},
		),
		pulsesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pulses",
				Help:      "Total pulses received across all resources",
			},
		),
		pulsesMissing: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pulses_missing",
				Help:      "Resources whose pulse is overdue, by the monitor partition that scanned them",
			},
			[]string{"partition"},
		),
		pagesOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_opened_total",
				Help:      "Total number of pages raised",
			},
		),
		pagesResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_resolved_total",
				Help:      "Total number of pages resolved",
			},
		),
	}

	registry.MustRegister(
		m.stepsExecuted,
		m.stepDuration,
		m.stepFailures,
		m.deadlinesExceeded,
		m.tasksClaimed,
		m.idlePasses,
		m.partitionIndex,
		m.partitionCount,
		m.tasksByState,
		m.pulseResources,
		m.pulsesTotal,
		m.pulsesMissing,
		m.pagesOpened,
		m.pagesResolved,
	)

	return m, nil
}

// Step Metrics

// RecordStep records a successfully committed step.
func (m *Metrics) RecordStep(program, step, directive string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(program, step, directive).Inc()
	m.stepDuration.WithLabelValues(program, step).Observe(duration.Seconds())
}

// RecordStepFailure records a step that was rolled back.
func (m *Metrics) RecordStepFailure(program, step, class string) {
	if m.stepFailures == nil {
		return
	}
	m.stepFailures.WithLabelValues(program, step, class).Inc()
}

// RecordDeadlineExceeded records a missed deadline.
func (m *Metrics) RecordDeadlineExceeded(program string) {
	if m.deadlinesExceeded == nil {
		return
	}
	m.deadlinesExceeded.WithLabelValues(program).Inc()
}

// Scheduler Metrics

// RecordTasksClaimed adds count acquired leases.
func (m *Metrics) RecordTasksClaimed(count int) {
	if m.tasksClaimed == nil {
		return
	}
	m.tasksClaimed.Add(float64(count))
}

// RecordIdlePass counts a scheduler pass that found no work.
func (m *Metrics) RecordIdlePass() {
	if m.idlePasses == nil {
		return
	}
	m.idlePasses.Inc()
}

// RecordPartition publishes the current partition assignment.
func (m *Metrics) RecordPartition(index, count int) {
	if m.partitionIndex == nil {
		return
	}
	m.partitionIndex.Set(float64(index))
	m.partitionCount.Set(float64(count))
}

// SetTaskCount sets the number of tasks in a lifecycle state.
func (m *Metrics) SetTaskCount(state string, count int64) {
	if m.tasksByState == nil {
		return
	}
	m.tasksByState.WithLabelValues(state).Set(float64(count))
}

// Monitor Metrics

// SetPulseStats publishes the cluster-wide pulse gauges.
func (m *Metrics) SetPulseStats(resources, pulses int64) {
	if m.pulseResources == nil {
		return
	}
	m.pulseResources.Set(float64(resources))
	m.pulsesTotal.Set(float64(pulses))
}

// SetPartitionMissing publishes the overdue count found by one monitor's last scan.
func (m *Metrics) SetPartitionMissing(partition string, missing int64) {
	if m.pulsesMissing == nil {
		return
	}
	m.pulsesMissing.WithLabelValues(partition).Set(float64(missing))
}

// RecordPageOpened counts a raised page.
func (m *Metrics) RecordPageOpened() {
	if m.pagesOpened == nil {
		return
	}
	m.pagesOpened.Inc()
}

// RecordPageResolved counts a resolved page.
func (m *Metrics) RecordPageResolved() {
	if m.pagesResolved == nil {
		return
	}
	m.pagesResolved.Inc()
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return server
}
