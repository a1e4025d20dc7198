package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelplane/keel/pkg/partition"
)

// Recorder receives the monitor's metrics.
type Recorder interface {
	SetPulseStats(resources, pulses int64)
	SetPartitionMissing(partition string, missing int64)
	RecordPageOpened()
	RecordPageResolved()
}

type nopRecorder struct{}

func (nopRecorder) SetPulseStats(int64, int64)        {}
func (nopRecorder) SetPartitionMissing(string, int64) {}
func (nopRecorder) RecordPageOpened()                 {}
func (nopRecorder) RecordPageResolved()               {}

// Tracer starts the span of one scan.
type Tracer interface {
	StartScanSpan(ctx context.Context, worker string) (context.Context, trace.Span)
}

type nopTracer struct{}

func (nopTracer) StartScanSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Config configures the monitor daemon.
type Config struct {
	// WorkerID identifies this monitor in its roster.
	WorkerID string `validate:"required"`

	// ScanInterval is how often the partition is scanned for missing pulses.
	ScanInterval time.Duration `validate:"gte=0"`

	// Grace is added to every resource's interval before a pulse counts as missing.
	Grace time.Duration `validate:"gte=0"`

	// MetricsSchedule is the cron spec of the metrics export.
	MetricsSchedule string
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:        workerID,
		ScanInterval:    15 * time.Second,
		Grace:           30 * time.Second,
		MetricsSchedule: "@every 1m",
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithTracer sets the tracer that spans every scan.
func WithTracer(t Tracer) Option {
	return func(m *Monitor) { m.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// ScanResult summarizes one scan of the partition.
type ScanResult struct {
	Checked  int
	Missing  int
	Opened   int
	Resolved int
}

// Monitor watches resource pulses inside its partition and pages on silence.
type Monitor struct {
	store       Store
	partitioner *partition.Partitioner
	cfg         Config
	validate    *validator.Validate
	recorder    Recorder
	tracer      Tracer
	logger      zerolog.Logger
	now         func() time.Time

	missing atomic.Int64
}

// New creates a monitor. A nil partitioner scans the whole id space.
func New(store Store, partitioner *partition.Partitioner, cfg Config, opts ...Option) (*Monitor, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}

	def := DefaultConfig(cfg.WorkerID)
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.MetricsSchedule == "" {
		cfg.MetricsSchedule = def.MetricsSchedule
	}

	m := &Monitor{
		store:       store,
		partitioner: partitioner,
		cfg:         cfg,
		validate:    v,
		recorder:    nopRecorder{},
		tracer:      nopTracer{},
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "monitor").Str("worker", cfg.WorkerID).Logger()
	return m, nil
}

// Register starts monitoring resourceID, which is expected to pulse every interval.
func (m *Monitor) Register(ctx context.Context, resourceID uuid.UUID, name string, interval time.Duration) error {
	p := &Pulse{
		ResourceID: resourceID,
		Name:       name,
		Interval:   interval,
		CreatedAt:  m.now(),
	}
	if err := m.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid pulse: %w", err)
	}
	if err := m.store.RegisterPulse(ctx, p); err != nil {
		return err
	}

	m.logger.Info().
		Str("resource_id", resourceID.String()).
		Str("name", name).
		Dur("interval", interval).
		Msg("Registered pulse")
	return nil
}

// Beat records a pulse from resourceID.
func (m *Monitor) Beat(ctx context.Context, resourceID uuid.UUID) error {
	return m.store.RecordPulse(ctx, resourceID, m.now())
}

// PageTag returns the deduplication tag of the page raised for a silent resource.
func PageTag(resourceID uuid.UUID) string {
	return "pulse:" + resourceID.String()
}

// Scan checks every resource in this monitor's partition, opening a page for
// each silent one and resolving the page of each that pulses again.
func (m *Monitor) Scan(ctx context.Context) (res ScanResult, err error) {
	ctx, span := m.tracer.StartScanSpan(ctx, m.cfg.WorkerID)
	defer func() {
		span.SetAttributes(
			attribute.Int("pulses.checked", res.Checked),
			attribute.Int("pulses.missing", res.Missing),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	part := partition.Whole()
	if m.partitioner != nil {
		p, err := m.partitioner.Current(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("range", p.String()).Msg("Using previous partition")
		}
		part = p
	}

	pulses, err := m.store.ListPulses(ctx, part)
	if err != nil {
		return res, fmt.Errorf("failed to list pulses: %w", err)
	}

	now := m.now()
	for _, p := range pulses {
		res.Checked++
		tag := PageTag(p.ResourceID)

		if !p.Missing(now, m.cfg.Grace) {
			resolved, err := m.store.ResolvePage(ctx, tag, now)
			if err != nil {
				return res, fmt.Errorf("failed to resolve page %s: %w", tag, err)
			}
			if resolved {
				res.Resolved++
				m.recorder.RecordPageResolved()
				m.logger.Info().Str("tag", tag).Str("name", p.Name).Msg("Pulse resumed, page resolved")
			}
			continue
		}

		res.Missing++
		details := map[string]any{
			"resource_id": p.ResourceID.String(),
			"name":        p.Name,
			"interval":    p.Interval.String(),
			"pulses":      p.Count,
		}
		if p.LastPulseAt != nil {
			details["last_pulse_at"] = p.LastPulseAt.Format(time.RFC3339)
		}

		opened, err := m.store.OpenPage(ctx, &Page{
			ID:        uuid.New(),
			Tag:       tag,
			Summary:   fmt.Sprintf("%s has not pulsed in %s", p.Name, p.Interval+m.cfg.Grace),
			Details:   details,
			CreatedAt: now,
		})
		if err != nil {
			return res, fmt.Errorf("failed to open page %s: %w", tag, err)
		}
		if opened {
			res.Opened++
			m.recorder.RecordPageOpened()
			m.logger.Warn().Str("tag", tag).Str("name", p.Name).Msg("Pulse missing, page opened")
		}
	}

	m.missing.Store(int64(res.Missing))
	return res, nil
}

// ExportMetrics publishes aggregate pulse metrics and logs them.
func (m *Monitor) ExportMetrics(ctx context.Context) error {
	resources, pulses, err := m.store.PulseStats(ctx)
	if err != nil {
		return err
	}
	missing := m.missing.Load()

	m.recorder.SetPulseStats(resources, pulses)
	m.recorder.SetPartitionMissing(m.cfg.WorkerID, missing)
	m.logger.Info().
		Int64("resources", resources).
		Int64("pulses", pulses).
		Int64("partition_missing", missing).
		Msg("Monitor metrics")
	return nil
}

// Run scans on every ScanInterval and exports metrics on MetricsSchedule
// until ctx is canceled, then leaves the roster.
func (m *Monitor) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.MetricsSchedule, func() {
		if err := m.ExportMetrics(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("Failed to export monitor metrics")
		}
	}); err != nil {
		return fmt.Errorf("invalid metrics schedule %q: %w", m.cfg.MetricsSchedule, err)
	}
	c.Start()
	defer c.Stop()

	m.logger.Info().
		Dur("scan_interval", m.cfg.ScanInterval).
		Dur("grace", m.cfg.Grace).
		Str("metrics_schedule", m.cfg.MetricsSchedule).
		Msg("Monitor started")

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if res, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("Monitor scan failed")
		} else if res.Opened > 0 || res.Resolved > 0 {
			m.logger.Debug().
				Int("checked", res.Checked).
				Int("missing", res.Missing).
				Int("opened", res.Opened).
				Int("resolved", res.Resolved).
				Msg("Scan finished")
		}

		select {
		case <-ctx.Done():
			return m.leave(ctx)
		case <-ticker.C:
		}
	}
}

func (m *Monitor) leave(ctx context.Context) error {
	m.logger.Info().Msg("Monitor stopping")
	if m.partitioner == nil {
		return nil
	}
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return m.partitioner.Leave(leaveCtx)
}
