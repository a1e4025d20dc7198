package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/keelplane/keel/pkg/partition"
)

// SchedulerConfig configures the scheduler daemon.
type SchedulerConfig struct {
	// WorkerID identifies this process as lease owner and roster member.
	WorkerID string `validate:"required"`

	// PollInterval is how long the daemon sleeps after a pass that did not
	// fill a whole batch.
	PollInterval time.Duration `validate:"gte=0"`

	// BatchSize is the maximum number of tasks claimed per pass.
	BatchSize int `validate:"gte=0"`

	// Concurrency is the number of tasks dispatched in parallel.
	Concurrency int `validate:"gte=0"`

	// LeaseDuration is how long a claim protects a task. A turn runs for at
	// most a quarter of it.
	LeaseDuration time.Duration `validate:"gte=0"`

	// StaleGrace admits tasks outside this worker's partition once they are
	// overdue by more than this duration. Zero disables it.
	StaleGrace time.Duration `validate:"gte=0"`

	// MaxStepsPerTurn bounds the steps of a single turn.
	MaxStepsPerTurn int `validate:"gte=0"`
}

// DefaultSchedulerConfig returns the default scheduler settings.
func DefaultSchedulerConfig(workerID string) SchedulerConfig {
	return SchedulerConfig{
		WorkerID:        workerID,
		PollInterval:    time.Second,
		BatchSize:       32,
		Concurrency:     8,
		LeaseDuration:   2 * time.Minute,
		StaleGrace:      2 * time.Minute,
		MaxStepsPerTurn: 64,
	}
}

// Scheduler is the polling daemon: it claims ready tasks in its partition and
// dispatches them on a bounded worker pool.
type Scheduler struct {
	store       Store
	dispatcher  *Dispatcher
	partitioner *partition.Partitioner
	cfg         SchedulerConfig
	clock       Clock
	logger      zerolog.Logger
	recorder    Recorder
}

// NewScheduler creates a scheduler. A nil partitioner claims from the whole id space.
func NewScheduler(store Store, registry *Registry, partitioner *partition.Partitioner, cfg SchedulerConfig, opts ...DispatcherOption) *Scheduler {
	def := DefaultSchedulerConfig(cfg.WorkerID)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.MaxStepsPerTurn <= 0 {
		cfg.MaxStepsPerTurn = def.MaxStepsPerTurn
	}

	d := NewDispatcher(store, registry, DispatcherConfig{
		RunBudget:       cfg.LeaseDuration / 4,
		MaxStepsPerTurn: cfg.MaxStepsPerTurn,
	}, opts...)

	return &Scheduler{
		store:       store,
		dispatcher:  d,
		partitioner: partitioner,
		cfg:         cfg,
		clock:       d.clock,
		logger:      d.base.With().Str("component", "scheduler").Str("worker", cfg.WorkerID).Logger(),
		recorder:    d.recorder,
	}
}

// Dispatcher returns the scheduler's dispatcher.
func (s *Scheduler) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Run polls until ctx is canceled, then leaves the roster.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("batch_size", s.cfg.BatchSize).
		Int("concurrency", s.cfg.Concurrency).
		Dur("lease", s.cfg.LeaseDuration).
		Msg("Scheduler started")

	for {
		n, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Scheduler pass failed")
		}

		if n < s.cfg.BatchSize || err != nil {
			if n == 0 {
				s.recorder.RecordIdlePass()
			}
			select {
			case <-ctx.Done():
				return s.shutdown(ctx)
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		if ctx.Err() != nil {
			return s.shutdown(ctx)
		}
	}
}

func (s *Scheduler) shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Scheduler stopping")
	if s.partitioner == nil {
		return nil
	}
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return s.partitioner.Leave(leaveCtx)
}

// RunOnce performs a single pass: refresh the partition, claim a batch and
// dispatch every claimed task. It returns the number of tasks claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	part := partition.Whole()
	if s.partitioner != nil {
		p, err := s.partitioner.Current(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("range", p.String()).Msg("Using previous partition")
		}
		part = p
	}
	s.recorder.RecordPartition(part.Index, part.Count)

	now := s.clock.Now()
	claimed, err := s.store.ClaimTasks(ctx, ClaimRequest{
		Owner:      s.cfg.WorkerID,
		Now:        now,
		LeaseFor:   s.cfg.LeaseDuration,
		Limit:      s.cfg.BatchSize,
		Partition:  &part,
		StaleAfter: s.cfg.StaleGrace,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim tasks: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	s.recorder.RecordTasksClaimed(len(claimed))

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, task := range claimed {
		g.Go(func() error {
			res := s.dispatcher.Run(ctx, task, s.cfg.WorkerID)
			s.logger.Debug().
				Str("task_id", task.ID.String()).
				Str("outcome", string(res.Outcome)).
				Int("steps", res.Steps).
				Msg("Turn finished")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(claimed), err
	}
	return len(claimed), nil
}
