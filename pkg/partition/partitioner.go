package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Roster tracks the set of live workers sharing the key space.
type Roster interface {
	// Heartbeat records that worker is alive at the given time.
	Heartbeat(ctx context.Context, worker string, at time.Time) error

	// Live returns the workers whose last heartbeat is at or after since.
	Live(ctx context.Context, since time.Time) ([]string, error)

	// Leave removes worker from the roster.
	Leave(ctx context.Context, worker string) error
}

// Config configures a Partitioner.
type Config struct {
	// WorkerID identifies this process in the roster.
	WorkerID string

	// Recheck is how often the roster is re-read. Defaults to 10s.
	Recheck time.Duration

	// Expiry is how long a worker stays in the roster without heartbeating.
	// Defaults to three recheck intervals.
	Expiry time.Duration
}

// Partitioner computes the partition this worker owns from the live roster.
type Partitioner struct {
	roster Roster
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	current   Partition
	workers   []string
	checkedAt time.Time
}

// NewPartitioner creates a partitioner for cfg.WorkerID.
func NewPartitioner(roster Roster, cfg Config, logger zerolog.Logger) *Partitioner {
	if cfg.Recheck <= 0 {
		cfg.Recheck = 10 * time.Second
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 3 * cfg.Recheck
	}
	return &Partitioner{
		roster:  roster,
		cfg:     cfg,
		logger:  logger.With().Str("component", "partitioner").Str("worker", cfg.WorkerID).Logger(),
		now:     time.Now,
		current: Whole(),
	}
}

// SetClock replaces the time source. Intended for tests.
func (p *Partitioner) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Current returns the partition owned by this worker, heartbeating and
// re-reading the roster when the recheck interval has elapsed.
func (p *Partitioner) Current(ctx context.Context) (Partition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.checkedAt.IsZero() && now.Sub(p.checkedAt) < p.cfg.Recheck {
		return p.current, nil
	}

	if err := p.roster.Heartbeat(ctx, p.cfg.WorkerID, now); err != nil {
		return p.current, fmt.Errorf("failed to heartbeat: %w", err)
	}
	workers, err := p.roster.Live(ctx, now.Add(-p.cfg.Expiry))
	if err != nil {
		return p.current, fmt.Errorf("failed to read roster: %w", err)
	}
	workers = append(workers, p.cfg.WorkerID)

	next, err := Assign(workers, p.cfg.WorkerID)
	if err != nil {
		return p.current, err
	}

	if next != p.current || p.checkedAt.IsZero() {
		p.logger.Info().
			Int("index", next.Index).
			Int("workers", next.Count).
			Str("range", next.String()).
			Msg("Repartitioning")
	}

	p.current = next
	p.workers = dedupe(workers)
	p.checkedAt = now
	return next, nil
}

// Workers returns the roster observed on the last recheck.
func (p *Partitioner) Workers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.workers...)
}

// Leave removes this worker from the roster so the others pick up its range
// on their next recheck.
func (p *Partitioner) Leave(ctx context.Context) error {
	if err := p.roster.Leave(ctx, p.cfg.WorkerID); err != nil {
		return fmt.Errorf("failed to leave roster: %w", err)
	}
	p.logger.Info().Msg("Left roster")
	return nil
}
