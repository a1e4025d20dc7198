package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/partition"
)

// ErrResourceNotFound is returned when a pulse is recorded for an unregistered resource.
var ErrResourceNotFound = errors.New("monitored resource not found")

// Pulse is the liveness record of one monitored resource.
type Pulse struct {
	ResourceID  uuid.UUID     `json:"resource_id"`
	Name        string        `json:"name" validate:"required"`
	Interval    time.Duration `json:"interval" validate:"gt=0"`
	LastPulseAt *time.Time    `json:"last_pulse_at,omitempty"`
	Count       int64         `json:"count"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Missing reports whether the resource has not pulsed within its interval plus grace.
func (p *Pulse) Missing(now time.Time, grace time.Duration) bool {
	last := p.CreatedAt
	if p.LastPulseAt != nil {
		last = *p.LastPulseAt
	}
	return now.Sub(last) > p.Interval+grace
}

// Page is an operational alert raised by the monitor.
type Page struct {
	ID         uuid.UUID      `json:"id"`
	Tag        string         `json:"tag"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Open reports whether the page is unresolved.
func (p *Page) Open() bool {
	return p.ResolvedAt == nil
}

// Store persists pulses and pages.
type Store interface {
	// RegisterPulse creates or updates the pulse record of a resource.
	RegisterPulse(ctx context.Context, p *Pulse) error

	// RecordPulse stamps a heartbeat. Returns ErrResourceNotFound for unknown resources.
	RecordPulse(ctx context.Context, resourceID uuid.UUID, at time.Time) error

	// ListPulses returns the pulses whose resource id falls into part.
	ListPulses(ctx context.Context, part partition.Partition) ([]*Pulse, error)

	// OpenPage inserts page unless an open page with the same tag exists.
	// It reports whether a new page was created.
	OpenPage(ctx context.Context, page *Page) (bool, error)

	// ResolvePage resolves the open page with tag and reports whether one existed.
	ResolvePage(ctx context.Context, tag string, at time.Time) (bool, error)

	// ListPages returns pages, newest first.
	ListPages(ctx context.Context, openOnly bool) ([]*Page, error)

	// PulseStats returns the number of registered resources and the total
	// pulses received across all of them.
	PulseStats(ctx context.Context) (resources, pulses int64, err error)
}
