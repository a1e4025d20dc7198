package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/monitor"
	"github.com/keelplane/keel/pkg/partition"
)

// RegisterPulse creates or updates the pulse record of a resource.
func (s *SQLiteStore) RegisterPulse(ctx context.Context, p *monitor.Pulse) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO pulses (resource_id, name, interval_ms, last_pulse_at, pulse_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE
		SET name = excluded.name, interval_ms = excluded.interval_ms
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ResourceID.String(),
		p.Name,
		p.Interval.Milliseconds(),
		nullMillis(p.LastPulseAt),
		p.Count,
		toMillis(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to register pulse: %w", err)
	}
	return nil
}

// RecordPulse stamps a heartbeat for a registered resource.
func (s *SQLiteStore) RecordPulse(ctx context.Context, resourceID uuid.UUID, at time.Time) error {
	query := `
		UPDATE pulses
		SET last_pulse_at = ?, pulse_count = pulse_count + 1
		WHERE resource_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, toMillis(at), resourceID.String())
	if err != nil {
		return fmt.Errorf("failed to record pulse: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", monitor.ErrResourceNotFound, resourceID)
	}
	return nil
}

// ListPulses returns the pulses of resources inside part.
func (s *SQLiteStore) ListPulses(ctx context.Context, part partition.Partition) ([]*monitor.Pulse, error) {
	low, high := part.Bounds()
	query := `
		SELECT resource_id, name, interval_ms, last_pulse_at, pulse_count, created_at
		FROM pulses
		WHERE resource_id >= ? AND (? = '' OR resource_id < ?)
		ORDER BY resource_id
	`

	rows, err := s.db.QueryContext(ctx, query, low, high, high)
	if err != nil {
		return nil, fmt.Errorf("failed to list pulses: %w", err)
	}
	defer rows.Close()

	pulses := []*monitor.Pulse{}
	for rows.Next() {
		var (
			id                    string
			intervalMS, createdAt int64
			last                  sql.NullInt64
		)
		p := &monitor.Pulse{}
		if err := rows.Scan(&id, &p.Name, &intervalMS, &last, &p.Count, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pulse: %w", err)
		}
		if p.ResourceID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid resource id %q: %w", id, err)
		}
		p.Interval = time.Duration(intervalMS) * time.Millisecond
		p.LastPulseAt = timePtr(last)
		p.CreatedAt = fromMillis(createdAt)
		pulses = append(pulses, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pulses: %w", err)
	}
	return pulses, nil
}

// OpenPage inserts page unless an open page with the same tag already exists.
func (s *SQLiteStore) OpenPage(ctx context.Context, page *monitor.Page) (bool, error) {
	if page.ID == uuid.Nil {
		page.ID = uuid.New()
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now()
	}

	details := []byte("{}")
	if len(page.Details) > 0 {
		var err error
		if details, err = json.Marshal(page.Details); err != nil {
			return false, fmt.Errorf("failed to encode page details: %w", err)
		}
	}

	query := `
		INSERT INTO pages (id, tag, summary, details, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tag) WHERE resolved_at IS NULL DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		page.ID.String(), page.Tag, page.Summary, string(details), toMillis(page.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to open page: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ResolvePage resolves the open page with tag.
func (s *SQLiteStore) ResolvePage(ctx context.Context, tag string, at time.Time) (bool, error) {
	query := `UPDATE pages SET resolved_at = ? WHERE tag = ? AND resolved_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, toMillis(at), tag)
	if err != nil {
		return false, fmt.Errorf("failed to resolve page: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListPages returns pages newest first.
func (s *SQLiteStore) ListPages(ctx context.Context, openOnly bool) ([]*monitor.Page, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, tag, summary, details, created_at, resolved_at FROM pages`)
	if openOnly {
		b.WriteString(` WHERE resolved_at IS NULL`)
	}
	b.WriteString(` ORDER BY created_at DESC, id`)

	rows, err := s.db.QueryContext(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	pages := []*monitor.Page{}
	for rows.Next() {
		var (
			id, details string
			createdAt   int64
			resolvedAt  sql.NullInt64
		)
		page := &monitor.Page{}
		if err := rows.Scan(&id, &page.Tag, &page.Summary, &details, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		if page.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid page id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(details), &page.Details); err != nil {
			return nil, fmt.Errorf("failed to decode page details: %w", err)
		}
		page.CreatedAt = fromMillis(createdAt)
		page.ResolvedAt = timePtr(resolvedAt)
		pages = append(pages, page)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pages: %w", err)
	}
	return pages, nil
}

// PulseStats aggregates pulse counters across all monitored resources.
func (s *SQLiteStore) PulseStats(ctx context.Context) (resources, pulses int64, err error) {
	query := `SELECT COUNT(*), COALESCE(SUM(pulse_count), 0) FROM pulses`

	err = s.db.QueryRowContext(ctx, query).Scan(&resources, &pulses)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("failed to compute pulse stats: %w", err)
	}
	return resources, pulses, nil
}
