package partition

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRoster(t *testing.T) {
	ctx := context.Background()
	roster := NewRedisRoster(setupRedis(t), "test:workers")
	base := time.Unix(1_700_000_000, 0)

	if err := roster.Heartbeat(ctx, "w-old", base); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := roster.Heartbeat(ctx, "w-b", base.Add(time.Minute)); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := roster.Heartbeat(ctx, "w-a", base.Add(time.Minute)); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	live, err := roster.Live(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Live() error = %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("Live() = %v, want 2 workers", live)
	}
	for _, w := range live {
		if w == "w-old" {
			t.Errorf("Live() returned expired worker")
		}
	}

	if err := roster.Leave(ctx, "w-a"); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	live, err = roster.Live(ctx, base)
	if err != nil {
		t.Fatalf("Live() error = %v", err)
	}
	if len(live) != 1 || live[0] != "w-b" {
		t.Errorf("Live() after Leave = %v, want [w-b]", live)
	}
}

func TestPartitionerConverges(t *testing.T) {
	ctx := context.Background()
	roster := NewRedisRoster(setupRedis(t), "")

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	cfg := Config{Recheck: 5 * time.Second, Expiry: 15 * time.Second}
	cfg.WorkerID = "worker-1"
	p1 := NewPartitioner(roster, cfg, zerolog.Nop())
	p1.SetClock(clock)
	cfg.WorkerID = "worker-2"
	p2 := NewPartitioner(roster, cfg, zerolog.Nop())
	p2.SetClock(clock)

	first, err := p1.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if first != Whole() {
		t.Errorf("a lone worker should own the whole space, got %v", first)
	}

	second, err := p2.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if second.Count != 2 || second.Index != 1 {
		t.Errorf("worker-2 partition = %v, want index 1 of 2", second)
	}

	// Within the recheck interval the cached partition is returned.
	cached, _ := p1.Current(ctx)
	if cached != first {
		t.Errorf("Current() rechecked before the interval elapsed")
	}

	now = now.Add(6 * time.Second)
	updated, err := p1.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if updated.Count != 2 || updated.Index != 0 {
		t.Errorf("worker-1 partition = %v, want index 0 of 2", updated)
	}
	if updated.High != second.Low {
		t.Errorf("partitions are not adjacent: %v and %v", updated, second)
	}
	if got := p1.Workers(); len(got) != 2 {
		t.Errorf("Workers() = %v, want 2", got)
	}

	if err := p2.Leave(ctx); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	now = now.Add(6 * time.Second)
	alone, err := p1.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if alone != Whole() {
		t.Errorf("after worker-2 left, worker-1 partition = %v, want whole space", alone)
	}
}
