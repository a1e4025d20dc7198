package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/partition"
	"github.com/keelplane/keel/pkg/stores"
)

func quickProgram() engine.Program {
	return engine.Program{
		Name: "quick",
		Steps: []engine.Step{
			step("only", func(ctx *engine.Context) (engine.Directive, error) {
				return engine.Exit{Value: ctx.ID().String()}, nil
			}),
		},
	}
}

func TestSchedulersSplitTasks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	reg := engine.NewRegistry()
	reg.MustRegister(quickProgram())
	e := engine.NewEngine(store, reg, nil, zerolog.Nop())

	const total = 40
	for i := 0; i < total; i++ {
		if _, err := e.CreateTask(ctx, engine.TaskSpec{Program: "quick"}); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
	}

	roster := store.Roster(stores.RoleScheduler)
	var scheds []*engine.Scheduler
	for _, id := range []string{"worker-a", "worker-b"} {
		p := partition.NewPartitioner(roster, partition.Config{WorkerID: id, Recheck: time.Nanosecond}, zerolog.Nop())
		if _, err := p.Current(ctx); err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		cfg := engine.DefaultSchedulerConfig(id)
		cfg.BatchSize = total
		scheds = append(scheds, engine.NewScheduler(store, reg, p, cfg))
	}

	claimed := 0
	for i, s := range scheds {
		n, err := s.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if n == 0 || n == total {
			t.Errorf("scheduler %d claimed %d of %d tasks, want a share", i, n, total)
		}
		claimed += n
	}
	if claimed != total {
		t.Errorf("claimed %d tasks in total, want %d", claimed, total)
	}

	stats, err := store.TaskStats(ctx, time.Now())
	if err != nil {
		t.Fatalf("TaskStats() error = %v", err)
	}
	if stats.Exited != total {
		t.Errorf("exited = %d, want %d", stats.Exited, total)
	}
}

func TestSchedulerRunLeavesRoster(t *testing.T) {
	store := setupStore(t)
	reg := engine.NewRegistry()
	reg.MustRegister(quickProgram())
	e := engine.NewEngine(store, reg, nil, zerolog.Nop())

	task, err := e.CreateTask(context.Background(), engine.TaskSpec{Program: "quick"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	roster := store.Roster(stores.RoleScheduler)
	p := partition.NewPartitioner(roster, partition.Config{WorkerID: "worker-a"}, zerolog.Nop())
	cfg := engine.DefaultSchedulerConfig("worker-a")
	cfg.PollInterval = 10 * time.Millisecond
	sched := engine.NewScheduler(store, reg, p, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := e.Task(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if !got.Exited() {
		t.Errorf("task not run before shutdown, step = %s", got.Step)
	}

	live, err := roster.Live(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Live() error = %v", err)
	}
	if len(live) != 0 {
		t.Errorf("roster after shutdown = %v, want empty", live)
	}
}
