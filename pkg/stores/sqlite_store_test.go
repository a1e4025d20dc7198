package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/monitor"
	"github.com/keelplane/keel/pkg/partition"
)

var epoch = time.UnixMilli(1_700_000_000_000).UTC()

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "keel.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTask(program string, readyAt time.Time) *engine.Task {
	return &engine.Task{
		ID:        uuid.New(),
		Program:   program,
		Step:      "start",
		Stack:     engine.Stack{{}},
		ReadyAt:   readyAt,
		CreatedAt: readyAt,
		UpdatedAt: readyAt,
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, task *engine.Task) *engine.Task {
	t.Helper()
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func claim(t *testing.T, store *SQLiteStore, req engine.ClaimRequest) []*engine.Task {
	t.Helper()
	if req.LeaseFor == 0 {
		req.LeaseFor = time.Minute
	}
	if req.Limit == 0 {
		req.Limit = 100
	}
	tasks, err := store.ClaimTasks(context.Background(), req)
	if err != nil {
		t.Fatalf("ClaimTasks() error = %v", err)
	}
	return tasks
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "keel.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check succeeded before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("migrate succeeded before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests that the schema is complete and migrations are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"tasks", "semaphores", "workers", "pulses", "pages"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	version, dirty, err := store.MigrationVersion(ctx)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 3 || dirty {
		t.Errorf("MigrationVersion() = %d dirty=%v, want 3 clean", version, dirty)
	}
}

func TestTaskCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	parent := newTask("fanout", epoch)
	if err := parent.Stack[0].Set("width", 2); err != nil {
		t.Fatal(err)
	}
	deadline := epoch.Add(time.Minute)
	parent.DeadlineAt = &deadline
	parent.DeadlineTarget = "finish"
	mustCreate(t, store, parent)

	got, err := store.GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Program != "fanout" || got.Step != "start" || !got.ReadyAt.Equal(epoch) {
		t.Errorf("GetTask() = %s:%s ready %v", got.Program, got.Step, got.ReadyAt)
	}
	if got.Frame().Int("width") != 2 {
		t.Errorf("frame width = %d, want 2", got.Frame().Int("width"))
	}
	if got.DeadlineAt == nil || !got.DeadlineAt.Equal(deadline) || got.DeadlineTarget != "finish" {
		t.Errorf("deadline = %v %q", got.DeadlineAt, got.DeadlineTarget)
	}

	var children []uuid.UUID
	for i := 0; i < 3; i++ {
		child := newTask("leaf", epoch.Add(time.Duration(i)*time.Millisecond))
		child.CreatedAt = child.ReadyAt
		child.ParentID = &parent.ID
		mustCreate(t, store, child)
		children = append(children, child.ID)
	}

	list, err := store.ListChildren(ctx, parent.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListChildren() = %d tasks, want 3", len(list))
	}
	for i, c := range list {
		if c.ID != children[i] || c.ParentID == nil || *c.ParentID != parent.ID {
			t.Errorf("child %d = %s parent %v", i, c.ID, c.ParentID)
		}
	}

	if _, err := store.GetTask(ctx, uuid.New()); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Errorf("GetTask(unknown) error = %v, want ErrTaskNotFound", err)
	}

	err = store.InTx(ctx, func(tx engine.Tx) error {
		return tx.DeleteTask(ctx, children[0])
	})
	if err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, err := store.GetTask(ctx, children[0]); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Errorf("deleted task still present: %v", err)
	}
}

func TestClaimTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ready := mustCreate(t, store, newTask("p", epoch.Add(-time.Second)))
	mustCreate(t, store, newTask("p", epoch.Add(time.Hour)))

	exited := newTask("p", epoch)
	exitedAt := epoch
	exited.ExitedAt = &exitedAt
	exited.ExitValue = []byte(`1`)
	exited.Stack = engine.Stack{}
	mustCreate(t, store, exited)

	faulted := newTask("p", epoch)
	fault := "bug"
	faulted.Fault = &fault
	mustCreate(t, store, faulted)

	got := claim(t, store, engine.ClaimRequest{Owner: "w1", Now: epoch})
	if len(got) != 1 || got[0].ID != ready.ID {
		t.Fatalf("claimed %d tasks, want only the ready one", len(got))
	}
	if got[0].LeaseOwner == nil || *got[0].LeaseOwner != "w1" {
		t.Errorf("lease owner = %v, want w1", got[0].LeaseOwner)
	}
	if got[0].LeaseExpiresAt == nil || !got[0].LeaseExpiresAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("lease expiry = %v", got[0].LeaseExpiresAt)
	}

	if again := claim(t, store, engine.ClaimRequest{Owner: "w2", Now: epoch}); len(again) != 0 {
		t.Errorf("leased task claimed twice")
	}

	// An expired lease is up for grabs.
	taken := claim(t, store, engine.ClaimRequest{Owner: "w2", Now: epoch.Add(2 * time.Minute)})
	if len(taken) != 1 || *taken[0].LeaseOwner != "w2" {
		t.Fatalf("expired lease not reclaimed: %d", len(taken))
	}

	err := store.InTx(ctx, func(tx engine.Tx) error {
		return tx.SaveTask(ctx, got[0], "w1")
	})
	if !errors.Is(err, engine.ErrLeaseLost) {
		t.Errorf("SaveTask() by previous owner error = %v, want ErrLeaseLost", err)
	}
	if err := store.RecordFailure(ctx, ready.ID, "w1", "late", false); !errors.Is(err, engine.ErrLeaseLost) {
		t.Errorf("RecordFailure() by previous owner error = %v, want ErrLeaseLost", err)
	}

	if err := store.ReleaseTask(ctx, ready.ID, "w1"); err != nil {
		t.Fatalf("ReleaseTask() error = %v", err)
	}
	if cur, _ := store.GetTask(ctx, ready.ID); cur.LeaseOwner == nil {
		t.Error("release by a non-owner cleared the lease")
	}
	if err := store.ReleaseTask(ctx, ready.ID, "w2"); err != nil {
		t.Fatalf("ReleaseTask() error = %v", err)
	}
	if cur, _ := store.GetTask(ctx, ready.ID); cur.LeaseOwner != nil || cur.LeaseExpiresAt != nil {
		t.Error("release by the owner kept the lease")
	}
}

func TestClaimLimitAndOrder(t *testing.T) {
	store := setupTestStore(t)

	for i := 5; i > 0; i-- {
		mustCreate(t, store, newTask("p", epoch.Add(-time.Duration(i)*time.Second)))
	}

	got := claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch, Limit: 3})
	if len(got) != 3 {
		t.Fatalf("claimed %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ReadyAt.Before(got[i-1].ReadyAt) {
			t.Errorf("claims not ordered by readyAt")
		}
	}
	if !got[0].ReadyAt.Equal(epoch.Add(-5 * time.Second)) {
		t.Errorf("oldest task not claimed first: %v", got[0].ReadyAt)
	}
}

func TestClaimPartitions(t *testing.T) {
	store := setupTestStore(t)

	const total = 64
	ids := make(map[uuid.UUID]bool, total)
	for i := 0; i < total; i++ {
		task := mustCreate(t, store, newTask("p", epoch))
		ids[task.ID] = true
	}

	seen := make(map[uuid.UUID]int)
	for _, part := range partition.Split(3) {
		part := part
		got := claim(t, store, engine.ClaimRequest{Owner: fmt.Sprintf("w%d", part.Index), Now: epoch, Partition: &part})
		for _, task := range got {
			if !part.Contains(task.ID) {
				t.Errorf("partition %s claimed %s outside its range", part, task.ID)
			}
			seen[task.ID]++
		}
	}

	if len(seen) != total {
		t.Errorf("partitions claimed %d distinct tasks, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 || !ids[id] {
			t.Errorf("task %s claimed %d times", id, n)
		}
	}
}

func TestClaimStaleCohort(t *testing.T) {
	store := setupTestStore(t)

	parts := partition.Split(2)
	var outside *engine.Task
	for outside == nil {
		task := newTask("p", epoch.Add(-10*time.Minute))
		if parts[1].Contains(task.ID) {
			outside = mustCreate(t, store, task)
		}
	}
	var fresh *engine.Task
	for fresh == nil {
		task := newTask("p", epoch)
		if parts[1].Contains(task.ID) {
			fresh = mustCreate(t, store, task)
		}
	}

	if got := claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch, Partition: &parts[0]}); len(got) != 0 {
		t.Fatalf("claimed %d tasks outside the partition without a stale window", len(got))
	}

	got := claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch, Partition: &parts[0], StaleAfter: 5 * time.Minute})
	if len(got) != 1 || got[0].ID != outside.ID {
		t.Fatalf("stale claim = %d tasks, want only the overdue one", len(got))
	}
}

func TestRecordFailureAndClearFault(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, newTask("p", epoch))
	claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch})

	if err := store.RecordFailure(ctx, task.ID, "w", "timeout", false); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	got, _ := store.GetTask(ctx, task.ID)
	if got.Attempts != 1 || got.LastError == nil || *got.LastError != "timeout" || got.Fault != nil || got.LeaseOwner != nil {
		t.Fatalf("after transient failure: attempts=%d err=%v fault=%v lease=%v",
			got.Attempts, got.LastError, got.Fault, got.LeaseOwner)
	}
	if !got.ReadyAt.Equal(epoch) || got.Step != "start" {
		t.Errorf("failure moved the task")
	}

	claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch})
	if err := store.RecordFailure(ctx, task.ID, "w", "bad hop", true); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	got, _ = store.GetTask(ctx, task.ID)
	if got.Attempts != 2 || got.Fault == nil || *got.Fault != "bad hop" {
		t.Fatalf("after fault: attempts=%d fault=%v", got.Attempts, got.Fault)
	}
	if n := len(claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch})); n != 0 {
		t.Errorf("faulted task claimed")
	}

	if err := store.ClearFault(ctx, task.ID); err != nil {
		t.Fatalf("ClearFault() error = %v", err)
	}
	if n := len(claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch})); n != 1 {
		t.Errorf("cleared task not claimable")
	}
	if err := store.ClearFault(ctx, uuid.New()); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Errorf("ClearFault(unknown) error = %v", err)
	}
}

func TestWakeTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	later := mustCreate(t, store, newTask("p", epoch.Add(time.Hour)))
	earlier := mustCreate(t, store, newTask("p", epoch.Add(-time.Hour)))

	err := store.InTx(ctx, func(tx engine.Tx) error {
		if err := tx.WakeTask(ctx, later.ID, epoch); err != nil {
			return err
		}
		return tx.WakeTask(ctx, earlier.ID, epoch)
	})
	if err != nil {
		t.Fatalf("WakeTask() error = %v", err)
	}

	if got, _ := store.GetTask(ctx, later.ID); !got.ReadyAt.Equal(epoch) {
		t.Errorf("napping task not woken: %v", got.ReadyAt)
	}
	if got, _ := store.GetTask(ctx, earlier.ID); !got.ReadyAt.Equal(epoch.Add(-time.Hour)) {
		t.Errorf("wake pushed an overdue task back: %v", got.ReadyAt)
	}
}

func TestSemaphores(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := mustCreate(t, store, newTask("p", epoch))

	if err := store.IncrementSemaphore(ctx, uuid.New(), "go"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Errorf("IncrementSemaphore(unknown task) error = %v", err)
	}

	const signals = 20
	var wg sync.WaitGroup
	errs := make(chan error, signals)
	for i := 0; i < signals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.IncrementSemaphore(ctx, task.ID, "go")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("IncrementSemaphore() error = %v", err)
		}
	}

	if n, err := store.SemaphoreCount(ctx, task.ID, "go"); err != nil || n != signals {
		t.Fatalf("SemaphoreCount() = %d, %v; want %d", n, err, signals)
	}
	if n, err := store.SemaphoreCount(ctx, task.ID, "other"); err != nil || n != 0 {
		t.Errorf("SemaphoreCount(unraised) = %d, %v", n, err)
	}

	cleared := 0
	err := store.InTx(ctx, func(tx engine.Tx) error {
		for {
			ok, err := tx.DecrementSemaphore(ctx, task.ID, "go")
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			cleared++
		}
	})
	if err != nil {
		t.Fatalf("DecrementSemaphore() error = %v", err)
	}
	if cleared != signals {
		t.Errorf("cleared %d, want %d", cleared, signals)
	}

	if err := store.IncrementSemaphore(ctx, task.ID, "refresh"); err != nil {
		t.Fatal(err)
	}
	pending, err := store.ListSemaphores(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListSemaphores() error = %v", err)
	}
	if len(pending) != 1 || pending["refresh"] != 1 {
		t.Errorf("ListSemaphores() = %v, want only refresh", pending)
	}

	// Deleting the task drops its semaphores.
	if err := store.InTx(ctx, func(tx engine.Tx) error { return tx.DeleteTask(ctx, task.ID) }); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.SemaphoreCount(ctx, task.ID, "refresh"); n != 0 {
		t.Errorf("semaphore survived task deletion")
	}
}

func TestInTxRollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := newTask("p", epoch)
	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx engine.Tx) error {
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		if _, err := tx.GetTask(ctx, task.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Errorf("rolled back task is visible: %v", err)
	}
}

func TestWorkerRoster(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	schedulers := store.Roster(RoleScheduler)
	monitors := store.Roster(RoleMonitor)

	if err := schedulers.Heartbeat(ctx, "b", epoch); err != nil {
		t.Fatal(err)
	}
	if err := schedulers.Heartbeat(ctx, "a", epoch.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := monitors.Heartbeat(ctx, "m", epoch); err != nil {
		t.Fatal(err)
	}

	live, err := schedulers.Live(ctx, epoch.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("Live() error = %v", err)
	}
	if len(live) != 2 || live[0] != "a" || live[1] != "b" {
		t.Errorf("Live() = %v, want [a b]", live)
	}

	live, _ = schedulers.Live(ctx, epoch.Add(-30*time.Second))
	if len(live) != 1 || live[0] != "b" {
		t.Errorf("Live() after expiry = %v, want [b]", live)
	}

	// Expired members are pruned, not just filtered.
	live, _ = schedulers.Live(ctx, epoch.Add(-2*time.Minute))
	if len(live) != 1 {
		t.Errorf("expired worker not pruned: %v", live)
	}

	if err := schedulers.Leave(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if live, _ = schedulers.Live(ctx, time.Time{}); len(live) != 0 {
		t.Errorf("Live() after leave = %v", live)
	}
	if live, _ = monitors.Live(ctx, time.Time{}); len(live) != 1 {
		t.Errorf("monitor roster affected by scheduler roster: %v", live)
	}
}

func TestPulses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		p := &monitor.Pulse{ResourceID: uuid.New(), Name: fmt.Sprintf("res-%d", i), Interval: time.Minute, CreatedAt: epoch}
		if err := store.RegisterPulse(ctx, p); err != nil {
			t.Fatalf("RegisterPulse() error = %v", err)
		}
		ids = append(ids, p.ResourceID)
	}

	if err := store.RecordPulse(ctx, ids[0], epoch.Add(time.Second)); err != nil {
		t.Fatalf("RecordPulse() error = %v", err)
	}
	if err := store.RecordPulse(ctx, ids[0], epoch.Add(2*time.Second)); err != nil {
		t.Fatalf("RecordPulse() error = %v", err)
	}
	if err := store.RecordPulse(ctx, uuid.New(), epoch); !errors.Is(err, monitor.ErrResourceNotFound) {
		t.Errorf("RecordPulse(unknown) error = %v", err)
	}

	// Re-registering updates the interval and keeps the counters.
	if err := store.RegisterPulse(ctx, &monitor.Pulse{ResourceID: ids[0], Name: "renamed", Interval: time.Hour}); err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, part := range partition.Split(2) {
		pulses, err := store.ListPulses(ctx, part)
		if err != nil {
			t.Fatalf("ListPulses() error = %v", err)
		}
		for _, p := range pulses {
			if !part.Contains(p.ResourceID) {
				t.Errorf("pulse %s listed outside %s", p.ResourceID, part)
			}
			if p.ResourceID == ids[0] {
				if p.Name != "renamed" || p.Interval != time.Hour || p.Count != 2 {
					t.Errorf("pulse = %s %v count %d", p.Name, p.Interval, p.Count)
				}
				if p.LastPulseAt == nil || !p.LastPulseAt.Equal(epoch.Add(2*time.Second)) {
					t.Errorf("last pulse = %v", p.LastPulseAt)
				}
			}
		}
		total += len(pulses)
	}
	if total != len(ids) {
		t.Errorf("partitions listed %d pulses, want %d", total, len(ids))
	}

	resources, pulses, err := store.PulseStats(ctx)
	if err != nil {
		t.Fatalf("PulseStats() error = %v", err)
	}
	if resources != 10 || pulses != 2 {
		t.Errorf("PulseStats() = %d, %d; want 10, 2", resources, pulses)
	}
}

func TestPages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	page := &monitor.Page{Tag: "pulse:x", Summary: "x is silent", Details: map[string]any{"name": "x"}, CreatedAt: epoch}
	opened, err := store.OpenPage(ctx, page)
	if err != nil || !opened {
		t.Fatalf("OpenPage() = %v, %v", opened, err)
	}
	if page.ID == uuid.Nil {
		t.Error("OpenPage() did not assign an id")
	}

	opened, err = store.OpenPage(ctx, &monitor.Page{Tag: "pulse:x", Summary: "again", CreatedAt: epoch.Add(time.Second)})
	if err != nil || opened {
		t.Errorf("duplicate OpenPage() = %v, %v; want deduplicated", opened, err)
	}

	resolved, err := store.ResolvePage(ctx, "pulse:x", epoch.Add(time.Minute))
	if err != nil || !resolved {
		t.Fatalf("ResolvePage() = %v, %v", resolved, err)
	}
	if resolved, _ := store.ResolvePage(ctx, "pulse:x", epoch.Add(time.Minute)); resolved {
		t.Error("resolved page resolved twice")
	}

	opened, err = store.OpenPage(ctx, &monitor.Page{Tag: "pulse:x", Summary: "silent again", CreatedAt: epoch.Add(time.Hour)})
	if err != nil || !opened {
		t.Fatalf("reopen OpenPage() = %v, %v", opened, err)
	}

	all, err := store.ListPages(ctx, false)
	if err != nil {
		t.Fatalf("ListPages() error = %v", err)
	}
	if len(all) != 2 || all[0].Summary != "silent again" || !all[0].Open() || all[1].Open() {
		t.Fatalf("ListPages() returned %d pages in the wrong order or state", len(all))
	}
	if all[1].Details["name"] != "x" {
		t.Errorf("details = %v", all[1].Details)
	}

	open, err := store.ListPages(ctx, true)
	if err != nil {
		t.Fatalf("ListPages(open) error = %v", err)
	}
	if len(open) != 1 || open[0].Summary != "silent again" {
		t.Errorf("ListPages(open) = %d pages", len(open))
	}
}

func TestListTasksAndStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, newTask("a", epoch.Add(-time.Minute)))
	mustCreate(t, store, newTask("a", epoch.Add(time.Minute)))
	mustCreate(t, store, newTask("b", epoch.Add(-2*time.Minute)))

	exited := newTask("b", epoch)
	exitedAt := epoch
	exited.ExitedAt = &exitedAt
	exited.ExitValue = []byte(`"ok"`)
	exited.Stack = engine.Stack{}
	mustCreate(t, store, exited)

	faulted := newTask("a", epoch)
	fault := "bug"
	faulted.Fault = &fault
	mustCreate(t, store, faulted)

	claim(t, store, engine.ClaimRequest{Owner: "w", Now: epoch, Limit: 1})

	tests := []struct {
		name   string
		filter TaskFilter
		want   int
	}{
		{"all", TaskFilter{}, 5},
		{"program", TaskFilter{Program: "a"}, 3},
		{"active", TaskFilter{ActiveOnly: true}, 4},
		{"faulted", TaskFilter{FaultedOnly: true}, 1},
		{"limit", TaskFilter{Limit: 2}, 2},
		{"offset", TaskFilter{Offset: 4}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("ListTasks() = %d tasks, want %d", len(got), tt.want)
			}
		})
	}

	stats, err := store.TaskStats(ctx, epoch)
	if err != nil {
		t.Fatalf("TaskStats() error = %v", err)
	}
	want := TaskStats{Total: 5, Ready: 1, Napping: 1, Claimed: 1, Exited: 1, Faulted: 1}
	if *stats != want {
		t.Errorf("TaskStats() = %+v, want %+v", *stats, want)
	}
}
