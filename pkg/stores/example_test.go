package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "keel-store")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(dir, "keel.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	version, _, err := store.MigrationVersion(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("schema version:", version)
	// Output: schema version: 3
}

// ExampleSQLiteStore_ClaimTasks demonstrates leasing ready tasks.
func ExampleSQLiteStore_ClaimTasks() {
	dir, _ := os.MkdirTemp("", "keel-store")
	defer os.RemoveAll(dir)

	store, _ := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "keel.db")})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	for _, delay := range []time.Duration{0, time.Hour} {
		task := &engine.Task{
			ID:        uuid.New(),
			Program:   "counter",
			Step:      "start",
			Stack:     engine.Stack{{}},
			ReadyAt:   now.Add(delay),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateTask(ctx, task); err != nil {
			log.Fatal(err)
		}
	}

	claimed, err := store.ClaimTasks(ctx, engine.ClaimRequest{
		Owner:    "worker-1",
		Now:      now,
		LeaseFor: time.Minute,
		Limit:    10,
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("claimed %d task(s), lease owner %s\n", len(claimed), *claimed[0].LeaseOwner)
	// Output: claimed 1 task(s), lease owner worker-1
}
