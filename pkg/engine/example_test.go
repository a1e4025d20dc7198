package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/stores"
)

// Example_greeter shows a two-step program driven through a single turn.
func Example_greeter() {
	dir, err := os.MkdirTemp("", "keel-example")
	if err != nil {
		fmt.Println(err)
		return
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "keel.db")})
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := store.Init(ctx); err != nil {
		fmt.Println(err)
		return
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		fmt.Println(err)
		return
	}

	reg := engine.NewRegistry()
	reg.MustRegister(engine.Program{
		Name: "greeter",
		Steps: []engine.Step{
			{
				Name: "compose",
				Next: []string{"send"},
				Run: func(ctx *engine.Context) (engine.Directive, error) {
					msg := "hello, " + ctx.Frame().String("name")
					if err := ctx.Frame().Set("message", msg); err != nil {
						return nil, err
					}
					return engine.Hop{Step: "send"}, nil
				},
			},
			{
				Name: "send",
				Run: func(ctx *engine.Context) (engine.Directive, error) {
					return engine.Exit{Value: ctx.Frame().String("message")}, nil
				},
			},
		},
	})

	e := engine.NewEngine(store, reg, nil, zerolog.Nop())
	task, err := e.CreateTask(ctx, engine.TaskSpec{
		Program: "greeter",
		Params:  map[string]any{"name": "world"},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	claimed, err := store.ClaimTasks(ctx, engine.ClaimRequest{
		Owner:    "example",
		Now:      time.Now(),
		LeaseFor: time.Minute,
		Limit:    1,
	})
	if err != nil || len(claimed) != 1 {
		fmt.Println("claim failed:", err)
		return
	}

	d := engine.NewDispatcher(store, reg, engine.DispatcherConfig{})
	res := d.Run(ctx, claimed[0], "example")
	fmt.Println("outcome:", res.Outcome, "steps:", res.Steps)

	done, err := e.Task(ctx, task.ID)
	if err != nil {
		fmt.Println(err)
		return
	}
	var greeting string
	if err := done.DecodeExit(&greeting); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(greeting)

	// Output:
	// outcome: exited steps: 2
	// hello, world
}
