package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/stores"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect tasks",
		Long: `Create, inspect and steer tasks.

Tasks are created at a program's start step (or --step) with the given JSON
parameters as their root frame. Signals raise one of the semaphores the
task's program declares; the task observes it the next time it runs.`,
	}

	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskSignalCommand())
	cmd.AddCommand(newTaskUnfaultCommand())
	cmd.AddCommand(newTaskStatsCommand())

	return cmd
}

// withEngine opens the store and builds an engine for a one-shot command.
func withEngine(cmd *cobra.Command, fn func(e *engine.Engine, store *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	eng := engine.NewEngine(store, reg, nil, log.Logger)
	if cfg.Policy.Enabled {
		pe, err := newPolicyEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		eng.WithAdmission(pe)
	}
	return fn(eng, store)
}

func newTaskCreateCommand() *cobra.Command {
	var (
		step   string
		params string
		delay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create PROGRAM",
		Short: "Create a task",
		Example: `  # Count to three
  keel task create counter

  # Manage a resource, refreshing every ten minutes
  keel task create lifecycle --params '{"subject_id": "vm-1", "refresh_interval": 600}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := engine.TaskSpec{Program: args[0], Step: step}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &spec.Params); err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
			}
			if delay > 0 {
				spec.ReadyAt = time.Now().Add(delay)
			}

			return withEngine(cmd, func(e *engine.Engine, _ *stores.SQLiteStore) error {
				task, err := e.CreateTask(cmd.Context(), spec)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(task)
				}
				fmt.Printf("✓ Created task %s at %s:%s\n", task.ID, task.Program, task.Step)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&step, "step", "", "start step (defaults to the program's start step)")
	cmd.Flags().StringVarP(&params, "params", "p", "", "root frame parameters as a JSON object")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the task becomes ready")

	return cmd
}

func newTaskShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			return withEngine(cmd, func(e *engine.Engine, store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				task, err := e.Task(ctx, id)
				if err != nil {
					return err
				}
				semaphores, err := store.ListSemaphores(ctx, id)
				if err != nil {
					return err
				}
				children, err := e.Children(ctx, id)
				if err != nil {
					return err
				}

				if jsonOutput {
					return printJSON(map[string]any{
						"task":       task,
						"semaphores": semaphores,
						"children":   len(children),
					})
				}

				now := time.Now()
				fmt.Printf("Task:      %s\n", task.ID)
				fmt.Printf("State:     %s\n", task.State(now))
				fmt.Printf("Position:  %s:%s (depth %d)\n", task.Program, task.Step, len(task.Stack))
				fmt.Printf("Ready at:  %s\n", task.ReadyAt.Local().Format(time.RFC3339))
				if task.ParentID != nil {
					fmt.Printf("Parent:    %s\n", *task.ParentID)
				}
				if task.DeadlineAt != nil {
					fmt.Printf("Deadline:  reach %q by %s\n", task.DeadlineTarget, task.DeadlineAt.Local().Format(time.RFC3339))
				}
				if task.Attempts > 0 && task.LastError != nil {
					fmt.Printf("Failures:  %d, last: %s\n", task.Attempts, *task.LastError)
				}
				if task.Fault != nil {
					fmt.Printf("Fault:     %s\n", *task.Fault)
				}
				if task.Exited() {
					fmt.Printf("Exit:      %s\n", task.ExitValue)
				}
				if len(children) > 0 {
					fmt.Printf("Children:  %d\n", len(children))
				}
				for name, count := range semaphores {
					fmt.Printf("Signal:    %s x%d\n", name, count)
				}
				return nil
			})
		},
	}

	return cmd
}

func newTaskListCommand() *cobra.Command {
	var filter stores.TaskFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Example: `  # Faulted tasks waiting for a fix
  keel task list --faulted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(_ *engine.Engine, store *stores.SQLiteStore) error {
				tasks, err := store.ListTasks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(tasks)
				}

				now := time.Now()
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tPROGRAM\tSTEP\tREADY\tATTEMPTS")
				for _, t := range tasks {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
						t.ID, t.State(now), t.Program, t.Step, t.ReadyAt.Local().Format(time.RFC3339), t.Attempts)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Program, "program", "", "only tasks of this program")
	cmd.Flags().BoolVar(&filter.ActiveOnly, "active", false, "exclude exited tasks")
	cmd.Flags().BoolVar(&filter.FaultedOnly, "faulted", false, "only faulted tasks")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum number of tasks")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of tasks to skip")

	return cmd
}

func newTaskSignalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signal ID NAME",
		Short:   "Raise a signal on a task",
		Example: `  keel task signal 0b6f6c1e-4c1f-4d47-9b8e-6f0f9f3b1f2a destroy`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine.Engine, _ *stores.SQLiteStore) error {
				if err := e.Signal(cmd.Context(), id, args[1]); err != nil {
					return err
				}
				fmt.Printf("✓ Signaled %s on %s\n", args[1], id)
				return nil
			})
		},
	}

	return cmd
}

func newTaskUnfaultCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unfault ID",
		Short: "Clear the fault of a parked task",
		Long: `Clear the fault of a task parked by a programming error so the
scheduler claims it again. Deploy the fixed program first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(e *engine.Engine, _ *stores.SQLiteStore) error {
				if err := e.Unfault(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Printf("✓ Cleared fault of %s\n", id)
				return nil
			})
		},
	}

	return cmd
}

func newTaskStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(_ *engine.Engine, store *stores.SQLiteStore) error {
				stats, err := store.TaskStats(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(stats)
				}
				fmt.Printf("total %d  ready %d  napping %d  claimed %d  exited %d  faulted %d\n",
					stats.Total, stats.Ready, stats.Napping, stats.Claimed, stats.Exited, stats.Faulted)
				return nil
			})
		},
	}

	return cmd
}
