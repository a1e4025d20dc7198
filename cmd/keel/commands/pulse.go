package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keelplane/keel/pkg/monitor"
	"github.com/keelplane/keel/pkg/stores"
)

func newPulseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Register monitored resources and record pulses",
		Long: `Register resources with the pulse monitor and record their heartbeats.

A registered resource is expected to pulse at least once per interval. The
monitor daemon opens a page for silent resources and resolves it when the
resource pulses again.`,
	}

	cmd.AddCommand(newPulseRegisterCommand())
	cmd.AddCommand(newPulseBeatCommand())
	cmd.AddCommand(newPulsePagesCommand())

	return cmd
}

// withMonitor opens the store and builds an unpartitioned monitor for a one-shot command.
func withMonitor(cmd *cobra.Command, fn func(m *monitor.Monitor, store *stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := monitor.New(store, nil, cfg.MonitorSettings(), monitor.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	return fn(m, store)
}

func newPulseRegisterCommand() *cobra.Command {
	var (
		id       string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Start monitoring a resource",
		Example: `  keel pulse register backup-job --interval 1h
  keel pulse register api --id 5d9c1b0e-7a0e-4a83-a2b6-2f0d6f3c2e11 --interval 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceID := uuid.New()
			if id != "" {
				parsed, err := parseID(id)
				if err != nil {
					return err
				}
				resourceID = parsed
			}

			return withMonitor(cmd, func(m *monitor.Monitor, _ *stores.SQLiteStore) error {
				if err := m.Register(cmd.Context(), resourceID, args[0], interval); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"resource_id": resourceID, "name": args[0], "interval": interval.String()})
				}
				fmt.Printf("✓ Monitoring %s as %s (every %s)\n", args[0], resourceID, interval)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "resource id (generated when empty)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "expected pulse interval")

	return cmd
}

func newPulseBeatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beat ID",
		Short: "Record a pulse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withMonitor(cmd, func(m *monitor.Monitor, _ *stores.SQLiteStore) error {
				return m.Beat(cmd.Context(), id)
			})
		},
	}

	return cmd
}

func newPulsePagesCommand() *cobra.Command {
	var openOnly bool

	cmd := &cobra.Command{
		Use:   "pages",
		Short: "List pages raised by the monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMonitor(cmd, func(_ *monitor.Monitor, store *stores.SQLiteStore) error {
				pages, err := store.ListPages(cmd.Context(), openOnly)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(pages)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TAG\tOPENED\tRESOLVED\tSUMMARY")
				for _, p := range pages {
					resolved := "-"
					if p.ResolvedAt != nil {
						resolved = p.ResolvedAt.Local().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Tag, p.CreatedAt.Local().Format(time.RFC3339), resolved, p.Summary)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&openOnly, "open", false, "only unresolved pages")

	return cmd
}

func newProgramsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "programs",
		Short: "List the registered programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(reg.Programs())
			}
			for _, name := range reg.Programs() {
				start, _ := reg.StartStep(name)
				fmt.Printf("%s (starts at %s)\n", name, start)
			}
			return nil
		},
	}

	return cmd
}
