package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Keel - durable task engine",
		Long: `Keel runs durable, resumable workflows stored in SQLite.

Tasks advance one step at a time; every step commits together with the
task's next position, so work survives crashes and restarts. Any number of
scheduler processes share the task table by splitting the id space between
the workers in a heartbeat roster.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newSchedulerCommand(version))
	rootCmd.AddCommand(newMonitorCommand(version))
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newPulseCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newProgramsCommand())

	return rootCmd
}
