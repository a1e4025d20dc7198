package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/keelplane/keel/pkg/config"
	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/monitor"
	"github.com/keelplane/keel/pkg/stores"
	"github.com/keelplane/keel/pkg/telemetry"
)

// daemon holds what the scheduler and monitor processes share.
type daemon struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	logger  zerolog.Logger
	watcher *config.Watcher
}

func startDaemon(ctx context.Context, version, role string) (*daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings(version, role))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()

	// The logger itself passes everything; the global level filters, so a
	// config reload can both raise and lower verbosity.
	config.ApplyLogLevel(cfg)
	logger := tel.Logger.SetLevel("trace").Zerolog()

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	d := &daemon{cfg: cfg, tel: tel, store: store, logger: logger}
	if configPath != "" {
		d.watcher, err = config.Watch(ctx, configPath, logger, func(next *config.Config) {
			config.ApplyLogLevel(next)
			logger.Info().Str("log_level", next.Telemetry.LogLevel).Msg("Config reloaded")
		})
		if err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if d.watcher != nil {
		errs = append(errs, d.watcher.Close())
	}
	errs = append(errs, d.tel.Shutdown(ctx), d.store.Close())
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

func newSchedulerCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the task scheduler daemon",
		Long: `Run the scheduler daemon.

The scheduler joins the worker roster, claims ready tasks in its share of the
id space and advances them. Stop it with SIGINT or SIGTERM; it leaves the
roster on the way out so the remaining workers take over its range.`,
		Example: `  # Run with defaults (./keel.db, SQLite roster)
  keel scheduler

  # Run with a config file, reloading the log level on change
  keel scheduler --config /etc/keel/keel.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := startDaemon(ctx, version, stores.RoleScheduler)
			if err != nil {
				return err
			}
			defer d.close()

			reg, err := newRegistry()
			if err != nil {
				return err
			}

			part, closeRoster, err := newPartitioner(d.cfg, d.store, stores.RoleScheduler, d.logger)
			if err != nil {
				return err
			}
			defer closeRoster()

			stop, err := exportTaskStats(ctx, d)
			if err != nil {
				return err
			}
			defer stop()

			sched := engine.NewScheduler(d.store, reg, part, d.cfg.SchedulerSettings(),
				engine.WithLogger(d.logger),
				engine.WithTracer(d.tel.Tracer),
				engine.WithRecorder(d.tel.Metrics),
			)
			return sched.Run(ctx)
		},
	}

	return cmd
}

// exportTaskStats publishes task counts by state on the metrics schedule.
func exportTaskStats(ctx context.Context, d *daemon) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(d.cfg.Monitor.MetricsSchedule, func() {
		stats, err := d.store.TaskStats(ctx, time.Now())
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn().Err(err).Msg("Failed to compute task stats")
			}
			return
		}
		d.tel.Metrics.SetTaskCount(string(engine.TaskStateReady), stats.Ready)
		d.tel.Metrics.SetTaskCount(string(engine.TaskStateNapping), stats.Napping)
		d.tel.Metrics.SetTaskCount(string(engine.TaskStateClaimed), stats.Claimed)
		d.tel.Metrics.SetTaskCount(string(engine.TaskStateExited), stats.Exited)
		d.tel.Metrics.SetTaskCount(string(engine.TaskStateFaulted), stats.Faulted)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid metrics schedule %q: %w", d.cfg.Monitor.MetricsSchedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func newMonitorCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the pulse monitor daemon",
		Long: `Run the pulse monitor daemon.

The monitor scans the registered resources in its share of the id space and
opens a page for every resource that has not pulsed within its interval plus
the configured grace. The page is resolved once the resource pulses again.`,
		Example: `  keel monitor --config /etc/keel/keel.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := startDaemon(ctx, version, stores.RoleMonitor)
			if err != nil {
				return err
			}
			defer d.close()

			part, closeRoster, err := newPartitioner(d.cfg, d.store, stores.RoleMonitor, d.logger)
			if err != nil {
				return err
			}
			defer closeRoster()

			mon, err := monitor.New(d.store, part, d.cfg.MonitorSettings(),
				monitor.WithRecorder(d.tel.Metrics),
				monitor.WithTracer(d.tel.Tracer),
				monitor.WithLogger(d.logger),
			)
			if err != nil {
				return err
			}
			return mon.Run(ctx)
		},
	}

	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Create or upgrade the SQLite schema at the configured database path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			version, dirty, err := store.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"path": cfg.Database.Path, "version": version, "dirty": dirty})
			}
			fmt.Printf("✓ Database %s at schema version %d\n", cfg.Database.Path, version)
			return nil
		},
	}

	return cmd
}
