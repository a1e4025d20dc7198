package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/keelplane/keel/pkg/engine"
	"github.com/keelplane/keel/pkg/monitor"
	"github.com/keelplane/keel/pkg/partition"
	"github.com/keelplane/keel/pkg/stores"
	"github.com/keelplane/keel/pkg/telemetry"
)

// Config is the on-disk configuration shared by the keel daemons and CLI.
type Config struct {
	// WorkerID identifies this process. Generated when empty.
	WorkerID string `yaml:"worker_id"`

	Database  DatabaseConfig  `yaml:"database"`
	Roster    RosterConfig    `yaml:"roster"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// RosterConfig selects where workers heartbeat.
type RosterConfig struct {
	// Backend is "sqlite" or "redis".
	Backend string `yaml:"backend" validate:"oneof=sqlite redis"`

	// RedisAddr is required for the redis backend.
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis"`

	// RedisKey prefixes the roster sorted sets.
	RedisKey string `yaml:"redis_key"`

	Recheck time.Duration `yaml:"recheck" validate:"gte=0"`
	Expiry  time.Duration `yaml:"expiry" validate:"gte=0"`
}

// SchedulerConfig tunes the scheduler daemon.
type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gte=0"`
	BatchSize       int           `yaml:"batch_size" validate:"gte=0"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=0"`
	LeaseDuration   time.Duration `yaml:"lease_duration" validate:"gte=0"`
	StaleGrace      time.Duration `yaml:"stale_grace" validate:"gte=0"`
	MaxStepsPerTurn int           `yaml:"max_steps_per_turn" validate:"gte=0"`
}

// MonitorConfig tunes the pulse monitor daemon.
type MonitorConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval" validate:"gte=0"`
	Grace           time.Duration `yaml:"grace" validate:"gte=0"`
	MetricsSchedule string        `yaml:"metrics_schedule"`
}

// PolicyConfig controls admission policies applied when tasks are created.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego/.json files or directories loaded on top of the built-ins.
	Paths []string `yaml:"paths" validate:"dive,required"`
}

// TelemetryConfig holds the subset of telemetry settings exposed in the file.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddress string `yaml:"metrics_address" validate:"required_if=MetricsEnabled true"`

	TracingExporter string  `yaml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string  `yaml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	sched := engine.DefaultSchedulerConfig("")
	mon := monitor.DefaultConfig("")

	return &Config{
		Database: DatabaseConfig{
			Path:        "keel.db",
			BusyTimeout: 5 * time.Second,
		},
		Roster: RosterConfig{
			Backend:  "sqlite",
			RedisKey: "keel:workers",
			Recheck:  10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval:    sched.PollInterval,
			BatchSize:       sched.BatchSize,
			Concurrency:     sched.Concurrency,
			LeaseDuration:   sched.LeaseDuration,
			StaleGrace:      sched.StaleGrace,
			MaxStepsPerTurn: sched.MaxStepsPerTurn,
		},
		Monitor: MonitorConfig{
			ScanInterval:    mon.ScanInterval,
			Grace:           mon.Grace,
			MetricsSchedule: mon.MetricsSchedule,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  false,
			MetricsAddress:  ":9090",
			TracingExporter: "none",
			SamplingRate:    1.0,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Store returns the SQLite store settings.
func (c *Config) Store() stores.Config {
	return stores.Config{
		Path:         c.Database.Path,
		MaxOpenConns: c.Database.MaxOpenConns,
		BusyTimeout:  c.Database.BusyTimeout,
	}
}

// Partition returns the partitioner settings for this worker.
func (c *Config) Partition() partition.Config {
	return partition.Config{
		WorkerID: c.WorkerID,
		Recheck:  c.Roster.Recheck,
		Expiry:   c.Roster.Expiry,
	}
}

// SchedulerSettings returns the scheduler daemon settings for this worker.
func (c *Config) SchedulerSettings() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		WorkerID:        c.WorkerID,
		PollInterval:    c.Scheduler.PollInterval,
		BatchSize:       c.Scheduler.BatchSize,
		Concurrency:     c.Scheduler.Concurrency,
		LeaseDuration:   c.Scheduler.LeaseDuration,
		StaleGrace:      c.Scheduler.StaleGrace,
		MaxStepsPerTurn: c.Scheduler.MaxStepsPerTurn,
	}
}

// MonitorSettings returns the monitor daemon settings for this worker.
func (c *Config) MonitorSettings() monitor.Config {
	return monitor.Config{
		WorkerID:        c.WorkerID,
		ScanInterval:    c.Monitor.ScanInterval,
		Grace:           c.Monitor.Grace,
		MetricsSchedule: c.Monitor.MetricsSchedule,
	}
}

// TelemetrySettings expands the file's telemetry section into the
// telemetry.Config of a daemon running as role.
func (c *Config) TelemetrySettings(version, role string) *telemetry.Config {
	tc := telemetry.DaemonConfig(role, c.WorkerID)
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	tc.Tracing.Enabled = c.Telemetry.TracingExporter != "none"
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	return tc
}
