package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config contains the telemetry configuration of one keel process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	// Role is the daemon role ("scheduler", "monitor") recorded on spans and
	// in every log line. Empty for one-shot CLI commands.
	Role string

	// WorkerID is the roster identity of the process.
	WorkerID string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `validate:"required,oneof=trace debug info warn error fatal"`

	// Format is "console" or "json".
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	Caller bool

	// StepBurst caps per-second debug records from the dispatch loop; zero
	// disables sampling.
	StepBurst uint32
}

// TracingConfig configures step tracing.
type TracingConfig struct {
	Enabled bool

	// Exporter is "otlp", "stdout" or "none".
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint (e.g. "localhost:4317").
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate float64 `validate:"gte=0,lte=1"`

	MaxExportBatchSize int           `validate:"gte=0"`
	ExportTimeout      time.Duration `validate:"gte=0"`

	// Insecure disables TLS for the OTLP connection.
	Insecure bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled bool

	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string

	// Namespace prefixes every metric name.
	Namespace string `validate:"required"`

	// StepBuckets are the step latency buckets in seconds.
	StepBuckets []float64
}

// DefaultConfig returns the telemetry configuration of a one-shot command:
// console logs at info, metrics registered but not served, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "keel",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "keel",
			StepBuckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	}
}

// DaemonConfig returns the configuration of a long-running daemon: JSON logs
// on stderr carrying the worker identity and sampled dispatch debug records.
func DaemonConfig(role, workerID string) *Config {
	cfg := DefaultConfig()
	cfg.Role = role
	cfg.WorkerID = workerID
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Logging.StepBurst = 100
	return cfg
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid telemetry config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
