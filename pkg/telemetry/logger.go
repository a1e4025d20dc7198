package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the fields keel components log by.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger creates a logger writing to the configured output.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output: %w", err)
		}
		writer = file
	}

	return NewLoggerTo(writer, cfg), nil
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(w).Level(parseLogLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.Caller {
		zlog = zlog.With().Caller().Logger()
	}

	// Only debug and below are sampled; the dispatch loop logs one debug
	// record per step and would otherwise drown everything else.
	if cfg.StepBurst > 0 {
		zlog = zlog.Sample(zerolog.LevelSampler{
			TraceSampler: &zerolog.BurstSampler{Burst: cfg.StepBurst, Period: time.Second},
			DebugSampler: &zerolog.BurstSampler{Burst: cfg.StepBurst, Period: time.Second},
		})
	}

	return &Logger{zlog: zlog, config: cfg}
}

// Zerolog returns the underlying zerolog logger for components that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// SetLevel returns a copy of the logger at the given level.
func (l *Logger) SetLevel(level string) *Logger {
	cfg := l.config
	cfg.Level = level
	return &Logger{zlog: l.zlog.Level(parseLogLevel(level)), config: cfg}
}

// WithField returns a logger with a single additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger(), config: l.config}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// WithWorker adds the roster identity of the process.
func (l *Logger) WithWorker(workerID string) *Logger {
	return l.WithField("worker_id", workerID)
}

// WithTask adds the position of a task: its id, program and step.
func (l *Logger) WithTask(taskID, program, step string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("task_id", taskID).
			Str("program", program).
			Str("step", step).
			Logger(),
		config: l.config,
	}
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a logger at info level on
// stderr when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewLoggerTo(os.Stderr, LoggingConfig{Level: "info", Format: "json"})
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Info logs an info-level message.
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Warn logs a warning-level message.
func (l *Logger) Warn(msg string) {
	l.zlog.Warn().Msg(msg)
}

// Error logs an error with an error-level message.
func (l *Logger) Error(err error, msg string) {
	l.zlog.Error().Err(err).Msg(msg)
}

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
