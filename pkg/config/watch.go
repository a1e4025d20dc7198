package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 500 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(*Config)

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// Watch starts watching path. onChange receives every successfully parsed
// revision; revisions that fail to parse or validate are logged and skipped.
// The watch ends when ctx is canceled or Close is called.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so watch its directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		watcher:  fw,
		logger:   logger.With().Str("component", "config").Str("path", abs).Logger(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.processEvents(ctx)

	w.logger.Info().Msg("Watching config file")
	return w, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			w.stopTimer()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Config file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(reloadDelay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stopTimer()
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload config")
		return
	}
	w.onChange(cfg)
	w.logger.Info().Str("log_level", cfg.Telemetry.LogLevel).Msg("Config reloaded")
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

// ApplyLogLevel sets zerolog's global level from cfg. It is the usual onChange
// callback of the daemons.
func ApplyLogLevel(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		return
	}
	zerolog.SetGlobalLevel(level)
}
