package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk. Editors
// often replace files via rename, so the watch is on the parent directory.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
	debounce time.Duration
}

// NewWatcher creates a watcher for path. onChange receives every
// successfully reloaded and validated configuration; invalid edits are
// logged and DROPPED so a typo never takes down a running pipeline.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.Info("watching configuration", slog.String("path", w.path))

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Collapse editor write bursts into one reload.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("configuration watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("configuration reload rejected",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Info("configuration reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}
