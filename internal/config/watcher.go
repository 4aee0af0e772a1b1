package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands each
// valid new configuration to the callback. Invalid or unreadable updates
// are logged and dropped, keeping the last good configuration in effect.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Configuration)

	fsw       *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher builds a watcher for path. The parent directory is watched,
// not the file itself, because editors and deploy tools replace config
// files by rename.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Configuration)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watcher requires a change callback")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     abs,
		logger:   logger,
		onChange: onChange,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) run() {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors fire several events per save.
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				pending = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case <-pending:
			timer = nil
			pending = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg := NewDefault()
	if err := cfg.LoadFromFile(w.path); err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	if err := cfg.LoadFromEnv(); err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("rejected invalid config update",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}
