package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// ChangeHandler receives each successfully reloaded configuration
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it changes. Invalid edits are logged
// and ignored; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   hclog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange ChangeHandler

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches path. The parent directory is watched so editors that
// replace the file on save are still seen.
func NewWatcher(path string, logger hclog.Logger, onChange ChangeHandler) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		logger:   logger.Named("config-watcher"),
		watcher:  fw,
		debounce: 250 * time.Millisecond,
		onChange: onChange,
	}, nil
}

// Start begins processing file events until ctx is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.watchEvents(ctx)
}

// Stop ends watching and releases the underlying watcher
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return w.watcher.Close()
}

func (w *Watcher) watchEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// schedule collapses bursts of events into one reload
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid configuration change", "path", w.path, "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
