package selectors

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a Registry when its selector file changes on disk. A file
// that fails to parse is logged and the previous table stays active.
type Watcher struct {
	reg      *Registry
	path     string
	logger   *zap.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	running  bool
	pending  time.Time
	reloads  int
	failures int
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher watches the file reg was loaded from. A zero debounce uses 250ms.
func NewWatcher(reg *Registry, logger *zap.Logger, debounce time.Duration) (*Watcher, error) {
	path := reg.Path()
	if path == "" {
		return nil, fmt.Errorf("selector registry has no backing file to watch")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		reg:      reg,
		path:     abs,
		logger:   logger,
		fs:       fw,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the file's directory, since editors often replace files by
// rename. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching selector file", zap.String("path", w.path))
	go w.run(ctx)
	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fs.Close(); err != nil {
		w.logger.Warn("close selector watcher", zap.Error(err))
	}
}

// Stats returns successful and failed reload counts.
func (w *Watcher) Stats() (reloads, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("selector watcher error", zap.Error(err))
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	err := w.reg.Reload()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failures++
		w.logger.Warn("selector reload failed, keeping previous table", zap.Error(err))
		return
	}
	w.reloads++
	w.logger.Info("selector file reloaded", zap.Int("version", w.reg.Version()))
}
