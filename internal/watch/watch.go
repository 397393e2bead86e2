// Package watch hot-reloads the declarative documents kgraphd consumes:
// the rule pack and the shape catalog. A debounce window coalesces the
// multiple filesystem events editors fire on a single save.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc is invoked with the settled file path after its events
// pass the debounce window. Errors are the callback's to report; the
// watcher keeps a bad document out of the running state by simply not
// being the one that applies it.
type ReloadFunc func(path string)

// Watcher tracks a fixed set of files registered before Start.
type Watcher struct {
	mu          sync.Mutex
	fsw         *fsnotify.Watcher
	log         *zap.Logger
	targets     map[string]ReloadFunc // absolute path -> callback
	pending     map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// New creates a watcher. Register targets with Watch, then call Start.
func New(log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		fsw:         fsw,
		log:         log.Named("watch"),
		targets:     make(map[string]ReloadFunc),
		pending:     make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Watch registers a file and its reload callback. The parent directory
// is watched, not the file itself, so atomic rename-into-place saves
// still produce events.
func (w *Watcher) Watch(path string, fn ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.targets[abs] = fn
	w.mu.Unlock()
	return w.fsw.Add(filepath.Dir(abs))
}

// Start runs the event loop until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop terminates the loop and closes the underlying watcher.
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
	if err := w.fsw.Close(); err != nil {
		w.log.Error("close watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", zap.Error(err))
		case <-tick.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, watched := w.targets[abs]; !watched {
		return
	}
	w.log.Debug("document changed", zap.String("path", abs), zap.String("op", ev.Op.String()))
	w.pending[abs] = time.Now()
}

// flushSettled fires callbacks for files whose last event is older than
// the debounce window.
func (w *Watcher) flushSettled() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	callbacks := make([]ReloadFunc, len(ready))
	for i, path := range ready {
		callbacks[i] = w.targets[path]
	}
	w.mu.Unlock()

	for i, path := range ready {
		w.log.Info("reloading document", zap.String("path", path))
		callbacks[i](path)
	}
}
