package config

import (
	"context"
	"os"
	"sync"
	"time"
)

// Handler receives the freshly loaded configuration after a file change.
type Handler func(cfg Config)

// Watcher polls a config file's modification time and reloads it on
// change. Polling keeps the dependency surface flat and is plenty for a
// file humans edit by hand.
type Watcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	handler  Handler

	mu      sync.Mutex
	lastMod time.Time
	running bool
	cancel  context.CancelFunc
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the poll interval. Default: 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithDebounce sets the quiet period after a change before reloading, so
// an editor's write-then-rename dance triggers one reload, not two.
// Default: 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a watcher for path that calls handler on each
// successful reload. Failed reloads (unparsable or invalid file) are
// skipped; the previous configuration stays in effect.
func NewWatcher(path string, handler Handler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		debounce: 200 * time.Millisecond,
		handler:  handler,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins polling. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)

	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	w.cancel()
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		return // missing file: nothing to reload
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	if changed {
		w.lastMod = info.ModTime()
	}
	w.mu.Unlock()

	if !changed {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.debounce):
	}

	cfg, err := Load(w.path)
	if err != nil {
		return
	}
	w.handler(cfg)
}
