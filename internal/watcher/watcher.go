// Package watcher implements an fsnotify-backed file watcher that
// coalesces path-change events on a debounce interval and fans
// invalidation out to the build cache, the resolver cache, and the
// package.json cache.
package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"
)

// Invalidator receives a coalesced batch of changed paths. The daemon's
// implementation fans the batch out to the build cache (path-scoped), the
// resolver cache (tried-path intersection) and the package.json cache
// (exact file).
type Invalidator interface {
	InvalidatePaths(paths []string)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(paths []string)

func (f InvalidatorFunc) InvalidatePaths(paths []string) { f(paths) }

// Options configures a Watcher.
type Options struct {
	// Debounce is the coalescing interval.
	Debounce time.Duration
}

const DefaultDebounce = 100 * time.Millisecond

// Watcher watches a set of absolute roots and fans coalesced change events
// out to registered Invalidators.
type Watcher struct {
	fsw          *fsnotify.Watcher
	debounce     time.Duration
	invalidators []Invalidator

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	done chan struct{}
}

// New creates a Watcher over roots, registering invalidators to receive
// coalesced batches. The returned Watcher is not yet running; call Start.
func New(roots []string, opts Options, invalidators ...Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("watcher: %w", err)
	}
	for _, root := range roots {
		if err := fsw.Add(root); err != nil {
			fsw.Close()
			return nil, xerrors.Errorf("watcher: add root %s: %w", root, err)
		}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		fsw:          fsw,
		debounce:     debounce,
		invalidators: invalidators,
		pending:      make(map[string]struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Start begins the watch loop in a background goroutine. Stop must be
// called to release resources.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.record(filepath.Clean(ev.Name))
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// A watcher error is discarded; it does not stop event
			// processing for other paths.
		case <-w.done:
			return
		}
	}
}

// record adds path to the pending coalesced set and (re)arms the debounce
// timer.
func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush fans the coalesced pending set out to every registered Invalidator
// and resets the pending set.
func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	for _, inv := range w.invalidators {
		inv.InvalidatePaths(paths)
	}
}

// AddRoot adds an additional root to watch, e.g. in response to a
// WatchStart request while the daemon is already running.
func (w *Watcher) AddRoot(root string) error {
	if err := w.fsw.Add(root); err != nil {
		return xerrors.Errorf("watcher: add root %s: %w", root, err)
	}
	return nil
}

// Stop terminates the watch loop and releases the underlying fsnotify
// watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}
