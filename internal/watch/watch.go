// Package watch reports changes to a single file, typically config.toml.
//
// The parent directory is watched rather than the file itself so editors
// that save by writing a temp file and renaming it over the original are
// still seen. When fsnotify is unavailable the watcher polls the file's
// modification time instead.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultPollInterval is the stat interval in polling mode.
const defaultPollInterval = 2 * time.Second

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher monitors one file for changes.
type Watcher struct {
	// path is the file being monitored.
	path string
	// events delivers one value per change burst; buffered to 1 so
	// back-to-back writes coalesce.
	events chan struct{}
	// done is closed by [Watcher.Close] to stop the goroutines.
	done chan struct{}
	// fsw is the fsnotify watcher; nil when polling.
	fsw *fsnotify.Watcher
	// once makes Close idempotent.
	once sync.Once
	// wg tracks the background goroutine.
	wg sync.WaitGroup
	// polling is true once the watcher fell back to stat polling.
	polling atomic.Bool
	// pollInterval is the stat interval in polling mode.
	pollInterval time.Duration
}

// Option adjusts a Watcher before it starts.
type Option func(*Watcher)

// WithPollInterval sets the stat interval used in polling mode.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) { w.pollInterval = d }
}

// ForcePolling skips fsnotify entirely.
func ForcePolling() Option {
	return func(w *Watcher) { w.polling.Store(true) }
}

// New starts watching path. The file does not need to exist yet, but its
// directory does.
func New(path string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:         abs,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(w)
	}

	if w.polling.Load() {
		w.start(w.poll)
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.polling.Store(true)
		w.start(w.poll)
		return w, nil
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		slog.Info("cannot watch directory, falling back to polling", "path", filepath.Dir(abs), "error", err)
		fsw.Close()
		w.polling.Store(true)
		w.start(w.poll)
		return w, nil
	}
	w.fsw = fsw
	w.start(w.watch)
	return w, nil
}

// start runs fn on a tracked goroutine.
func (w *Watcher) start(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// watch forwards fsnotify events for the watched file. On a watcher error it
// closes fsnotify and continues in polling mode.
func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to polling", "error", err)
			w.fsw.Close()
			w.polling.Store(true)
			w.poll()
			return
		}
	}
}

// poll stats the file every pollInterval and notifies when its
// modification time or size changes.
func (w *Watcher) poll() {
	lastMod, lastSize := w.stat()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			mod, size := w.stat()
			if !mod.Equal(lastMod) || size != lastSize {
				lastMod, lastSize = mod, size
				w.notify()
			}
		}
	}
}

// stat returns the file's modification time and size, zero if missing.
func (w *Watcher) stat() (time.Time, int64) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, -1
	}
	return info.ModTime(), info.Size()
}

// notify queues one event unless one is already pending.
func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}

// Polling reports whether the watcher is using polling instead of fsnotify.
func (w *Watcher) Polling() bool {
	return w.polling.Load()
}

// Events returns a channel that receives a value when the file changes.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
		w.wg.Wait()
	})
	return err
}
