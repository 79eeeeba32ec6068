package backup

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls a callback when archives matching a pattern are created or
// written in a directory, once the directory has been quiet for the debounce
// period.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	pattern  string
	debounce time.Duration
	callback func()
	closeC   chan struct{}
	started  atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir, pattern string, debounce time.Duration, callback func()) *Watcher {
	return &Watcher{
		dir:      dir,
		pattern:  pattern,
		debounce: debounce,
		callback: callback,
	}
}

// Start begins watching. Starting twice is a no-op.
func (w *Watcher) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.started.Store(false)
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.started.Store(false)
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.watcher = watcher
	w.closeC = make(chan struct{})
	go w.watchLoop()

	slog.Info("watching backup source for new archives", "dir", w.dir, "pattern", w.pattern)
	return nil
}

// Close stops watching and cancels a pending callback.
func (w *Watcher) Close() error {
	if !w.started.CompareAndSwap(true, false) {
		return nil
	}
	close(w.closeC)

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) matches(name string) bool {
	ok, err := filepath.Match(w.pattern, filepath.Base(name))
	return err == nil && ok
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			slog.Debug("archive changed", "file", event.Name)

			// Archives are written in chunks; wait until writes stop
			w.timerMu.Lock()
			if w.timer == nil {
				w.timer = time.AfterFunc(w.debounce, w.fire)
			} else {
				w.timer.Reset(w.debounce)
			}
			w.timerMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("error watching backup source", "error", err)
		case <-w.closeC:
			return
		}
	}
}

func (w *Watcher) fire() {
	w.timerMu.Lock()
	w.timer = nil
	w.timerMu.Unlock()

	if w.started.Load() {
		w.callback()
	}
}
