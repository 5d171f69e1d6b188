package configload

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher re-applies a configure file whenever it changes on disk. Editors
// that write via rename are covered by watching the directory and matching
// create events for the file.
type Watcher struct {
	path         string
	configurator Configurator
	loader       *Loader
	logger       *slog.Logger
	debounce     time.Duration

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// WatcherOption adjusts a Watcher.
type WatcherOption func(*Watcher)

// WithLogger routes watcher diagnostics to l.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets the quiet period after the last change before the file
// is re-applied.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher builds a watcher for path driving c. Call Start to begin.
func NewWatcher(path string, c Configurator, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("configload: resolving %s: %w", path, err)
	}
	w := &Watcher{
		path:         abs,
		configurator: c,
		loader:       NewLoader(),
		logger:       slog.Default(),
		debounce:     defaultDebounce,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start applies the file once, then watches for changes until Stop.
func (w *Watcher) Start() error {
	if err := w.apply(); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configload: starting watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("configload: watching %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends the watch. Safe to call once after a successful Start.
func (w *Watcher) Stop() {
	close(w.done)
	w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch error", slog.String("path", w.path), slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			if err := w.apply(); err != nil {
				w.logger.Error("config reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("config reloaded", slog.String("path", w.path))
		}
	}
}

func (w *Watcher) apply() error {
	targets, err := w.loader.Load(w.path)
	if err != nil {
		return err
	}
	return Apply(w.configurator, targets)
}
