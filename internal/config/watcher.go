package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/example/fleetmon/internal/logging"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 500 * time.Millisecond

// WatcherOption adjusts watcher construction.
type WatcherOption func(*Watcher)

// WithDebounce sets how long file events must settle before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reloads the configuration file on change so alert thresholds,
// triggers and rules can be swapped without a restart. A reload that fails
// validation keeps the previous configuration.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration
	done     chan struct{}

	mu       sync.RWMutex
	onChange []func(*Config)
	current  *Config
}

// NewWatcher creates a watcher and loads the initial configuration. An
// invalid initial file is an error; the watcher never starts from a bad
// config.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:       fs,
		loader:   NewLoader(),
		path:     path,
		debounce: defaultReloadDebounce,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := w.loader.Load(path)
	if err != nil {
		fs.Close()
		return nil, err
	}
	w.current = cfg

	return w, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// configuration.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// GetConfig returns the last successfully loaded configuration.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. The parent directory is watched, not the file
// itself, so atomic rename-style rewrites are picked up.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop ends watching. Pending debounced reloads are abandoned.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) run() {
	settle := time.NewTimer(w.debounce)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire bursts of events per save; wait for them to
			// settle before reloading once.
			settle.Reset(w.debounce)
		case <-settle.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config reload rejected, keeping previous config",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := append([]func(*Config){}, w.onChange...)
	w.mu.Unlock()

	logging.Info("configuration reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
