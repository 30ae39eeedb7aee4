package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Logger is the logging surface the watcher needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Watcher reloads the configuration file when it changes on disk and hands
// each successfully validated result to the registered callbacks.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration
	log      Logger

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool
	stop      func()
	closeOnce sync.Once
	closeErr  error
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the file must be quiet before it is reloaded.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatcherLogger sets the logger used for reload outcomes.
func WithWatcherLogger(l Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher creates a watcher for path. Nothing is observed until Watch runs.
func NewWatcher(path string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required for watching")
	}
	if loader == nil {
		loader = NewLoader()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fs,
		loader:   loader,
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		log:      nopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch blocks until ctx is cancelled or Stop is called. The parent
// directory is watched so a file replaced by rename is still seen.
func (w *Watcher) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.stop = func() { cancel(errWatcherStopped) }
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.stop = nil
		w.mu.Unlock()
	}()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config file %s: %w", w.path, err)
	}

	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), errWatcherStopped) {
				return nil
			}
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.touches(event) {
				quiet.Reset(w.debounce)
			}

		case <-quiet.C:
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

var errWatcherStopped = errors.New("config watcher stopped")

func (w *Watcher) touches(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

// reload loads the file and runs the callbacks in registration order. An
// invalid file leaves the running configuration untouched.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path, nil)
	if err != nil {
		w.log.Error("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.log.Info("config reloaded", "path", w.path)

	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.invoke(cb, cfg)
	}
}

func (w *Watcher) invoke(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("config callback panic", "panic", r)
		}
	}()
	cb(cfg)
}

// OnChange registers a callback for every accepted reload. Callbacks run
// sequentially on the watcher goroutine.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the file watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stop != nil {
		w.stop()
	}
	w.mu.Unlock()

	w.closeOnce.Do(func() {
		w.closeErr = w.fs.Close()
	})
	return w.closeErr
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath returns the watched file.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig is the part of Config that takes effect without a
// restart. A changed service list is staged as the pending registry
// generation, never activated directly.
type HotReloadableConfig struct {
	LogLevel string
	Services []ServiceConfig
}

// ExtractHotReloadable extracts hot-reloadable values from cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel: cfg.Log.Level,
		Services: slices.Clone(cfg.Services),
	}
}

// LogLevelChanged reports whether the log level differs.
func (h HotReloadableConfig) LogLevelChanged(other HotReloadableConfig) bool {
	return h.LogLevel != other.LogLevel
}

// ServicesChanged reports whether the service list differs.
func (h HotReloadableConfig) ServicesChanged(other HotReloadableConfig) bool {
	return !slices.Equal(h.Services, other.Services)
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h.LogLevelChanged(other) || h.ServicesChanged(other)
}
