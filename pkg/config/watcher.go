// Copyright 2026 © The Exo Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/providers/file"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading. Editors and os.WriteFile emit several events per save.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads the configuration when the config file or its profile
// file is written. A reload that fails to load or validate is logged and
// the previous configuration stays current.
type Watcher struct {
	path     string
	profile  string
	debounce time.Duration
	logger   *slog.Logger

	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
	files     []*file.File

	events   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	stop     context.CancelFunc
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the quiet period before a reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWatchProfile also watches the profile file next to the main path.
func WithWatchProfile(profile string) WatcherOption {
	return func(w *Watcher) { w.profile = profile }
}

// NewWatcher loads and validates path. Nothing is watched until Start.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	cfg, err := w.load()
	if err != nil {
		return nil, err
	}
	w.current.Store(cfg)
	return w, nil
}

// OnChange registers fn to receive every configuration that replaces the
// current one. Listeners run on the watcher goroutine.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config { return w.current.Load() }

// Start watches the config file and, when present, the profile file.
// Watching ends when ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("config watcher already started")
	}
	for _, p := range w.paths() {
		f := file.Provider(p)
		if err := f.Watch(w.notify(p)); err != nil {
			w.unwatch()
			close(w.done)
			return err
		}
		w.mu.Lock()
		w.files = append(w.files, f)
		w.mu.Unlock()
	}

	ctx, w.stop = context.WithCancel(ctx)
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for a reload in progress to finish. It is
// safe to call more than once, and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if !w.started.Load() {
			return
		}
		w.unwatch()
		if w.stop != nil {
			w.stop()
		}
	})
	if w.started.Load() {
		<-w.done
	}
}

// paths lists the files to watch. A profile file that does not exist yet
// is skipped.
func (w *Watcher) paths() []string {
	out := []string{w.path}
	if w.profile == "" {
		return out
	}
	pp := ProfilePath(w.path, w.profile)
	if _, err := os.Stat(pp); err == nil {
		out = append(out, pp)
	}
	return out
}

func (w *Watcher) notify(path string) func(any, error) {
	return func(_ any, err error) {
		if err != nil {
			w.logger.Warn("config.watch.error", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		select {
		case w.events <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.events:
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := w.load()
	if err != nil {
		w.logger.ErrorContext(ctx, "config.reload.error", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.current.Store(cfg)

	w.mu.Lock()
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "config.reload.done", slog.String("path", w.path), slog.String("profile", w.profile))
	for _, fn := range listeners {
		fn(cfg)
	}
}

func (w *Watcher) unwatch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		_ = f.Unwatch()
	}
	w.files = nil
}

func (w *Watcher) load() (*Config, error) {
	cfg, err := LoadWithProfile(w.path, w.profile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WatchConfig creates a watcher for path and profile and starts it.
func WatchConfig(ctx context.Context, path, profile string, opts ...WatcherOption) (*Watcher, *Config, error) {
	w, err := NewWatcher(path, append(opts, WithWatchProfile(profile))...)
	if err != nil {
		return nil, nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, nil, err
	}
	return w, w.Config(), nil
}
