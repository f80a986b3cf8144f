package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last file event before the
// config is re-read. Editors tend to save in several writes.
const DefaultDebounce = 100 * time.Millisecond

// Watcher follows a config file on disk. Each time its content settles into a
// different, valid config the change callback runs with the previous and the
// new config. Edits that fail to parse or validate are reported and skipped;
// [Watcher.Current] keeps returning the last good config.
type Watcher struct {
	path     string
	debounce time.Duration
	clk      clock.Clock
	onChange func(old, new *Config)
	onReject func(error)

	fsw     *fsnotify.Watcher
	stopped chan struct{}
	exited  chan struct{}
	once    sync.Once

	// reloadMu serialises reloads fired by the debounce timer.
	reloadMu sync.Mutex

	mu      sync.Mutex
	pending *clock.Timer
	current *Config
	digest  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce overrides [DefaultDebounce]. Non-positive values are ignored.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithRejectHandler is called with the error of every edit that could not be
// applied. The default logs a warning.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// WithWatcherClock sets the clock driving the debounce timer.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) { w.clk = c }
}

// NewWatcher reads path once and then watches it. The parent directory is
// watched rather than the file so that editors replacing the file by rename
// are followed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: DefaultDebounce,
		clk:      clock.New(),
		onChange: onChange,
		stopped:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
	w.onReject = func(err error) {
		slog.Warn("config: ignoring edit", "path", w.path, "err", err)
	}
	for _, o := range opts {
		o(w)
	}

	cfg, digest, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.current, w.digest = cfg, digest

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.fsw = fsw
	go w.run()
	return w, nil
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends the watch. A reload already running finishes first. Stop may be
// called more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopped)
		_ = w.fsw.Close()
		<-w.exited

		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
		}
		w.mu.Unlock()

		w.reloadMu.Lock()
		defer w.reloadMu.Unlock()
	})
}

func (w *Watcher) run() {
	defer close(w.exited)
	for {
		select {
		case <-w.stopped:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watch error", "path", w.path, "err", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	return filepath.Clean(ev.Name) == w.path &&
		ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = w.clk.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	select {
	case <-w.stopped:
		return
	default:
	}

	cfg, digest, err := w.read()
	if err != nil {
		w.onReject(err)
		return
	}

	w.mu.Lock()
	if digest == w.digest {
		w.mu.Unlock()
		return
	}
	prev := w.current
	w.current, w.digest = cfg, digest
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, cfg)
	}
}

// read loads and validates the file and returns it with its content digest.
func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(raw), nil
}
