package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file. When its content changes to a config that
// loads, validates and passes every check, the watcher makes it current and
// calls onChange with the previous and the new config. Anything else is
// logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	checks   []func(*Config) error
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileStamp

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies a version of the file. The hash guards against
// editors that rewrite identical content.
type fileStamp struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// WithCheck adds a check a changed config must pass before it becomes
// current. Checks may adjust the config, e.g. to re-apply command-line
// overrides. The initial load is checked too.
func WithCheck(check func(*Config) error) WatcherOption {
	return func(w *Watcher) { w.checks = append(w.checks, check) }
}

// NewWatcher loads path and starts polling it.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, stamp

	go w.loop()
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for a running onChange to return. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(prev.mtime) {
		return
	}

	cfg, stamp, err := w.read()
	w.mu.Lock()
	switch {
	case err != nil:
		// Remember the mtime so the same broken file is reported once.
		w.seen.mtime = info.ModTime()
		w.mu.Unlock()
		w.log.Warn("config watcher: change rejected, keeping previous config", "path", w.path, "err", err)
		return
	case stamp.hash == prev.hash:
		w.seen = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.seen = cfg, stamp
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads, validates and checks the file.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{mtime: info.ModTime(), hash: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, err
	}
	for _, check := range w.checks {
		if err := check(cfg); err != nil {
			return nil, stamp, err
		}
	}
	return cfg, stamp, nil
}
