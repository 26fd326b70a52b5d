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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous config, the new one and their [Diff] once
// the watched file holds a different valid config.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// fingerprint identifies one version of the file. The hash is only computed
// when the stat data moved.
type fingerprint struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (f fingerprint) statEqual(info os.FileInfo) bool {
	return f.mtime.Equal(info.ModTime()) && f.size == info.Size()
}

// Watcher reloads the config file when it changes, either on its polling
// interval or when [Watcher.Reload] is called (main wires that to SIGHUP).
// Invalid files are logged and skipped; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	// reloadMu serialises reloads so callbacks observe versions in order.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	current *Config
	seen    fingerprint

	stopOnce sync.Once
	done     chan struct{}
	exited   chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger reloads are reported to.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the file now, even if its stat data did not move. It
// returns the parse or validation error of an invalid file. An unchanged
// file is not an error and does not call the ChangeFunc.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

// Stop ends polling and waits for a reload in progress. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if err := w.reload(false); err != nil {
				w.log.Warn("config: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

func (w *Watcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.RLock()
	prev := w.seen
	w.mu.RUnlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		if prev.statEqual(info) {
			return nil
		}
	}

	cfg, fp, err := w.read()
	if err != nil {
		// Remember the stat data so a broken file is reported once, not on
		// every tick.
		w.mu.Lock()
		w.seen.mtime, w.seen.size = fp.mtime, fp.size
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	old := w.current
	changed := fp.sum != w.seen.sum
	w.seen = fp
	if changed {
		w.current = cfg
	}
	w.mu.Unlock()
	if !changed {
		return nil
	}

	d := Diff(old, cfg)
	w.log.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"pipeline_changed", d.PipelineChanged,
	)
	if len(d.RestartRequired) > 0 {
		w.log.Warn("config: some changes need a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return nil
}

// read loads the file. The fingerprint's stat fields are set whenever the
// file could be stat'ed, even if it does not parse.
func (w *Watcher) read() (*Config, fingerprint, error) {
	var fp fingerprint
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fp, err
	}
	fp.mtime, fp.size = info.ModTime(), info.Size()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fp, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fp, err
	}
	fp.sum = sha256.Sum256(data)
	return cfg, fp, nil
}
