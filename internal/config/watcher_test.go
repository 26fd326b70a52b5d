package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/config"
)

const watchedYAML = `
server:
  log_level: %LEVEL%
providers:
  llm:
    name: ollama
    model: llama3.2
  stt:
    name: whisper
    base_url: http://localhost:8080
  tts:
    name: coqui
    base_url: http://localhost:5002
pipeline:
  temperature: %TEMP%
`

func watched(level, temp string) string {
	return strings.NewReplacer("%LEVEL%", level, "%TEMP%", temp).Replace(watchedYAML)
}

// changes collects every ChangeFunc call.
type changes struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	olds  []*config.Config
	ch    chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 8)} }

func (c *changes) record(old, _ *config.Config, d config.ConfigDiff) {
	c.mu.Lock()
	c.diffs = append(c.diffs, d)
	c.olds = append(c.olds, old)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.diffs)
}

func startWatcher(t *testing.T, content string, onChange config.ChangeFunc, opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lectern.yaml")
	write(t, path, content)
	w, err := config.NewWatcher(path, onChange, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	c := newChanges()
	// A long interval keeps the poller out of the way.
	w, path := startWatcher(t, watched("info", "0.7"), c.record, config.WithInterval(time.Hour))

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Fatalf("initial log level = %q, want info", got)
	}

	// Unchanged content: no callback.
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := c.count(); n != 0 {
		t.Fatalf("callbacks after no-op reload = %d, want 0", n)
	}

	write(t, path, watched("debug", "0.3"))
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := c.count(); n != 1 {
		t.Fatalf("callbacks = %d, want 1", n)
	}
	d := c.diffs[0]
	if !d.LogLevelChanged || !d.PipelineChanged || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want log level and pipeline changes only", d)
	}
	if d.NewPipeline.Temperature != 0.3 {
		t.Errorf("new temperature = %v, want 0.3", d.NewPipeline.Temperature)
	}
	if c.olds[0].Server.LogLevel != config.LogInfo {
		t.Errorf("old config log level = %q, want info", c.olds[0].Server.LogLevel)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log level = %q, want debug", got)
	}
}

func TestWatcher_InvalidFileKeepsLastValid(t *testing.T) {
	t.Parallel()
	c := newChanges()
	w, path := startWatcher(t, watched("info", "0.7"), c.record, config.WithInterval(time.Hour))

	write(t, path, "server:\n  log_level: bananas\n")
	if err := w.Reload(); err == nil {
		t.Fatal("Reload of an invalid file: want error")
	}
	if n := c.count(); n != 0 {
		t.Errorf("callbacks = %d, want 0", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current log level = %q, want info", got)
	}

	// Restoring the original content is not a change.
	write(t, path, watched("info", "0.7"))
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := c.count(); n != 0 {
		t.Errorf("callbacks after restore = %d, want 0", n)
	}
}

func TestWatcher_RestartRequired(t *testing.T) {
	t.Parallel()
	c := newChanges()
	w, path := startWatcher(t, watched("info", "0.7"), c.record, config.WithInterval(time.Hour))

	write(t, path, strings.Replace(watched("info", "0.7"), "model: llama3.2", "model: qwen3", 1))
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := c.count(); n != 1 {
		t.Fatalf("callbacks = %d, want 1", n)
	}
	if d := c.diffs[0]; len(d.RestartRequired) == 0 || d.LogLevelChanged {
		t.Errorf("diff = %+v, want a restart-only change", d)
	}
}

func TestWatcher_Polls(t *testing.T) {
	t.Parallel()
	c := newChanges()
	_, path := startWatcher(t, watched("info", "0.7"), c.record, config.WithInterval(20*time.Millisecond))

	// Push the mtime forward so coarse filesystem clocks still see a change.
	write(t, path, watched("warn", "0.7"))
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	select {
	case <-c.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not pick up the change")
	}
	if d := c.diffs[0]; !d.LogLevelChanged {
		t.Errorf("diff = %+v, want a log level change", d)
	}
}

func TestWatcher_TouchIsNotAChange(t *testing.T) {
	t.Parallel()
	c := newChanges()
	_, path := startWatcher(t, watched("info", "0.7"), c.record, config.WithInterval(20*time.Millisecond))

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if n := c.count(); n != 0 {
		t.Errorf("callbacks after touch = %d, want 0", n)
	}
}

func TestNewWatcher_Errors(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("NewWatcher on a missing file: want error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	write(t, path, "server: [")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("NewWatcher on invalid YAML: want error")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watched("info", "0.7"), nil, config.WithInterval(10*time.Millisecond))
	w.Stop()
	w.Stop()
}
