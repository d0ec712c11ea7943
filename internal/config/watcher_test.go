package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hexenseai/hex-platform/internal/catalog"
	"github.com/hexenseai/hex-platform/internal/config"
)

const pollEvery = 20 * time.Millisecond

func withLogLevel(level string) string {
	return minimalYAML + "server:\n  log_level: " + level + "\n"
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

type change[T any] struct{ old, new T }

// watchFile writes content to a fresh file and watches it with load. Every
// accepted change is delivered on the returned channel.
func watchFile[T any](t *testing.T, content string, load func(string) (*config.Watcher[T], chan change[T], error)) (*config.Watcher[T], chan change[T], string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watched.yaml")
	writeFile(t, path, content)
	w, changes, err := load(path)
	if err != nil {
		t.Fatalf("watch %q: %v", path, err)
	}
	t.Cleanup(w.Stop)
	return w, changes, path
}

func watchConfig(path string) (*config.Watcher[*config.Config], chan change[*config.Config], error) {
	changes := make(chan change[*config.Config], 8)
	w, err := config.WatchConfig(path, func(old, new *config.Config) {
		changes <- change[*config.Config]{old, new}
	}, config.WithInterval(pollEvery))
	return w, changes, err
}

func expectChange[T any](t *testing.T, changes <-chan change[T]) change[T] {
	t.Helper()
	select {
	case c := <-changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no change observed")
		return change[T]{}
	}
}

func expectQuiet[T any](t *testing.T, changes <-chan change[T]) {
	t.Helper()
	select {
	case c := <-changes:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(10 * pollEvery):
	}
}

func TestWatchConfig_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _, _ := watchFile(t, withLogLevel("warn"), watchConfig)
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("log level = %q, want warn", got)
	}

	if _, err := config.WatchConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestWatchConfig_DeliversChange(t *testing.T) {
	t.Parallel()

	w, changes, path := watchFile(t, withLogLevel("info"), watchConfig)
	writeFile(t, path, withLogLevel("debug"))

	c := expectChange(t, changes)
	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("change = %q -> %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if w.Current() != c.new {
		t.Error("Current does not return the delivered config")
	}
	if d := config.Diff(c.old, c.new); !d.LogLevelChanged {
		t.Errorf("diff = %+v, want a log level change", d)
	}
}

// An invalid edit and a touch without content change are both ignored; a
// later valid edit still gets through.
func TestWatchConfig_IgnoresInvalidAndTouch(t *testing.T) {
	t.Parallel()

	w, changes, path := watchFile(t, withLogLevel("info"), watchConfig)

	writeFile(t, path, withLogLevel("bananas"))
	expectQuiet(t, changes)
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("invalid edit replaced config: log level %q", got)
	}

	writeFile(t, path, withLogLevel("info"))
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	expectQuiet(t, changes)

	writeFile(t, path, withLogLevel("error"))
	if c := expectChange(t, changes); c.new.Server.LogLevel != config.LogError {
		t.Errorf("new log level = %q", c.new.Server.LogLevel)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w, _, _ := watchFile(t, withLogLevel("info"), watchConfig)
	w.Stop()
	w.Stop()
}

// The watcher is not tied to the config schema; the catalog is watched with
// its own loader.
func TestNewWatcher_Catalog(t *testing.T) {
	t.Parallel()

	const base = `
models:
  - {id: gpt4o, provider: openai, name: gpt-4o}
packages:
  - {id: general, name: General, description: Answers questions., model: gpt4o}
`
	watchCatalog := func(path string) (*config.Watcher[*catalog.Catalog], chan change[*catalog.Catalog], error) {
		changes := make(chan change[*catalog.Catalog], 8)
		w, err := config.NewWatcher(path, catalog.LoadFromReader, func(old, new *catalog.Catalog) {
			changes <- change[*catalog.Catalog]{old, new}
		}, config.WithInterval(pollEvery))
		return w, changes, err
	}

	w, changes, path := watchFile(t, base, watchCatalog)
	if _, ok := w.Current().Package("general"); !ok {
		t.Fatal("initial catalog misses package general")
	}

	writeFile(t, path, base+"  - {id: orders, name: Orders, description: Tracks orders., model: gpt4o}\n")
	c := expectChange(t, changes)
	if _, ok := c.new.Package("orders"); !ok {
		t.Error("reloaded catalog misses package orders")
	}
	if _, ok := c.old.Package("orders"); ok {
		t.Error("old catalog was mutated")
	}

	// A package bound to an unknown model is rejected by the loader.
	writeFile(t, path, strings.Replace(base, "model: gpt4o}", "model: nope}", 1))
	expectQuiet(t, changes)
}
