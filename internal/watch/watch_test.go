package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/rs/zerolog"
)

type capture struct {
	mu    sync.Mutex
	calls []struct {
		pipeline, item string
		tier           domain.ModelTier
	}
}

func (c *capture) trigger(pipeline, itemRef string, tier domain.ModelTier) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, struct {
		pipeline, item string
		tier           domain.ModelTier
	}{pipeline, itemRef, tier})
	return "run-1", nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func startWatcher(t *testing.T, dir string, c *capture) *Watcher {
	t.Helper()
	w, err := New(dir, c.trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	w.SetSettle(10 * time.Millisecond)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatcherTriggersOnDroppedFile(t *testing.T) {
	dir := t.TempDir()
	var c capture
	startWatcher(t, dir, &c)

	path := filepath.Join(dir, "run.json")
	if err := os.WriteFile(path, []byte(`{"pipeline":"full","item":"42","tier":"advanced"}`), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return c.count() == 1 }, "trigger never fired")

	c.mu.Lock()
	call := c.calls[0]
	c.mu.Unlock()
	if call.pipeline != "full" || call.item != "42" || call.tier != domain.TierAdvanced {
		t.Errorf("trigger call = %+v", call)
	}

	waitFor(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, "consumed trigger file not removed")
}

func TestWatcherProcessesPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "early.json")
	if err := os.WriteFile(path, []byte(`{"pipeline":"plan-only","item":"7"}`), 0644); err != nil {
		t.Fatal(err)
	}

	var c capture
	startWatcher(t, dir, &c)

	waitFor(t, func() bool { return c.count() == 1 }, "pre-existing trigger never fired")
}

func TestWatcherStopWithoutStart(t *testing.T) {
	var c capture
	w, err := New(t.TempDir(), c.trigger, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a watcher that was never started")
	}
}

func TestWatcherIgnoresMalformedAndNonJSON(t *testing.T) {
	dir := t.TempDir()
	var c capture
	startWatcher(t, dir, &c)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{not json`), 0644); err != nil {
		t.Fatal(err)
	}
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}

	// Malformed triggers are discarded without firing.
	waitFor(t, func() bool {
		_, errA := os.Stat(bad)
		_, errB := os.Stat(empty)
		return os.IsNotExist(errA) && os.IsNotExist(errB)
	}, "malformed triggers not discarded")

	if got := c.count(); got != 0 {
		t.Errorf("trigger fired %d times, want 0", got)
	}
}
