package filewatch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWatcher_DetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var changes int32
	w := New(path, func() { atomic.AddInt32(&changes, 1) })
	w.debounce = 10 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	waitFor(t, w.IsWatching, time.Second, "expected watcher to attach to existing file")

	if err := os.WriteFile(path, []byte(`{"changed":true}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&changes) > 0 }, 2*time.Second, "expected onChange to fire after write")
}

func TestWatcher_SuppressesNotifyWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var changes int32
	w := New(path, func() { atomic.AddInt32(&changes, 1) })
	w.debounce = 10 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	waitFor(t, w.IsWatching, time.Second, "expected watcher to attach to existing file")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	frozen := info.ModTime()

	// Rewrite identical content, then restore the original mtime — this
	// simulates a debounced burst settling without any real content
	// change (e.g. a save that round-trips to identical bytes).
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, frozen, frozen); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&changes); got != 0 {
		t.Errorf("onChange fired %d times despite an unchanged mtime", got)
	}

	// A genuine change (real mtime advance) must still fire.
	if err := os.WriteFile(path, []byte(`{"changed":true}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&changes) > 0 }, 2*time.Second, "expected onChange once mtime actually advances")
}

func TestWatcher_PollsUntilFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")

	w := New(path, func() {})
	w.poll = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	if w.IsWatching() {
		t.Error("watcher should not be attached before the file exists")
	}

	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, w.IsWatching, 2*time.Second, "expected watcher to attach once the file appears")
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte("{}"), 0o644)

	w := New(path, func() {})
	w.Start()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
