// Package filewatch implements the File Watcher utility (spec §4.I): a
// single-file change notifier with debouncing and a polling fallback for
// filesystems where fsnotify cannot attach (e.g. the watched file does not
// exist yet).
//
// Grounded on the fsnotify-based hot-reload watcher (internal/hotswap in
// viant-agently), adapted from directory-tree watching to single-file
// watching with a debounce window and an ENOENT -> polling fallback the
// original did not need.
package filewatch

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var log = logging.For("filewatch")

// DefaultDebounce coalesces bursts of filesystem events (e.g. editors that
// write-then-rename) into a single notification.
const DefaultDebounce = 300 * time.Millisecond

// DefaultPollInterval is used while the target file does not exist and
// fsnotify has nothing to attach to.
const DefaultPollInterval = 2 * time.Second

// Watcher notifies a callback when the watched file changes. It is safe to
// construct even when the target file does not yet exist: it falls back to
// polling until the file appears, then switches to fsnotify.
type Watcher struct {
	path     string
	debounce time.Duration
	poll     time.Duration
	onChange func()

	mu         sync.Mutex
	isWatching bool
	closed     bool
	done       chan struct{}
	fsw        *fsnotify.Watcher
	lastMtime  time.Time
}

// New creates a Watcher for path. onChange is invoked (from a background
// goroutine) after the debounce window following a detected change. Call
// Start to begin watching and Close to stop.
func New(path string, onChange func()) *Watcher {
	return &Watcher{
		path:     path,
		debounce: DefaultDebounce,
		poll:     DefaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// Start begins watching. It returns immediately; watching happens on a
// background goroutine regardless of whether the file currently exists.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	go w.run()
	return nil
}

// IsWatching reports whether fsnotify is currently attached to the target
// file (false while polling for the file to appear).
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isWatching
}

func (w *Watcher) run() {
	for {
		if w.stopped() {
			return
		}
		if _, err := os.Stat(w.path); err != nil || !w.attach() {
			w.sleepOrStop(w.poll)
			continue
		}
		w.watchLoop()
		if w.stopped() {
			return
		}
		// fsnotify stream ended (file removed out from under us, or the
		// watch errored) — fall back to polling until it reappears.
		w.setWatching(false)
		w.sleepOrStop(w.poll)
	}
}

// attach tries to start an fsnotify watch on the file's directory-less
// parent is unnecessary here: fsnotify can watch a single file directly as
// long as it currently exists.
func (w *Watcher) attach() bool {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify watcher creation failed, staying in poll mode")
		return false
	}
	if err := fsw.Add(w.path); err != nil {
		fsw.Close()
		return false
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	w.snapshotMtime()
	w.setWatching(true)
	return true
}

// snapshotMtime records the watched file's current mtime so the next
// debounced fire can tell a genuine content change from a write that
// produced identical bytes (e.g. an editor's save-without-change, or a
// burst of events collapsed by the debounce window that nets out to the
// same content). Leaves lastMtime untouched if the file can't be stat'd.
func (w *Watcher) snapshotMtime() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	w.lastMtime = info.ModTime()
	w.mu.Unlock()
}

func (w *Watcher) watchLoop() {
	w.mu.Lock()
	fsw := w.fsw
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	defer fsw.Close()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C
			if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
				// The watched path itself may be gone; stop this fsnotify
				// stream so run() re-attaches (or falls to polling).
				defer func() { go w.notify() }()
				return
			}
		case <-debounceCh:
			w.maybeNotify()
			debounceCh = nil
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) notify() {
	if w.onChange != nil {
		w.onChange()
	}
}

// maybeNotify fires onChange only if the file's mtime has actually
// advanced since the last fire (spec §4.I): a debounce window can settle
// after events that didn't change the file's content (e.g. a chmod, or an
// editor rewriting identical bytes), and those must not trigger a reload.
func (w *Watcher) maybeNotify() {
	info, err := os.Stat(w.path)
	if err != nil {
		// The file vanished between the triggering event and the debounce
		// settling; run()'s remove/rename path already handles that
		// transition, so there's nothing new to report here.
		return
	}

	w.mu.Lock()
	changed := !info.ModTime().Equal(w.lastMtime)
	w.lastMtime = info.ModTime()
	w.mu.Unlock()

	if changed {
		w.notify()
	}
}

func (w *Watcher) setWatching(v bool) {
	w.mu.Lock()
	w.isWatching = v
	w.mu.Unlock()
}

func (w *Watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Watcher) sleepOrStop(d time.Duration) {
	select {
	case <-w.done:
	case <-time.After(d):
	}
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
	return nil
}
