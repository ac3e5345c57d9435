package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pocketomega/codemode-bridge/internal/filewatch"
)

// ConfigWatcher drives Manager.Reload from filesystem changes to the
// configured codemode.json path, serializing overlapping reloads: a change
// detected mid-reload is logged and dropped rather than queued. The
// in-flight reload read the file on entry, so a change written after that
// read is applied only by the next change event or reload.
type ConfigWatcher struct {
	manager *Manager
	watcher *filewatch.Watcher
	reloading atomic.Bool
}

// NewConfigWatcher builds (but does not start) a watcher for the manager's
// config file.
func NewConfigWatcher(manager *Manager) *ConfigWatcher {
	cw := &ConfigWatcher{manager: manager}
	cw.watcher = filewatch.New(manager.configPath, cw.onChange)
	return cw
}

// Start begins watching.
func (cw *ConfigWatcher) Start() error {
	return cw.watcher.Start()
}

// Close stops watching.
func (cw *ConfigWatcher) Close() error {
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) onChange() {
	if !cw.reloading.CompareAndSwap(false, true) {
		managerLog.Info().Msg("config change detected while a reload is already in flight, skipping duplicate trigger")
		return
	}
	defer cw.reloading.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := cw.manager.Reload(ctx)
	if err != nil {
		managerLog.Warn().Err(err).Msg("config reload failed, keeping previous connections")
		return
	}
	managerLog.Info().Str("summary", summary).Msg("config reload completed")
}
