package task

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/events/bus"
)

// debounceWindow coalesces bursts of write events from editors that write
// files in several syscalls.
const debounceWindow = 300 * time.Millisecond

// Watcher watches the user and system task files and publishes
// tasks.changed when either is edited externally.
type Watcher struct {
	userPath   string
	systemPath string
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewWatcher creates a watcher over the two task files.
func NewWatcher(userPath, systemPath string, b bus.EventBus, log *logger.Logger) *Watcher {
	return &Watcher{
		userPath:   userPath,
		systemPath: systemPath,
		bus:        b,
		logger:     log.WithFields(zap.String("component", "task-watcher")),
	}
}

// Run watches until the context is cancelled. Watches are directory-level so
// atomic rename-replace writes are observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dirs := map[string]bool{}
	for _, p := range []string{w.userPath, w.systemPath} {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("Failed to watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	var (
		pending   = map[string]bool{}
		debounce  *time.Timer
		debounced <-chan time.Time
	)

	flush := func() {
		for file := range pending {
			evt := bus.NewEvent(events.TasksChanged, "task-watcher", events.Payload(events.TasksChangedData{
				File:   file,
				Action: "external-edit",
			}))
			if err := w.bus.Publish(ctx, events.TasksChanged, evt); err != nil {
				w.logger.Error("Failed to publish tasks.changed", zap.Error(err))
			}
		}
		pending = map[string]bool{}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			var file string
			switch ev.Name {
			case w.userPath:
				file = "user"
			case w.systemPath:
				file = "system"
			default:
				continue
			}
			pending[file] = true
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				debounce.Reset(debounceWindow)
			}
			debounced = debounce.C
		case <-debounced:
			flush()
			debounced = nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}
