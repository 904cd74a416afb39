package taskgraph

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/events/bus"
)

// debounceDelay collapses editor write bursts into a single notification.
const debounceDelay = 300 * time.Millisecond

// Watcher monitors workspace manifests and publishes a repo_activity event
// when one changes on disk.
type Watcher struct {
	bus    bus.EventBus
	logger *logger.Logger

	fw     *fsnotify.Watcher
	mu     sync.Mutex
	timers map[string]*time.Timer
	roots  map[string]bool
	done   chan struct{}
}

// NewWatcher creates a manifest watcher publishing to the given bus.
func NewWatcher(eventBus bus.EventBus, log *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "taskgraph-watcher")),
		fw:     fw,
		timers: make(map[string]*time.Timer),
		roots:  make(map[string]bool),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch registers a workspace directory. The directory is watched rather
// than the file itself so atomic rename saves keep firing events.
func (w *Watcher) Watch(workspace string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.roots[workspace] {
		return nil
	}
	if err := w.fw.Add(workspace); err != nil {
		return err
	}
	w.roots[workspace] = true
	w.logger.Debug("watching task manifest", zap.String("workspace", workspace))
	return nil
}

// Unwatch removes a workspace from the watch set.
func (w *Watcher) Unwatch(workspace string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.roots[workspace] {
		return
	}
	delete(w.roots, workspace)
	if err := w.fw.Remove(workspace); err != nil {
		w.logger.Debug("failed to remove watch", zap.String("workspace", workspace), zap.Error(err))
	}
}

// Close stops the watcher and cancels pending notifications.
func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ManifestName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Dir(event.Name))
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("manifest watcher error", zap.Error(err))
		}
	}
}

// schedule arms (or re-arms) the debounce timer for a workspace.
func (w *Watcher) schedule(workspace string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[workspace]; ok {
		t.Reset(debounceDelay)
		return
	}
	w.timers[workspace] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, workspace)
		w.mu.Unlock()
		w.notify(workspace)
	})
}

func (w *Watcher) notify(workspace string) {
	event := bus.NewEvent(bus.EventRepoActivity, "taskgraph-watcher", map[string]any{
		"workspace": workspace,
		"file":      ManifestName,
	})
	if err := w.bus.Publish(context.Background(), bus.Subject(bus.EventRepoActivity), event); err != nil {
		w.logger.Warn("failed to publish repo activity", zap.Error(err))
		return
	}
	w.logger.Debug("task manifest changed", zap.String("workspace", workspace))
}
