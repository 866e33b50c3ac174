// Package watcher registers videos dropped into an inbox folder.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heimdex/heimdex-labeler/internal/video"
)

// DefaultSettle is how long a file must stay quiet before it is reported.
// Copies into the inbox emit a Create followed by a stream of Writes.
const DefaultSettle = 2 * time.Second

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

// FSWatcher watches one directory, non-recursively, for video files.
type FSWatcher struct {
	logger *slog.Logger
	settle time.Duration

	mu       sync.Mutex
	callback func(path string, event EventType)
	fsw      *fsnotify.Watcher
	pending  map[string]*pendingEvent
	started  chan struct{}
}

type pendingEvent struct {
	timer *time.Timer
	kind  EventType
}

func NewFSWatcher(logger *slog.Logger) *FSWatcher {
	return &FSWatcher{
		logger:  logger.With("component", "watcher"),
		settle:  DefaultSettle,
		pending: make(map[string]*pendingEvent),
		started: make(chan struct{}),
	}
}

func (w *FSWatcher) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

// Watch blocks until ctx is done or Stop is called. It may be called once.
func (w *FSWatcher) Watch(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	close(w.started)

	w.logger.Info("watching inbox", "path", path)

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)
		}
	}
}

func (w *FSWatcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !video.IsVideoFile(name) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.cancelPending(event.Name)
		w.emit(event.Name, EventDelete)
	case event.Has(fsnotify.Create):
		w.schedule(event.Name, EventCreate)
	case event.Has(fsnotify.Write):
		w.schedule(event.Name, EventModify)
	}
}

// schedule (re)arms the settle timer for path. A Create still pending when
// Writes arrive is reported as a Create.
func (w *FSWatcher) schedule(path string, kind EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		kind = min(kind, p.kind)
	}
	p := &pendingEvent{kind: kind}
	p.timer = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		current, ok := w.pending[path]
		if !ok || current != p {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.mu.Unlock()
		w.emit(path, p.kind)
	})
	w.pending[path] = p
}

func (w *FSWatcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *FSWatcher) emit(path string, kind EventType) {
	w.mu.Lock()
	cb := w.callback
	w.mu.Unlock()

	w.logger.Debug("inbox change", "file", filepath.Base(path), "event", kind.String())
	if cb != nil {
		cb(path, kind)
	}
}

func (w *FSWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	w.fsw = nil
	return err
}
