package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	scerrors "github.com/ha1tch/sqlcall/pkg/errors"
	"github.com/ha1tch/sqlcall/pkg/log"
)

// Watcher monitors a descriptor directory for changes and keeps the
// registry in sync.
type Watcher struct {
	mu sync.RWMutex

	root     string
	registry *Registry
	logger   *log.Logger
	loader   *Loader

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Debouncing: collect events and process in batches
	debounceDelay time.Duration
	pendingEvents map[string]fsnotify.Op
	eventTimer    *time.Timer

	onReload func(entry *Entry, event string)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for batching file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets a callback for reload events. The event is one of
// "created", "modified" or "removed".
func WithOnReload(fn func(entry *Entry, event string)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError sets a callback for error events.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a descriptor watcher over a registry.
func NewWatcher(root string, registry *Registry, logger *log.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, scerrors.Wrap(err, scerrors.ErrCodeWatcher,
			"create file watcher").
			WithOp("NewWatcher").
			Err()
	}

	w := &Watcher{
		root:          root,
		registry:      registry,
		logger:        logger,
		loader:        NewLoader(logger),
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
		pendingEvents: make(map[string]fsnotify.Op),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatchesRecursive(w.root); err != nil {
		return scerrors.Wrap(err, scerrors.ErrCodeWatcher,
			"watch descriptor directory").
			WithOp("Watcher.Start").
			WithField("root", w.root).
			Err()
	}

	w.logger.Catalog().Info("descriptor watcher started",
		"root", w.root,
	)

	go w.processEvents()

	return nil
}

// Stop stops the watcher and waits for the event processor to
// finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Catalog().Info("descriptor watcher stopped")

	return w.fsWatcher.Close()
}

// IsRunning returns whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// addWatchesRecursive adds watches for a directory and all
// subdirectories.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") && path != root {
			return filepath.SkipDir
		}

		if err := w.fsWatcher.Add(path); err != nil {
			w.logger.Catalog().Warn("failed to watch directory",
				"path", path,
				"error", err.Error(),
			)
			return nil
		}

		w.logger.Catalog().Debug("watching directory",
			"path", path,
		)

		return nil
	})
}

// processEvents handles fsnotify events.
func (w *Watcher) processEvents() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			if w.eventTimer != nil {
				w.eventTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Catalog().Error("watcher error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// handleEvent processes a single fsnotify event with debouncing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(strings.ToLower(event.Name), ".sql") {
		// New subdirectories need their own watch.
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.fsWatcher.Add(event.Name)
				w.logger.Catalog().Debug("added watch for new directory",
					"path", event.Name,
				)
			}
		}
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Last operation wins for the same file.
	w.pendingEvents[event.Name] = event.Op

	if w.eventTimer != nil {
		w.eventTimer.Stop()
	}
	w.eventTimer = time.AfterFunc(w.debounceDelay, w.processPendingEvents)
}

// processPendingEvents processes all accumulated events.
func (w *Watcher) processPendingEvents() {
	w.mu.Lock()
	events := w.pendingEvents
	w.pendingEvents = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path, op := range events {
		w.processFileEvent(path, op)
	}
}

// processFileEvent handles a single file change.
func (w *Watcher) processFileEvent(path string, op fsnotify.Op) {
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		w.handleFileRemoved(path)
		return
	}
	if op.Has(fsnotify.Create) || op.Has(fsnotify.Write) {
		w.handleFileChanged(path)
	}
}

// handleFileChanged reloads a new or modified descriptor file.
func (w *Watcher) handleFileChanged(path string) {
	entries, err := w.loader.LoadFile(path)
	if err != nil {
		w.logger.Catalog().Error("failed to reload descriptor file", err,
			"path", path,
		)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}

	eventType := "created"
	if existing, lookupErr := w.registry.LookupByFile(path); lookupErr == nil {
		if existing[0].SourceHash == entries[0].SourceHash {
			w.logger.Catalog().Debug("descriptors unchanged, skipping reload",
				"path", path,
			)
			return
		}
		eventType = "modified"
	}

	// Replace the file's old entries wholesale, so descriptors
	// dropped from the file disappear from the registry.
	w.registry.RemoveFile(path)
	for _, e := range entries {
		if err := w.registry.Register(e); err != nil {
			w.logger.Catalog().Error("failed to register reloaded descriptor", err,
				"descriptor", e.Descriptor.Name,
				"path", path,
			)
			if w.onError != nil {
				w.onError(err)
			}
			continue
		}

		w.logger.Catalog().Info("descriptor reloaded",
			"descriptor", e.Descriptor.Name,
			"event", eventType,
			"path", path,
		)

		if w.onReload != nil {
			w.onReload(e, eventType)
		}
	}
}

// handleFileRemoved drops the descriptors of a deleted file.
func (w *Watcher) handleFileRemoved(path string) {
	removed := w.registry.RemoveFile(path)
	if len(removed) == 0 {
		return
	}

	for _, e := range removed {
		w.logger.Catalog().Info("descriptor removed",
			"descriptor", e.Descriptor.Name,
			"path", path,
		)
		if w.onReload != nil {
			w.onReload(e, "removed")
		}
	}
}
