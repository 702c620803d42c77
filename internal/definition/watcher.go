package definition

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/logging"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher re-imports definition files of a directory when they change.
// Bursts of writes to one file are coalesced into a single import.
type Watcher struct {
	dir      string
	importer *Importer
	logger   *logging.Logger
	debounce time.Duration
	onImport func(ImportResult)

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a changed file is imported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithImportHook observes every import attempt.
func WithImportHook(fn func(ImportResult)) WatcherOption {
	return func(w *Watcher) {
		w.onImport = fn
	}
}

// NewWatcher creates a watcher over dir. Call Start to begin watching.
func NewWatcher(dir string, importer *Importer, logger *logging.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	w := &Watcher{
		dir:      dir,
		importer: importer,
		logger:   logger,
		debounce: defaultDebounce,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start adds the directory watch and runs the event loop until ctx is done
// or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.logger.Info("watching definitions", "dir", w.dir)

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := FormatFromPath(event.Name); !ok {
				continue
			}
			w.schedule(ctx, filepath.Clean(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("definition watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.importPath(ctx, path)
	})
}

func (w *Watcher) importPath(ctx context.Context, path string) {
	res := ImportResult{Path: path}
	def, err := w.importer.ImportFile(ctx, path)
	if err != nil {
		res.Error = err.Error()
		w.logger.Warn("re-import failed", "path", path, "error", err)
	} else {
		res.WorkflowID = def.ID
		res.Version = def.Version
	}
	if w.onImport != nil {
		w.onImport(res)
	}
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	for _, t := range w.timers {
		t.Stop()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.shutdown()
	if w.watcher != nil {
		<-w.done
	}
	return nil
}
