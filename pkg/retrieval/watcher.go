package retrieval

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches embedded source directories and reports, debounced, which
// of them changed
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onStale  func(dir string)
	debounce time.Duration

	mu      sync.Mutex
	roots   []string
	pending map[string]*time.Timer
	stopCh  chan struct{}
	stopped bool
}

// NewWatcher creates a watcher calling onStale with the changed source root
func NewWatcher(logger zerolog.Logger, onStale func(dir string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		logger:   logger,
		onStale:  onStale,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch adds root and its subdirectories, skipping hidden ones
func (w *Watcher) Watch(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.roots = append(w.roots, abs)
	w.mu.Unlock()

	return filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != abs && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// SetDebounce changes the quiet period before a change is reported
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

// run processes file system events
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !TextExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Source change detected")

				if root := w.rootOf(event.Name); root != "" {
					w.scheduleStale(root)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Source watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) rootOf(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	best := ""
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if len(root) > len(best) {
			best = root
		}
	}
	return best
}

// scheduleStale debounces change notifications per root
func (w *Watcher) scheduleStale(root string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if t, ok := w.pending[root]; ok {
		t.Stop()
	}
	w.pending[root] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, root)
		w.mu.Unlock()

		w.logger.Debug().Str("dir", root).Msg("Marking source stale after changes")
		w.onStale(root)
	})
}
