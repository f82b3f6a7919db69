package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roelfdiedericks/tabmux/internal/logging"
)

// Watcher monitors the loaded config file and re-runs onChange after edits.
// Only the [logging] section is safe to re-apply at runtime; callers decide
// what to do with the reloaded config.
type Watcher struct {
	watcher      *fsnotify.Watcher
	path         string
	debounce     time.Duration
	onChange     func(*Config)
	stopCh       chan struct{}
	mu           sync.Mutex
	pendingTimer *time.Timer
	stopped      bool
}

// NewWatcher creates a watcher for the given config path.
// A nil watcher is returned (no error) when path is empty: running on
// defaults means there is nothing to watch.
func NewWatcher(path string, debounceMs int, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounceMs <= 0 {
		debounceMs = 500
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     path,
		debounce: time.Duration(debounceMs) * time.Millisecond,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}

	// Watch the directory, not the file: editors replace files on save
	// and the watch dies with the old inode otherwise.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return w, nil
}

// Start begins watching for file changes. Spawns a goroutine internally.
func (w *Watcher) Start() {
	if w == nil {
		return
	}
	logging.L_debug("config: watching for changes", "path", w.path)
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Debounce: editors fire several events per save
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logging.L_warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	logging.L_info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.watcher.Close()
}
