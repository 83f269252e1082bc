package kernelspec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher signals when installed kernel specifications may have changed.
// Notifications are coalesced: a burst of filesystem events produces a
// single signal until it is consumed.
type Watcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher watches the given kernel directories and their spec
// subdirectories. Directories that do not exist yet are skipped.
func NewWatcher(dirs []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create spec watcher: %w", err)
	}

	w := &Watcher{
		watcher: fsw,
		changes: make(chan struct{}, 1),
		logger:  logger,
		done:    make(chan struct{}),
	}

	for _, dir := range dirs {
		if err := w.addTree(dir); err != nil {
			logger.Debug("not watching kernel dir", "dir", dir, "error", err)
		}
	}

	go w.loop()
	return w, nil
}

// addTree watches dir and its immediate subdirectories. kernel.json files
// live one level down, and fsnotify does not recurse.
func (w *Watcher) addTree(dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = w.watcher.Add(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			if relevant(event) {
				w.signal()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("kernel spec watcher error", "error", err)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) == specFileName {
		return true
	}
	return event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
}

func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

// Changes delivers a signal when specifications may have changed.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
