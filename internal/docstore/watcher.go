package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem notifications under the source directories into
// debounced calls to onChange. Notifications carry no change data; the next
// scan works out what actually changed.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger
}

// NewWatcher creates a watcher. A zero debounce defaults to 500ms.
func NewWatcher(sources []Source, debounce time.Duration, onChange func(), logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	dirs := make([]string, 0, len(sources))
	for _, src := range sources {
		dirs = append(dirs, src.Dir)
	}
	return &Watcher{
		dirs:     dirs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "watcher"),
	}
}

// Run blocks until ctx is cancelled or the notifier fails.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		if err := w.addTree(fw, dir); err != nil {
			return err
		}
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !hidden(ev.Name) {
					if err := w.addTree(fw, ev.Name); err != nil {
						w.logger.Warn("watching new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("change notification", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)

		case <-timer.C:
			w.onChange()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Lost events: let a scan catch up.
				w.onChange()
				continue
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// relevant filters out chmod-only events and hidden files.
func relevant(ev fsnotify.Event) bool {
	if hidden(ev.Name) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
