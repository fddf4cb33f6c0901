package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDirPerm is the permission mode for the sync directory when
	// ensuring it exists before starting the file watcher.
	watcherDirPerm = fs.FileMode(0o755)

	// watcherDebounceInterval is how often the watcher checks for pending
	// filesystem events.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherQuietPeriod is how long a path must stay untouched before
	// its change is reported, so a file being written is reported once.
	watcherQuietPeriod = 300 * time.Millisecond
)

// Watcher reports local changes in the sync directory. It does not sync
// anything itself; callers usually turn a report into a pass trigger.
type Watcher struct {
	dir     string
	exclude func(path string, isDir bool) bool
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for dir. exclude may be nil.
func NewWatcher(dir string, exclude func(path string, isDir bool) bool, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, exclude: exclude, logger: logger}
}

// Watch blocks until ctx is cancelled, calling onChange with the
// relative paths that changed since the previous call. Directories are
// watched recursively, including ones created later.
func (w *Watcher) Watch(ctx context.Context, onChange func(paths []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, watcherDirPerm); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching sync dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.dir))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			rel, ignored := w.relevant(event.Name)
			if ignored {
				continue
			}

			pending[rel] = time.Now()

			// New directories need their own watch. Lstat keeps symlinks
			// pointing outside the tree unwatched.
			if event.Has(fsnotify.Create) {
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			var settled []string

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < watcherQuietPeriod {
					continue
				}

				delete(pending, path)
				settled = append(settled, path)
			}

			if len(settled) > 0 {
				onChange(settled)
			}
		}
	}
}

// relevant converts an absolute event path to the relative sync path and
// reports whether it should be ignored.
func (w *Watcher) relevant(absPath string) (string, bool) {
	rel, err := filepath.Rel(w.dir, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", true
	}

	rel = reconcile.NormalizePath(filepath.ToSlash(rel))

	return rel, w.shouldIgnore(rel, false)
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		// WalkDir does not follow symlinks it discovers, but the root
		// argument is resolved, so check each directory explicitly.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		if path != w.dir {
			rel, err := filepath.Rel(w.dir, path)
			if err == nil && w.shouldIgnore(reconcile.NormalizePath(filepath.ToSlash(rel)), true) {
				return filepath.SkipDir
			}
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore skips hidden entries (including the journal directory and
// in-progress downloads) and excluded paths.
func (w *Watcher) shouldIgnore(rel string, isDir bool) bool {
	for _, segment := range strings.Split(rel, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}

	return w.exclude != nil && w.exclude(rel, isDir)
}
