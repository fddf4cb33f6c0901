// Package localfs reads and writes the local sync directory. Tree holds
// every filesystem mutation the executor performs; Scanner produces the
// local snapshot.
package localfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// markerContent is written into every placeholder marker. The content is
// never read back; only the name matters.
var markerContent = []byte(" ")

// ErrDirNotEmpty is returned by DeleteEmptyDir when the directory still
// has children.
var ErrDirNotEmpty = errors.New("directory not empty")

// Tree provides thread-safe filesystem operations on the sync directory.
// Writes are serialized by an exclusive lock. Reads take a shared lock so
// they never observe a half-finished rename.
type Tree struct {
	dir    string
	suffix string
	mu     sync.RWMutex
}

// NewTree creates a Tree rooted at dir. The directory must be an absolute
// path. suffix names placeholder markers.
func NewTree(dir, suffix string) *Tree {
	return &Tree{dir: dir, suffix: suffix}
}

// Dir returns the root directory.
func (t *Tree) Dir() string {
	return t.dir
}

// MarkerPath returns the relative marker path for a logical path.
func (t *Tree) MarkerPath(relPath string) string {
	return relPath + t.suffix
}

// ReadFile reads a file by relative path.
func (t *Tree) ReadFile(relPath string) ([]byte, error) {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return os.ReadFile(absPath)
}

// Open opens a file for reading. The caller closes it.
func (t *Tree) Open(relPath string) (*os.File, error) {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return os.Open(absPath)
}

// WriteFile writes content to a relative path, creating parent
// directories. A non-zero mtime is applied after writing so the local
// file carries the server's timestamp.
func (t *Tree) WriteFile(relPath string, data []byte, mtime time.Time) error {
	return t.WriteStream(relPath, bytes.NewReader(data), mtime)
}

// WriteStream copies r into a temporary file next to relPath and renames
// it into place, so a failed transfer never leaves a truncated file.
func (t *Tree) WriteStream(relPath string, r io.Reader, mtime time.Time) error {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".sync-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", relPath, err)
	}

	tmpPath := tmp.Name()

	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", relPath, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", relPath, err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("chmod %s: %w", relPath, err)
	}

	if !mtime.IsZero() {
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			return fmt.Errorf("setting mtime for %s: %w", relPath, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return os.Rename(tmpPath, absPath)
}

// WriteMarker creates the placeholder marker for a logical path.
func (t *Tree) WriteMarker(relPath string, mtime time.Time) error {
	return t.WriteFile(t.MarkerPath(relPath), markerContent, mtime)
}

// RemoveMarker deletes the placeholder marker for a logical path. A
// missing marker is not an error.
func (t *Tree) RemoveMarker(relPath string) error {
	return t.DeleteFile(t.MarkerPath(relPath))
}

// RenameMarker moves a placeholder marker along with its logical path.
func (t *Tree) RenameMarker(oldRel, newRel string) error {
	return t.Rename(t.MarkerPath(oldRel), t.MarkerPath(newRel))
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (t *Tree) DeleteFile(relPath string) error {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}

	return nil
}

// DeleteEmptyDir removes a directory only if it is empty. Returns nil if
// the directory does not exist and ErrDirNotEmpty if it has children.
func (t *Tree) DeleteEmptyDir(relPath string) error {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := os.ReadDir(absPath)
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("reading directory %s: %w", relPath, err)
	}

	if len(entries) > 0 {
		return fmt.Errorf("removing directory %s: %w", relPath, ErrDirNotEmpty)
	}

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing directory %s: %w", relPath, err)
	}

	return nil
}

// MkdirAll creates a directory and its parents by relative path.
func (t *Tree) MkdirAll(relPath string) error {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return os.MkdirAll(absPath, dirPerm)
}

// Rename moves a file or directory within the tree. The destination's
// parent is created if needed.
func (t *Tree) Rename(oldRel, newRel string) error {
	oldAbs, err := t.resolve(oldRel)
	if err != nil {
		return err
	}

	newAbs, err := t.resolve(newRel)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(newAbs), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", newRel, err)
	}

	return os.Rename(oldAbs, newAbs)
}

// Stat returns file info for a relative path.
func (t *Tree) Stat(relPath string) (os.FileInfo, error) {
	absPath, err := t.resolve(relPath)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return os.Stat(absPath)
}

// Exists reports whether something is at relPath.
func (t *Tree) Exists(relPath string) bool {
	_, err := t.Stat(relPath)
	return err == nil
}

// resolve converts a relative path to an absolute path inside the tree,
// rejecting path traversal.
func (t *Tree) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}

	absPath := filepath.Join(t.dir, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, t.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside sync dir", relPath)
	}

	return absPath, nil
}
