package localfs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexjbarnes/placeholder-sync/reconcile"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

// FingerprintPrefix tags content hashes so they compare directly with
// server checksums in the same form.
const FingerprintPrefix = "blake2b:"

// defaultCacheSize bounds the number of remembered fingerprints.
const defaultCacheSize = 65536

type cacheKey struct {
	path  string
	size  int64
	mtime int64
}

// Scanner walks the sync directory and produces the local snapshot.
type Scanner struct {
	tree    *Tree
	exclude func(path string, isDir bool) bool
	cache   *lru.Cache[cacheKey, string]
	logger  *slog.Logger
}

// NewScanner creates a scanner over tree. exclude may be nil. Fingerprints
// are cached by (path, size, mtime) so unchanged files are hashed once per
// process.
func NewScanner(tree *Tree, exclude func(path string, isDir bool) bool, logger *slog.Logger) *Scanner {
	cache, err := lru.New[cacheKey, string](defaultCacheSize)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}

	return &Scanner{tree: tree, exclude: exclude, cache: cache, logger: logger}
}

// ListLocal walks root (relative to the sync directory, "" for all) and
// returns every file, directory and placeholder marker under it. Hidden
// entries, symlinks and excluded paths are skipped. When some
// subdirectories cannot be read the entries that could be read are
// returned together with a *reconcile.PartialListingError naming them.
func (s *Scanner) ListLocal(ctx context.Context, root string) ([]reconcile.LocalEntry, error) {
	dir := s.tree.Dir()

	start := dir
	if root != "" {
		start = filepath.Join(dir, filepath.FromSlash(root))
	}

	var (
		entries []reconcile.LocalEntry
		failed  []string
		errs    []error
	)

	err := filepath.WalkDir(start, func(absPath string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		relPath, relErr := filepath.Rel(dir, absPath)
		if relErr != nil {
			return relErr
		}

		if relPath == "." {
			return err
		}

		relPath = reconcile.NormalizePath(filepath.ToSlash(relPath))

		if err != nil {
			if absPath == start {
				return err
			}

			s.logger.Warn("skipping unreadable path",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)

			failed = append(failed, relPath)
			errs = append(errs, err)

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		base := d.Name()
		if strings.HasPrefix(base, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		// Symlinks could point outside the tree or at special files.
		if d.Type()&os.ModeSymlink != 0 {
			s.logger.Debug("skipping symlink during scan", slog.String("path", relPath))
			return nil
		}

		if s.exclude != nil && s.exclude(relPath, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("stat failed during scan", slog.String("path", relPath), slog.String("error", err.Error()))
			return nil
		}

		entry := reconcile.LocalEntry{
			Path:    relPath,
			ModTime: info.ModTime().UnixMilli(),
			IsDir:   d.IsDir(),
		}

		if !d.IsDir() {
			entry.Size = info.Size()

			if !strings.HasSuffix(relPath, s.tree.suffix) {
				fp, err := s.fingerprint(relPath, entry.Size, entry.ModTime)
				if err != nil {
					s.logger.Warn("hashing file", slog.String("path", relPath), slog.String("error", err.Error()))
				}

				entry.Fingerprint = fp
			}
		}

		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && root != "" {
			// Either the subtree is gone or root is a placeholder whose
			// marker sits next to it.
			return s.markerEntry(reconcile.NormalizePath(root))
		}

		return nil, fmt.Errorf("walking %s: %w", start, err)
	}

	s.logger.Debug("local scan complete",
		slog.String("root", root),
		slog.Int("entries", len(entries)),
		slog.Int("skipped", len(failed)),
	)

	if len(failed) > 0 {
		return entries, &reconcile.PartialListingError{Failed: failed, Err: errors.Join(errs...)}
	}

	return entries, nil
}

// markerEntry lists the placeholder marker for root, or nothing when
// there is none.
func (s *Scanner) markerEntry(root string) ([]reconcile.LocalEntry, error) {
	marker := s.tree.MarkerPath(root)

	info, err := s.tree.Stat(marker)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", marker, err)
	}

	if info.IsDir() {
		return nil, nil
	}

	return []reconcile.LocalEntry{{
		Path:    marker,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixMilli(),
	}}, nil
}

// Fingerprint hashes the file at relPath, using the cache when the size
// and mtime still match.
func (s *Scanner) Fingerprint(relPath string) (string, error) {
	info, err := s.tree.Stat(relPath)
	if err != nil {
		return "", err
	}

	return s.fingerprint(relPath, info.Size(), info.ModTime().UnixMilli())
}

func (s *Scanner) fingerprint(relPath string, size, mtime int64) (string, error) {
	key := cacheKey{path: relPath, size: size, mtime: mtime}
	if fp, ok := s.cache.Get(key); ok {
		return fp, nil
	}

	f, err := s.tree.Open(relPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fp, err := HashReader(f)
	if err != nil {
		return "", err
	}

	s.cache.Add(key, fp)

	return fp, nil
}

// HashReader returns the fingerprint of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return FingerprintPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the fingerprint of data.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return FingerprintPrefix + hex.EncodeToString(sum[:])
}
