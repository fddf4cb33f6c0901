package localfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func byPath(entries []reconcile.LocalEntry) map[string]reconcile.LocalEntry {
	out := make(map[string]reconcile.LocalEntry, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}

	return out
}

func TestListLocal_FilesDirsAndMarkers(t *testing.T) {
	tree := tempTree(t)
	require.NoError(t, tree.WriteFile("A/a1", []byte("content"), time.Time{}))
	require.NoError(t, tree.WriteMarker("A/a2", time.Time{}))

	s := NewScanner(tree, nil, discardLogger)
	entries, err := s.ListLocal(context.Background(), "")
	require.NoError(t, err)

	got := byPath(entries)
	require.Len(t, got, 3)

	assert.True(t, got["A"].IsDir)

	a1 := got["A/a1"]
	assert.Equal(t, int64(7), a1.Size)
	assert.Equal(t, HashBytes([]byte("content")), a1.Fingerprint)

	marker := got["A/a2.owncloud"]
	assert.Empty(t, marker.Fingerprint, "markers are not hashed")
	assert.False(t, marker.IsPlaceholderMarker, "the comparator sets the marker flag")
}

func TestListLocal_SkipsHiddenAndExcluded(t *testing.T) {
	tree := tempTree(t)
	require.NoError(t, tree.WriteFile(".git/HEAD", []byte("ref"), time.Time{}))
	require.NoError(t, tree.WriteFile(".hidden", []byte("x"), time.Time{}))
	require.NoError(t, tree.WriteFile("build/out.o", []byte("x"), time.Time{}))
	require.NoError(t, tree.WriteFile("notes.txt", []byte("x"), time.Time{}))

	exclude := func(path string, isDir bool) bool { return path == "build" && isDir }

	entries, err := NewScanner(tree, exclude, discardLogger).ListLocal(context.Background(), "")
	require.NoError(t, err)

	got := byPath(entries)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "notes.txt")
}

func TestListLocal_SkipsSymlinks(t *testing.T) {
	tree := tempTree(t)
	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(tree.Dir(), "link")))

	entries, err := NewScanner(tree, nil, discardLogger).ListLocal(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListLocal_Subtree(t *testing.T) {
	tree := tempTree(t)
	require.NoError(t, tree.WriteFile("docs/a", []byte("x"), time.Time{}))
	require.NoError(t, tree.WriteFile("other/b", []byte("x"), time.Time{}))

	entries, err := NewScanner(tree, nil, discardLogger).ListLocal(context.Background(), "docs")
	require.NoError(t, err)

	got := byPath(entries)
	assert.Contains(t, got, "docs")
	assert.Contains(t, got, "docs/a")
	assert.NotContains(t, got, "other/b")
}

func TestListLocal_MissingSubtreeIsEmpty(t *testing.T) {
	tree := tempTree(t)
	entries, err := NewScanner(tree, nil, discardLogger).ListLocal(context.Background(), "gone")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListLocal_PlaceholderRootListsMarker(t *testing.T) {
	tree := tempTree(t)
	require.NoError(t, tree.WriteMarker("docs/big.iso", time.Time{}))
	require.NoError(t, tree.WriteFile("docs/other", []byte("x"), time.Time{}))

	entries, err := NewScanner(tree, nil, discardLogger).ListLocal(context.Background(), "docs/big.iso")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "docs/big.iso.owncloud", entries[0].Path)
}

func TestListLocal_UnreadableSubtreeIsPartial(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any directory")
	}

	tree := tempTree(t)
	require.NoError(t, tree.WriteFile("ok/a", []byte("x"), time.Time{}))
	require.NoError(t, tree.WriteFile("locked/b", []byte("x"), time.Time{}))

	locked := filepath.Join(tree.Dir(), "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	entries, err := NewScanner(tree, nil, discardLogger).ListLocal(context.Background(), "")
	require.Error(t, err)

	var partial *reconcile.PartialListingError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []string{"locked"}, partial.Failed)
	assert.ErrorIs(t, err, syncerrors.ErrSnapshotUnavailable)
	assert.Contains(t, byPath(entries), "ok/a")
}

func TestListLocal_Cancelled(t *testing.T) {
	tree := tempTree(t)
	require.NoError(t, tree.WriteFile("a", []byte("x"), time.Time{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScanner(tree, nil, discardLogger).ListLocal(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFingerprint_CachedUntilFileChanges(t *testing.T) {
	tree := tempTree(t)
	mtime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tree.WriteFile("f", []byte("one"), mtime))

	s := NewScanner(tree, nil, discardLogger)
	fp1, err := s.Fingerprint("f")
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("one")), fp1)
	assert.Equal(t, 1, s.cache.Len())

	require.NoError(t, tree.WriteFile("f", []byte("two"), mtime.Add(time.Second)))
	fp2, err := s.Fingerprint("f")
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
	assert.Equal(t, 2, s.cache.Len())
}

func TestHashReader_MatchesHashBytes(t *testing.T) {
	fp, err := HashReader(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("abc")), fp)
	assert.True(t, strings.HasPrefix(fp, FingerprintPrefix))
}
