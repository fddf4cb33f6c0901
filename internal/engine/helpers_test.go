package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/internal/localfs"
	"github.com/alexjbarnes/placeholder-sync/internal/policy"
	"github.com/alexjbarnes/placeholder-sync/internal/remote"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// baseMtime is a fixed modification time for server-side content.
const baseMtime = int64(1_700_000_000_000)

type fakeItem struct {
	content []byte
	dir     bool
	etag    string
	mtime   int64
}

// fakeRemote is an in-memory server. Moves keep the item identity, every
// content change gets a new one.
type fakeRemote struct {
	mu    sync.Mutex
	items map[string]*fakeItem
	seq   int

	downloads int
	uploads   int
	moves     int
	deletes   int

	listErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: make(map[string]*fakeItem)}
}

func (f *fakeRemote) nextEtag() string {
	f.seq++
	return fmt.Sprintf("etag-%d", f.seq)
}

func (f *fakeRemote) ensureParents(path string) {
	dir := filepath.ToSlash(filepath.Dir(path))
	for dir != "." && dir != "" {
		if _, ok := f.items[dir]; !ok {
			f.items[dir] = &fakeItem{dir: true, etag: f.nextEtag()}
		}

		dir = filepath.ToSlash(filepath.Dir(dir))
	}
}

// put stores content and returns the new identity.
func (f *fakeRemote) put(path, content string, mtime int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.putLocked(path, []byte(content), mtime)
}

func (f *fakeRemote) putLocked(path string, content []byte, mtime int64) string {
	f.ensureParents(path)
	etag := f.nextEtag()
	f.items[path] = &fakeItem{content: content, etag: etag, mtime: mtime}

	return etag
}

func (f *fakeRemote) mkdir(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.mkdirLocked(path)
}

func (f *fakeRemote) mkdirLocked(path string) string {
	if item, ok := f.items[path]; ok && item.dir {
		return item.etag
	}

	f.ensureParents(path)
	etag := f.nextEtag()
	f.items[path] = &fakeItem{dir: true, etag: etag}

	return etag
}

func (f *fakeRemote) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(path)
}

func (f *fakeRemote) removeLocked(path string) {
	for p := range f.items {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(f.items, p)
		}
	}
}

func (f *fakeRemote) move(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.moveLocked(from, to)
}

func (f *fakeRemote) moveLocked(from, to string) string {
	f.ensureParents(to)

	moved := make(map[string]*fakeItem)
	for p, item := range f.items {
		if p == from || strings.HasPrefix(p, from+"/") {
			moved[to+strings.TrimPrefix(p, from)] = item
			delete(f.items, p)
		}
	}

	for p, item := range moved {
		f.items[p] = item
	}

	if item, ok := f.items[to]; ok {
		return item.etag
	}

	return ""
}

func (f *fakeRemote) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listErr = err
}

func (f *fakeRemote) content(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[path]
	if !ok || item.dir {
		return "", false
	}

	return string(item.content), true
}

func (f *fakeRemote) etag(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if item, ok := f.items[path]; ok {
		return item.etag
	}

	return ""
}

func (f *fakeRemote) ListRemote(ctx context.Context, root string) ([]reconcile.RemoteEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	var out []reconcile.RemoteEntry

	for p, item := range f.items {
		if root != "" && p != root && !strings.HasPrefix(p, root+"/") {
			continue
		}

		entry := reconcile.RemoteEntry{
			Path:     p,
			ModTime:  item.mtime,
			Identity: item.etag,
			IsDir:    item.dir,
		}

		if !item.dir {
			entry.Size = int64(len(item.content))
			entry.Checksum = localfs.HashBytes(item.content)
		}

		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (f *fakeRemote) Download(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.items[path]
	if !ok || item.dir {
		return nil, fmt.Errorf("download %s: not found", path)
	}

	f.downloads++

	return io.NopCloser(bytes.NewReader(item.content)), nil
}

func (f *fakeRemote) Upload(_ context.Context, path string, r io.Reader, mtime int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.uploads++

	return f.putLocked(path, data, mtime), nil
}

func (f *fakeRemote) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletes++
	f.removeLocked(path)

	return nil
}

func (f *fakeRemote) Move(_ context.Context, from, to string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.items[from]; !ok {
		return "", fmt.Errorf("move %s: not found", from)
	}

	f.moves++

	return f.moveLocked(from, to), nil
}

func (f *fakeRemote) Mkdir(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.mkdirLocked(path), nil
}

// flakyRemote fails the first failures downloads with a transient error.
type flakyRemote struct {
	*fakeRemote
	failures atomic.Int32
}

func (f *flakyRemote) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, &remote.TransientError{Err: fmt.Errorf("download %s: 503 Service Unavailable", path)}
	}

	return f.fakeRemote.Download(ctx, path)
}

// partialRemote hides some subtrees and reports them as unlistable.
type partialRemote struct {
	*fakeRemote
	failed []string
}

func (p *partialRemote) ListRemote(ctx context.Context, root string) ([]reconcile.RemoteEntry, error) {
	entries, err := p.fakeRemote.ListRemote(ctx, root)
	if err != nil {
		return nil, err
	}

	var kept []reconcile.RemoteEntry

	for _, e := range entries {
		hidden := false

		for _, f := range p.failed {
			if e.Path == f || strings.HasPrefix(e.Path, f+"/") {
				hidden = true
			}
		}

		if !hidden {
			kept = append(kept, e)
		}
	}

	return kept, &reconcile.PartialListingError{Failed: p.failed, Err: fmt.Errorf("server timeout")}
}

// harness wires a real tree, scanner, journal and executor around a fake
// server.
type harness struct {
	t       *testing.T
	dir     string
	tree    *localfs.Tree
	remote  *fakeRemote
	journal *journal.Journal
	engine  *Engine
	clock   time.Time

	// wrapJournal, when set, decorates the journal the engine sees.
	wrapJournal func(*journal.Journal) Journal
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		dir:    t.TempDir(),
		remote: newFakeRemote(),
		clock:  time.UnixMilli(baseMtime).Add(time.Hour),
	}

	j, err := journal.Open(filepath.Join(h.dir, ".placeholder-sync", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	h.journal = j
	h.build(h.remote, configure...)

	return h
}

// build (re)creates the engine against the given server.
func (h *harness) build(remote RemoteStore, configure ...func(*Options)) {
	opts := Options{
		Policy:  reconcile.DefaultPlaceholderPolicy(),
		Exclude: policy.Default().Excluded,
		Workers: 4,
	}
	for _, c := range configure {
		c(&opts)
	}

	h.tree = localfs.NewTree(h.dir, opts.Policy.MarkerPath(""))
	scanner := localfs.NewScanner(h.tree, opts.Exclude, discardLogger)
	exec := NewFSExecutor(h.tree, scanner, remote, discardLogger)

	var j Journal = h.journal
	if h.wrapJournal != nil {
		j = h.wrapJournal(h.journal)
	}

	h.engine = New(scanner, remote, j, exec, opts, discardLogger)
}

// hookJournal runs afterSnapshot once, right after the first pass has
// read its records.
type hookJournal struct {
	*journal.Journal
	afterSnapshot func()
	once          sync.Once
}

func (j *hookJournal) QueryPrefix(prefix string) ([]reconcile.ItemRecord, error) {
	recs, err := j.Journal.QueryPrefix(prefix)
	if err == nil && j.afterSnapshot != nil {
		j.once.Do(j.afterSnapshot)
	}

	return recs, err
}

func (h *harness) sync() *PassResult {
	h.t.Helper()

	res, err := h.engine.Sync(context.Background())
	require.NoError(h.t, err)
	require.Empty(h.t, res.Errors)

	return res
}

// assertSettled checks that another pass has nothing left to do.
func (h *harness) assertSettled() {
	h.t.Helper()

	res := h.sync()
	require.Zero(h.t, res.Planned, "second pass should be a no-op")
}

// writeLocal writes content with a fresh, strictly increasing mtime.
func (h *harness) writeLocal(path, content string) {
	h.t.Helper()

	h.clock = h.clock.Add(time.Second)
	require.NoError(h.t, h.tree.WriteFile(path, []byte(content), h.clock))
}

func (h *harness) readLocal(path string) string {
	h.t.Helper()

	data, err := os.ReadFile(filepath.Join(h.dir, filepath.FromSlash(path)))
	require.NoError(h.t, err)

	return string(data)
}

func (h *harness) exists(path string) bool {
	_, err := os.Lstat(filepath.Join(h.dir, filepath.FromSlash(path)))
	return err == nil
}

func (h *harness) marker(path string) string {
	return h.engine.Policy().MarkerPath(path)
}

func (h *harness) record(path string) *reconcile.ItemRecord {
	h.t.Helper()

	rec, err := h.journal.Get(path)
	require.NoError(h.t, err)

	return rec
}
