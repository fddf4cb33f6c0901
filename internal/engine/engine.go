// Package engine runs sync passes: it gathers the three snapshots,
// decides every path through the reconcile package, hands the resulting
// instructions to an Executor and commits what succeeded to the journal.
package engine

//go:generate mockgen -destination=mock_engine_test.go -package=engine . Executor,RemoteStore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/internal/remote"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultWorkers bounds parallel synthesis and transfers when Options
	// leaves Workers unset.
	defaultWorkers = 4

	// transientRetryDelay is how soon Run repeats a pass that hit a
	// transient server error instead of waiting for the next interval.
	transientRetryDelay = 30 * time.Second
)

// LocalLister produces the local snapshot.
type LocalLister interface {
	ListLocal(ctx context.Context, root string) ([]reconcile.LocalEntry, error)
}

// RemoteLister produces the remote snapshot.
type RemoteLister interface {
	ListRemote(ctx context.Context, root string) ([]reconcile.RemoteEntry, error)
}

// RemoteStore is the server side the Executor writes to.
// *remote.Client satisfies it.
type RemoteStore interface {
	RemoteLister
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Upload(ctx context.Context, path string, r io.Reader, mtime int64) (string, error)
	Delete(ctx context.Context, path string) error
	Move(ctx context.Context, from, to string) (string, error)
	Mkdir(ctx context.Context, path string) (string, error)
}

// Executor performs the I/O for one instruction and reports the record
// to commit.
type Executor interface {
	Apply(ctx context.Context, ins reconcile.Instruction) (reconcile.AppliedRecord, error)
}

// Journal is the durable store of last-synchronized state.
// *journal.Journal satisfies it.
type Journal interface {
	Get(path string) (*reconcile.ItemRecord, error)
	Set(rec reconcile.ItemRecord) error
	Remove(path string) error
	QueryPrefix(prefix string) ([]reconcile.ItemRecord, error)
	ConflictRecordPaths() ([]string, error)
	Conflicts() ([]journal.ConflictRecord, error)
	RemoveConflict(path string) error
	Apply(c journal.Commit) error
	LastPass() (journal.PassInfo, error)
	SetLastPass(info journal.PassInfo) error
	Certificates() ([]journal.CertificateRecord, error)
}

// Options tune a pass.
type Options struct {
	Policy reconcile.PlaceholderPolicy

	// Exclude reports paths that are never synced. Hidden paths are always
	// excluded. May be nil.
	Exclude func(path string, isDir bool) bool

	// Workers bounds parallel synthesis and transfers.
	Workers int
}

// PathError is a propagation failure for one path. The journal was not
// advanced, so the next pass decides the path again.
type PathError struct {
	Path string
	Kind reconcile.InstructionKind
	Err  error

	// Transient marks failures the server reported as temporary.
	Transient bool
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// PassResult summarizes one pass.
type PassResult struct {
	ID         string
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time

	Planned   int
	Applied   int
	Failed    int
	Conflicts int
	// Deferred counts instructions skipped because the path was still in
	// flight or its record changed while the pass ran.
	Deferred int
	// Transient counts failures worth retrying soon.
	Transient int

	// Skipped lists subtrees a listing could not cover.
	Skipped []string
	Invalid []*reconcile.InputError
	Errors  []*PathError
}

// Engine runs sync passes. Only one pass runs at a time.
type Engine struct {
	local    LocalLister
	remote   RemoteLister
	journal  Journal
	exec     Executor
	opts     Options
	logger   *slog.Logger
	inflight *inflight
	now      func() time.Time

	retryDelay time.Duration

	passMu sync.Mutex
}

// New creates an engine.
func New(local LocalLister, remote RemoteLister, j Journal, exec Executor, opts Options, logger *slog.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	return &Engine{
		local:    local,
		remote:   remote,
		journal:  j,
		exec:     exec,
		opts:     opts,
		logger:   logger,
		inflight: newInflight(),
		now:      time.Now,

		retryDelay: transientRetryDelay,
	}
}

// Policy returns the placeholder policy passes run with.
func (e *Engine) Policy() reconcile.PlaceholderPolicy {
	return e.opts.Policy
}

// Sync runs one pass over the whole tree.
func (e *Engine) Sync(ctx context.Context) (*PassResult, error) {
	return e.SyncScope(ctx, "")
}

// SyncScope runs one pass limited to root and everything below it.
// Paths outside root are neither compared nor touched.
func (e *Engine) SyncScope(ctx context.Context, root string) (*PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	root = reconcile.NormalizePath(root)
	res := &PassResult{ID: uuid.NewString(), Root: root, StartedAt: e.now()}
	logger := e.logger.With(slog.String("pass_id", res.ID))

	logger.Info("sync pass started", slog.String("root", root))

	snap, err := e.Snapshot(ctx, root, res, logger)
	if err != nil {
		return res, err
	}

	plan, invalid, err := e.decide(ctx, snap)
	if err != nil {
		return res, err
	}

	res.Invalid = invalid
	res.Planned = plan.Len()

	for _, ie := range invalid {
		logger.Warn("skipping path with inconsistent input",
			slog.String("path", ie.Path),
			slog.String("reason", ie.Reason),
		)
	}

	if err := e.execute(ctx, plan, res, logger); err != nil {
		return res, err
	}

	res.FinishedAt = e.now()

	err = e.journal.SetLastPass(journal.PassInfo{
		ID:         res.ID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Applied:    res.Applied,
		Failed:     res.Failed,
		Conflicts:  res.Conflicts,
	})
	if err != nil {
		return res, err
	}

	logger.Info("sync pass complete",
		slog.Int("planned", res.Planned),
		slog.Int("applied", res.Applied),
		slog.Int("failed", res.Failed),
		slog.Int("conflicts", res.Conflicts),
		slog.Int("deferred", res.Deferred),
		slog.Int("transient", res.Transient),
		slog.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)

	return res, nil
}

// Plan decides what a pass over root would do without executing it.
func (e *Engine) Plan(ctx context.Context, root string) (*reconcile.Plan, []*reconcile.InputError, error) {
	root = reconcile.NormalizePath(root)

	snap, err := e.Snapshot(ctx, root, &PassResult{}, e.logger)
	if err != nil {
		return nil, nil, err
	}

	return e.decide(ctx, snap)
}

// Snapshot lists the local tree, the remote tree and the journal
// concurrently. A side that could only list part of root marks the
// failed subtrees out of scope and records them in res.Skipped.
func (e *Engine) Snapshot(ctx context.Context, root string, res *PassResult, logger *slog.Logger) (reconcile.Snapshot, error) {
	var (
		local        []reconcile.LocalEntry
		remote       []reconcile.RemoteEntry
		records      []reconcile.ItemRecord
		localFailed  []string
		remoteFailed []string
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		entries, err := e.local.ListLocal(gctx, root)

		localFailed, err = partial(err, "local", logger)
		if err != nil {
			return unavailable("local", err)
		}

		local = entries

		return nil
	})

	g.Go(func() error {
		entries, err := e.remote.ListRemote(gctx, root)

		remoteFailed, err = partial(err, "remote", logger)
		if err != nil {
			return unavailable("remote", err)
		}

		remote = entries

		return nil
	})

	g.Go(func() error {
		recs, err := e.journal.QueryPrefix(root)
		if err != nil {
			if !errors.Is(err, syncerrors.ErrJournalIO) {
				err = fmt.Errorf("%w: %w", syncerrors.ErrJournalIO, err)
			}

			return err
		}

		records = recs

		return nil
	})

	if err := g.Wait(); err != nil {
		return reconcile.Snapshot{}, err
	}

	res.Skipped = append(append(res.Skipped, localFailed...), remoteFailed...)

	localScope := reconcile.SubtreeScope(root)
	localScope.Excluded = localFailed

	remoteScope := reconcile.SubtreeScope(root)
	remoteScope.Excluded = remoteFailed

	return reconcile.Snapshot{
		Local:       filterLocal(local, e.excluded),
		LocalScope:  localScope,
		Remote:      filterRemote(remote, e.excluded),
		RemoteScope: remoteScope,
		Records:     filterRecords(records, e.excluded),
	}, nil
}

// partial turns a PartialListingError into the list of failed subtrees.
// Any other error is returned unchanged.
func partial(err error, side string, logger *slog.Logger) ([]string, error) {
	if err == nil {
		return nil, nil
	}

	var pe *reconcile.PartialListingError
	if !errors.As(err, &pe) {
		return nil, err
	}

	logger.Warn("listing incomplete, skipping subtrees",
		slog.String("side", side),
		slog.Any("subtrees", pe.Failed),
		slog.String("error", pe.Error()),
	)

	return pe.Failed, nil
}

func unavailable(side string, err error) error {
	if errors.Is(err, syncerrors.ErrSnapshotUnavailable) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s listing: %w", side, err)
	}

	return fmt.Errorf("%w: %s listing: %w", syncerrors.ErrSnapshotUnavailable, side, err)
}

// excluded applies the same rule to every snapshot so an item hidden from
// one side is never read as deleted there.
func (e *Engine) excluded(path string, isDir bool) bool {
	for _, segment := range strings.Split(path, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}

	return e.opts.Exclude != nil && e.opts.Exclude(path, isDir)
}

func filterLocal(entries []reconcile.LocalEntry, excluded func(string, bool) bool) []reconcile.LocalEntry {
	out := entries[:0:0]

	for _, entry := range entries {
		if !excluded(reconcile.NormalizePath(entry.Path), entry.IsDir) {
			out = append(out, entry)
		}
	}

	return out
}

func filterRemote(entries []reconcile.RemoteEntry, excluded func(string, bool) bool) []reconcile.RemoteEntry {
	out := entries[:0:0]

	for _, entry := range entries {
		if !excluded(reconcile.NormalizePath(entry.Path), entry.IsDir) {
			out = append(out, entry)
		}
	}

	return out
}

func filterRecords(records []reconcile.ItemRecord, excluded func(string, bool) bool) []reconcile.ItemRecord {
	out := records[:0:0]

	for _, rec := range records {
		if !excluded(rec.Path, rec.Type == reconcile.ItemTypeDirectory) {
			out = append(out, rec)
		}
	}

	return out
}

// decide compares the snapshot on the calling goroutine, then synthesizes
// independent paths on a bounded pool. Rename pairs are decided together
// after the pool drains.
func (e *Engine) decide(ctx context.Context, snap reconcile.Snapshot) (*reconcile.Plan, []*reconcile.InputError, error) {
	cmp := reconcile.Compare(snap, e.opts.Policy)
	synth := reconcile.NewSynthesizer(e.opts.Policy)

	decided := make([]reconcile.Instruction, len(cmp.Comparisons))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i, c := range cmp.Comparisons {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			decided[i] = synth.Synthesize(c)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	invalid := cmp.Invalid

	for _, pair := range cmp.Renames {
		ins, err := synth.SynthesizeRename(pair)
		if err != nil {
			var ie *reconcile.InputError
			if !errors.As(err, &ie) {
				ie = &reconcile.InputError{Path: pair.From.Path, Reason: err.Error()}
			}

			invalid = append(invalid, ie)

			continue
		}

		decided = append(decided, ins...)
	}

	return reconcile.BuildPlan(decided), invalid, nil
}

// tally collects per-instruction outcomes from concurrent transfers.
type tally struct {
	mu  sync.Mutex
	res *PassResult
}

func (t *tally) applied(ins reconcile.Instruction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.res.Applied++
	if ins.Kind == reconcile.InstructionConflict {
		t.res.Conflicts++
	}
}

func (t *tally) failed(perr *PathError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.res.Failed++
	t.res.Errors = append(t.res.Errors, perr)

	if perr.Transient {
		t.res.Transient++
	}
}

func (t *tally) deferred() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.res.Deferred++
}

// execute runs the plan phase by phase. Directory creation, renames and
// removals keep their order; transfers run in parallel. Only journal
// failures and cancellation stop the pass.
func (e *Engine) execute(ctx context.Context, plan *reconcile.Plan, res *PassResult, logger *slog.Logger) error {
	t := &tally{res: res}

	for _, phase := range [][]reconcile.Instruction{plan.Directories, plan.Renames} {
		if err := e.sequential(ctx, phase, t, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for _, ins := range plan.Transfers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			return e.applyOne(gctx, ins, t, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return e.sequential(ctx, plan.Removals, t, logger)
}

func (e *Engine) sequential(ctx context.Context, instructions []reconcile.Instruction, t *tally, logger *slog.Logger) error {
	for _, ins := range instructions {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.applyOne(ctx, ins, t, logger); err != nil {
			return err
		}
	}

	return nil
}

// applyOne executes and commits a single instruction. Propagation
// failures are recorded and swallowed; journal failures are returned.
func (e *Engine) applyOne(ctx context.Context, ins reconcile.Instruction, t *tally, logger *slog.Logger) error {
	guarded := []string{ins.Path}
	if ins.From != "" {
		guarded = append(guarded, ins.From)
	}

	if !e.inflight.acquire(guarded...) {
		logger.Debug("path still in flight, deferring", slog.String("path", ins.Path))
		t.deferred()

		return nil
	}
	defer e.inflight.release(guarded...)

	applied, err := e.exec.Apply(ctx, ins)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		perr := &PathError{
			Path:      ins.Path,
			Kind:      ins.Kind,
			Err:       fmt.Errorf("%w: %w", syncerrors.ErrPropagation, err),
			Transient: remote.IsTransient(err),
		}
		t.failed(perr)

		logger.Warn("propagation failed",
			slog.String("path", ins.Path),
			slog.String("instruction", ins.Kind.String()),
			slog.String("target", ins.Target.String()),
			slog.Bool("transient", perr.Transient),
			slog.String("error", err.Error()),
		)

		return nil
	}

	commit := journal.Commit{
		Path:    ins.Path,
		Record:  applied.Record,
		Guarded: true,
		Base:    ins.Base,
	}

	switch ins.Kind {
	case reconcile.InstructionRename:
		commit.Drop = []string{ins.From}
		commit.BasePath = ins.From
	case reconcile.InstructionRemove:
		commit.ClearConflict = applied.Record == nil
	case reconcile.InstructionConflict:
		commit.Conflict = e.conflictRecord(ins, applied)
	}

	err = e.journal.Apply(commit)

	switch {
	case errors.Is(err, syncerrors.ErrRecordChanged):
		// Someone else wrote the record mid-pass, e.g. a download request.
		// The next pass decides the path from the newer record.
		logger.Info("journal record changed during pass, deferring",
			slog.String("path", ins.Path),
			slog.String("instruction", ins.Kind.String()),
		)
		t.deferred()

		return nil
	case errors.Is(err, syncerrors.ErrMalformedInput):
		t.failed(&PathError{Path: ins.Path, Kind: ins.Kind, Err: err})

		logger.Warn("commit rejected",
			slog.String("path", ins.Path),
			slog.String("instruction", ins.Kind.String()),
			slog.String("error", err.Error()),
		)

		return nil
	case err != nil:
		return err
	}

	t.applied(ins)

	attrs := []any{
		slog.String("path", ins.Path),
		slog.String("instruction", ins.Kind.String()),
		slog.String("target", ins.Target.String()),
		slog.String("class", ins.Class.String()),
	}
	if ins.From != "" {
		attrs = append(attrs, slog.String("from", ins.From))
	}

	if applied.ConflictCopy != "" {
		attrs = append(attrs, slog.String("conflict_copy", applied.ConflictCopy))
	}

	logger.Info("applied", attrs...)

	return nil
}

func (e *Engine) conflictRecord(ins reconcile.Instruction, applied reconcile.AppliedRecord) *journal.ConflictRecord {
	cr := &journal.ConflictRecord{
		Path:       ins.Path,
		CopyPath:   applied.ConflictCopy,
		DetectedAt: e.now().UTC(),
		Preview:    applied.ConflictPreview,
	}

	if ins.Base != nil {
		cr.BaseIdentity = ins.Base.RemoteIdentity
	}

	if ins.Remote != nil {
		cr.RemoteIdentity = ins.Remote.Identity
	}

	return cr
}
