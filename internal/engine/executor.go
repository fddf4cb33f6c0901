package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/localfs"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
)

// FSExecutor applies instructions to the local tree and the server.
type FSExecutor struct {
	tree    *localfs.Tree
	scanner *localfs.Scanner
	remote  RemoteStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewFSExecutor creates an executor. The scanner fingerprints downloaded
// files so the next local scan finds them cached.
func NewFSExecutor(tree *localfs.Tree, scanner *localfs.Scanner, remote RemoteStore, logger *slog.Logger) *FSExecutor {
	return &FSExecutor{
		tree:    tree,
		scanner: scanner,
		remote:  remote,
		logger:  logger,
		now:     time.Now,
	}
}

// Apply performs one instruction.
func (x *FSExecutor) Apply(ctx context.Context, ins reconcile.Instruction) (reconcile.AppliedRecord, error) {
	var rec *reconcile.ItemRecord
	if ins.Record != nil {
		copied := *ins.Record
		rec = &copied
	}

	var err error

	switch ins.Kind {
	case reconcile.InstructionNone:
		return reconcile.AppliedRecord{Record: rec}, nil
	case reconcile.InstructionNew:
		err = x.create(ctx, ins, rec)
	case reconcile.InstructionUpdateMetadata:
		err = x.updateMetadata(ins, rec)
	case reconcile.InstructionRename:
		err = x.rename(ctx, ins, rec)
	case reconcile.InstructionRemove:
		err = x.remove(ctx, ins)
	case reconcile.InstructionConflict:
		return x.conflict(ctx, ins, rec)
	default:
		err = fmt.Errorf("unknown instruction %s", ins.Kind)
	}

	if err != nil {
		return reconcile.AppliedRecord{}, err
	}

	return reconcile.AppliedRecord{Record: rec}, nil
}

func (x *FSExecutor) create(ctx context.Context, ins reconcile.Instruction, rec *reconcile.ItemRecord) error {
	if rec == nil {
		return fmt.Errorf("new %s without a record", ins.Path)
	}

	switch ins.Target {
	case reconcile.SideLocal:
		return x.materialize(ctx, ins, rec)
	case reconcile.SideRemote:
		return x.upload(ctx, ins, rec)
	default:
		return nil
	}
}

// materialize brings the record's remote version to the local side as a
// directory, a marker or real content.
func (x *FSExecutor) materialize(ctx context.Context, ins reconcile.Instruction, rec *reconcile.ItemRecord) error {
	switch {
	case rec.Type == reconcile.ItemTypeDirectory:
		if err := x.tree.MkdirAll(ins.Path); err != nil {
			return fmt.Errorf("creating directory %s: %w", ins.Path, err)
		}

		return nil
	case ins.Materialize == reconcile.MaterializePlaceholder:
		if err := x.tree.WriteMarker(ins.Path, mtimeOf(rec.ModTime)); err != nil {
			return fmt.Errorf("writing marker for %s: %w", ins.Path, err)
		}

		return nil
	default:
		return x.download(ctx, ins.Path, rec)
	}
}

// download replaces the local content with the server's and drops any
// marker, so the marker and the real file never coexist.
func (x *FSExecutor) download(ctx context.Context, path string, rec *reconcile.ItemRecord) error {
	body, err := x.remote.Download(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := x.tree.WriteStream(path, body, mtimeOf(rec.ModTime)); err != nil {
		return err
	}

	if err := x.tree.RemoveMarker(path); err != nil {
		return err
	}

	// The next scan compares against what is actually on disk.
	info, err := x.tree.Stat(path)
	if err != nil {
		return fmt.Errorf("stat after download: %w", err)
	}

	rec.Size = info.Size()
	rec.ModTime = info.ModTime().UnixMilli()

	fp, err := x.scanner.Fingerprint(path)
	if err != nil {
		return fmt.Errorf("fingerprinting %s: %w", path, err)
	}

	if rec.Fingerprint != "" && rec.Fingerprint != fp {
		x.logger.Warn("downloaded content does not match server checksum",
			slog.String("path", path),
			slog.String("expected", rec.Fingerprint),
			slog.String("actual", fp),
		)
	}

	rec.Fingerprint = fp

	return nil
}

func (x *FSExecutor) upload(ctx context.Context, ins reconcile.Instruction, rec *reconcile.ItemRecord) error {
	if rec.Type == reconcile.ItemTypeDirectory {
		etag, err := x.remote.Mkdir(ctx, ins.Path)
		if err != nil {
			return err
		}

		rec.RemoteIdentity = etag

		return nil
	}

	f, err := x.tree.Open(ins.Path)
	if err != nil {
		return fmt.Errorf("opening %s for upload: %w", ins.Path, err)
	}
	defer f.Close()

	etag, err := x.remote.Upload(ctx, ins.Path, f, rec.ModTime)
	if err != nil {
		return err
	}

	rec.RemoteIdentity = etag

	// Real content superseded a placeholder.
	return x.tree.RemoveMarker(ins.Path)
}

func (x *FSExecutor) updateMetadata(ins reconcile.Instruction, rec *reconcile.ItemRecord) error {
	if rec == nil || rec.Type.IsPlaceholder() || rec.Type == reconcile.ItemTypeDirectory {
		return nil
	}

	return x.tree.RemoveMarker(ins.Path)
}

func (x *FSExecutor) rename(ctx context.Context, ins reconcile.Instruction, rec *reconcile.ItemRecord) error {
	switch ins.Target {
	case reconcile.SideLocal:
		if rec != nil && rec.Type.IsPlaceholder() {
			return x.tree.RenameMarker(ins.From, ins.Path)
		}

		if err := x.tree.Rename(ins.From, ins.Path); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", ins.From, ins.Path, err)
		}

		return nil
	case reconcile.SideRemote:
		etag, err := x.remote.Move(ctx, ins.From, ins.Path)
		if err != nil {
			return err
		}

		if rec != nil && etag != "" {
			rec.RemoteIdentity = etag
		}

		return nil
	default:
		return nil
	}
}

func (x *FSExecutor) remove(ctx context.Context, ins reconcile.Instruction) error {
	switch ins.Target {
	case reconcile.SideLocal:
		if ins.IsDirectory() {
			// A directory that still holds untracked files is kept and
			// the record stays, so the next pass decides again.
			return x.tree.DeleteEmptyDir(ins.Path)
		}

		if ins.Base == nil || !ins.Base.Type.IsPlaceholder() {
			if err := x.tree.DeleteFile(ins.Path); err != nil {
				return err
			}
		}

		return x.tree.RemoveMarker(ins.Path)
	case reconcile.SideRemote:
		return x.remote.Delete(ctx, ins.Path)
	default:
		return nil
	}
}

// conflict moves whatever local content exists aside and materializes
// the server version at the path.
func (x *FSExecutor) conflict(ctx context.Context, ins reconcile.Instruction, rec *reconcile.ItemRecord) (reconcile.AppliedRecord, error) {
	if rec == nil {
		return reconcile.AppliedRecord{}, fmt.Errorf("conflict %s without a record", ins.Path)
	}

	applied := reconcile.AppliedRecord{Record: rec}

	var mine []byte

	if content := ins.Local.Real; content != nil {
		if !content.IsDir {
			mine = x.readForPreview(ins.Path, content.Size)
		}

		copyPath := conflictCopyPath(ins.Path, x.now(), x.tree.Exists)

		err := x.tree.Rename(ins.Path, copyPath)

		switch {
		case err == nil:
			applied.ConflictCopy = copyPath
		case errors.Is(err, fs.ErrNotExist):
			// Gone since the scan; nothing to keep.
			mine = nil
		default:
			return reconcile.AppliedRecord{}, fmt.Errorf("keeping conflict copy of %s: %w", ins.Path, err)
		}
	}

	if err := x.materialize(ctx, ins, rec); err != nil {
		return reconcile.AppliedRecord{}, err
	}

	if !rec.Type.IsPlaceholder() {
		if err := x.tree.RemoveMarker(ins.Path); err != nil {
			return reconcile.AppliedRecord{}, err
		}
	}

	if rec.Type == reconcile.ItemTypeRegularFile && mine != nil {
		theirs := x.readForPreview(ins.Path, rec.Size)
		applied.ConflictPreview = conflictPreview(theirs, mine)
	}

	x.logger.Warn("conflict",
		slog.String("path", ins.Path),
		slog.String("copy", applied.ConflictCopy),
		slog.String("kept", rec.Type.String()),
	)

	return applied, nil
}

// readForPreview returns small text files for the conflict preview and
// nil for anything else.
func (x *FSExecutor) readForPreview(path string, size int64) []byte {
	if size > maxPreviewInput {
		return nil
	}

	data, err := x.tree.ReadFile(path)
	if err != nil || !isText(data) {
		return nil
	}

	return data
}

func mtimeOf(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}
