package engine

import (
	"errors"
	"fmt"
	"log/slog"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
)

// ErrPathBusy is returned when a request targets a path the running pass
// is executing. Retrying after the pass succeeds.
var ErrPathBusy = errors.New("path is being synced")

// Status summarizes the journal.
type Status struct {
	Records           int
	Files             int
	Directories       int
	Placeholders      int
	MarkedForDownload int
	Conflicts         int

	// LocalBytes is the size of content present on disk; PlaceholderBytes
	// is what still lives only on the server.
	LocalBytes       int64
	PlaceholderBytes int64

	LastPass journal.PassInfo

	// Certificates lists server certificates accepted without
	// verification.
	Certificates []journal.CertificateRecord
}

// Status reads record counts, conflict count, the last pass summary and
// any accepted unverified certificates.
func (e *Engine) Status() (Status, error) {
	var st Status

	records, err := e.journal.QueryPrefix("")
	if err != nil {
		return st, err
	}

	for _, rec := range records {
		st.Records++

		switch rec.Type {
		case reconcile.ItemTypeDirectory:
			st.Directories++
		case reconcile.ItemTypePlaceholder:
			st.Placeholders++
			st.PlaceholderBytes += rec.Size
		case reconcile.ItemTypePlaceholderMarkedForDownload:
			st.MarkedForDownload++
			st.PlaceholderBytes += rec.Size
		default:
			st.Files++
			st.LocalBytes += rec.Size
		}
	}

	conflicts, err := e.journal.ConflictRecordPaths()
	if err != nil {
		return st, err
	}

	st.Conflicts = len(conflicts)

	st.LastPass, err = e.journal.LastPass()
	if err != nil {
		return st, err
	}

	st.Certificates, err = e.journal.Certificates()
	if err != nil {
		return st, err
	}

	return st, nil
}

// Conflicts returns every recorded conflict.
func (e *Engine) Conflicts() ([]journal.ConflictRecord, error) {
	return e.journal.Conflicts()
}

// ResolveConflict forgets the conflict record for path. The conflict copy
// on disk is left to the user.
func (e *Engine) ResolveConflict(path string) error {
	path = reconcile.NormalizePath(path)
	if err := e.journal.RemoveConflict(path); err != nil {
		return err
	}

	e.logger.Info("conflict resolved", slog.String("path", path))

	return nil
}

// RequestDownload flags placeholders for download by the next pass. A
// directory path flags every placeholder below it. It returns the number
// of records flagged.
func (e *Engine) RequestDownload(path string) (int, error) {
	path = reconcile.NormalizePath(path)

	rec, err := e.journal.Get(path)
	if err != nil {
		return 0, err
	}

	if rec == nil {
		return 0, fmt.Errorf("%s: %w", path, syncerrors.ErrRecordNotFound)
	}

	targets := []reconcile.ItemRecord{*rec}

	if rec.Type == reconcile.ItemTypeDirectory {
		targets, err = e.journal.QueryPrefix(path)
		if err != nil {
			return 0, err
		}
	}

	flagged := 0

	for _, target := range targets {
		if !target.Type.IsPlaceholder() {
			if rec.Type == reconcile.ItemTypeDirectory {
				continue
			}

			return 0, fmt.Errorf("%s is a %s, not a placeholder: %w", target.Path, target.Type, syncerrors.ErrMalformedInput)
		}

		if target.Type == reconcile.ItemTypePlaceholderMarkedForDownload {
			continue
		}

		if e.inflight.busy(target.Path) {
			return flagged, fmt.Errorf("%s: %w", target.Path, ErrPathBusy)
		}

		marked, err := reconcile.MarkForDownload(target)
		if err != nil {
			return flagged, err
		}

		if err := e.journal.Set(marked); err != nil {
			return flagged, err
		}

		flagged++
	}

	return flagged, nil
}

// Placeholders returns the placeholder records under prefix ("" for
// all), including those already flagged for download.
func (e *Engine) Placeholders(prefix string) ([]reconcile.ItemRecord, error) {
	records, err := e.journal.QueryPrefix(reconcile.NormalizePath(prefix))
	if err != nil {
		return nil, err
	}

	out := records[:0]

	for _, rec := range records {
		if rec.Type.IsPlaceholder() {
			out = append(out, rec)
		}
	}

	return out, nil
}
