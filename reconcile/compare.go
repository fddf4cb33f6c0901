package reconcile

import (
	"fmt"
	"sort"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
)

// Classification is the outcome of comparing the three views of one path.
type Classification int

const (
	// Unchanged means neither side moved away from the journal record.
	Unchanged Classification = iota

	// LocalNew means the path exists locally only and was never synced.
	LocalNew

	// RemoteNew means the path exists on the server only and was never
	// synced.
	RemoteNew

	// LocalChanged means the local side differs from the record while the
	// server still matches it.
	LocalChanged

	// RemoteChanged means the server differs from the record while the
	// local side still matches it.
	RemoteChanged

	// BothChanged covers edit/edit as well as create/create with no record.
	BothChanged

	// LocalRemoved means the path is gone locally but still on the server.
	LocalRemoved

	// RemoteRemoved means the path is gone from the server but still local.
	RemoteRemoved

	// BothRemoved means only the journal still knows the path.
	BothRemoved
)

var classificationNames = [...]string{
	Unchanged:     "unchanged",
	LocalNew:      "local_new",
	RemoteNew:     "remote_new",
	LocalChanged:  "local_changed",
	RemoteChanged: "remote_changed",
	BothChanged:   "both_changed",
	LocalRemoved:  "local_removed",
	RemoteRemoved: "remote_removed",
	BothRemoved:   "both_removed",
}

func (c Classification) String() string {
	if c >= 0 && int(c) < len(classificationNames) {
		return classificationNames[c]
	}

	return fmt.Sprintf("Classification(%d)", int(c))
}

// Comparison is the classified view of one logical path.
type Comparison struct {
	Path   string
	Class  Classification
	Local  LocalView
	Remote *RemoteEntry
	Record *ItemRecord

	// LocalChanged and RemoteChanged are set independently of Class so
	// the removed classifications can tell whether the surviving side was
	// edited since the last sync.
	LocalChanged  bool
	RemoteChanged bool
}

// InputError reports a path the comparator refused to classify.
type InputError struct {
	Path   string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Unwrap lets callers match the error with errors.Is.
func (e *InputError) Unwrap() error {
	return syncerrors.ErrMalformedInput
}

// Result is everything the comparator derived from one snapshot.
type Result struct {
	// Comparisons holds every classified path that is not part of a
	// rename pair, sorted by path.
	Comparisons []Comparison

	// Renames holds accepted rename pairs. Their paths do not appear in
	// Comparisons.
	Renames []RenamePair

	// Invalid lists paths that were skipped because the input was
	// inconsistent. No instruction is produced for them.
	Invalid []*InputError
}

// Compare folds placeholder markers onto their logical paths, classifies
// every path covered by both snapshots and pairs disappearances with
// appearances into renames.
func Compare(snap Snapshot, policy PlaceholderPolicy) Result {
	var res Result

	poisoned := make(map[string]bool)
	invalid := func(path, reason string) {
		if poisoned[path] {
			return
		}

		poisoned[path] = true
		res.Invalid = append(res.Invalid, &InputError{Path: path, Reason: reason})
	}

	locals := make(map[string]*LocalView)
	markersSeen := make(map[string]bool)
	realsSeen := make(map[string]bool)

	for i := range snap.Local {
		entry := snap.Local[i]
		entry.Path = NormalizePath(entry.Path)

		logical, isMarker := "", false
		if !entry.IsDir {
			logical, isMarker = policy.LogicalPath(entry.Path)
		}

		if !isMarker {
			logical = entry.Path
		}

		if logical == "" {
			continue
		}

		view, ok := locals[logical]
		if !ok {
			view = &LocalView{}
			locals[logical] = view
		}

		if isMarker {
			if markersSeen[logical] {
				invalid(logical, "duplicate placeholder marker")
				continue
			}

			markersSeen[logical] = true
			entry.IsPlaceholderMarker = true
			view.Marker = &entry

			continue
		}

		if realsSeen[logical] {
			invalid(logical, "duplicate local entry")
			continue
		}

		realsSeen[logical] = true
		view.Real = &entry
	}

	remotes := make(map[string]*RemoteEntry)

	for i := range snap.Remote {
		entry := snap.Remote[i]
		entry.Path = NormalizePath(entry.Path)

		if entry.Path == "" {
			continue
		}

		if _, dup := remotes[entry.Path]; dup {
			invalid(entry.Path, "duplicate remote entry")
			continue
		}

		remotes[entry.Path] = &entry
	}

	records := make(map[string]*ItemRecord)

	for i := range snap.Records {
		rec := snap.Records[i]
		rec.Path = NormalizePath(rec.Path)

		if rec.Path == "" {
			continue
		}

		if _, dup := records[rec.Path]; dup {
			invalid(rec.Path, "duplicate journal record")
			continue
		}

		records[rec.Path] = &rec
	}

	paths := make(map[string]struct{}, len(locals)+len(remotes)+len(records))
	for p := range locals {
		paths[p] = struct{}{}
	}

	for p := range remotes {
		paths[p] = struct{}{}
	}

	for p := range records {
		paths[p] = struct{}{}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		if poisoned[p] {
			continue
		}

		// A path one side did not list is not known to be absent there.
		if !snap.LocalScope.Covers(p) || !snap.RemoteScope.Covers(p) {
			continue
		}

		sorted = append(sorted, p)
	}

	sort.Strings(sorted)

	comparisons := make([]Comparison, 0, len(sorted))

	for _, p := range sorted {
		var view LocalView
		if v, ok := locals[p]; ok {
			view = *v
		}

		comparisons = append(comparisons, Classify(p, view, remotes[p], records[p]))
	}

	res.Renames, res.Comparisons = pairRenames(comparisons)

	return res
}

// Classify decides the classification of a single path. The local view
// must already have its marker folded in.
func Classify(path string, local LocalView, remote *RemoteEntry, rec *ItemRecord) Comparison {
	c := Comparison{
		Path:   path,
		Local:  local,
		Remote: remote,
		Record: rec,
	}

	if rec == nil {
		// A stray marker with no record carries no content.
		hasLocal := local.Real != nil

		switch {
		case hasLocal && remote != nil:
			c.Class = BothChanged
			c.LocalChanged, c.RemoteChanged = true, true
		case hasLocal:
			c.Class = LocalNew
			c.LocalChanged = true
		case remote != nil:
			c.Class = RemoteNew
			c.RemoteChanged = true
		default:
			c.Class = Unchanged
		}

		return c
	}

	localGone := localAbsent(local, rec)
	remoteGone := remote == nil

	if !localGone {
		c.LocalChanged = localDiffers(local, rec)
	}

	if !remoteGone {
		c.RemoteChanged = remoteDiffers(remote, rec)
	}

	switch {
	case localGone && remoteGone:
		c.Class = BothRemoved
	case localGone:
		c.Class = LocalRemoved
	case remoteGone:
		c.Class = RemoteRemoved
	case c.LocalChanged && c.RemoteChanged:
		c.Class = BothChanged
	case c.LocalChanged:
		c.Class = LocalChanged
	case c.RemoteChanged:
		c.Class = RemoteChanged
	default:
		c.Class = Unchanged
	}

	return c
}

// localAbsent reports whether nothing that the record type cares about is
// on disk. Placeholders count their marker; everything else needs the
// real entry.
func localAbsent(local LocalView, rec *ItemRecord) bool {
	if rec.Type.IsPlaceholder() {
		return local.Real == nil && local.Marker == nil
	}

	return local.Real == nil
}

func localDiffers(local LocalView, rec *ItemRecord) bool {
	switch rec.Type {
	case ItemTypePlaceholder, ItemTypePlaceholderMarkedForDownload:
		// The marker alone is the recorded state. Real content showing up
		// at the logical path is a local change.
		return local.Real != nil
	case ItemTypeDirectory:
		return !local.Real.IsDir
	default:
		if local.Real.IsDir {
			return true
		}

		return local.Real.Size != rec.Size || local.Real.ModTime != rec.ModTime
	}
}

func remoteDiffers(remote *RemoteEntry, rec *ItemRecord) bool {
	if remote.IsDir != (rec.Type == ItemTypeDirectory) {
		return true
	}

	return remote.Identity != rec.RemoteIdentity || remote.Size != rec.Size
}
