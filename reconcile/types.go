// Package reconcile decides what a sync pass must do for every path by
// comparing the local filesystem, the remote server and the journal of
// last-synchronized state. Everything here is a pure function over the
// snapshots it is given: no I/O happens in this package. The engine
// executes the returned instructions and commits the returned records.
package reconcile

import (
	"fmt"
	"strings"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"golang.org/x/text/unicode/norm"
)

// String constants shared by String() and the text (un)marshalers.
const (
	strRegularFile       = "file"
	strPlaceholder       = "placeholder"
	strPlaceholderMarked = "placeholder_download"
	strDirectory         = "directory"
)

// ItemType is the local representation recorded in the journal for a path.
type ItemType int

const (
	// ItemTypeRegularFile means the real content is present locally.
	ItemTypeRegularFile ItemType = iota

	// ItemTypePlaceholder means only a marker file exists locally; the
	// content lives on the server.
	ItemTypePlaceholder

	// ItemTypePlaceholderMarkedForDownload is a placeholder that an outside
	// actor asked to materialize. The next pass downloads it.
	ItemTypePlaceholderMarkedForDownload

	// ItemTypeDirectory is a folder on both sides.
	ItemTypeDirectory
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeRegularFile:
		return strRegularFile
	case ItemTypePlaceholder:
		return strPlaceholder
	case ItemTypePlaceholderMarkedForDownload:
		return strPlaceholderMarked
	case ItemTypeDirectory:
		return strDirectory
	default:
		return fmt.Sprintf("ItemType(%d)", int(t))
	}
}

// ParseItemType converts the journal's text form back to an ItemType.
func ParseItemType(s string) (ItemType, error) {
	switch s {
	case strRegularFile:
		return ItemTypeRegularFile, nil
	case strPlaceholder:
		return ItemTypePlaceholder, nil
	case strPlaceholderMarked:
		return ItemTypePlaceholderMarkedForDownload, nil
	case strDirectory:
		return ItemTypeDirectory, nil
	default:
		return ItemTypeRegularFile, fmt.Errorf("reconcile: unknown item type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ItemType) MarshalText() ([]byte, error) {
	switch t {
	case ItemTypeRegularFile, ItemTypePlaceholder, ItemTypePlaceholderMarkedForDownload, ItemTypeDirectory:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("reconcile: cannot marshal %s", t)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ItemType) UnmarshalText(b []byte) error {
	parsed, err := ParseItemType(string(b))
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

// IsPlaceholder reports whether the type is backed by a marker file.
func (t ItemType) IsPlaceholder() bool {
	return t == ItemTypePlaceholder || t == ItemTypePlaceholderMarkedForDownload
}

// ItemRecord is the journal entry for one synchronized path. A missing
// record (nil pointer) means the path was never synced or was forgotten.
type ItemRecord struct {
	Path           string   `json:"path"`
	Type           ItemType `json:"type"`
	Size           int64    `json:"size"`
	ModTime        int64    `json:"mtime"`
	RemoteIdentity string   `json:"etag"`
	// Fingerprint is the content hash observed at the last sync. Empty for
	// placeholders whose content never reached the disk.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// LocalEntry is one item produced by the local snapshot provider.
// Placeholder markers arrive as ordinary entries; the comparator
// recognizes them by their suffix.
type LocalEntry struct {
	Path        string
	Size        int64
	ModTime     int64
	IsDir       bool
	Fingerprint string

	// IsPlaceholderMarker is set by the comparator after folding markers
	// onto their logical path.
	IsPlaceholderMarker bool
}

// RemoteEntry is one item produced by the remote listing.
type RemoteEntry struct {
	Path     string
	Size     int64
	ModTime  int64
	Identity string
	IsDir    bool
	// Checksum is the server's content checksum in fingerprint form, or
	// empty when the server did not report one.
	Checksum string
}

// LocalView is what the local side holds for one logical path. A
// placeholder's marker and real content are tracked separately so the
// comparator can tell "marker deleted" from "content supplied".
type LocalView struct {
	Real   *LocalEntry
	Marker *LocalEntry
}

// Exists reports whether anything is on disk for the logical path.
func (v LocalView) Exists() bool {
	return v.Real != nil || v.Marker != nil
}

// Scope describes which part of the tree a snapshot covers. A listing
// that failed for a subtree or was deliberately limited to one must not
// be read as "everything outside it was deleted".
type Scope struct {
	// Roots limits coverage to these subtrees. Empty means the whole tree.
	Roots []string
	// Excluded subtrees are not covered even when inside a root.
	Excluded []string
}

// FullScope covers the whole tree.
func FullScope() Scope {
	return Scope{}
}

// SubtreeScope covers root and everything below it.
func SubtreeScope(root string) Scope {
	root = NormalizePath(root)
	if root == "" {
		return FullScope()
	}

	return Scope{Roots: []string{root}}
}

// Covers reports whether path falls inside the scope.
func (s Scope) Covers(path string) bool {
	for _, ex := range s.Excluded {
		if isWithin(path, ex) {
			return false
		}
	}

	if len(s.Roots) == 0 {
		return true
	}

	for _, root := range s.Roots {
		if isWithin(path, root) {
			return true
		}
	}

	return false
}

// isWithin reports whether path equals root or lies below it.
func isWithin(path, root string) bool {
	if root == "" {
		return true
	}

	return path == root || strings.HasPrefix(path, root+"/")
}

// Snapshot bundles the three views a pass compares.
type Snapshot struct {
	Local       []LocalEntry
	LocalScope  Scope
	Remote      []RemoteEntry
	RemoteScope Scope
	Records     []ItemRecord
}

// SameContent reports whether a local fingerprint and a remote checksum
// prove byte-identical content. Unknown values never match.
func SameContent(fingerprint, checksum string) bool {
	return fingerprint != "" && checksum != "" && fingerprint == checksum
}

// NormalizePath converts a path to the slash-separated NFC form used as
// the journal key. Repeated slashes collapse, and leading or trailing
// slashes are trimmed.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")

	var b strings.Builder

	prevSlash := false

	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}

			prevSlash = true
		} else {
			prevSlash = false
		}

		b.WriteRune(r)
	}

	path = strings.Trim(b.String(), "/")
	path = strings.TrimPrefix(path, "./")

	if path == "." {
		return ""
	}

	return norm.NFC.String(path)
}

// PartialListingError is returned by a snapshot provider that listed
// most of the tree but failed on some subtrees. The entries it returned
// alongside are valid; the failed subtrees must be left out of the
// comparison.
type PartialListingError struct {
	Failed []string
	Err    error
}

func (e *PartialListingError) Error() string {
	return fmt.Sprintf("listing incomplete, %d subtree(s) skipped: %v", len(e.Failed), e.Err)
}

func (e *PartialListingError) Unwrap() []error {
	return []error{syncerrors.ErrSnapshotUnavailable, e.Err}
}
