package reconcile

import (
	"fmt"
	"strings"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
)

// DefaultPlaceholderSuffix is appended to a logical path to name its
// marker file.
const DefaultPlaceholderSuffix = ".owncloud"

// Materialization says how a remote file should appear locally.
type Materialization int

const (
	// MaterializeNone applies to instructions that do not create local
	// content (uploads, removals, journal-only updates).
	MaterializeNone Materialization = iota

	// MaterializePlaceholder writes a marker and leaves the content on
	// the server.
	MaterializePlaceholder

	// MaterializeDownload transfers the real content.
	MaterializeDownload
)

func (m Materialization) String() string {
	switch m {
	case MaterializeNone:
		return "none"
	case MaterializePlaceholder:
		return "placeholder"
	case MaterializeDownload:
		return "download"
	default:
		return fmt.Sprintf("Materialization(%d)", int(m))
	}
}

// PlaceholderPolicy decides how new remote files are materialized and how
// markers are named.
type PlaceholderPolicy struct {
	// Enabled turns placeholders on. When false every new remote file is
	// downloaded, which is ordinary full sync.
	Enabled bool

	// Suffix names the marker file. Empty means DefaultPlaceholderSuffix.
	Suffix string

	// Pinned, when set, reports paths that must always be downloaded even
	// with placeholders enabled.
	Pinned func(path string) bool
}

// DefaultPlaceholderPolicy enables placeholders with the default suffix.
func DefaultPlaceholderPolicy() PlaceholderPolicy {
	return PlaceholderPolicy{Enabled: true, Suffix: DefaultPlaceholderSuffix}
}

func (p PlaceholderPolicy) suffix() string {
	if p.Suffix == "" {
		return DefaultPlaceholderSuffix
	}

	return p.Suffix
}

// MarkerPath returns the marker file name for a logical path.
func (p PlaceholderPolicy) MarkerPath(path string) string {
	return path + p.suffix()
}

// LogicalPath strips the marker suffix. The boolean is false when name is
// not a marker.
func (p PlaceholderPolicy) LogicalPath(name string) (string, bool) {
	suffix := p.suffix()
	if !strings.HasSuffix(name, suffix) || len(name) == len(suffix) {
		return name, false
	}

	logical := strings.TrimSuffix(name, suffix)
	if strings.HasSuffix(logical, "/") {
		return name, false
	}

	return logical, true
}

// MaterializeNew decides how a file first seen on the server appears
// locally.
func (p PlaceholderPolicy) MaterializeNew(path string) Materialization {
	if !p.Enabled {
		return MaterializeDownload
	}

	if p.Pinned != nil && p.Pinned(path) {
		return MaterializeDownload
	}

	return MaterializePlaceholder
}

// MarkForDownload flags a placeholder record so the next pass downloads
// its content. Only plain placeholders can be marked; marking an already
// marked record is a no-op.
func MarkForDownload(rec ItemRecord) (ItemRecord, error) {
	switch rec.Type {
	case ItemTypePlaceholder:
		rec.Type = ItemTypePlaceholderMarkedForDownload
		return rec, nil
	case ItemTypePlaceholderMarkedForDownload:
		return rec, nil
	default:
		return rec, fmt.Errorf("%w: %s is a %s, not a placeholder", syncerrors.ErrMalformedInput, rec.Path, rec.Type)
	}
}

// ValidTransition reports whether the journal may move an existing record
// from one type to another. Local content is never evicted back into a
// placeholder, and only placeholders can be marked for download.
func ValidTransition(from, to ItemType) bool {
	switch to {
	case ItemTypePlaceholder:
		return from == ItemTypePlaceholder
	case ItemTypePlaceholderMarkedForDownload:
		return from.IsPlaceholder()
	default:
		return true
	}
}
