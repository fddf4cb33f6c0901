package engine

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// maxPreviewInput skips the diff preview for files larger than this.
	maxPreviewInput = 256 * 1024

	// maxPreviewOutput truncates the stored preview.
	maxPreviewOutput = 8 * 1024

	// conflictTimeLayout is the timestamp embedded in conflict copy names.
	conflictTimeLayout = "2006-01-02 150405"

	// maxConflictSuffix bounds the counter tried when a conflict copy name
	// is already taken.
	maxConflictSuffix = 100
)

// conflictCopyPath names the copy that keeps the local side of a
// conflict: "dir/report (conflicted copy 2026-01-02 150405).txt". A
// counter is appended when that name is taken.
func conflictCopyPath(p string, now time.Time, exists func(string) bool) string {
	dir, name := path.Split(p)

	ext := path.Ext(name)
	if ext == name {
		ext = ""
	}

	base := strings.TrimSuffix(name, ext)
	stamp := now.Format(conflictTimeLayout)

	candidate := fmt.Sprintf("%s%s (conflicted copy %s)%s", dir, base, stamp, ext)
	if !exists(candidate) {
		return candidate
	}

	for i := 2; i <= maxConflictSuffix; i++ {
		candidate = fmt.Sprintf("%s%s (conflicted copy %s %d)%s", dir, base, stamp, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}

	return fmt.Sprintf("%s%s (conflicted copy %d)%s", dir, base, now.UnixNano(), ext)
}

// conflictPreview lists the lines that differ between the server version
// ("-") and the local one ("+"). Empty when the two are equal.
func conflictPreview(theirs, mine []byte) string {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(string(theirs), string(mine))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder

	for _, d := range diffs {
		var prefix string

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		default:
			continue
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			sb.WriteString(prefix)
			sb.WriteString(line)

			if !strings.HasSuffix(line, "\n") {
				sb.WriteByte('\n')
			}
		}
	}

	preview := sb.String()
	if len(preview) > maxPreviewOutput {
		cut := maxPreviewOutput
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}

		preview = preview[:cut] + "[truncated]\n"
	}

	return preview
}

// isText reports whether data looks like text: valid UTF-8 without NUL
// bytes.
func isText(data []byte) bool {
	return utf8.Valid(data) && !strings.ContainsRune(string(data), 0)
}
