package policy

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDefault_ExcludesConflictCopies(t *testing.T) {
	p := Default()
	assert.True(t, p.Excluded("docs/report (conflicted copy 2026-01-02 030405).txt", false))
	assert.True(t, p.Excluded("sub/.DS_Store", false))
	assert.False(t, p.Excluded("docs/report.txt", false))
	assert.False(t, p.Pinned("docs/report.txt"))
}

func TestPinned_Doublestar(t *testing.T) {
	p, err := New(File{Pinned: []string{"docs/**", "*.md"}})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"docs/a.txt", true},
		{"docs/deep/er/b.bin", true},
		{"readme.md", true},
		{"notes/readme.md", false},
		{"video.mp4", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Pinned(tt.path))
		})
	}
}

func TestNew_RejectsBadPinnedPattern(t *testing.T) {
	_, err := New(File{Pinned: []string{"docs/[unclosed"}})
	assert.Error(t, err)
}

func TestExcluded_UserLines(t *testing.T) {
	p, err := New(File{Exclude: []string{"build/", "*.log", ""}})
	require.NoError(t, err)

	assert.True(t, p.Excluded("build", true))
	assert.True(t, p.Excluded("app/debug.log", false))
	assert.False(t, p.Excluded("src/main.go", false))
	assert.Len(t, p.ExcludeLines(), len(defaultExcludeLines)+2)
}

func TestLoad_MissingFileIsDefault(t *testing.T) {
	p, err := Load(t.TempDir(), discardLogger)
	require.NoError(t, err)
	assert.Empty(t, p.PinnedPatterns())
	assert.Equal(t, defaultExcludeLines, p.ExcludeLines())
}

func TestLoad_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	content := "pinned:\n  - \"docs/**\"\nexclude:\n  - \"*.bak\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	p, err := Load(dir, discardLogger)
	require.NoError(t, err)
	assert.True(t, p.Pinned("docs/x"))
	assert.True(t, p.Excluded("old.bak", false))
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("pinned: [unterminated"), 0o644))

	_, err := Load(dir, discardLogger)
	assert.Error(t, err)
}
