package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemType_String(t *testing.T) {
	assert.Equal(t, "file", ItemTypeRegularFile.String())
	assert.Equal(t, "placeholder", ItemTypePlaceholder.String())
	assert.Equal(t, "placeholder_download", ItemTypePlaceholderMarkedForDownload.String())
	assert.Equal(t, "directory", ItemTypeDirectory.String())
	assert.Equal(t, "ItemType(42)", ItemType(42).String())
}

func TestItemRecord_JSONUsesTypeNames(t *testing.T) {
	rec := ItemRecord{Path: "A/a1", Type: ItemTypePlaceholder, Size: 64, ModTime: 1000, RemoteIdentity: "e1"}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"placeholder"`)

	var got ItemRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec, got)
}

func TestItemType_UnmarshalUnknown(t *testing.T) {
	var typ ItemType
	assert.Error(t, typ.UnmarshalText([]byte("symlink")))
}

func TestItemType_MarshalOutOfRange(t *testing.T) {
	_, err := ItemType(9).MarshalText()
	assert.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A/a1", "A/a1"},
		{"/A//a1/", "A/a1"},
		{"./notes/x.md", "notes/x.md"},
		{"A\\b\\c", "A/b/c"},
		{".", ""},
		{"", ""},
		// NFD e + combining acute becomes the NFC code point.
		{"café.txt", "café.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestScope_Covers(t *testing.T) {
	full := FullScope()
	assert.True(t, full.Covers("anything/at/all"))

	sub := SubtreeScope("docs")
	assert.True(t, sub.Covers("docs"))
	assert.True(t, sub.Covers("docs/a.txt"))
	assert.False(t, sub.Covers("docsx/a.txt"))
	assert.False(t, sub.Covers("other"))

	excl := Scope{Excluded: []string{"broken"}}
	assert.False(t, excl.Covers("broken/file"))
	assert.True(t, excl.Covers("fine/file"))

	assert.Equal(t, FullScope(), SubtreeScope("/"))
}

func TestSameContent(t *testing.T) {
	assert.True(t, SameContent("blake2b:aa", "blake2b:aa"))
	assert.False(t, SameContent("blake2b:aa", "blake2b:bb"))
	assert.False(t, SameContent("", ""))
	assert.False(t, SameContent("blake2b:aa", ""))
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth(""))
	assert.Equal(t, 1, Depth("A"))
	assert.Equal(t, 3, Depth("A/b/c"))
}
