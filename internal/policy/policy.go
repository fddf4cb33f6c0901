// Package policy loads the per-directory sync rules: which paths are
// always downloaded instead of left as placeholders, and which paths are
// never synced.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
	"gopkg.in/yaml.v3"
)

// FileName is the policy file looked up in the sync root.
const FileName = ".placeholder-sync.yaml"

var defaultExcludeLines = []string{
	// conflict copies stay local
	"*conflicted copy*",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	// editors
	"*.swp",
	"*.swo",
	"*.tmp",
}

// File is the on-disk form of the policy.
type File struct {
	// Pinned holds doublestar globs for paths that are always downloaded.
	Pinned []string `yaml:"pinned"`
	// Exclude holds gitignore-style lines added to the built-in excludes.
	Exclude []string `yaml:"exclude"`
}

// Policy answers pinning and exclusion questions for relative paths.
type Policy struct {
	pinned  []string
	exclude []string
	ignore  *gitignore.GitIgnore
}

// New compiles a policy. Invalid pinned globs are rejected.
func New(f File) (*Policy, error) {
	for _, pattern := range f.Pinned {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid pinned pattern %q", pattern)
		}
	}

	lines := make([]string, 0, len(defaultExcludeLines)+len(f.Exclude))
	lines = append(lines, defaultExcludeLines...)

	for _, line := range f.Exclude {
		if line != "" {
			lines = append(lines, line)
		}
	}

	return &Policy{
		pinned:  f.Pinned,
		exclude: lines,
		ignore:  gitignore.CompileIgnoreLines(lines...),
	}, nil
}

// Default returns the policy used when no policy file exists.
func Default() *Policy {
	p, _ := New(File{})
	return p
}

// Load reads FileName from dir. A missing file yields the default policy.
func Load(dir string, logger *slog.Logger) (*Policy, error) {
	path := filepath.Join(dir, FileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	p, err := New(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logger.Info("loaded sync policy",
		slog.String("path", path),
		slog.Int("pinned", len(f.Pinned)),
		slog.Int("exclude", len(f.Exclude)),
	)

	return p, nil
}

// Pinned reports whether path must be downloaded rather than left as a
// placeholder.
func (p *Policy) Pinned(path string) bool {
	for _, pattern := range p.pinned {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}

	return false
}

// Excluded reports whether path is never synced. Directory patterns in
// gitignore form (trailing slash) only match directories.
func (p *Policy) Excluded(path string, isDir bool) bool {
	if isDir && p.ignore.MatchesPath(path+"/") {
		return true
	}

	return p.ignore.MatchesPath(path)
}

// ExcludeLines returns the effective exclude lines, built-ins first.
func (p *Policy) ExcludeLines() []string {
	return p.exclude
}

// PinnedPatterns returns the configured pinned globs.
func (p *Policy) PinnedPatterns() []string {
	return p.pinned
}
