// Package adapter contains the I/O adapters the scan engine depends on:
// filesystem, parsers, manifests, registries, remote transports and the cache.
package adapter

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// SourceFSAdapter abstracts filesystem-specific operations that the domain layer
// relies on when scanning a target. It hides direct `os` access so the
// orchestration logic can be tested without touching the disk.
type SourceFSAdapter interface {
	// Walk traverses root recursively, skipping directories and files that
	// match any of the exclude patterns.
	Walk(root m.Path, exclude []string, fn FilepathWalkFunc) error

	// ReadFile loads a file from disk and returns its contents.
	ReadFile(path m.Path) ([]byte, error)

	// FileInfo returns metadata for a path.
	FileInfo(path m.Path) (os.FileInfo, error)

	// RelPath returns the slash-separated path of target relative to base.
	RelPath(base, target m.Path) (m.Path, error)

	// Exists reports whether a path exists.
	Exists(path m.Path) bool
}

// FilepathWalkFunc mirrors the callback shape used by filepath.Walk. It is
// defined here to avoid leaking the standard-library type into the domain.
type FilepathWalkFunc func(path string, info os.FileInfo, err error) error

// LocalSourceFSAdapter is the disk-backed SourceFSAdapter.
type LocalSourceFSAdapter struct{}

// NewLocalSourceFSAdapter constructs a LocalSourceFSAdapter.
func NewLocalSourceFSAdapter() *LocalSourceFSAdapter {
	return &LocalSourceFSAdapter{}
}

// Walk iterates over files under root, pruning excluded directories.
func (a *LocalSourceFSAdapter) Walk(root m.Path, exclude []string, fn FilepathWalkFunc) error {
	rootStr := string(root)

	return filepath.Walk(rootStr, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fn(path, info, err)
		}

		if path != rootStr {
			rel, relErr := filepath.Rel(rootStr, path)
			if relErr == nil && MatchesAny(filepath.ToSlash(rel), info.IsDir(), exclude) {
				if info.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}
		}

		return fn(path, info, nil)
	})
}

// MatchesAny reports whether the slash-separated relative path matches one of
// the doublestar patterns. Directories also match patterns written for their
// contents ("**/target/**" matches the "target" directory itself) so walks can
// prune them early. Patterns without a slash are matched against the base name.
func MatchesAny(rel string, isDir bool, patterns []string) bool {
	name := rel
	if idx := strings.LastIndex(rel, "/"); idx >= 0 {
		name = rel[idx+1:]
	}

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}

		if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
			return true
		}

		if !strings.Contains(pattern, "/") {
			if matched, err := doublestar.Match(pattern, name); err == nil && matched {
				return true
			}
		}

		if isDir {
			if matched, err := doublestar.Match(pattern, rel+"/x"); err == nil && matched {
				return true
			}
		}
	}

	return false
}

// ReadFile loads file contents from disk.
func (a *LocalSourceFSAdapter) ReadFile(path m.Path) ([]byte, error) {
	return os.ReadFile(string(path))
}

// FileInfo returns os.FileInfo metadata for the given path.
func (a *LocalSourceFSAdapter) FileInfo(path m.Path) (os.FileInfo, error) {
	return os.Stat(string(path))
}

// RelPath returns the relative path from base to target using forward slashes.
func (a *LocalSourceFSAdapter) RelPath(base, target m.Path) (m.Path, error) {
	rel, err := filepath.Rel(string(base), string(target))
	if err != nil {
		return "", err
	}

	return m.Path(filepath.ToSlash(rel)), nil
}

// Exists reports whether the path can be stat'ed.
func (a *LocalSourceFSAdapter) Exists(path m.Path) bool {
	_, err := os.Stat(string(path))
	return err == nil
}
