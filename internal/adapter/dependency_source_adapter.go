package adapter

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/module"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// ErrSourceNotFound is returned when no local copy of a dependency exists.
var ErrSourceNotFound = errors.New("dependency source not found locally")

// DependencySourceAdapter finds the on-disk sources of a dependency so its
// entry file can be included in a deep-analysis prompt.
type DependencySourceAdapter interface {
	// EntrySource returns the path and content of the dependency's entry file.
	EntrySource(root m.Path, dep m.Dependency) (string, []byte, error)
}

// LocalDependencySourceAdapter searches vendor directories and the Cargo and
// Go module caches.
type LocalDependencySourceAdapter struct {
	CargoHome  string
	GoModCache string
	// MaxBytes caps how much of the entry file is returned; zero means no cap.
	MaxBytes int
}

// NewLocalDependencySourceAdapter constructs an adapter using CARGO_HOME and
// GOMODCACHE from the environment, falling back to their documented defaults.
func NewLocalDependencySourceAdapter(maxBytes int) *LocalDependencySourceAdapter {
	home, _ := os.UserHomeDir()

	cargoHome := os.Getenv("CARGO_HOME")
	if cargoHome == "" && home != "" {
		cargoHome = filepath.Join(home, ".cargo")
	}

	modCache := os.Getenv("GOMODCACHE")
	if modCache == "" {
		gopath := os.Getenv("GOPATH")
		if gopath == "" && home != "" {
			gopath = filepath.Join(home, "go")
		}

		if gopath != "" {
			modCache = filepath.Join(filepath.SplitList(gopath)[0], "pkg", "mod")
		}
	}

	return &LocalDependencySourceAdapter{CargoHome: cargoHome, GoModCache: modCache, MaxBytes: maxBytes}
}

// EntrySource implements DependencySourceAdapter.
func (a *LocalDependencySourceAdapter) EntrySource(root m.Path, dep m.Dependency) (string, []byte, error) {
	for _, dir := range a.candidateDirs(string(root), dep) {
		entry := entryFile(dir, dep.Ecosystem)
		if entry == "" {
			continue
		}

		data, err := os.ReadFile(entry)
		if err != nil {
			continue
		}

		if a.MaxBytes > 0 && len(data) > a.MaxBytes {
			data = data[:a.MaxBytes]
		}

		return entry, data, nil
	}

	return "", nil, ErrSourceNotFound
}

func (a *LocalDependencySourceAdapter) candidateDirs(root string, dep m.Dependency) []string {
	switch dep.Ecosystem {
	case m.EcosystemCrates:
		dirs := []string{
			filepath.Join(root, "vendor", dep.Name+"-"+dep.Version),
			filepath.Join(root, "vendor", dep.Name),
		}

		if a.CargoHome != "" {
			matches, _ := filepath.Glob(filepath.Join(a.CargoHome, "registry", "src", "*", dep.Name+"-"+dep.Version))
			sort.Strings(matches)
			dirs = append(dirs, matches...)
		}

		return dirs
	case m.EcosystemGo:
		dirs := []string{filepath.Join(root, "vendor", filepath.FromSlash(dep.Name))}

		if a.GoModCache != "" {
			escPath, errPath := module.EscapePath(dep.Name)
			escVersion, errVersion := module.EscapeVersion(dep.Version)

			if errPath == nil && errVersion == nil {
				dirs = append(dirs, filepath.Join(a.GoModCache, filepath.FromSlash(escPath)+"@"+escVersion))
			}
		}

		return dirs
	default:
		return nil
	}
}

func entryFile(dir string, eco m.Ecosystem) string {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return ""
	}

	switch eco {
	case m.EcosystemCrates:
		for _, name := range []string{"build.rs", filepath.Join("src", "lib.rs"), filepath.Join("src", "main.rs")} {
			if fileExists(filepath.Join(dir, name)) {
				return filepath.Join(dir, name)
			}
		}
	case m.EcosystemGo:
		entries, err := os.ReadDir(dir)
		if err != nil {
			return ""
		}

		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}

			return filepath.Join(dir, name)
		}
	}

	return ""
}
