package adapter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
	"golang.org/x/mod/modfile"
)

// ErrNoManifest is returned when a target has no supported dependency manifest.
var ErrNoManifest = errors.New("no dependency manifest found")

// ManifestAdapter discovers the third-party dependencies declared by a target.
type ManifestAdapter interface {
	// Dependencies resolves every external dependency under root. Workspace and
	// path members are not returned.
	Dependencies(root m.Path) ([]m.Dependency, error)
}

// LocalManifestAdapter reads Cargo.lock, Cargo.toml and go.mod/go.sum from disk.
type LocalManifestAdapter struct{}

// NewLocalManifestAdapter constructs a LocalManifestAdapter.
func NewLocalManifestAdapter() *LocalManifestAdapter {
	return &LocalManifestAdapter{}
}

// Dependencies reads every manifest present at root and merges the results.
func (a *LocalManifestAdapter) Dependencies(root m.Path) ([]m.Dependency, error) {
	dir := string(root)

	var (
		deps  []m.Dependency
		found bool
	)

	lockPath := filepath.Join(dir, "Cargo.lock")
	tomlPath := filepath.Join(dir, "Cargo.toml")

	switch {
	case fileExists(lockPath):
		found = true

		data, err := os.ReadFile(lockPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", lockPath, err)
		}

		crates, err := ParseCargoLock(data)
		if err != nil {
			slog.Error("failed to parse Cargo.lock", "path", lockPath, "error", err)
			return nil, err
		}

		deps = append(deps, crates...)
	case fileExists(tomlPath):
		found = true

		data, err := os.ReadFile(tomlPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", tomlPath, err)
		}

		crates, err := ParseCargoManifest(data)
		if err != nil {
			slog.Error("failed to parse Cargo.toml", "path", tomlPath, "error", err)
			return nil, err
		}

		deps = append(deps, crates...)
	}

	modPath := filepath.Join(dir, "go.mod")
	if fileExists(modPath) {
		found = true

		data, err := os.ReadFile(modPath)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", modPath, err)
		}

		var sum []byte
		if s, err := os.ReadFile(filepath.Join(dir, "go.sum")); err == nil {
			sum = s
		}

		mods, err := ParseGoModule(modPath, data, sum)
		if err != nil {
			slog.Error("failed to parse go.mod", "path", modPath, "error", err)
			return nil, err
		}

		deps = append(deps, mods...)
	}

	if !found {
		return nil, ErrNoManifest
	}

	return deps, nil
}

type cargoLock struct {
	Package []cargoLockPackage `toml:"package"`
}

type cargoLockPackage struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Source       string   `toml:"source"`
	Checksum     string   `toml:"checksum"`
	Dependencies []string `toml:"dependencies"`
}

// ParseCargoLock extracts registry and git packages from a Cargo.lock file.
// Packages without a source are workspace or path members and are skipped.
func ParseCargoLock(data []byte) ([]m.Dependency, error) {
	var lock cargoLock
	if err := toml.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("decode Cargo.lock: %w", err)
	}

	deps := make([]m.Dependency, 0, len(lock.Package))

	for _, pkg := range lock.Package {
		if pkg.Source == "" {
			continue
		}

		requires := make([]string, 0, len(pkg.Dependencies))
		for _, dep := range pkg.Dependencies {
			// Entries are "name", "name version" or "name version (source)".
			if fields := strings.Fields(dep); len(fields) > 0 {
				requires = append(requires, fields[0])
			}
		}

		deps = append(deps, m.Dependency{
			Name:        pkg.Name,
			Version:     pkg.Version,
			Ecosystem:   m.EcosystemCrates,
			Source:      pkg.Source,
			ContentHash: pkg.Checksum,
			Requires:    requires,
		})
	}

	return deps, nil
}

// ParseCargoManifest reads [dependencies], [dev-dependencies] and
// [build-dependencies] from a Cargo.toml when no lock file exists. Versions
// are the declared requirements and no content hash is known.
func ParseCargoManifest(data []byte) ([]m.Dependency, error) {
	var manifest map[string]any
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode Cargo.toml: %w", err)
	}

	seen := make(map[string]bool)

	var deps []m.Dependency

	for _, section := range []string{"dependencies", "build-dependencies", "dev-dependencies"} {
		table, ok := manifest[section].(map[string]any)
		if !ok {
			continue
		}

		names := make([]string, 0, len(table))
		for name := range table {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			version, source, local := cargoRequirement(table[name])
			if local || seen[name] {
				continue
			}

			seen[name] = true

			if spec, ok := table[name].(map[string]any); ok {
				if pkg, ok := spec["package"].(string); ok && pkg != "" {
					name = pkg
				}
			}

			deps = append(deps, m.Dependency{
				Name:      name,
				Version:   version,
				Ecosystem: m.EcosystemCrates,
				Source:    source,
			})
		}
	}

	return deps, nil
}

func cargoRequirement(value any) (version, source string, local bool) {
	switch v := value.(type) {
	case string:
		return v, "registry+https://github.com/rust-lang/crates.io-index", false
	case map[string]any:
		if _, ok := v["path"]; ok {
			return "", "", true
		}

		if ws, ok := v["workspace"].(bool); ok && ws {
			return "", "", true
		}

		if git, ok := v["git"].(string); ok {
			return stringField(v, "rev"), "git+" + git, false
		}

		return stringField(v, "version"), "registry+https://github.com/rust-lang/crates.io-index", false
	}

	return "", "", true
}

func stringField(table map[string]any, key string) string {
	s, _ := table[key].(string)
	return s
}

// ParseGoModule reads the require block of go.mod and pairs each module with
// its go.sum "h1:" hash when present.
func ParseGoModule(path string, data, sum []byte) ([]m.Dependency, error) {
	file, err := modfile.Parse(path, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode go.mod: %w", err)
	}

	hashes := parseGoSum(sum)

	replaced := make(map[string]bool)
	for _, rep := range file.Replace {
		if modfile.IsDirectoryPath(rep.New.Path) {
			replaced[rep.Old.Path] = true
		}
	}

	deps := make([]m.Dependency, 0, len(file.Require))

	for _, req := range file.Require {
		if replaced[req.Mod.Path] {
			continue
		}

		source := "direct"
		if req.Indirect {
			source = "indirect"
		}

		deps = append(deps, m.Dependency{
			Name:        req.Mod.Path,
			Version:     req.Mod.Version,
			Ecosystem:   m.EcosystemGo,
			Source:      source,
			ContentHash: hashes[req.Mod.Path+"@"+req.Mod.Version],
		})
	}

	return deps, nil
}

func parseGoSum(sum []byte) map[string]string {
	hashes := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(sum))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || strings.HasSuffix(fields[1], "/go.mod") {
			continue
		}

		hashes[fields[0]+"@"+fields[1]] = fields[2]
	}

	return hashes
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
