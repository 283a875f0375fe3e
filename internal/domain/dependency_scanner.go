package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// DependencyScanner discovers the dependencies of a target and enriches them
// with registry metadata.
type DependencyScanner interface {
	Discover(ctx context.Context, root m.Path, workers int) ([]m.Dependency, error)
	// EntrySource returns the local entry file of dep, if one can be found.
	EntrySource(root m.Path, dep m.Dependency) (string, []byte)
}

type dependencyScanner struct {
	manifests adapter.ManifestAdapter
	metadata  adapter.MetadataSource
	sources   adapter.DependencySourceAdapter
}

// NewDependencyScanner constructs a DependencyScanner. A nil metadata source
// disables registry lookups and a nil source adapter disables entry sources.
func NewDependencyScanner(
	manifests adapter.ManifestAdapter,
	metadata adapter.MetadataSource,
	sources adapter.DependencySourceAdapter,
) DependencyScanner {
	return &dependencyScanner{manifests: manifests, metadata: metadata, sources: sources}
}

func (s *dependencyScanner) Discover(ctx context.Context, root m.Path, workers int) ([]m.Dependency, error) {
	ctx, span := tracer.Start(ctx, "dependencies.Discover")
	defer span.End()

	declared, err := s.manifests.Dependencies(root)
	if errors.Is(err, adapter.ErrNoManifest) {
		slog.Debug("no dependency manifest", "root", root)
		return nil, nil
	}

	if err != nil {
		slog.Error("failed to read dependency manifests", "root", root, "error", err)
		return nil, fmt.Errorf("read dependency manifests: %w", err)
	}

	deps := dedupe(declared)

	if s.metadata == nil {
		return deps, nil
	}

	memo := newMetadataMemo(s.metadata)

	var group errgroup.Group
	if workers > 0 {
		group.SetLimit(workers)
	}

	for i := range deps {
		group.Go(func() error {
			deps[i].Metadata = memo.fetch(ctx, deps[i])
			return nil
		})
	}

	_ = group.Wait()

	return deps, nil
}

func (s *dependencyScanner) EntrySource(root m.Path, dep m.Dependency) (string, []byte) {
	if s.sources == nil {
		return "", nil
	}

	path, content, err := s.sources.EntrySource(root, dep)
	if err != nil {
		if !errors.Is(err, adapter.ErrSourceNotFound) {
			slog.Warn("failed to read dependency source", "dependency", dep.Identity(), "error", err)
		}

		return "", nil
	}

	return path, content
}

// dedupe drops repeated name/version pairs and sorts the rest.
func dedupe(deps []m.Dependency) []m.Dependency {
	seen := make(map[string]bool, len(deps))
	out := make([]m.Dependency, 0, len(deps))

	for _, dep := range deps {
		key := dep.Identity() + "@" + dep.Version
		if seen[key] {
			continue
		}

		seen[key] = true
		out = append(out, dep)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ecosystem != out[j].Ecosystem {
			return out[i].Ecosystem < out[j].Ecosystem
		}

		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}

		return out[i].Version < out[j].Version
	})

	return out
}

// metadataMemo fetches each name/version pair at most once per scan.
type metadataMemo struct {
	source adapter.MetadataSource

	mu      sync.Mutex
	results map[string]*memoEntry
}

type memoEntry struct {
	once sync.Once
	md   m.Metadata
}

func newMetadataMemo(source adapter.MetadataSource) *metadataMemo {
	return &metadataMemo{source: source, results: make(map[string]*memoEntry)}
}

func (mm *metadataMemo) fetch(ctx context.Context, dep m.Dependency) m.Metadata {
	key := dep.Identity() + "@" + dep.Version

	mm.mu.Lock()

	entry, ok := mm.results[key]
	if !ok {
		entry = &memoEntry{}
		mm.results[key] = entry
	}

	mm.mu.Unlock()

	entry.once.Do(func() {
		md, err := mm.source.Fetch(ctx, dep)
		if err != nil {
			if !errors.Is(err, adapter.ErrMetadataNotFound) {
				slog.Warn("failed to fetch package metadata", "dependency", dep.Identity(), "version", dep.Version, "error", err)
			}

			// A registry package the registry cannot describe has unknown downloads.
			md = m.Metadata{TracksDownloads: dep.Ecosystem == m.EcosystemCrates && strings.HasPrefix(dep.Source, "registry+")}
		}

		entry.md = md
	})

	return entry.md
}
