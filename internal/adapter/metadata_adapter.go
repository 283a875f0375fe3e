package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
	"golang.org/x/mod/module"
)

// ErrMetadataNotFound is returned when the registry does not know the package.
var ErrMetadataNotFound = errors.New("package metadata not found")

// Default registry endpoints.
const (
	DefaultCratesEndpoint  = "https://crates.io"
	DefaultGoProxyEndpoint = "https://proxy.golang.org"
)

const metadataUserAgent = "cratewatch (https://cratewatch.dev)"

// MetadataSource fetches publication metadata for a dependency.
type MetadataSource interface {
	Fetch(ctx context.Context, dep m.Dependency) (m.Metadata, error)
}

// RegistryMetadataSource routes lookups to the registry of the dependency's ecosystem.
type RegistryMetadataSource struct {
	sources map[m.Ecosystem]MetadataSource
}

// NewRegistryMetadataSource wires the crates.io and Go module proxy sources.
func NewRegistryMetadataSource(client *http.Client, cratesEndpoint, goProxyEndpoint string) *RegistryMetadataSource {
	return &RegistryMetadataSource{
		sources: map[m.Ecosystem]MetadataSource{
			m.EcosystemCrates: NewCratesIOSource(client, cratesEndpoint),
			m.EcosystemGo:     NewGoProxySource(client, goProxyEndpoint),
		},
	}
}

// Fetch implements MetadataSource.
func (r *RegistryMetadataSource) Fetch(ctx context.Context, dep m.Dependency) (m.Metadata, error) {
	source, ok := r.sources[dep.Ecosystem]
	if !ok {
		return m.Metadata{}, fmt.Errorf("%w: no registry for ecosystem %q", ErrMetadataNotFound, dep.Ecosystem)
	}

	return source.Fetch(ctx, dep)
}

// CratesIOSource reads crate metadata from the crates.io API.
type CratesIOSource struct {
	client   *http.Client
	endpoint string
}

// NewCratesIOSource constructs a crates.io metadata source.
func NewCratesIOSource(client *http.Client, endpoint string) *CratesIOSource {
	if endpoint == "" {
		endpoint = DefaultCratesEndpoint
	}

	return &CratesIOSource{client: client, endpoint: strings.TrimRight(endpoint, "/")}
}

type cratesResponse struct {
	Crate struct {
		Name      string    `json:"name"`
		Downloads *uint64   `json:"downloads"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"crate"`
	Versions []struct {
		Num         string    `json:"num"`
		CreatedAt   time.Time `json:"created_at"`
		PublishedBy *struct {
			Login string `json:"login"`
		} `json:"published_by"`
	} `json:"versions"`
}

// Fetch implements MetadataSource.
func (s *CratesIOSource) Fetch(ctx context.Context, dep m.Dependency) (m.Metadata, error) {
	target := fmt.Sprintf("%s/api/v1/crates/%s", s.endpoint, url.PathEscape(dep.Name))

	var payload cratesResponse
	if err := getJSON(ctx, s.client, target, &payload); err != nil {
		return m.Metadata{}, err
	}

	meta := m.Metadata{
		Found:           true,
		TracksDownloads: true,
		PublishedAt:     payload.Crate.CreatedAt,
	}

	if payload.Crate.Downloads != nil {
		meta.Downloads = *payload.Crate.Downloads
		meta.DownloadsKnown = true
	}

	for _, v := range payload.Versions {
		if v.Num != dep.Version {
			continue
		}

		meta.PublishedAt = v.CreatedAt
		if v.PublishedBy != nil && v.PublishedBy.Login != "" {
			meta.Authors = append(meta.Authors, v.PublishedBy.Login)
		}

		break
	}

	return meta, nil
}

// GoProxySource reads module version info from a Go module proxy.
type GoProxySource struct {
	client   *http.Client
	endpoint string
}

// NewGoProxySource constructs a Go module proxy metadata source.
func NewGoProxySource(client *http.Client, endpoint string) *GoProxySource {
	if endpoint == "" {
		endpoint = DefaultGoProxyEndpoint
	}

	return &GoProxySource{client: client, endpoint: strings.TrimRight(endpoint, "/")}
}

type goProxyInfo struct {
	Version string    `json:"Version"`
	Time    time.Time `json:"Time"`
}

// Fetch implements MetadataSource. The proxy protocol carries no download
// counts or authors.
func (s *GoProxySource) Fetch(ctx context.Context, dep m.Dependency) (m.Metadata, error) {
	escapedPath, err := module.EscapePath(dep.Name)
	if err != nil {
		return m.Metadata{}, fmt.Errorf("escape module path %q: %w", dep.Name, err)
	}

	escapedVersion, err := module.EscapeVersion(dep.Version)
	if err != nil {
		return m.Metadata{}, fmt.Errorf("escape module version %q: %w", dep.Version, err)
	}

	target := fmt.Sprintf("%s/%s/@v/%s.info", s.endpoint, escapedPath, escapedVersion)

	var info goProxyInfo
	if err := getJSON(ctx, s.client, target, &info); err != nil {
		return m.Metadata{}, err
	}

	return m.Metadata{Found: true, PublishedAt: info.Time}, nil
}

func getJSON(ctx context.Context, client *http.Client, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build metadata request: %w", err)
	}

	req.Header.Set("User-Agent", metadataUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("failed to close metadata response body", "url", target, "error", err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrMetadataNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}

	return nil
}
