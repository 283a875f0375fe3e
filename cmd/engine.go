package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	"cratewatch.dev/pkg/cratewatch/internal/controller"
	"cratewatch.dev/pkg/cratewatch/internal/domain"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// maxEntrySourceBytes caps the dependency entry file quoted in a prompt.
const maxEntrySourceBytes = 64 * 1024

// engine holds the components of one command invocation.
type engine struct {
	settings m.Settings
	cache    *adapter.BadgerScanCache
	metrics  *domain.Metrics
	workflow domain.Workflow
}

func loadRules(settings m.Settings) (*domain.Rules, error) {
	if settings.Rules.File == "" {
		return domain.DefaultRules()
	}

	rules, err := domain.LoadRules(settings.Rules.File)
	if err != nil {
		return nil, &m.ConfigurationError{Problems: []string{fmt.Sprintf("rules.file: %v", err)}, Err: err}
	}

	return rules, nil
}

// newTransport returns nil when remote analysis is off.
func newTransport(settings m.Settings) (adapter.Transport, error) {
	if settings.AnalysisService.Mode == m.AnalysisModeOff {
		return nil, nil
	}

	return adapter.NewTransport(settings.AnalysisService, &http.Client{})
}

func newEngine(cmd *cobra.Command, settings m.Settings) (*engine, error) {
	rules, err := loadRules(settings)
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(settings)
	if err != nil {
		return nil, err
	}

	var metadata adapter.MetadataSource
	if settings.Metadata.Enabled {
		client := &http.Client{Timeout: time.Duration(settings.Metadata.TimeoutSeconds) * time.Second}
		metadata = adapter.NewRegistryMetadataSource(client, settings.Metadata.CratesEndpoint, settings.Metadata.GoProxyEndpoint)
	}

	clock := domain.SystemClock()
	syntax := adapter.NewTreeSitterAdapter()
	cache := adapter.OpenScanCache(settings.Cache)
	metrics := domain.NewMetrics()
	ui := controller.NewUI(cmd, controller.IsTTY(cmd.ErrOrStderr()))

	orchestrator := domain.NewOrchestrator(domain.OrchestratorComponents{
		FS:      adapter.NewLocalSourceFSAdapter(),
		Syntax:  syntax,
		Chunker: domain.NewChunker(syntax, int(settings.Scanning.MaxChunkSize)),
		Scanner: domain.NewStaticScanner(rules),
		Dependencies: domain.NewDependencyScanner(
			adapter.NewLocalManifestAdapter(),
			metadata,
			adapter.NewLocalDependencySourceAdapter(maxEntrySourceBytes),
		),
		Assessor: domain.NewAssessor(
			rules,
			domain.NewTyposquatDetector(rules, settings.Rules.TyposquatThreshold),
			clock,
			domain.AssessorConfig{
				RecentDays:   settings.Metadata.RecentDays,
				MinDownloads: settings.Metadata.MinDownloads,
				DeepScanAll:  settings.Scanning.DeepScanAll,
			},
		),
		Transport: transport,
		Cache:     cache,
		Limiter:   domain.NewRateLimiter(settings.RateLimiting, clock),
		Clock:     clock,
		Metrics:   metrics,
		UI:        ui,
		Gateway:   domain.GatewayConfigFromSettings(settings.AnalysisService),
	})

	return &engine{
		settings: settings,
		cache:    cache,
		metrics:  metrics,
		workflow: domain.NewWorkflow(orchestrator, adapter.NewReportStore(), ui, cache, settings.Cache, metrics),
	}, nil
}

func (e *engine) Close() {
	if err := e.cache.Close(); err != nil {
		slog.Warn("failed to close scan cache", "error", err)
	}
}
