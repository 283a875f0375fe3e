package domain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	"cratewatch.dev/pkg/cratewatch/internal/controller"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// ScanArgs contains the arguments for one scan run.
type ScanArgs struct {
	Options      ScanOptions
	Format       string
	Output       io.Writer
	Baseline     m.Path
	SaveBaseline m.Path
	MetricsFile  string
	Title        string
	Quiet        bool
}

// ScanOutcome is the result of a scan run plus its baseline comparison.
type ScanOutcome struct {
	Result m.ScanResult
	Diff   *controller.BaselineDiff
}

// Workflow runs a scan end to end.
type Workflow interface {
	Scan(ctx context.Context, args ScanArgs) (ScanOutcome, error)
}

type workflow struct {
	Orchestrator
	adapter.ReportStore
	controller.UI

	cache    adapter.ScanCache
	settings m.CacheSettings
	metrics  *Metrics
}

// NewWorkflow creates a new Workflow instance with the provided dependencies.
func NewWorkflow(
	orchestrator Orchestrator,
	reportStore adapter.ReportStore,
	ui controller.UI,
	cache adapter.ScanCache,
	settings m.CacheSettings,
	metrics *Metrics,
) Workflow {
	return &workflow{
		Orchestrator: orchestrator,
		ReportStore:  reportStore,
		UI:           ui,
		cache:        cache,
		settings:     settings,
		metrics:      metrics,
	}
}

func (w *workflow) Scan(ctx context.Context, args ScanArgs) (ScanOutcome, error) {
	if !controller.ValidFormat(args.Format) {
		return ScanOutcome{}, &controller.ErrUnknownFormat{Format: args.Format}
	}

	var baseline *m.ScanResult

	if args.Baseline != "" {
		loaded, err := w.LoadReport(args.Baseline)
		if err != nil {
			return ScanOutcome{}, fmt.Errorf("load baseline: %w", err)
		}

		baseline = &loaded
	}

	w.cleanup(ctx)

	options := []controller.StartOption{}
	if args.Title != "" {
		options = append(options, controller.WithTitle(args.Title))
	}

	if args.Quiet {
		options = append(options, controller.WithQuiet())
	}

	if err := w.Start(ctx, options...); err != nil {
		return ScanOutcome{}, fmt.Errorf("start ui: %w", err)
	}

	result, err := w.Orchestrator.Scan(ctx, args.Options)

	w.Close(ctx)

	if err != nil {
		return ScanOutcome{}, fmt.Errorf("scan %s: %w", args.Options.Target, err)
	}

	w.DisplaySummary(ctx, result)

	outcome := ScanOutcome{Result: result}

	if err := controller.RenderReport(args.Output, args.Format, result); err != nil {
		return outcome, fmt.Errorf("render report: %w", err)
	}

	if err := w.metrics.WriteTextfile(args.MetricsFile); err != nil {
		slog.Warn("failed to write metrics", "path", args.MetricsFile, "error", err)
	}

	if args.SaveBaseline != "" {
		if err := w.SaveReport(args.SaveBaseline, result); err != nil {
			return outcome, fmt.Errorf("save baseline: %w", err)
		}
	}

	if baseline == nil {
		return outcome, nil
	}

	diff, err := controller.DiffBaseline(*baseline, result)
	if err != nil {
		return outcome, err
	}

	outcome.Diff = &diff

	return outcome, nil
}

// cleanup evicts stale cache entries before a scan when auto cleanup is on.
func (w *workflow) cleanup(ctx context.Context) {
	if w.cache == nil || !w.settings.AutoCleanup || w.settings.MaxAgeDays == 0 {
		return
	}

	maxAge := time.Duration(w.settings.MaxAgeDays) * 24 * time.Hour

	if _, err := w.cache.Evict(ctx, maxAge); err != nil {
		slog.Warn("cache cleanup failed", "error", err)
	}
}
