package domain

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	"cratewatch.dev/pkg/cratewatch/internal/controller"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

type stubOrchestrator struct {
	result m.ScanResult
	err    error
	opts   ScanOptions
	ui     controller.UI
}

func (s *stubOrchestrator) Scan(ctx context.Context, opts ScanOptions) (m.ScanResult, error) {
	s.opts = opts

	if s.ui != nil {
		s.ui.DisplayScanPlan(ctx, controller.ScanPlan{Target: opts.Target, Files: 1, Tasks: 1, Workers: 1})
		s.ui.DisplayTaskCompleted(ctx, "src/lib.rs", m.StatusAnalyzed)
	}

	return s.result, s.err
}

func riskyResult(names ...string) m.ScanResult {
	result := m.ScanResult{Target: "repo"}

	for _, name := range names {
		result.Dependencies = append(result.Dependencies, m.Dependency{
			Name: name, Version: "1.0.0", Ecosystem: m.EcosystemCrates,
			Flags: []m.Flag{m.NewFlag(m.FlagTyposquatting, "")},
			Score: 50, Level: m.RiskMedium,
		})
	}

	return result
}

func newTestWorkflow(t *testing.T, orch Orchestrator) (Workflow, *bytes.Buffer) {
	t.Helper()

	var progress bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetOut(&progress)
	cmd.SetErr(&progress)

	cache := adapter.NewInMemoryScanCache()
	t.Cleanup(func() {
		_ = cache.Close()
	})

	return NewWorkflow(orch, adapter.NewReportStore(), controller.NewSimpleUI(cmd), cache,
		m.CacheSettings{AutoCleanup: true, MaxAgeDays: 30}, NewMetrics()), &progress
}

func TestWorkflow_RendersReport(t *testing.T) {
	orch := &stubOrchestrator{result: riskyResult("tokioo")}
	wf, progress := newTestWorkflow(t, orch)

	var out bytes.Buffer
	outcome, err := wf.Scan(context.Background(), ScanArgs{
		Options: ScanOptions{Target: "repo"},
		Format:  controller.FormatCondensed,
		Output:  &out,
	})
	require.NoError(t, err)

	assert.Equal(t, m.Path("repo"), orch.opts.Target)
	assert.Nil(t, outcome.Diff)
	assert.Contains(t, out.String(), "crates tokioo@1.0.0 medium score=50")
	assert.Contains(t, progress.String(), "CACHE HITS")
}

func TestWorkflow_QuietSuppressesTaskLines(t *testing.T) {
	for _, quiet := range []bool{false, true} {
		var progress bytes.Buffer

		cmd := &cobra.Command{}
		cmd.SetErr(&progress)

		ui := controller.NewSimpleUI(cmd)
		orch := &stubOrchestrator{result: riskyResult(), ui: ui}
		wf := NewWorkflow(orch, adapter.NewReportStore(), ui, nil, m.CacheSettings{}, nil)

		_, err := wf.Scan(context.Background(), ScanArgs{
			Options: ScanOptions{Target: "repo"},
			Format:  controller.FormatJSON,
			Output:  &bytes.Buffer{},
			Quiet:   quiet,
		})
		require.NoError(t, err)

		assert.Contains(t, progress.String(), "Scanning repo")
		assert.Equal(t, !quiet, bytes.Contains(progress.Bytes(), []byte("[1/1] src/lib.rs -> analyzed")), "quiet=%v", quiet)
	}
}

func TestWorkflow_UnknownFormat(t *testing.T) {
	orch := &stubOrchestrator{}
	wf, _ := newTestWorkflow(t, orch)

	_, err := wf.Scan(context.Background(), ScanArgs{Format: "yaml", Output: &bytes.Buffer{}})

	var unknown *controller.ErrUnknownFormat
	require.ErrorAs(t, err, &unknown)
	assert.Empty(t, orch.opts.Target, "scan must not start")
}

func TestWorkflow_ScanError(t *testing.T) {
	wf, _ := newTestWorkflow(t, &stubOrchestrator{err: errors.New("boom")})

	_, err := wf.Scan(context.Background(), ScanArgs{Format: controller.FormatJSON, Output: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestWorkflow_Baseline(t *testing.T) {
	dir := t.TempDir()
	baseline := m.Path(filepath.Join(dir, "baseline.json"))
	ctx := context.Background()

	wf, _ := newTestWorkflow(t, &stubOrchestrator{result: riskyResult("tokioo")})
	_, err := wf.Scan(ctx, ScanArgs{Format: controller.FormatJSON, Output: &bytes.Buffer{}, SaveBaseline: baseline})
	require.NoError(t, err)

	t.Run("unchanged", func(t *testing.T) {
		wf, _ := newTestWorkflow(t, &stubOrchestrator{result: riskyResult("tokioo")})

		outcome, err := wf.Scan(ctx, ScanArgs{Format: controller.FormatJSON, Output: &bytes.Buffer{}, Baseline: baseline})
		require.NoError(t, err)
		require.NotNil(t, outcome.Diff)
		assert.True(t, outcome.Diff.Empty())
	})

	t.Run("resolved risk", func(t *testing.T) {
		wf, _ := newTestWorkflow(t, &stubOrchestrator{result: riskyResult()})

		outcome, err := wf.Scan(ctx, ScanArgs{Format: controller.FormatJSON, Output: &bytes.Buffer{}, Baseline: baseline})
		require.NoError(t, err)
		assert.Len(t, outcome.Diff.Removed, 1)
	})

	t.Run("new risk", func(t *testing.T) {
		wf, _ := newTestWorkflow(t, &stubOrchestrator{result: riskyResult("tokioo", "serde_jsn")})

		outcome, err := wf.Scan(ctx, ScanArgs{Format: controller.FormatJSON, Output: &bytes.Buffer{}, Baseline: baseline})
		require.NoError(t, err)
		assert.Equal(t, []string{"crates serde_jsn@1.0.0 medium score=50 [Typosquatting]"}, outcome.Diff.Added)
	})

	t.Run("missing baseline", func(t *testing.T) {
		wf, _ := newTestWorkflow(t, &stubOrchestrator{})

		_, err := wf.Scan(ctx, ScanArgs{
			Format: controller.FormatJSON, Output: &bytes.Buffer{},
			Baseline: m.Path(filepath.Join(dir, "nope.json")),
		})
		require.ErrorIs(t, err, adapter.ErrReportNotFound)
	})
}
