package controller

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// SimpleUI implements UI using cobra Command's output streams.
type SimpleUI struct {
	cmd *cobra.Command

	mu    sync.Mutex
	cfg   StartConfig
	total int
	done  int
}

// NewSimpleUI creates a new SimpleUI.
func NewSimpleUI(cmd *cobra.Command) *SimpleUI {
	return &SimpleUI{cmd: cmd, cfg: newStartConfig(nil)}
}

// Start initializes the UI.
func (s *SimpleUI) Start(ctx context.Context, options ...StartOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = newStartConfig(options)
	s.total, s.done = 0, 0
	s.mu.Unlock()

	return nil
}

// Close finalizes the UI.
func (s *SimpleUI) Close(_ context.Context) {}

// DisplayScanPlan prints the size of the scan.
func (s *SimpleUI) DisplayScanPlan(ctx context.Context, plan ScanPlan) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.total = plan.Tasks
	s.mu.Unlock()

	s.printf("Scanning %s: %d file(s), %d chunk(s), %d dependencies\n",
		plan.Target, plan.Files, plan.Chunks, plan.Dependencies)
	s.printf("Dispatching %d analysis task(s) with %d worker(s)\n", plan.Tasks, plan.Workers)
}

// DisplayTaskStarted is silent; progress is reported on completion.
func (s *SimpleUI) DisplayTaskStarted(_ context.Context, _ string, _ int) {}

// DisplayTaskCompleted prints one progress line per task.
func (s *SimpleUI) DisplayTaskCompleted(_ context.Context, label string, status m.AnalysisStatus) {
	s.mu.Lock()
	s.done++
	done, total, quiet := s.done, s.total, s.cfg.quiet
	s.mu.Unlock()

	if quiet {
		return
	}

	s.printf("[%d/%d] %s -> %s\n", done, total, label, status)
}

// DisplaySummary prints the scan counters as a table.
func (s *SimpleUI) DisplaySummary(_ context.Context, result m.ScanResult) {
	s.printf("\n%s", renderStatsTable(result))
}

func renderStatsTable(result m.ScanResult) string {
	var tableBuffer bytes.Buffer

	table := tablewriter.NewWriter(&tableBuffer)
	table.SetHeader([]string{"Files", "Chunks", "Dependencies", "Cache hits", "Remote calls", "Unavailable"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetAlignment(tablewriter.ALIGN_CENTER)

	st := result.Stats
	table.Append([]string{
		fmt.Sprintf("%d", st.Files),
		fmt.Sprintf("%d", st.Chunks),
		fmt.Sprintf("%d", st.Dependencies),
		fmt.Sprintf("%d", st.CacheHits),
		fmt.Sprintf("%d", st.RemoteCalls),
		fmt.Sprintf("%d", st.Unavailable),
	})

	table.Render()

	if result.Partial {
		tableBuffer.WriteString("Results are partial: some analyses could not be obtained.\n")
	}

	return tableBuffer.String()
}

func (s *SimpleUI) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.cmd.ErrOrStderr(), format, args...)
}
