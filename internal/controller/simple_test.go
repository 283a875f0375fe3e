package controller

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer

	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)

	return cmd, &buf
}

func TestSimpleUI_Progress(t *testing.T) {
	cmd, buf := newTestCommand()
	ui := NewSimpleUI(cmd)
	ctx := context.Background()

	require.NoError(t, ui.Start(ctx, WithTitle("scan")))
	ui.DisplayScanPlan(ctx, ScanPlan{Target: "demo", Files: 2, Chunks: 3, Dependencies: 1, Tasks: 2, Workers: 4})
	ui.DisplayTaskStarted(ctx, "src/a.rs", 0)
	ui.DisplayTaskCompleted(ctx, "src/a.rs", m.StatusAnalyzed)
	ui.DisplayTaskCompleted(ctx, "crates:tokio", m.StatusUnavailable)
	ui.Close(ctx)

	out := buf.String()
	assert.Contains(t, out, "Scanning demo: 2 file(s), 3 chunk(s), 1 dependencies")
	assert.Contains(t, out, "Dispatching 2 analysis task(s) with 4 worker(s)")
	assert.Contains(t, out, "[1/2] src/a.rs -> analyzed")
	assert.Contains(t, out, "[2/2] crates:tokio -> unavailable")
}

func TestSimpleUI_Quiet(t *testing.T) {
	cmd, buf := newTestCommand()
	ui := NewSimpleUI(cmd)
	ctx := context.Background()

	require.NoError(t, ui.Start(ctx, WithQuiet()))
	ui.DisplayTaskCompleted(ctx, "src/a.rs", m.StatusAnalyzed)

	assert.NotContains(t, buf.String(), "src/a.rs")
}

func TestSimpleUI_Summary(t *testing.T) {
	cmd, buf := newTestCommand()
	ui := NewSimpleUI(cmd)

	ui.DisplaySummary(context.Background(), m.ScanResult{
		Stats: m.ScanStats{Files: 7, Chunks: 12, Dependencies: 3, CacheHits: 5, RemoteCalls: 4, Unavailable: 1},
	})

	out := buf.String()
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "CACHE HITS")
	assert.NotContains(t, out, "partial")
}

func TestNewUI(t *testing.T) {
	cmd, _ := newTestCommand()

	assert.IsType(t, &SimpleUI{}, NewUI(cmd, false))
	assert.IsType(t, &TUI{}, NewUI(cmd, true))
	assert.False(t, IsTTY(&bytes.Buffer{}))
}
