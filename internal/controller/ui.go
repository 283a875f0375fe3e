// Package controller provides the output adapters of the scan: progress
// displays and report renderers.
package controller

import (
	"context"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// ScanPlan summarizes the work of a scan before remote dispatch starts.
type ScanPlan struct {
	Target       m.Path
	Files        int
	Chunks       int
	Dependencies int
	Tasks        int
	Workers      int
}

// StartOption is a functional option for Start method.
type StartOption func(*StartConfig)

// StartConfig holds configuration for starting the UI.
type StartConfig struct {
	title string
	quiet bool
}

// WithTitle sets the heading shown by the UI.
func WithTitle(title string) StartOption {
	return func(c *StartConfig) {
		c.title = title
	}
}

// WithQuiet suppresses per-task progress lines.
func WithQuiet() StartOption {
	return func(c *StartConfig) {
		c.quiet = true
	}
}

func newStartConfig(options []StartOption) StartConfig {
	cfg := StartConfig{title: "cratewatch"}
	for _, opt := range options {
		opt(&cfg)
	}

	return cfg
}

// UI displays scan progress.
// Implementations can use different output methods (simple text, TUI, etc).
type UI interface {
	Start(ctx context.Context, options ...StartOption) error
	Close(ctx context.Context)
	DisplayScanPlan(ctx context.Context, plan ScanPlan)
	DisplayTaskStarted(ctx context.Context, label string, taskID int)
	DisplayTaskCompleted(ctx context.Context, label string, status m.AnalysisStatus)
	DisplaySummary(ctx context.Context, result m.ScanResult)
}

// NewUI picks the interactive TUI for terminals and the simple UI otherwise.
func NewUI(cmd *cobra.Command, tty bool) UI {
	if tty {
		return NewTUI(cmd.ErrOrStderr())
	}

	return NewSimpleUI(cmd)
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
