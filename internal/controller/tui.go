package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const maxRunningShown = 3

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	faintStyle = lipgloss.NewStyle().Faint(true)

	statusStyles = map[m.AnalysisStatus]lipgloss.Style{
		m.StatusAnalyzed:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		m.StatusCached:       lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		m.StatusUnavailable:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		m.StatusSkipped:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		m.StatusNotRequested: faintStyle,
	}

	levelStyles = map[m.RiskLevel]lipgloss.Style{
		m.RiskCritical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		m.RiskHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("202")),
		m.RiskMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		m.RiskLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		m.RiskClean:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

// StyleLevel renders a risk level in its color.
func StyleLevel(level m.RiskLevel) string {
	style, ok := levelStyles[level]
	if !ok {
		return string(level)
	}

	return style.Render(string(level))
}

// TUI implements UI with a Bubble Tea progress display.
type TUI struct {
	output io.Writer

	mu      sync.Mutex
	program *tea.Program
	done    chan struct{}
}

// NewTUI creates a new TUI.
func NewTUI(output io.Writer) *TUI {
	return &TUI{output: output}
}

type planMsg ScanPlan

type taskStartedMsg struct {
	label string
}

type taskDoneMsg struct {
	label  string
	status m.AnalysisStatus
}

type quitMsg struct{}

// Start launches the progress program in the background.
func (t *TUI) Start(ctx context.Context, options ...StartOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := newStartConfig(options)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.program != nil {
		return nil
	}

	model := newProgressModel(cfg.title)
	if width, ok := terminalWidth(t.output); ok {
		model.bar.Width = barWidth(width)
	}

	// Signals are handled by the command context.
	program := tea.NewProgram(model,
		tea.WithOutput(t.output),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)

	done := make(chan struct{})

	go func() {
		defer close(done)

		if _, err := program.Run(); err != nil {
			slog.Debug("progress display stopped", "error", err)
		}
	}()

	t.program = program
	t.done = done

	return nil
}

// Close stops the progress program and waits for it to restore the terminal.
func (t *TUI) Close(_ context.Context) {
	t.mu.Lock()
	program, done := t.program, t.done
	t.program, t.done = nil, nil
	t.mu.Unlock()

	if program == nil {
		return
	}

	program.Send(quitMsg{})
	<-done
}

func (t *TUI) send(msg tea.Msg) {
	t.mu.Lock()
	program := t.program
	t.mu.Unlock()

	if program != nil {
		program.Send(msg)
	}
}

// DisplayScanPlan sets the progress total.
func (t *TUI) DisplayScanPlan(_ context.Context, plan ScanPlan) {
	t.send(planMsg(plan))
}

// DisplayTaskStarted marks a task as running.
func (t *TUI) DisplayTaskStarted(_ context.Context, label string, _ int) {
	t.send(taskStartedMsg{label: label})
}

// DisplayTaskCompleted advances the progress bar.
func (t *TUI) DisplayTaskCompleted(_ context.Context, label string, status m.AnalysisStatus) {
	t.send(taskDoneMsg{label: label, status: status})
}

// DisplaySummary prints the styled scan counters once the program is closed.
func (t *TUI) DisplaySummary(_ context.Context, result m.ScanResult) {
	var b strings.Builder

	st := result.Stats

	b.WriteString(titleStyle.Render("Scan complete") + "\n")
	fmt.Fprintf(&b, "  files %d  chunks %d  dependencies %d\n", st.Files, st.Chunks, st.Dependencies)
	fmt.Fprintf(&b, "  %s %d  %s %d  %s %d\n",
		statusStyles[m.StatusCached].Render("cache hits"), st.CacheHits,
		statusStyles[m.StatusAnalyzed].Render("remote calls"), st.RemoteCalls,
		statusStyles[m.StatusUnavailable].Render("unavailable"), st.Unavailable)

	if result.Partial {
		b.WriteString(statusStyles[m.StatusSkipped].Render("  results are partial") + "\n")
	}

	_, _ = fmt.Fprint(t.output, b.String())
}

// progressModel is the Bubble Tea model of a running scan.
type progressModel struct {
	title   string
	plan    ScanPlan
	spinner spinner.Model
	bar     progress.Model
	done    int
	counts  map[m.AnalysisStatus]int
	running []string
	last    string
	quit    bool
}

func newProgressModel(title string) progressModel {
	return progressModel{
		title:   title,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		counts:  make(map[m.AnalysisStatus]int),
	}
}

func (pm progressModel) Init() tea.Cmd {
	return pm.spinner.Tick
}

func (pm progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case planMsg:
		pm.plan = ScanPlan(msg)
		return pm, nil

	case taskStartedMsg:
		pm.running = append(pm.running, msg.label)
		return pm, nil

	case taskDoneMsg:
		pm.done++
		pm.counts[msg.status]++
		pm.last = msg.label
		pm.running = removeLabel(pm.running, msg.label)

		return pm, nil

	case quitMsg:
		pm.quit = true
		return pm, tea.Quit

	case tea.WindowSizeMsg:
		pm.bar.Width = barWidth(msg.Width)
		return pm, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		pm.spinner, cmd = pm.spinner.Update(msg)

		return pm, cmd
	}

	return pm, nil
}

func barWidth(columns int) int {
	return min(max(columns-10, 10), 60)
}

func terminalWidth(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}

	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, false
	}

	return width, true
}

func removeLabel(labels []string, label string) []string {
	for i, l := range labels {
		if l == label {
			return append(labels[:i:i], labels[i+1:]...)
		}
	}

	return labels
}

func (pm progressModel) percent() float64 {
	if pm.plan.Tasks == 0 {
		return 0
	}

	return float64(pm.done) / float64(pm.plan.Tasks)
}

func (pm progressModel) View() string {
	if pm.quit {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render(pm.title) + "\n")

	if pm.plan.Target != "" {
		b.WriteString(faintStyle.Render(fmt.Sprintf("%s: %d files, %d chunks, %d dependencies",
			pm.plan.Target, pm.plan.Files, pm.plan.Chunks, pm.plan.Dependencies)) + "\n")
	}

	fmt.Fprintf(&b, "%s %s %d/%d\n", pm.spinner.View(), pm.bar.ViewAs(pm.percent()), pm.done, pm.plan.Tasks)

	var parts []string

	for _, status := range []m.AnalysisStatus{m.StatusAnalyzed, m.StatusCached, m.StatusSkipped, m.StatusUnavailable} {
		if n := pm.counts[status]; n > 0 {
			parts = append(parts, statusStyles[status].Render(fmt.Sprintf("%s %d", status, n)))
		}
	}

	if len(parts) > 0 {
		b.WriteString("  " + strings.Join(parts, "  ") + "\n")
	}

	shown := pm.running
	if len(shown) > maxRunningShown {
		shown = shown[:maxRunningShown]
	}

	for _, label := range shown {
		b.WriteString(faintStyle.Render("  > "+label) + "\n")
	}

	return b.String()
}
