package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// Report formats.
const (
	FormatJSON      = "json"
	FormatMarkdown  = "markdown"
	FormatSummary   = "summary"
	FormatCondensed = "condensed"
)

// Formats lists the supported report formats.
var Formats = []string{FormatJSON, FormatMarkdown, FormatSummary, FormatCondensed}

// ErrUnknownFormat is returned for a report format that is not supported.
type ErrUnknownFormat struct {
	Format string
}

func (e *ErrUnknownFormat) Error() string {
	return fmt.Sprintf("unknown report format %q (want one of %s)", e.Format, strings.Join(Formats, ", "))
}

// ValidFormat reports whether format is supported.
func ValidFormat(format string) bool {
	return slices.Contains(Formats, format)
}

// RenderReport writes result in the requested format.
func RenderReport(w io.Writer, format string, result m.ScanResult) error {
	switch format {
	case FormatJSON:
		return renderJSON(w, result)
	case FormatMarkdown:
		return renderMarkdown(w, result)
	case FormatSummary:
		return renderSummary(w, result)
	case FormatCondensed:
		return renderCondensed(w, result)
	default:
		return &ErrUnknownFormat{Format: format}
	}
}

func renderJSON(w io.Writer, result m.ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	return nil
}

// ParseJSONReport decodes a report previously written with the json format.
func ParseJSONReport(data []byte) (m.ScanResult, error) {
	var result m.ScanResult
	if err := json.Unmarshal(data, &result); err != nil {
		return m.ScanResult{}, fmt.Errorf("decode report: %w", err)
	}

	return result, nil
}

func renderMarkdown(w io.Writer, result m.ScanResult) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Security scan of `%s`\n\n", result.Target)

	if result.Partial {
		b.WriteString("> **Partial results:** some analyses could not be obtained.\n\n")
	}

	st := result.Stats
	b.WriteString("| Files | Chunks | Dependencies | Cache hits | Remote calls | Unavailable |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %d |\n\n",
		st.Files, st.Chunks, st.Dependencies, st.CacheHits, st.RemoteCalls, st.Unavailable)

	if len(result.Dependencies) > 0 {
		b.WriteString("## Dependencies\n\n")
		b.WriteString("| Level | Score | Package | Version | Status | Flags |\n")
		b.WriteString("|---|---|---|---|---|---|\n")

		for _, dep := range result.Dependencies {
			fmt.Fprintf(&b, "| %s | %d | %s | %s | %s | %s |\n",
				dep.Level, dep.Score, mdEscape(dep.Name), mdEscape(dep.Version), dep.Status, mdEscape(flagList(dep.Flags)))
		}

		b.WriteString("\n")
	}

	findings := collectFindings(result)
	if len(findings) > 0 {
		b.WriteString("## Findings\n\n")
		b.WriteString("| Severity | Origin | Location | Description |\n")
		b.WriteString("|---|---|---|---|\n")

		for _, f := range findings {
			fmt.Fprintf(&b, "| %s | %s | `%s` | %s |\n", f.Severity, f.Origin, f.Location, mdEscape(f.Description))
		}

		b.WriteString("\n")
	}

	for _, src := range result.Sources {
		if len(src.Analysis) == 0 {
			continue
		}

		fmt.Fprintf(&b, "### `%s` (%s)\n\n", src.Path, src.Status)

		for _, text := range src.Analysis {
			b.WriteString(text + "\n\n")
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}

func mdEscape(s string) string {
	return strings.NewReplacer("|", "\\|", "\n", " ").Replace(s)
}

func flagList(flags []m.Flag) string {
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		names = append(names, fmt.Sprintf("%s(+%d)", f.Kind, f.Weight))
	}

	return strings.Join(names, ", ")
}

// collectFindings returns the available findings of all sources and
// dependencies, most severe first.
func collectFindings(result m.ScanResult) []m.Finding {
	var out []m.Finding

	for _, src := range result.Sources {
		out = append(out, src.Findings...)
	}

	for _, dep := range result.Dependencies {
		out = append(out, dep.Findings...)
	}

	slices.SortStableFunc(out, func(a, b m.Finding) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})

	return out
}

func renderSummary(w io.Writer, result m.ScanResult) error {
	var buf bytes.Buffer

	buf.WriteString(titleStyle.Render(fmt.Sprintf("Security scan of %s", result.Target)) + "\n\n")

	if len(result.Dependencies) > 0 {
		table := tablewriter.NewWriter(&buf)
		table.SetHeader([]string{"Level", "Score", "Package", "Version", "Status"})
		table.SetBorder(false)
		table.SetCenterSeparator("")
		table.SetAutoWrapText(false)

		for _, dep := range result.Dependencies {
			if dep.Level == m.RiskClean {
				continue
			}

			table.Append([]string{StyleLevel(dep.Level), fmt.Sprintf("%d", dep.Score), dep.Name, dep.Version, string(dep.Status)})
		}

		table.SetFooter([]string{"", "", fmt.Sprintf("%d dependencies", len(result.Dependencies)), "", countLevels(result.Dependencies)})
		table.Render()
		buf.WriteString("\n")
	}

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Path", "Status", "Critical", "High", "Medium", "Low"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER,
	})

	for _, src := range result.Sources {
		counts := severityCounts(src.Findings)
		if len(src.Findings) == 0 && src.Status != m.StatusUnavailable {
			continue
		}

		table.Append([]string{
			string(src.Path), string(src.Status),
			fmt.Sprintf("%d", counts[m.SeverityCritical]),
			fmt.Sprintf("%d", counts[m.SeverityHigh]),
			fmt.Sprintf("%d", counts[m.SeverityMedium]),
			fmt.Sprintf("%d", counts[m.SeverityLow]),
		})
	}

	table.SetFooter([]string{fmt.Sprintf("Total Files %d", len(result.Sources)), "", "", "", "", ""})
	table.Render()

	buf.WriteString("\n" + renderStatsTable(result))

	_, err := w.Write(buf.Bytes())

	return err
}

func severityCounts(findings []m.Finding) map[m.Severity]int {
	counts := make(map[m.Severity]int)

	for _, f := range findings {
		if !f.Unavailable {
			counts[f.Severity]++
		}
	}

	return counts
}

func countLevels(deps []m.Dependency) string {
	counts := make(map[m.RiskLevel]int)
	for _, d := range deps {
		counts[d.Level]++
	}

	var parts []string

	for _, level := range []m.RiskLevel{m.RiskCritical, m.RiskHigh, m.RiskMedium, m.RiskLow} {
		if counts[level] > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", strings.ToLower(string(level)), counts[level]))
		}
	}

	if len(parts) == 0 {
		return "all clean"
	}

	return strings.Join(parts, ", ")
}

func renderCondensed(w io.Writer, result m.ScanResult) error {
	var b strings.Builder

	for _, line := range DependencyLines(result) {
		b.WriteString(line + "\n")
	}

	for _, src := range result.Sources {
		for _, f := range src.Findings {
			b.WriteString(findingLine(f) + "\n")
		}
	}

	for _, dep := range result.Dependencies {
		for _, f := range dep.Findings {
			b.WriteString(findingLine(f) + "\n")
		}
	}

	if result.Partial {
		b.WriteString("partial: true\n")
	}

	_, err := io.WriteString(w, b.String())

	return err
}

func findingLine(f m.Finding) string {
	if f.Unavailable {
		return fmt.Sprintf("%s: unavailable: %s", f.Location, f.Description)
	}

	return fmt.Sprintf("%s: %s: %s [%s]", f.Location, strings.ToLower(string(f.Severity)), f.Description, f.Origin)
}

// DependencyLines renders one stable line per non-clean dependency. The lines
// are the unit of comparison against a baseline.
func DependencyLines(result m.ScanResult) []string {
	var lines []string

	for _, dep := range result.Dependencies {
		if dep.Level == m.RiskClean {
			continue
		}

		kinds := make([]string, 0, len(dep.Flags))
		for _, f := range dep.Flags {
			kinds = append(kinds, string(f.Kind))
		}

		lines = append(lines, fmt.Sprintf("%s %s@%s %s score=%d [%s]",
			dep.Ecosystem, dep.Name, dep.Version, strings.ToLower(string(dep.Level)), dep.Score, strings.Join(kinds, ",")))
	}

	return lines
}
