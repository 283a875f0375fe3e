package domain

import (
	"regexp"
	"strconv"
	"strings"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const defaultAnalysis = "Security analysis completed."

var patternLine = regexp.MustCompile(`(?i)^[-*\s]*Line:\s*(\d+)\s*,\s*Severity:\s*(Critical|High|Medium|Low)\s*,\s*(?:Description|Issue):\s*(.*?)(?:\s*,\s*Code:\s*(.*))?$`)

// LineMapping converts line numbers in a response to file lines.
type LineMapping struct {
	Path      m.Path
	StartLine int
	EndLine   int
}

func (lm LineMapping) fileLine(n int) int {
	if lm.StartLine < 1 {
		return n
	}

	count := lm.EndLine - lm.StartLine + 1

	switch {
	case n < 1:
		return lm.StartLine
	case n <= count:
		return lm.StartLine + n - 1
	case n >= lm.StartLine && n <= lm.EndLine:
		// Already a file line.
		return n
	default:
		return lm.EndLine
	}
}

// ParseResponse splits a service response into the analysis summary and the
// flagged patterns, shifting chunk-relative lines to file lines.
func ParseResponse(response string, mapping LineMapping) (string, []m.Finding) {
	response = strings.ReplaceAll(response, "**", "")

	analysis := strings.TrimSpace(response)
	patterns := ""

	if idx := strings.Index(response, "ANALYSIS:"); idx >= 0 {
		analysis = response[idx+len("ANALYSIS:"):]
	}

	if idx := strings.Index(analysis, "PATTERNS:"); idx >= 0 {
		patterns = analysis[idx+len("PATTERNS:"):]
		analysis = analysis[:idx]
	} else if idx := strings.Index(response, "PATTERNS:"); idx >= 0 {
		patterns = response[idx+len("PATTERNS:"):]
	}

	analysis = strings.TrimSpace(analysis)
	if analysis == "" {
		analysis = defaultAnalysis
	}

	var findings []m.Finding

	for _, line := range strings.Split(patterns, "\n") {
		match := patternLine.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}

		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}

		severity, _ := m.ParseSeverity(match[2])

		findings = append(findings, m.Finding{
			Severity:    severity,
			Origin:      m.OriginRemoteAnalysis,
			Location:    m.Location{Path: mapping.Path, Line: mapping.fileLine(n)},
			Description: strings.TrimSpace(match[3]),
			Code:        strings.Trim(strings.TrimSpace(match[4]), "`"),
		})
	}

	return analysis, findings
}
