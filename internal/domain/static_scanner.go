package domain

import (
	"sort"
	"strings"
	"unicode/utf8"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const maxSnippetLen = 120

// StaticScanner is the fast regex pre-filter applied to every chunk.
type StaticScanner interface {
	Scan(chunk m.Chunk) []m.Finding
	ScanText(path m.Path, lang m.Language, startLine int, text string) []m.Finding
}

type staticScanner struct {
	rules *Rules
}

// NewStaticScanner builds a scanner over the pattern rules.
func NewStaticScanner(rules *Rules) StaticScanner {
	return &staticScanner{rules: rules}
}

// Scan matches the chunk line by line. It never fails.
func (s *staticScanner) Scan(chunk m.Chunk) []m.Finding {
	return s.ScanText(chunk.Path, chunk.Language, chunk.Span.StartLine, chunk.Text)
}

// ScanText matches raw text whose first line is startLine. Only the most
// severe rule is reported per line; ties go to the earlier rule.
func (s *staticScanner) ScanText(path m.Path, lang m.Language, startLine int, text string) []m.Finding {
	if startLine < 1 {
		startLine = 1
	}

	var findings []m.Finding

	for i, line := range strings.Split(text, "\n") {
		var best *PatternRule

		for _, rule := range s.rules.Patterns {
			if rule.re == nil || !rule.Applies(lang) {
				continue
			}

			if best != nil && rule.Severity.Rank() <= best.Severity.Rank() {
				continue
			}

			if rule.re.MatchString(line) {
				best = rule
			}
		}

		if best == nil {
			continue
		}

		findings = append(findings, m.Finding{
			Severity:    best.Severity,
			Origin:      m.OriginStatic,
			Location:    m.Location{Path: path, Line: startLine + i},
			Description: best.Description,
			Code:        snippet(line),
			Rule:        best.ID,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Location.Line < findings[j].Location.Line
	})

	return findings
}

func snippet(line string) string {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))

	if len(line) > maxSnippetLen {
		cut := maxSnippetLen
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}

		return line[:cut] + "..."
	}

	return line
}
