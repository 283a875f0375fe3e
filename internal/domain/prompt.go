package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const (
	largePromptThreshold = 12000
	truncateThreshold    = 15000
	truncateKeep         = 7500
	truncationMarker     = "\n\n// ... (middle section truncated for analysis) ...\n\n"
)

const responseFormat = `Format response as:
ANALYSIS: [Your security analysis summary]

PATTERNS:
- Line: [number], Severity: [Critical/High/Medium/Low], Description: [description], Code: [snippet]

Line numbers count from 1 at the first line of the code shown.
If no issues found: ANALYSIS: No significant security issues detected.`

// ChunkPrompt builds the analysis prompt for one chunk.
func ChunkPrompt(chunk m.Chunk) string {
	code := chunk.Text
	lang := string(chunk.Language)

	var b strings.Builder

	if len(code) > largePromptThreshold {
		analyzed := "full"
		if len(code) > truncateThreshold {
			code = truncateMiddle(code)
			analyzed = "truncated"
		}

		fmt.Fprintf(&b, "Analyze this %s code for security vulnerabilities and suspicious patterns. "+
			"Focus on imports, unsafe blocks, network calls, file operations, and external command execution.\n\n", lang)
		fmt.Fprintf(&b, "File: %s\nCode (%d chars, %s analyzed):\n", chunk.Path, len(chunk.Text), analyzed)
	} else {
		fmt.Fprintf(&b, "Analyze this %s code for security vulnerabilities, malicious behavior, backdoors, and unsafe patterns.\n\n", lang)
		fmt.Fprintf(&b, "File: %s\nCode to analyze:\n", chunk.Path)
	}

	if chunk.Header != "" {
		fmt.Fprintf(&b, "(excerpt from: %s)\n", chunk.Header)
	}

	fmt.Fprintf(&b, "```%s\n%s\n```\n\n", lang, code)
	b.WriteString(responseFormat)

	return b.String()
}

// DependencyPrompt builds the supply-chain prompt for one dependency. The
// entry source is included when a local copy is available.
func DependencyPrompt(dep m.Dependency, entryPath string, entry []byte) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Perform a supply-chain security review of this %s package.\n\n", dep.Ecosystem)
	fmt.Fprintf(&b, "Package: %s v%s\n", dep.Name, strings.TrimPrefix(dep.Version, "v"))

	if dep.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", dep.Source)
	}

	if len(dep.Requires) > 0 {
		fmt.Fprintf(&b, "Requires: %s\n", strings.Join(dep.Requires, ", "))
	}

	for _, f := range dep.Flags {
		fmt.Fprintf(&b, "Signal: %s (%s)\n", f.Kind, f.Detail)
	}

	b.WriteString("\nLook for typosquatting, install or build time code execution, credential theft, " +
		"data exfiltration, obfuscated payloads, and unexpected network or process access.\n\n")

	if len(entry) > 0 {
		code := string(entry)
		if len(code) > truncateThreshold {
			code = truncateMiddle(code)
		}

		fmt.Fprintf(&b, "Entry file: %s\n```\n%s\n```\n\n", entryPath, code)
	} else {
		b.WriteString("No source is available locally; assess from the metadata above.\n\n")
	}

	b.WriteString(responseFormat)

	return b.String()
}

// truncateMiddle keeps the first and last truncateKeep bytes on rune boundaries.
func truncateMiddle(code string) string {
	head := truncateKeep
	for head > 0 && !utf8.RuneStart(code[head]) {
		head--
	}

	tail := len(code) - truncateKeep
	for tail < len(code) && !utf8.RuneStart(code[tail]) {
		tail++
	}

	return code[:head] + truncationMarker + code[tail:]
}
