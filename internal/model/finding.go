// Package model defines the data structures shared by the scan engine.
package model

import (
	"fmt"
	"strings"
)

// Severity of a finding. Values are totally ordered through Rank.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Rank returns a comparable weight for the severity; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps free-form text to a Severity.
func ParseSeverity(value string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium", "moderate":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	}

	return "", false
}

// Origin tells where a finding came from.
type Origin string

// Finding origins.
const (
	OriginStatic         Origin = "Static"
	OriginRemoteAnalysis Origin = "RemoteAnalysis"
)

// Location points at a line in a file or at a dependency.
type Location struct {
	Path Path `json:"path"`
	Line int  `json:"line,omitempty"`
}

func (l Location) String() string {
	if l.Line <= 0 {
		return string(l.Path)
	}

	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// Finding is a single reported issue. It is never mutated after creation.
type Finding struct {
	Severity    Severity `json:"severity"`
	Origin      Origin   `json:"origin"`
	Location    Location `json:"location"`
	Description string   `json:"description"`
	Code        string   `json:"code,omitempty"`
	Rule        string   `json:"rule,omitempty"`
	// Unavailable marks a placeholder for an analysis that could not be obtained.
	Unavailable bool `json:"unavailable,omitempty"`
}

// ParseFailureDescription is the description attached to unparseable files.
const ParseFailureDescription = "parse failure"

// MaxSeverity returns the highest severity among available findings.
func MaxSeverity(findings []Finding) Severity {
	var highest Severity

	for _, f := range findings {
		if f.Unavailable {
			continue
		}

		if f.Severity.Rank() > highest.Rank() {
			highest = f.Severity
		}
	}

	return highest
}

// ParseFailure is returned when a file cannot be parsed into chunks.
type ParseFailure struct {
	Path   Path
	Reason string
	Err    error
}

func (e *ParseFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Path, e.Reason, e.Err)
	}

	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

func (e *ParseFailure) Unwrap() error {
	return e.Err
}

// Finding converts the failure into the single low-severity static finding
// reported for the file.
func (e *ParseFailure) Finding() Finding {
	return Finding{
		Severity:    SeverityLow,
		Origin:      OriginStatic,
		Location:    Location{Path: e.Path},
		Description: ParseFailureDescription,
		Code:        e.Reason,
	}
}
