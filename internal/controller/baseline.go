package controller

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// BaselineDiff compares the risky dependencies of two scans.
type BaselineDiff struct {
	Added   []string
	Removed []string
	Unified string
}

// Empty reports whether the scans agree.
func (d BaselineDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffBaseline diffs the dependency risk lines of current against baseline.
func DiffBaseline(baseline, current m.ScanResult) (BaselineDiff, error) {
	before := DependencyLines(baseline)
	after := DependencyLines(current)

	var diff BaselineDiff

	for _, line := range after {
		if !slices.Contains(before, line) {
			diff.Added = append(diff.Added, line)
		}
	}

	for _, line := range before {
		if !slices.Contains(after, line) {
			diff.Removed = append(diff.Removed, line)
		}
	}

	if diff.Empty() {
		return diff, nil
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(before),
		B:        withNewlines(after),
		FromFile: "baseline",
		ToFile:   "current",
		Context:  1,
	})
	if err != nil {
		return BaselineDiff{}, fmt.Errorf("diff against baseline: %w", err)
	}

	diff.Unified = unified

	return diff, nil
}

func withNewlines(lines []string) []string {
	if len(lines) == 0 {
		return nil
	}

	return difflib.SplitLines(strings.Join(lines, "\n"))
}
