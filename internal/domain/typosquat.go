package domain

import (
	"slices"
	"strings"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// DefaultTyposquatThreshold is the largest normalized distance that still flags.
const DefaultTyposquatThreshold = 0.25

// TyposquatMatch names the reference package a dependency imitates.
type TyposquatMatch struct {
	Reference string
	Ratio     float64
}

// TyposquatDetector compares dependency names with well-known packages of the
// same ecosystem.
type TyposquatDetector struct {
	rules     *Rules
	threshold float64
}

// NewTyposquatDetector constructs a detector. A threshold outside (0, 1)
// selects DefaultTyposquatThreshold.
func NewTyposquatDetector(rules *Rules, threshold float64) *TyposquatDetector {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultTyposquatThreshold
	}

	return &TyposquatDetector{rules: rules, threshold: threshold}
}

// Check returns the closest reference name the dependency is suspiciously
// similar to. Trusted names and exact matches never flag.
func (d *TyposquatDetector) Check(eco m.Ecosystem, name string) (TyposquatMatch, bool) {
	tables := d.rules.Ecosystem(eco)
	candidate := normalizeName(name)

	if containsName(tables.Trusted, candidate) {
		return TyposquatMatch{}, false
	}

	var (
		best  TyposquatMatch
		found bool
	)

	for _, ref := range tables.Reference {
		ratio := NameDistance(candidate, ref)
		if ratio <= 0 || ratio > d.threshold {
			continue
		}

		if !found || ratio < best.Ratio || (ratio == best.Ratio && ref < best.Reference) {
			best = TyposquatMatch{Reference: ref, Ratio: ratio}
			found = true
		}
	}

	return best, found
}

// Trusted reports whether name is on the allowlist of its ecosystem.
func (d *TyposquatDetector) Trusted(eco m.Ecosystem, name string) bool {
	return containsName(d.rules.Ecosystem(eco).Trusted, normalizeName(name))
}

// KnownMalicious reports whether name is a known malicious package.
func (d *TyposquatDetector) KnownMalicious(eco m.Ecosystem, name string) bool {
	return containsName(d.rules.Ecosystem(eco).KnownMalicious, normalizeName(name))
}

func containsName(names []string, normalized string) bool {
	return slices.ContainsFunc(names, func(n string) bool {
		return normalizeName(n) == normalized
	})
}

// normalizeName lowercases and treats '_' and '-' as equal.
func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

// NameDistance is the Levenshtein distance between the normalized names
// divided by the length of the longer one. Leading path segments both names
// share are ignored, so module paths under one host or owner compare by
// their differing tail.
func NameDistance(a, b string) float64 {
	ta, tb := trimSharedSegments(normalizeName(a), normalizeName(b))
	ra, rb := []rune(ta), []rune(tb)

	longer := max(len(ra), len(rb))
	if longer == 0 {
		return 0
	}

	return float64(levenshtein(ra, rb)) / float64(longer)
}

func trimSharedSegments(a, b string) (string, string) {
	for {
		ia := strings.IndexByte(a, '/')
		ib := strings.IndexByte(b, '/')

		if ia < 0 || ib < 0 || a[:ia] != b[:ib] {
			return a, b
		}

		a, b = a[ia+1:], b[ib+1:]
	}
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
