package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// AssessorConfig holds the metadata thresholds of the assessor.
type AssessorConfig struct {
	RecentDays   uint
	MinDownloads uint64
	DeepScanAll  bool
}

// Assessor turns dependency facts into weighted risk flags.
type Assessor struct {
	rules     *Rules
	typosquat *TyposquatDetector
	clock     Clock
	cfg       AssessorConfig
}

// NewAssessor constructs an Assessor.
func NewAssessor(rules *Rules, typosquat *TyposquatDetector, clock Clock, cfg AssessorConfig) *Assessor {
	if clock == nil {
		clock = SystemClock()
	}

	return &Assessor{rules: rules, typosquat: typosquat, clock: clock, cfg: cfg}
}

// StaticFlags derives the flags that need no remote analysis: naming,
// metadata and capability requirements.
func (a *Assessor) StaticFlags(dep m.Dependency) []m.Flag {
	var flags []m.Flag

	if match, ok := a.typosquat.Check(dep.Ecosystem, dep.Name); ok {
		flags = append(flags, m.NewFlag(m.FlagTyposquatting,
			fmt.Sprintf("similar to %s (distance %.2f)", match.Reference, match.Ratio)))
	}

	flags = append(flags, a.metadataFlags(dep.Metadata)...)
	flags = append(flags, a.capabilityFlags(dep)...)

	return flags
}

func (a *Assessor) metadataFlags(md m.Metadata) []m.Flag {
	var flags []m.Flag

	if a.cfg.RecentDays > 0 && !md.PublishedAt.IsZero() {
		age := a.clock.Now().Sub(md.PublishedAt)
		if age <= time.Duration(a.cfg.RecentDays)*24*time.Hour {
			flags = append(flags, m.NewFlag(m.FlagRecentPublication,
				"published "+md.PublishedAt.UTC().Format(time.DateOnly)))
		}
	}

	if md.TracksDownloads && (!md.DownloadsKnown || md.Downloads < a.cfg.MinDownloads) {
		detail := "download count unknown"
		if md.DownloadsKnown {
			detail = fmt.Sprintf("%d downloads", md.Downloads)
		}

		flags = append(flags, m.NewFlag(m.FlagLowDownloads, detail))
	}

	for _, author := range md.Authors {
		if a.suspiciousAuthor(author) {
			flags = append(flags, m.NewFlag(m.FlagSuspiciousAuthor, author))
			break
		}
	}

	return flags
}

func (a *Assessor) suspiciousAuthor(author string) bool {
	author = strings.ToLower(strings.TrimSpace(author))

	return slices.ContainsFunc(a.rules.SuspiciousAuthors, func(s string) bool {
		return strings.ToLower(s) == author
	})
}

// capabilityFlags raises one flag per capability, naming the requirements
// that grant it.
func (a *Assessor) capabilityFlags(dep m.Dependency) []m.Flag {
	caps := a.rules.Ecosystem(dep.Ecosystem).Capabilities

	var flags []m.Flag

	for _, c := range []struct {
		kind  m.FlagKind
		names []string
	}{
		{m.FlagNetworkCapability, caps.Network},
		{m.FlagProcessExecution, caps.Process},
		{m.FlagFileSystemAccess, caps.FileSystem},
	} {
		var matched []string

		for _, req := range dep.Requires {
			if containsName(c.names, normalizeName(req)) {
				matched = append(matched, req)
			}
		}

		if len(matched) > 0 {
			slices.Sort(matched)
			flags = append(flags, m.NewFlag(c.kind, "requires "+strings.Join(slices.Compact(matched), ", ")))
		}
	}

	return flags
}

// RemoteFlags maps remote findings to flags, one per available finding.
func RemoteFlags(findings []m.Finding) []m.Flag {
	var flags []m.Flag

	for _, f := range findings {
		if f.Unavailable || f.Origin != m.OriginRemoteAnalysis {
			continue
		}

		var kind m.FlagKind

		switch f.Severity {
		case m.SeverityCritical, m.SeverityHigh:
			kind = m.FlagRemoteHigh
		case m.SeverityMedium:
			kind = m.FlagRemoteMedium
		case m.SeverityLow:
			kind = m.FlagRemoteLow
		default:
			continue
		}

		flags = append(flags, m.NewFlag(kind, f.Description))
	}

	return flags
}

// Assess computes the flags, score and level of dep from its metadata,
// requirements and any remote findings attached to it.
func (a *Assessor) Assess(dep m.Dependency) m.Dependency {
	dep.Flags = append(a.StaticFlags(dep), RemoteFlags(dep.Findings)...)
	dep.Score, dep.Level = Score(dep)

	return dep
}

// Prioritized reports whether dep deserves deep remote analysis. Trusted
// packages never do; known-malicious, typosquatting, suspiciously named and
// process or network capable packages always do.
func (a *Assessor) Prioritized(dep m.Dependency) bool {
	if a.typosquat.Trusted(dep.Ecosystem, dep.Name) {
		return false
	}

	if a.typosquat.KnownMalicious(dep.Ecosystem, dep.Name) {
		return true
	}

	if _, ok := a.typosquat.Check(dep.Ecosystem, dep.Name); ok {
		return true
	}

	if a.SuspiciousName(dep.Name) {
		return true
	}

	for _, f := range a.StaticFlags(dep) {
		if f.Kind == m.FlagProcessExecution || f.Kind == m.FlagNetworkCapability {
			return true
		}
	}

	return false
}

// DeepAnalysis reports whether dep is sent for remote analysis at all.
func (a *Assessor) DeepAnalysis(dep m.Dependency) bool {
	if a.typosquat.Trusted(dep.Ecosystem, dep.Name) {
		return false
	}

	return a.cfg.DeepScanAll || a.Prioritized(dep)
}

// SuspiciousName reports whether name contains a suspicious keyword.
func (a *Assessor) SuspiciousName(name string) bool {
	name = strings.ToLower(name)

	return slices.ContainsFunc(a.rules.SuspiciousKeywords, func(kw string) bool {
		return kw != "" && strings.Contains(name, kw)
	})
}

// Trusted reports whether dep is on the allowlist.
func (a *Assessor) Trusted(dep m.Dependency) bool {
	return a.typosquat.Trusted(dep.Ecosystem, dep.Name)
}

// KnownMalicious reports whether dep is a known malicious package.
func (a *Assessor) KnownMalicious(dep m.Dependency) bool {
	return a.typosquat.KnownMalicious(dep.Ecosystem, dep.Name)
}
