package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

func newTestAssessor(t *testing.T, cfg AssessorConfig) (*Assessor, *fakeClock) {
	t.Helper()

	rules := mustDefaultRules(t)
	rules.SuspiciousAuthors = []string{"evil-publisher"}

	clock := newFakeClock()

	return NewAssessor(rules, NewTyposquatDetector(rules, DefaultTyposquatThreshold), clock, cfg), clock
}

func flagKinds(flags []m.Flag) []m.FlagKind {
	kinds := make([]m.FlagKind, 0, len(flags))
	for _, f := range flags {
		kinds = append(kinds, f.Kind)
	}

	return kinds
}

func TestAssessor_MetadataFlags(t *testing.T) {
	a, clock := newTestAssessor(t, AssessorConfig{RecentDays: 7, MinDownloads: 1000})
	now := clock.Now()

	tests := []struct {
		name string
		md   m.Metadata
		want []m.FlagKind
	}{
		{
			name: "established crate",
			md:   m.Metadata{Found: true, PublishedAt: now.AddDate(-1, 0, 0), Downloads: 50000, DownloadsKnown: true, TracksDownloads: true},
			want: []m.FlagKind{},
		},
		{
			name: "fresh and unpopular",
			md:   m.Metadata{Found: true, PublishedAt: now.Add(-48 * time.Hour), Downloads: 12, DownloadsKnown: true, TracksDownloads: true},
			want: []m.FlagKind{m.FlagRecentPublication, m.FlagLowDownloads},
		},
		{
			name: "published exactly at the window edge",
			md:   m.Metadata{Found: true, PublishedAt: now.Add(-7 * 24 * time.Hour), Downloads: 5000, DownloadsKnown: true, TracksDownloads: true},
			want: []m.FlagKind{m.FlagRecentPublication},
		},
		{
			name: "unknown downloads on a registry that tracks them",
			md:   m.Metadata{TracksDownloads: true},
			want: []m.FlagKind{m.FlagLowDownloads},
		},
		{
			name: "registry without download counts",
			md:   m.Metadata{Found: true, PublishedAt: now.AddDate(0, -3, 0)},
			want: []m.FlagKind{},
		},
		{
			name: "suspicious author",
			md:   m.Metadata{Found: true, Authors: []string{"alice", "Evil-Publisher"}},
			want: []m.FlagKind{m.FlagSuspiciousAuthor},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := m.Dependency{Name: "my-internal-crate", Ecosystem: m.EcosystemCrates, Metadata: tt.md}
			assert.Equal(t, tt.want, flagKinds(a.StaticFlags(dep)))
		})
	}
}

func TestAssessor_CapabilityFlags(t *testing.T) {
	a, _ := newTestAssessor(t, AssessorConfig{})

	dep := m.Dependency{
		Name:      "fetcher",
		Ecosystem: m.EcosystemCrates,
		Requires:  []string{"serde", "reqwest", "ureq", "async-process", "walkdir"},
	}

	flags := a.StaticFlags(dep)
	require.Len(t, flags, 3)

	assert.Equal(t, m.FlagNetworkCapability, flags[0].Kind)
	assert.Equal(t, "requires reqwest, ureq", flags[0].Detail)
	assert.Equal(t, m.FlagProcessExecution, flags[1].Kind)
	assert.Equal(t, m.FlagFileSystemAccess, flags[2].Kind)
	assert.Equal(t, uint32(5), flags[2].Weight)
}

func TestRemoteFlags(t *testing.T) {
	findings := []m.Finding{
		{Severity: m.SeverityCritical, Origin: m.OriginRemoteAnalysis, Description: "exfiltrates env"},
		{Severity: m.SeverityHigh, Origin: m.OriginRemoteAnalysis},
		{Severity: m.SeverityMedium, Origin: m.OriginRemoteAnalysis},
		{Severity: m.SeverityLow, Origin: m.OriginRemoteAnalysis},
		{Severity: m.SeverityHigh, Origin: m.OriginRemoteAnalysis, Unavailable: true},
		{Severity: m.SeverityHigh, Origin: m.OriginStatic},
	}

	flags := RemoteFlags(findings)
	assert.Equal(t, []m.FlagKind{m.FlagRemoteHigh, m.FlagRemoteHigh, m.FlagRemoteMedium, m.FlagRemoteLow}, flagKinds(flags))
	assert.Equal(t, "exfiltrates env", flags[0].Detail)
	assert.Empty(t, RemoteFlags(nil))
}

func TestAssessor_Assess(t *testing.T) {
	a, clock := newTestAssessor(t, AssessorConfig{RecentDays: 7, MinDownloads: 1000})

	dep := m.Dependency{
		Name:      "tokioo",
		Version:   "1.0.0",
		Ecosystem: m.EcosystemCrates,
		Requires:  []string{"reqwest"},
		Metadata:  m.Metadata{Found: true, PublishedAt: clock.Now().Add(-time.Hour), Downloads: 3, DownloadsKnown: true, TracksDownloads: true},
		Findings: []m.Finding{
			{Severity: m.SeverityHigh, Origin: m.OriginRemoteAnalysis, Description: "downloads a payload"},
		},
	}

	got := a.Assess(dep)

	assert.Equal(t, []m.FlagKind{
		m.FlagTyposquatting,
		m.FlagRecentPublication,
		m.FlagLowDownloads,
		m.FlagNetworkCapability,
		m.FlagRemoteHigh,
	}, flagKinds(got.Flags))
	assert.Equal(t, uint32(50+15+10+20+30), got.Score)
	assert.Equal(t, m.RiskCritical, got.Level)
	assert.Contains(t, got.Flags[0].Detail, "tokio")

	again := a.Assess(got)
	assert.Equal(t, got.Flags, again.Flags, "assessment is repeatable")
	assert.Equal(t, got.Score, again.Score)
}

func TestAssessor_Prioritized(t *testing.T) {
	a, _ := newTestAssessor(t, AssessorConfig{})

	tests := []struct {
		name string
		dep  m.Dependency
		want bool
	}{
		{"trusted", m.Dependency{Name: "serde", Ecosystem: m.EcosystemCrates}, false},
		{"trusted with network capability", m.Dependency{Name: "reqwest", Ecosystem: m.EcosystemCrates, Requires: []string{"hyper"}}, false},
		{"known malicious", m.Dependency{Name: "rustdecimal", Ecosystem: m.EcosystemCrates}, true},
		{"typosquat", m.Dependency{Name: "serde_jsn", Ecosystem: m.EcosystemCrates}, true},
		{"suspicious keyword", m.Dependency{Name: "wallet-helper", Ecosystem: m.EcosystemCrates}, true},
		{"process capability", m.Dependency{Name: "runner", Ecosystem: m.EcosystemCrates, Requires: []string{"tokio-process"}}, true},
		{"network capability", m.Dependency{Name: "fetch", Ecosystem: m.EcosystemCrates, Requires: []string{"ureq"}}, true},
		{"filesystem only", m.Dependency{Name: "files", Ecosystem: m.EcosystemCrates, Requires: []string{"walkdir"}}, false},
		{"ordinary", m.Dependency{Name: "my-internal-crate", Ecosystem: m.EcosystemCrates}, false},
		{"go typosquat", m.Dependency{Name: "github.com/boltdb-go/bolt", Ecosystem: m.EcosystemGo}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Prioritized(tt.dep))
			assert.Equal(t, tt.want, a.DeepAnalysis(tt.dep))
		})
	}

	deep, _ := newTestAssessor(t, AssessorConfig{DeepScanAll: true})
	assert.True(t, deep.DeepAnalysis(m.Dependency{Name: "my-internal-crate", Ecosystem: m.EcosystemCrates}))
	assert.False(t, deep.DeepAnalysis(m.Dependency{Name: "serde", Ecosystem: m.EcosystemCrates}))
}
