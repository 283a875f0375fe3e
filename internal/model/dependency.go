package model

import (
	"fmt"
	"time"
)

// Ecosystem identifies the package registry a dependency comes from.
type Ecosystem string

// Supported ecosystems.
const (
	EcosystemCrates Ecosystem = "crates"
	EcosystemGo     Ecosystem = "go"
)

// FlagKind enumerates the weighted risk signals.
type FlagKind string

// Flag kinds.
const (
	FlagTyposquatting     FlagKind = "Typosquatting"
	FlagRecentPublication FlagKind = "RecentPublication"
	FlagLowDownloads      FlagKind = "LowDownloads"
	FlagSuspiciousAuthor  FlagKind = "SuspiciousAuthor"
	FlagNetworkCapability FlagKind = "NetworkCapability"
	FlagProcessExecution  FlagKind = "ProcessExecution"
	FlagFileSystemAccess  FlagKind = "FileSystemAccess"
	FlagRemoteHigh        FlagKind = "RemoteHigh"
	FlagRemoteMedium      FlagKind = "RemoteMedium"
	FlagRemoteLow         FlagKind = "RemoteLow"
)

var flagWeights = map[FlagKind]uint32{
	FlagTyposquatting:     50,
	FlagSuspiciousAuthor:  40,
	FlagProcessExecution:  30,
	FlagRemoteHigh:        30,
	FlagNetworkCapability: 20,
	FlagRemoteMedium:      15,
	FlagRecentPublication: 15,
	FlagLowDownloads:      10,
	FlagFileSystemAccess:  5,
	FlagRemoteLow:         5,
}

// Weight returns the fixed score contribution of the flag kind.
func (k FlagKind) Weight() uint32 {
	return flagWeights[k]
}

// Flag is a weighted signal feeding the dependency risk score.
type Flag struct {
	Kind   FlagKind `json:"kind"`
	Weight uint32   `json:"weight"`
	Detail string   `json:"detail,omitempty"`
}

// NewFlag builds a flag carrying its kind's fixed weight.
func NewFlag(kind FlagKind, detail string) Flag {
	return Flag{Kind: kind, Weight: kind.Weight(), Detail: detail}
}

// RiskLevel is the discrete classification derived from a score.
type RiskLevel string

// Risk levels.
const (
	RiskClean    RiskLevel = "Clean"
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// Rank orders risk levels, Clean lowest.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// Metadata is what a package registry knows about a release.
type Metadata struct {
	PublishedAt     time.Time `json:"published_at,omitempty"`
	Downloads       uint64    `json:"downloads,omitempty"`
	DownloadsKnown  bool      `json:"downloads_known"`
	TracksDownloads bool      `json:"-"`
	Authors         []string  `json:"authors,omitempty"`
	Found           bool      `json:"found"`
}

// Dependency is one declared or resolved third-party package.
type Dependency struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Ecosystem   Ecosystem      `json:"ecosystem"`
	Source      string         `json:"source,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	Requires    []string       `json:"requires,omitempty"`
	Metadata    Metadata       `json:"metadata"`
	Flags       []Flag         `json:"flags"`
	Score       uint32         `json:"score"`
	Level       RiskLevel      `json:"level"`
	Status      AnalysisStatus `json:"status"`
	Note        string         `json:"note,omitempty"`
	Findings    []Finding      `json:"findings,omitempty"`
	Analysis    string         `json:"analysis,omitempty"`
}

// Identity is the cache identity of the dependency.
func (d Dependency) Identity() string {
	return fmt.Sprintf("%s:%s", d.Ecosystem, d.Name)
}

// HasFlag reports whether a flag of the given kind is present.
func (d Dependency) HasFlag(kind FlagKind) bool {
	for _, f := range d.Flags {
		if f.Kind == kind {
			return true
		}
	}

	return false
}
