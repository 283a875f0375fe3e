package model

import "time"

// AnalysisStatus labels how much remote analysis a unit received.
type AnalysisStatus string

// Analysis statuses.
const (
	StatusAnalyzed     AnalysisStatus = "analyzed"
	StatusCached       AnalysisStatus = "cached"
	StatusUnavailable  AnalysisStatus = "unavailable"
	StatusSkipped      AnalysisStatus = "skipped"
	StatusNotRequested AnalysisStatus = "not-requested"
)

// SourceReport holds the findings for one scanned file.
type SourceReport struct {
	Path     Path           `json:"path"`
	Language Language       `json:"language"`
	Chunks   int            `json:"chunks"`
	Status   AnalysisStatus `json:"status"`
	Note     string         `json:"note,omitempty"`
	Analysis []string       `json:"analysis,omitempty"`
	Findings []Finding      `json:"findings"`
}

// ScanStats aggregates counters for one scan.
type ScanStats struct {
	Files             int `json:"files"`
	Chunks            int `json:"chunks"`
	Dependencies      int `json:"dependencies"`
	CacheHits         int `json:"cache_hits"`
	RemoteCalls       int `json:"remote_calls"`
	Unavailable       int `json:"unavailable"`
	ParseFailures     int `json:"parse_failures"`
	DeepAnalyzed      int `json:"deep_analyzed"`
	MetadataOnlyScans int `json:"metadata_only"`
}

// ScanResult is the flat, order-independent result handed to renderers.
type ScanResult struct {
	Target       Path           `json:"target"`
	StartedAt    time.Time      `json:"started_at"`
	Duration     time.Duration  `json:"duration"`
	Sources      []SourceReport `json:"sources"`
	Dependencies []Dependency   `json:"dependencies"`
	Stats        ScanStats      `json:"stats"`
	Partial      bool           `json:"partial"`
}
