package model

import "time"

// CacheKey identifies one analyzed piece of content.
type CacheKey struct {
	Identity    string
	Version     string
	ContentHash string
}

// AnalysisRecord is the payload written to the cache for a key.
type AnalysisRecord struct {
	Analysis string
	Findings []Finding
	Model    string
}

// CacheEntry is a stored analysis result.
type CacheEntry struct {
	ID          string    `json:"id" yaml:"id"`
	Identity    string    `json:"package_name" yaml:"package_name"`
	Version     string    `json:"package_version" yaml:"package_version"`
	ContentHash string    `json:"content_hash" yaml:"content_hash"`
	Analysis    string    `json:"analysis" yaml:"analysis"`
	Findings    []Finding `json:"flagged_patterns" yaml:"flagged_patterns"`
	Model       string    `json:"llm_model" yaml:"llm_model"`
	Timestamp   time.Time `json:"scan_date" yaml:"scan_date"`
}

// Key returns the entry's cache key.
func (e CacheEntry) Key() CacheKey {
	return CacheKey{Identity: e.Identity, Version: e.Version, ContentHash: e.ContentHash}
}

// UsageRecord is one row of rolling usage statistics, written once per scan.
type UsageRecord struct {
	Timestamp       time.Time `json:"scan_date" yaml:"scan_date"`
	PackagesScanned int       `json:"total_packages" yaml:"total_packages"`
	CacheHits       int       `json:"cache_hits" yaml:"cache_hits"`
	NewAnalyses     int       `json:"new_scans" yaml:"new_scans"`
}

// IdentityHits counts cache hits for one identity.
type IdentityHits struct {
	Identity string
	Hits     uint64
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Available        bool
	TotalEntries     int
	RecentEntries    int
	RecentWindow     time.Duration
	TopIdentities    []IdentityHits
	Sessions         int
	TotalCacheHits   int
	TotalNewAnalyses int
}
