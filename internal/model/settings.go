package model

import (
	"fmt"
	"strings"
	"time"
)

// CacheSettings configures the scan cache.
type CacheSettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	MaxAgeDays  uint   `mapstructure:"max_age_days"`
	AutoCleanup bool   `mapstructure:"auto_cleanup"`
}

// RateLimitSettings configures the outbound request throttle.
type RateLimitSettings struct {
	Enabled              bool    `mapstructure:"enabled"`
	MinIntervalSeconds   float64 `mapstructure:"min_interval_seconds" validate:"gte=0"`
	MaxRequestsPerMinute uint    `mapstructure:"max_requests_per_minute" validate:"required_if=Enabled true"`
}

// MinInterval returns the minimum spacing between outbound requests.
func (r RateLimitSettings) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalSeconds * float64(time.Second))
}

// ScanSettings configures file discovery and chunking.
type ScanSettings struct {
	MaxFileSize       uint     `mapstructure:"max_file_size" validate:"gt=0"`
	ExcludePatterns   []string `mapstructure:"exclude_patterns"`
	ConcurrentWorkers uint     `mapstructure:"concurrent_workers" validate:"gte=1,lte=256"`
	MaxChunkSize      uint     `mapstructure:"max_chunk_size" validate:"gte=256"`
	SkipDependencies  bool     `mapstructure:"skip_dependencies"`
	DeepScanAll       bool     `mapstructure:"deep_scan_all"`
	TimeoutSeconds    uint     `mapstructure:"timeout_seconds"`
}

// Quota policies applied when the analysis service reports quota exhaustion.
const (
	QuotaPolicySkip  = "skip"
	QuotaPolicyWait  = "wait"
	QuotaPolicyAbort = "abort"
)

// Analysis modes select which chunks are sent for remote analysis.
const (
	AnalysisModeAll     = "all"
	AnalysisModeFlagged = "flagged"
	AnalysisModeOff     = "off"
)

// AnalysisServiceSettings are forwarded to the remote analysis transport.
type AnalysisServiceSettings struct {
	Provider              string  `mapstructure:"provider" validate:"oneof=gemini openai ollama"`
	Endpoint              string  `mapstructure:"endpoint"`
	Model                 string  `mapstructure:"model"`
	Credential            string  `mapstructure:"credential"`
	TimeoutSeconds        uint    `mapstructure:"timeout_seconds" validate:"gte=1"`
	MaxAttempts           uint    `mapstructure:"max_attempts" validate:"gte=1,lte=10"`
	InitialBackoffSeconds float64 `mapstructure:"initial_backoff_seconds" validate:"gte=0"`
	MaxBackoffSeconds     float64 `mapstructure:"max_backoff_seconds" validate:"gte=0"`
	Temperature           float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens             int     `mapstructure:"max_tokens" validate:"gte=0"`
	QuotaPolicy           string  `mapstructure:"quota_policy" validate:"oneof=skip wait abort"`
	Mode                  string  `mapstructure:"mode" validate:"oneof=all flagged off"`
	MaxCalls              uint    `mapstructure:"max_calls"`
}

// Timeout returns the per-request timeout.
func (a AnalysisServiceSettings) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RulesSettings locates the rule tables.
type RulesSettings struct {
	File               string  `mapstructure:"file"`
	TyposquatThreshold float64 `mapstructure:"typosquat_threshold" validate:"gt=0,lt=1"`
}

// MetadataSettings configures registry lookups.
type MetadataSettings struct {
	Enabled         bool   `mapstructure:"enabled"`
	CratesEndpoint  string `mapstructure:"crates_endpoint" validate:"omitempty,url"`
	GoProxyEndpoint string `mapstructure:"go_proxy_endpoint" validate:"omitempty,url"`
	TimeoutSeconds  uint   `mapstructure:"timeout_seconds" validate:"gte=1"`
	RecentDays      uint   `mapstructure:"recent_days"`
	MinDownloads    uint64 `mapstructure:"min_downloads"`
}

// ReportSettings selects the report format and destination.
type ReportSettings struct {
	Format string `mapstructure:"format" validate:"oneof=json markdown summary condensed"`
	Output string `mapstructure:"output"`
}

// TelemetrySettings enables the optional metrics and trace outputs.
type TelemetrySettings struct {
	MetricsFile string `mapstructure:"metrics_file"`
	TraceFile   string `mapstructure:"trace_file"`
}

// Settings is the resolved configuration consumed by the engine.
type Settings struct {
	Cache           CacheSettings           `mapstructure:"cache"`
	RateLimiting    RateLimitSettings       `mapstructure:"rate_limiting"`
	Scanning        ScanSettings            `mapstructure:"scanning"`
	AnalysisService AnalysisServiceSettings `mapstructure:"analysis_service"`
	Rules           RulesSettings           `mapstructure:"rules"`
	Metadata        MetadataSettings        `mapstructure:"metadata"`
	Report          ReportSettings          `mapstructure:"report"`
	Telemetry       TelemetrySettings       `mapstructure:"telemetry"`
}

// ConfigurationError reports missing or malformed settings. It is fatal
// before any scanning starts.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 0 && e.Err != nil {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}

	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
