package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

var tracer = otel.Tracer("cratewatch.dev/pkg/cratewatch/internal/domain")

// ErrAnalysisCancelled is returned when the scan is cancelled before a
// remote analysis could be obtained.
var ErrAnalysisCancelled = errors.New("analysis cancelled")

// QuotaExceededError reports that the analysis service refused the call
// because a quota is exhausted. It is never retried by the gateway.
type QuotaExceededError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *QuotaExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("analysis quota exceeded (retry after %s)", e.RetryAfter)
	}

	return "analysis quota exceeded"
}

func (e *QuotaExceededError) Unwrap() error {
	return e.Err
}

// AnalysisRequest is one unit of remote analysis.
type AnalysisRequest struct {
	Key     m.CacheKey
	Prompt  string
	Mapping LineMapping
}

// Analysis is the outcome of a remote or cached analysis.
type Analysis struct {
	Text     string
	Findings []m.Finding
	Model    string
	EntryID  string
	Cached   bool
}

// Gateway obtains analyses, consulting the cache before any remote call.
type Gateway interface {
	Analyze(ctx context.Context, req AnalysisRequest) (Analysis, error)
	// Calls returns how many requests were sent to the service.
	Calls() int64
}

// GatewayConfig holds the retry and timeout policy of the gateway.
type GatewayConfig struct {
	Model          string
	Timeout        time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// GatewayConfigFromSettings converts analysis service settings.
func GatewayConfigFromSettings(s m.AnalysisServiceSettings) GatewayConfig {
	return GatewayConfig{
		Model:          s.Model,
		Timeout:        s.Timeout(),
		MaxAttempts:    s.MaxAttempts,
		InitialBackoff: time.Duration(s.InitialBackoffSeconds * float64(time.Second)),
		MaxBackoff:     time.Duration(s.MaxBackoffSeconds * float64(time.Second)),
	}
}

type gateway struct {
	transport adapter.Transport
	cache     adapter.ScanCache
	limiter   RateLimiter
	clock     Clock
	metrics   *Metrics
	cfg       GatewayConfig

	flight singleflight.Group
	calls  atomic.Int64
}

// NewGateway constructs a Gateway.
func NewGateway(
	transport adapter.Transport,
	cache adapter.ScanCache,
	limiter RateLimiter,
	clock Clock,
	metrics *Metrics,
	cfg GatewayConfig,
) Gateway {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	if clock == nil {
		clock = SystemClock()
	}

	if limiter == nil {
		limiter = noopLimiter{}
	}

	return &gateway{
		transport: transport,
		cache:     cache,
		limiter:   limiter,
		clock:     clock,
		metrics:   metrics,
		cfg:       cfg,
	}
}

func (g *gateway) Calls() int64 {
	return g.calls.Load()
}

func (g *gateway) Analyze(ctx context.Context, req AnalysisRequest) (Analysis, error) {
	ctx, span := tracer.Start(ctx, "gateway.Analyze", trace.WithAttributes(
		attribute.String("cratewatch.identity", req.Key.Identity),
		attribute.String("cratewatch.content_hash", req.Key.ContentHash),
	))
	defer span.End()

	if entry, ok := g.cache.Lookup(ctx, req.Key); ok {
		span.SetAttributes(attribute.Bool("cratewatch.cached", true))
		g.metrics.cacheHit()

		analysis := fromEntry(entry)
		analysis.Findings = relocate(analysis.Findings, req.Mapping)

		return analysis, nil
	}

	if err := ctx.Err(); err != nil {
		return Analysis{}, fmt.Errorf("%w: %w", ErrAnalysisCancelled, err)
	}

	flightKey := req.Key.Identity + "\x00" + req.Key.Version + "\x00" + req.Key.ContentHash

	v, err, _ := g.flight.Do(flightKey, func() (any, error) {
		if entry, ok := g.cache.Lookup(ctx, req.Key); ok {
			g.metrics.cacheHit()
			return fromEntry(entry), nil
		}

		return g.fetch(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return Analysis{}, err
	}

	// Flight results carry chunk-relative lines; each caller relocates them.
	analysis, _ := v.(Analysis)
	analysis.Findings = relocate(analysis.Findings, req.Mapping)

	return analysis, nil
}

func (g *gateway) fetch(ctx context.Context, req AnalysisRequest) (Analysis, error) {
	exp := backoff.NewExponentialBackOff()
	if g.cfg.InitialBackoff > 0 {
		exp.InitialInterval = g.cfg.InitialBackoff
	}

	if g.cfg.MaxBackoff > 0 {
		exp.MaxInterval = g.cfg.MaxBackoff
	}

	attempt := 0

	operation := func() (string, error) {
		attempt++

		waitStart := g.clock.Now()
		if err := g.limiter.Acquire(ctx); err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", ErrAnalysisCancelled, err)
			}

			return "", backoff.Permanent(err)
		}

		g.metrics.waited(g.clock.Now().Sub(waitStart))

		// In-flight calls finish on their own schedule even if the scan is cancelled.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()

		g.calls.Add(1)

		text, err := g.transport.Send(callCtx, req.Prompt, g.cfg.Model)
		if err == nil {
			g.metrics.remoteCall("ok")
			return text, nil
		}

		slog.Debug("analysis request failed", "identity", req.Key.Identity, "attempt", attempt, "error", err)

		var terr *adapter.TransportError
		if errors.As(err, &terr) {
			if terr.IsQuota() {
				g.metrics.remoteCall("quota")
				return "", backoff.Permanent(&QuotaExceededError{RetryAfter: terr.RetryAfter, Err: err})
			}

			if !terr.Temporary() {
				g.metrics.remoteCall("rejected")
				return "", backoff.Permanent(err)
			}
		}

		g.metrics.remoteCall("transient")

		if uint(attempt) < g.cfg.MaxAttempts {
			g.metrics.retry()
		}

		return "", err
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(g.cfg.MaxAttempts),
	)
	if err != nil {
		// The scan context ending (cancel or scan timeout) between attempts surfaces as a bare context error.
		if ctx.Err() != nil && !errors.Is(err, ErrAnalysisCancelled) {
			err = fmt.Errorf("%w: %w", ErrAnalysisCancelled, err)
		}

		slog.Warn("analysis unavailable", "identity", req.Key.Identity, "attempts", attempt, "error", err)

		return Analysis{}, err
	}

	summary, findings := ParseResponse(text, req.Mapping)

	record := m.AnalysisRecord{
		Analysis: summary,
		Findings: relativize(findings, req.Mapping),
		Model:    g.cfg.Model,
	}

	id := g.cache.Store(ctx, req.Key, record)

	return Analysis{
		Text:     summary,
		Findings: record.Findings,
		Model:    g.cfg.Model,
		EntryID:  id,
	}, nil
}

func fromEntry(entry m.CacheEntry) Analysis {
	return Analysis{
		Text:     entry.Analysis,
		Findings: entry.Findings,
		Model:    entry.Model,
		EntryID:  entry.ID,
		Cached:   true,
	}
}

// relativize stores lines relative to the start of the analyzed text so a
// cached result stays valid when identical content moves.
func relativize(findings []m.Finding, mapping LineMapping) []m.Finding {
	out := make([]m.Finding, len(findings))

	for i, f := range findings {
		if mapping.StartLine >= 1 && f.Location.Line >= mapping.StartLine {
			f.Location.Line = f.Location.Line - mapping.StartLine + 1
		}

		f.Location.Path = ""
		out[i] = f
	}

	return out
}

func relocate(findings []m.Finding, mapping LineMapping) []m.Finding {
	out := make([]m.Finding, len(findings))

	for i, f := range findings {
		if mapping.StartLine >= 1 && f.Location.Line >= 1 {
			f.Location.Line = mapping.StartLine + f.Location.Line - 1
		}

		f.Location.Path = mapping.Path
		out[i] = f
	}

	return out
}
