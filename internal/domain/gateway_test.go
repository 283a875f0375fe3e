package domain

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cratewatch.dev/pkg/cratewatch/internal/adapter"
	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const cleanResponse = "ANALYSIS: Suspicious shell usage.\nPATTERNS:\n- Line: 2, Severity: High, Description: spawns sh, Code: Command::new(\"sh\")"

// fakeTransport replays scripted results and counts calls.
type fakeTransport struct {
	mu      sync.Mutex
	script  []error
	reply   string
	calls   atomic.Int64
	delay   time.Duration
	prompts []string
	respond func(prompt string) (string, error)
}

func (f *fakeTransport) Name() string {
	return "fake"
}

func (f *fakeTransport) Send(ctx context.Context, prompt, _ string) (string, error) {
	n := f.calls.Add(1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)

	var scripted error
	if int(n) <= len(f.script) {
		scripted = f.script[n-1]
	}
	f.mu.Unlock()

	if scripted != nil {
		return "", scripted
	}

	if f.respond != nil {
		return f.respond(prompt)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	reply := f.reply
	if reply == "" {
		reply = cleanResponse
	}

	return reply, nil
}

func testGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Model:          "test-model",
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestGateway(t *testing.T, transport adapter.Transport) (Gateway, *adapter.BadgerScanCache) {
	t.Helper()

	cache := adapter.NewInMemoryScanCache()
	t.Cleanup(func() {
		_ = cache.Close()
	})

	return NewGateway(transport, cache, nil, newFakeClock(), NewMetrics(), testGatewayConfig()), cache
}

func testRequest(hash string) AnalysisRequest {
	return AnalysisRequest{
		Key:     m.CacheKey{Identity: "src/lib.rs", ContentHash: hash},
		Prompt:  "analyze " + hash,
		Mapping: LineMapping{Path: "src/lib.rs", StartLine: 10, EndLine: 20},
	}
}

func TestGateway_WritesThroughAndServesFromCache(t *testing.T) {
	transport := &fakeTransport{}
	gw, cache := newTestGateway(t, transport)
	ctx := context.Background()

	first, err := gw.Analyze(ctx, testRequest("h1"))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "Suspicious shell usage.", first.Text)
	require.Len(t, first.Findings, 1)
	assert.Equal(t, m.Location{Path: "src/lib.rs", Line: 11}, first.Findings[0].Location)
	assert.NotEmpty(t, first.EntryID)

	entry, ok := cache.Lookup(ctx, testRequest("h1").Key)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Findings[0].Location.Line, "cached lines are relative")

	second, err := gw.Analyze(ctx, testRequest("h1"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, first.Findings, second.Findings)

	moved := testRequest("h1")
	moved.Mapping = LineMapping{Path: "src/lib.rs", StartLine: 100, EndLine: 110}

	third, err := gw.Analyze(ctx, moved)
	require.NoError(t, err)
	assert.True(t, third.Cached)
	assert.Equal(t, 101, third.Findings[0].Location.Line)

	assert.Equal(t, int64(1), transport.calls.Load())
	assert.Equal(t, int64(1), gw.Calls())
}

func TestGateway_CacheHitSkipsLimiter(t *testing.T) {
	transport := &fakeTransport{}
	cache := adapter.NewInMemoryScanCache()
	defer func() {
		_ = cache.Close()
	}()

	cache.Store(context.Background(), testRequest("h").Key, m.AnalysisRecord{Analysis: "cached"})

	limiter := &countingLimiter{}
	gw := NewGateway(transport, cache, limiter, newFakeClock(), nil, testGatewayConfig())

	analysis, err := gw.Analyze(context.Background(), testRequest("h"))
	require.NoError(t, err)
	assert.True(t, analysis.Cached)
	assert.Zero(t, limiter.n.Load())
	assert.Zero(t, transport.calls.Load())
}

type countingLimiter struct {
	n atomic.Int64
}

func (c *countingLimiter) Acquire(ctx context.Context) error {
	c.n.Add(1)
	return ctx.Err()
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	transport := &fakeTransport{script: []error{
		&adapter.TransportError{Provider: "fake", Status: http.StatusServiceUnavailable},
		&adapter.TransportError{Provider: "fake", Err: errors.New("connection reset")},
	}}

	limiter := &countingLimiter{}
	cache := adapter.NewInMemoryScanCache()
	defer func() {
		_ = cache.Close()
	}()

	gw := NewGateway(transport, cache, limiter, newFakeClock(), nil, testGatewayConfig())

	analysis, err := gw.Analyze(context.Background(), testRequest("retry"))
	require.NoError(t, err)
	assert.Equal(t, "Suspicious shell usage.", analysis.Text)
	assert.Equal(t, int64(3), transport.calls.Load())
	assert.Equal(t, int64(3), limiter.n.Load(), "every attempt takes a limiter slot")
}

func TestGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	unavailable := &adapter.TransportError{Provider: "fake", Status: http.StatusBadGateway}
	transport := &fakeTransport{script: []error{unavailable, unavailable, unavailable, unavailable}}
	gw, cache := newTestGateway(t, transport)

	_, err := gw.Analyze(context.Background(), testRequest("down"))

	var terr *adapter.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadGateway, terr.Status)
	assert.Equal(t, int64(3), transport.calls.Load())

	_, ok := cache.Lookup(context.Background(), testRequest("down").Key)
	assert.False(t, ok)
}

func TestGateway_QuotaIsNotRetried(t *testing.T) {
	transport := &fakeTransport{script: []error{
		&adapter.TransportError{Provider: "fake", Status: http.StatusTooManyRequests, RetryAfter: 42 * time.Second},
	}}
	gw, _ := newTestGateway(t, transport)

	_, err := gw.Analyze(context.Background(), testRequest("quota"))

	var quota *QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, 42*time.Second, quota.RetryAfter)
	assert.Equal(t, int64(1), transport.calls.Load())
}

func TestGateway_PermanentClientErrors(t *testing.T) {
	transport := &fakeTransport{script: []error{
		&adapter.TransportError{Provider: "fake", Status: http.StatusBadRequest, Message: "invalid argument"},
	}}
	gw, _ := newTestGateway(t, transport)

	_, err := gw.Analyze(context.Background(), testRequest("bad"))

	var terr *adapter.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadRequest, terr.Status)
	assert.Equal(t, int64(1), transport.calls.Load())
}

func TestGateway_CollapsesConcurrentIdenticalRequests(t *testing.T) {
	transport := &fakeTransport{delay: 50 * time.Millisecond}
	gw, _ := newTestGateway(t, transport)

	const callers = 8

	var wg sync.WaitGroup

	results := make([]Analysis, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			results[i], errs[i] = gw.Analyze(context.Background(), testRequest("same"))
		}(i)
	}

	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].EntryID, results[i].EntryID)
		require.Len(t, results[i].Findings, 1)
		assert.Equal(t, 11, results[i].Findings[0].Location.Line)
	}

	assert.Equal(t, int64(1), transport.calls.Load())
}

func TestGateway_Cancelled(t *testing.T) {
	transport := &fakeTransport{}
	gw, _ := newTestGateway(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Analyze(ctx, testRequest("cancel"))
	require.ErrorIs(t, err, ErrAnalysisCancelled)
	assert.Zero(t, transport.calls.Load())
}

func TestGateway_ScanDeadlineBetweenAttempts(t *testing.T) {
	unavailable := &adapter.TransportError{Provider: "fake", Status: http.StatusServiceUnavailable}
	transport := &fakeTransport{script: []error{unavailable, unavailable}}

	cache := adapter.NewInMemoryScanCache()
	defer func() {
		_ = cache.Close()
	}()

	cfg := testGatewayConfig()
	cfg.InitialBackoff = 500 * time.Millisecond
	cfg.MaxBackoff = time.Second

	gw := NewGateway(transport, cache, nil, newFakeClock(), nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gw.Analyze(ctx, testRequest("deadline"))
	require.ErrorIs(t, err, ErrAnalysisCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), transport.calls.Load())

	status, note := classify(err)
	assert.Equal(t, m.StatusUnavailable, status)
	assert.Equal(t, "cancelled", note)
}

func TestGateway_CallTimeoutIsNotCancellation(t *testing.T) {
	transport := &fakeTransport{script: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}}
	gw, _ := newTestGateway(t, transport)

	_, err := gw.Analyze(context.Background(), testRequest("slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrAnalysisCancelled)
	assert.Equal(t, int64(3), transport.calls.Load())
}

func TestGateway_InFlightCallSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	transport := &fakeTransport{respond: func(string) (string, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)

		return cleanResponse, nil
	}}
	gw, cache := newTestGateway(t, transport)

	analysis, err := gw.Analyze(ctx, testRequest("inflight"))
	require.NoError(t, err)
	assert.Equal(t, "Suspicious shell usage.", analysis.Text)

	_, ok := cache.Lookup(context.Background(), testRequest("inflight").Key)
	assert.True(t, ok)
}

func TestQuotaExceededError(t *testing.T) {
	inner := errors.New("429")
	err := &QuotaExceededError{RetryAfter: time.Minute, Err: inner}

	assert.Contains(t, err.Error(), "retry after 1m0s")
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "analysis quota exceeded", (&QuotaExceededError{}).Error())
}
