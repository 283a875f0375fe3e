package domain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const rateWindow = time.Minute

// RateLimiter bounds the rate of outbound analysis requests across all workers.
type RateLimiter interface {
	// Acquire blocks until the caller may send one request or ctx ends.
	Acquire(ctx context.Context) error
}

type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context) error {
	return ctx.Err()
}

// windowLimiter enforces a minimum spacing between grants and a ceiling on
// grants inside any rolling one-minute window.
type windowLimiter struct {
	clock    Clock
	maxInWin int
	interval *rate.Limiter

	mu     sync.Mutex
	grants []time.Time
	last   time.Time
}

// NewRateLimiter builds the limiter described by settings. A disabled limiter never blocks.
func NewRateLimiter(settings m.RateLimitSettings, clock Clock) RateLimiter {
	if !settings.Enabled {
		return noopLimiter{}
	}

	if clock == nil {
		clock = SystemClock()
	}

	limit := rate.Inf
	if interval := settings.MinInterval(); interval > 0 {
		limit = rate.Every(interval)
	}

	return &windowLimiter{
		clock:    clock,
		maxInWin: int(settings.MaxRequestsPerMinute),
		interval: rate.NewLimiter(limit, 1),
	}
}

func (l *windowLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.clock.Now()
	grant, r := l.reserve(now)

	wait := grant.Sub(now)
	if wait <= 0 {
		return nil
	}

	slog.Debug("rate limiter delaying request", "wait", wait)

	select {
	case <-ctx.Done():
		l.release(grant, r)
		return ctx.Err()
	case <-l.clock.After(wait):
		return nil
	}
}

// reserve computes and records the next grant time.
func (l *windowLimiter) reserve(now time.Time) (time.Time, *rate.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-rateWindow)

	kept := l.grants[:0]
	for _, g := range l.grants {
		if g.After(cutoff) {
			kept = append(kept, g)
		}
	}

	l.grants = kept

	at := now

	if l.maxInWin > 0 && len(l.grants) >= l.maxInWin {
		// The window ending at t is (t-60s, t]; it has room once this grant leaves it.
		if free := l.grants[len(l.grants)-l.maxInWin].Add(rateWindow); free.After(at) {
			at = free
		}
	}

	if l.last.After(at) {
		at = l.last
	}

	r := l.interval.ReserveN(at, 1)
	grant := at.Add(r.DelayFrom(at))

	l.grants = append(l.grants, grant)
	l.last = grant

	return grant, r
}

// release returns an unused grant so later callers are not delayed by it.
func (l *windowLimiter) release(grant time.Time, r *rate.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.grants) - 1; i >= 0; i-- {
		if l.grants[i].Equal(grant) {
			l.grants = append(l.grants[:i], l.grants[i+1:]...)
			break
		}
	}

	if l.last.Equal(grant) {
		l.last = time.Time{}

		for _, g := range l.grants {
			if g.After(l.last) {
				l.last = g
			}
		}
	}

	r.CancelAt(l.clock.Now())
}
