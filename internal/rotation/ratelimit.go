package rotation

import (
	"context"
	"sync"
	"time"
)

// RateLimiter enforces a minimum spacing between dispatches across the
// whole engine instance. The mutex is held for the full check-wait-stamp
// sequence so two concurrent callers can never both observe a stale
// timestamp and proceed without waiting; callers queue on the lock.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewRateLimiter builds a limiter admitting perSecond acquisitions per
// second. A non-positive rate disables the limiter entirely.
func NewRateLimiter(perSecond float64) *RateLimiter {
	l := &RateLimiter{}
	if perSecond > 0 {
		l.interval = time.Duration(float64(time.Second) / perSecond)
	}
	return l
}

// Acquire blocks until at least one interval has elapsed since the
// previous admission, or until ctx is cancelled. With no rate configured
// it returns immediately.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l.interval == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	next := l.last.Add(l.interval)
	if wait := next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		l.last = next
		return nil
	}
	l.last = now
	return nil
}
