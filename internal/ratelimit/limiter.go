// Package ratelimit implements the per-key fixed-window limiter and the
// monthly usage counters, both backed by the shared cache.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bonito/internal/cache"
	"bonito/internal/domain"
)

const (
	windowSize = 60 * time.Second
	// Counter TTL outlives the window so clock skew between replicas cannot
	// expire a live slot; expiry is natural cleanup, not the window edge.
	counterTTL = 120 * time.Second
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter enforces RPM per gateway key. The counter lives in the shared
// cache so the limit holds across horizontal replicas.
type Limiter struct {
	cache cache.Cache
	now   func() time.Time
}

// New creates a limiter over the shared cache.
func New(c cache.Cache) *Limiter {
	return &Limiter{cache: c, now: time.Now}
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func slotKey(keyID string, slot int64) string {
	return fmt.Sprintf("rl:%s:%d", keyID, slot)
}

// Allow consumes one slot of the key's current window. A cache failure
// fails closed: admitting unbounded traffic is worse than a 503.
func (l *Limiter) Allow(ctx context.Context, keyID string, rpm int) (*Decision, error) {
	now := l.now()
	slot := now.Unix() / int64(windowSize.Seconds())

	n, err := l.cache.Incr(ctx, slotKey(keyID, slot))
	if err != nil {
		return nil, domain.ErrServiceUnavailable("rate limiter unavailable")
	}
	if n == 1 {
		if err := l.cache.Expire(ctx, slotKey(keyID, slot), counterTTL); err != nil {
			return nil, domain.ErrServiceUnavailable("rate limiter unavailable")
		}
	}

	if n > int64(rpm) {
		secondsLeft := int64(windowSize.Seconds()) - now.Unix()%int64(windowSize.Seconds())
		return &Decision{
			Allowed:    false,
			Count:      n,
			RetryAfter: time.Duration(secondsLeft) * time.Second,
		}, nil
	}
	return &Decision{Allowed: true, Count: n}, nil
}

// MonthKey is the shared-cache key for an org's monthly call counter.
// Resets are implicit: a new month is a new key.
func MonthKey(orgID string, t time.Time) string {
	return fmt.Sprintf("gateway_calls:%s:%s", orgID, t.UTC().Format("2006-01"))
}

// IncrMonthly bumps the org's monthly gateway-call counter.
func (l *Limiter) IncrMonthly(ctx context.Context, orgID string) error {
	key := MonthKey(orgID, l.now())
	n, err := l.cache.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to increment monthly counter: %w", err)
	}
	if n == 1 {
		// Keep the key a little past month end for late reads.
		if err := l.cache.Expire(ctx, key, 35*24*time.Hour); err != nil {
			return fmt.Errorf("failed to set monthly counter ttl: %w", err)
		}
	}
	return nil
}

// MonthlyCount reads the org's current monthly call count.
func (l *Limiter) MonthlyCount(ctx context.Context, orgID string) (int64, error) {
	v, err := l.cache.Get(ctx, MonthKey(orgID, l.now()))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read monthly counter: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt monthly counter: %w", err)
	}
	return n, nil
}

// ResetMonthly deletes the org's counter for the current month. Admin-only.
func (l *Limiter) ResetMonthly(ctx context.Context, orgID string) error {
	return l.cache.Del(ctx, MonthKey(orgID, l.now()))
}
