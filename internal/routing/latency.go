package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bonito/internal/cache"
)

// ewmaAlpha weights new samples; advisory statistics, tuned for stability
// over reactivity.
const ewmaAlpha = 0.2

const latencyTTL = 24 * time.Hour

// LatencyTracker keeps an EWMA of observed latency per (provider, model) in
// the shared cache so replicas converge on the same view.
type LatencyTracker struct {
	cache cache.Cache
}

// NewLatencyTracker creates a tracker over the shared cache.
func NewLatencyTracker(c cache.Cache) *LatencyTracker {
	return &LatencyTracker{cache: c}
}

func latencyKey(providerID, modelID string) string {
	return fmt.Sprintf("latency:%s:%s", providerID, modelID)
}

// Get returns the current EWMA in milliseconds; ok=false when no sample
// exists yet.
func (t *LatencyTracker) Get(ctx context.Context, providerID, modelID string) (float64, bool) {
	v, err := t.cache.Get(ctx, latencyKey(providerID, modelID))
	if err != nil {
		return 0, false
	}
	ms, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// Observe folds one sample into the EWMA with a read-CAS loop. A CAS
// conflict drops the sample; the statistic is advisory and the next
// observation carries the signal.
func (t *LatencyTracker) Observe(ctx context.Context, providerID, modelID string, latencyMs int64) {
	key := latencyKey(providerID, modelID)

	old, err := t.cache.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return
	}

	next := float64(latencyMs)
	if old != "" {
		if prev, err := strconv.ParseFloat(old, 64); err == nil {
			next = ewmaAlpha*float64(latencyMs) + (1-ewmaAlpha)*prev
		}
	}

	_, _ = t.cache.CompareAndSwap(ctx, key, old, strconv.FormatFloat(next, 'f', 2, 64), latencyTTL)
}
