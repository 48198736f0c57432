package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bonito/internal/domain"
	"bonito/internal/ratelimit"
	"bonito/internal/telemetry"
)

// RequestWriter is the slice of storage the recorder writes.
type RequestWriter interface {
	InsertRequest(ctx context.Context, r *domain.GatewayRequest) error
	AddManagedUsage(ctx context.Context, providerID string, tokens int64, cost float64) error
}

// Entry is one usage record queued for persistence. ProviderID feeds the
// managed-inference running counters; it is empty for failure rows.
type Entry struct {
	Row        *domain.GatewayRequest
	ProviderID string
}

// Recorder persists usage rows off the request path. The queue is bounded:
// overflow falls back to a synchronous write so billing rows survive bursts,
// and a write that still fails is logged and dropped rather than blocking
// the caller.
type Recorder struct {
	writer  RequestWriter
	limiter *ratelimit.Limiter
	metrics *telemetry.Metrics

	queue chan Entry
	wg    sync.WaitGroup
}

// NewRecorder starts the worker pool. metrics may be nil.
func NewRecorder(writer RequestWriter, limiter *ratelimit.Limiter, metrics *telemetry.Metrics, queueSize, workers int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}

	r := &Recorder{
		writer:  writer,
		limiter: limiter,
		metrics: metrics,
		queue:   make(chan Entry, queueSize),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer r.wg.Done()
			for e := range r.queue {
				r.setDepth()
				r.write(context.Background(), e)
			}
		}()
	}
	return r
}

// Record enqueues a usage row without blocking the request path.
func (r *Recorder) Record(e Entry) {
	select {
	case r.queue <- e:
		r.setDepth()
	default:
		if r.metrics != nil {
			r.metrics.RecorderOverflows.Inc()
		}
		r.write(context.Background(), e)
	}
}

// Close drains the queue and stops the workers.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()
}

func (r *Recorder) setDepth() {
	if r.metrics != nil {
		r.metrics.RecorderQueueDepth.Set(float64(len(r.queue)))
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	row := e.Row
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.IsManaged {
		marked := domain.MarkedUpCost(row.Cost)
		row.MarkedUpCost = &marked
	}

	if err := r.writer.InsertRequest(ctx, row); err != nil {
		if r.metrics != nil {
			r.metrics.RecorderDrops.Inc()
		}
		slog.Error("failed to record gateway request",
			"org_id", row.OrgID,
			"key_id", row.KeyID,
			"model", row.ModelRequested,
			"error", err)
		return
	}

	// Rate-limited requests never reached an upstream; they do not count
	// against the monthly quota.
	if row.Status != domain.StatusRateLimited && r.limiter != nil {
		if err := r.limiter.IncrMonthly(ctx, row.OrgID); err != nil {
			slog.Warn("failed to bump monthly counter", "org_id", row.OrgID, "error", err)
		}
	}

	if row.IsManaged && e.ProviderID != "" {
		if err := r.writer.AddManagedUsage(ctx, e.ProviderID, row.InputTokens+row.OutputTokens, row.Cost); err != nil {
			slog.Warn("failed to bump managed usage counters",
				"provider_id", e.ProviderID, "error", err)
		}
	}
}
