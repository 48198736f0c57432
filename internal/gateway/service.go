// Package gateway implements the request pipeline: admission, routing,
// provider invocation with retry and fallback, and usage recording.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"bonito/internal/auth"
	"bonito/internal/domain"
	"bonito/internal/features"
	"bonito/internal/provider"
	"bonito/internal/ratelimit"
	"bonito/internal/routing"
	"bonito/internal/telemetry"
)

const (
	// requestDeadline bounds a non-streaming request end to end; exceeding
	// it surfaces as 504.
	requestDeadline = 120 * time.Second

	// retryBackoff precedes the single in-place retry of a transient
	// failure; advanceBackoff precedes moving to the next candidate.
	retryBackoff   = 100 * time.Millisecond
	advanceBackoff = 500 * time.Millisecond

	defaultRPM = 60
)

// Store is the slice of storage the pipeline reads.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
	GetProvider(ctx context.Context, orgID, providerID string) (*domain.CloudProvider, error)
}

// AdapterSource hands out provider adapters. Satisfied by *provider.Manager.
type AdapterSource interface {
	AdapterFor(p *domain.CloudProvider) (provider.Adapter, error)
}

// Session is an admitted request's principal: the key that authenticated it
// and the org that owns the key.
type Session struct {
	Key *domain.GatewayKey
	Org *domain.Organization
}

// RateLimitError carries the Retry-After hint alongside the 429.
type RateLimitError struct {
	*domain.APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Unwrap() error { return e.APIError }

// Service is the gateway pipeline.
type Service struct {
	auth     *auth.Authenticator
	store    Store
	limiter  *ratelimit.Limiter
	engine   *routing.Engine
	adapters AdapterSource
	latency  *routing.LatencyTracker
	recorder *Recorder
	metrics  *telemetry.Metrics

	deadline time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewService wires the pipeline. metrics may be nil.
func NewService(
	authenticator *auth.Authenticator,
	store Store,
	limiter *ratelimit.Limiter,
	engine *routing.Engine,
	adapters AdapterSource,
	latency *routing.LatencyTracker,
	recorder *Recorder,
	metrics *telemetry.Metrics,
) *Service {
	return &Service{
		auth:     authenticator,
		store:    store,
		limiter:  limiter,
		engine:   engine,
		adapters: adapters,
		latency:  latency,
		recorder: recorder,
		metrics:  metrics,
		deadline: requestDeadline,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Admit runs the admission half of the pipeline: key authentication, the
// gateway feature gate, the monthly quota, and the per-key rate limit.
// A rate-limited request still produces a usage row.
func (s *Service) Admit(ctx context.Context, token, model string) (*Session, error) {
	key, err := s.auth.Authenticate(ctx, token, model)
	if err != nil {
		return nil, err
	}

	org, err := s.store.GetOrganization(ctx, key.OrgID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, domain.ErrInvalidKey("organization no longer exists")
		}
		return nil, fmt.Errorf("org lookup failed: %w", err)
	}

	if err := features.RequireFeature(org.Tier, features.FeatureGateway); err != nil {
		return nil, err
	}
	if err := features.RequireAgentCapacity(org); err != nil {
		return nil, err
	}

	monthly, err := s.limiter.MonthlyCount(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if err := features.RequireWithinLimit(org.Tier, features.QuotaGatewayCallsPerMonth, monthly); err != nil {
		if s.metrics != nil {
			s.metrics.QuotaRejections.WithLabelValues(features.QuotaGatewayCallsPerMonth).Inc()
		}
		return nil, err
	}

	rpm := key.RateLimit
	if rpm <= 0 {
		rpm = defaultRPM
	}
	decision, err := s.limiter.Allow(ctx, key.ID, rpm)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimitRejections.WithLabelValues(key.ID).Inc()
		}
		s.record(&domain.GatewayRequest{
			OrgID:          org.ID,
			KeyID:          key.ID,
			TeamID:         key.TeamID,
			ModelRequested: model,
			Status:         domain.StatusRateLimited,
		}, "")
		return nil, &RateLimitError{
			APIError:   domain.ErrRateLimited("rate limit exceeded for this key"),
			RetryAfter: decision.RetryAfter,
		}
	}

	return &Session{Key: key, Org: org}, nil
}

// Complete runs a non-streaming invocation through the candidate chain.
func (s *Service) Complete(ctx context.Context, sess *Session, req *provider.Request) (*provider.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	var rec *telemetry.RequestRecorder
	if s.metrics != nil {
		rec = s.metrics.NewRequestRecorder(string(req.Kind), req.Model)
	}

	start := time.Now()
	decision, err := s.route(ctx, sess, req.Model)
	if err != nil {
		s.recordFailure(sess, req.Model, start, err)
		if rec != nil {
			rec.Error("error")
		}
		return nil, err
	}

	var lastErr error
	for i, cand := range decision.Candidates {
		if i > 0 {
			if err := s.sleep(ctx, advanceBackoff); err != nil {
				break
			}
		}

		adapter, prov, err := s.adapterFor(ctx, sess.Org.ID, cand)
		if err != nil {
			lastErr = err
			continue
		}

		candReq := *req
		candReq.Model = cand.ModelID

		result, err := s.invokeWithRetry(ctx, adapter, &candReq)
		if err == nil {
			s.latency.Observe(ctx, cand.ProviderID, cand.ModelID, result.LatencyMs)
			s.record(&domain.GatewayRequest{
				OrgID:          sess.Org.ID,
				KeyID:          sess.Key.ID,
				TeamID:         sess.Key.TeamID,
				ModelRequested: req.Model,
				ModelUsed:      cand.ModelID,
				Provider:       cand.ProviderType,
				InputTokens:    result.InputTokens,
				OutputTokens:   result.OutputTokens,
				Cost:           result.EstimatedCost,
				LatencyMs:      time.Since(start).Milliseconds(),
				Status:         domain.StatusSuccess,
				IsManaged:      prov.IsManaged,
			}, cand.ProviderID)
			if rec != nil {
				rec.SetProvider(cand.ProviderType)
				rec.Success(result.InputTokens, result.OutputTokens, result.EstimatedCost)
			}
			return result, nil
		}

		lastErr = err
		var perr *provider.Error
		if errors.As(err, &perr) {
			if s.metrics != nil {
				s.metrics.ProviderErrors.WithLabelValues(perr.Provider, string(perr.Category)).Inc()
			}
			if perr.ClientOrigin() {
				// The caller's own request is at fault; another provider
				// cannot fix it.
				break
			}
			if perr.AdvancesFallback() {
				if s.metrics != nil {
					s.metrics.FallbackAdvances.WithLabelValues(perr.Provider, string(perr.Category)).Inc()
				}
				slog.Warn("advancing to next candidate",
					"provider", cand.ProviderType,
					"model", cand.ModelID,
					"category", perr.Category)
				continue
			}
		}
		break
	}

	mapped := mapInvokeError(ctx, lastErr)
	s.recordFailure(sess, req.Model, start, mapped)
	if rec != nil {
		rec.Error("error")
	}
	return nil, mapped
}

// Stream runs a streaming invocation. Fallback applies only until an
// upstream accepts the stream; after first byte, errors surface in-band.
// Usage is coalesced from the final frame and recorded when the stream
// drains.
func (s *Service) Stream(ctx context.Context, sess *Session, req *provider.Request) (<-chan provider.Chunk, error) {
	start := time.Now()
	decision, err := s.route(ctx, sess, req.Model)
	if err != nil {
		s.recordFailure(sess, req.Model, start, err)
		return nil, err
	}

	var lastErr error
	for i, cand := range decision.Candidates {
		if i > 0 {
			if err := s.sleep(ctx, advanceBackoff); err != nil {
				break
			}
		}

		adapter, prov, err := s.adapterFor(ctx, sess.Org.ID, cand)
		if err != nil {
			lastErr = err
			continue
		}

		candReq := *req
		candReq.Model = cand.ModelID

		upstream, err := adapter.InvokeStream(ctx, &candReq)
		if err != nil {
			lastErr = err
			var perr *provider.Error
			if errors.As(err, &perr) {
				if perr.ClientOrigin() {
					break
				}
				if perr.AdvancesFallback() {
					if s.metrics != nil {
						s.metrics.FallbackAdvances.WithLabelValues(perr.Provider, string(perr.Category)).Inc()
					}
					continue
				}
			}
			break
		}

		return s.relayStream(upstream, sess, req.Model, cand, prov, start), nil
	}

	mapped := mapInvokeError(ctx, lastErr)
	s.recordFailure(sess, req.Model, start, mapped)
	return nil, mapped
}

// relayStream forwards chunks to the client, keeping the last usage parse,
// and records the request once the upstream closes.
func (s *Service) relayStream(upstream <-chan provider.Chunk, sess *Session, requestedModel string, cand routing.Candidate, prov *domain.CloudProvider, start time.Time) <-chan provider.Chunk {
	out := make(chan provider.Chunk, 16)

	go func() {
		defer close(out)

		var inputTokens, outputTokens int64
		var streamErr error
		var firstByteAt time.Time

		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
			} else {
				if firstByteAt.IsZero() {
					firstByteAt = time.Now()
					// Time to first byte is the routing signal.
					s.latency.Observe(context.Background(), cand.ProviderID, cand.ModelID,
						firstByteAt.Sub(start).Milliseconds())
				}
				if in, outTok, ok := provider.ParseStreamUsage(chunk.Data); ok {
					inputTokens, outputTokens = in, outTok
				}
			}
			out <- chunk
		}

		status := domain.StatusSuccess
		errMsg := ""
		if streamErr != nil {
			status = domain.StatusError
			errMsg = streamErr.Error()
		}

		// Stream latency is first byte to last byte; routing overhead and
		// upstream queueing are not the stream's duration.
		var latencyMs int64
		if !firstByteAt.IsZero() {
			latencyMs = time.Since(firstByteAt).Milliseconds()
		}

		cost, _ := provider.EstimateCost(cand.ModelID, inputTokens, outputTokens)
		s.record(&domain.GatewayRequest{
			OrgID:          sess.Org.ID,
			KeyID:          sess.Key.ID,
			TeamID:         sess.Key.TeamID,
			ModelRequested: requestedModel,
			ModelUsed:      cand.ModelID,
			Provider:       cand.ProviderType,
			InputTokens:    inputTokens,
			OutputTokens:   outputTokens,
			Cost:           cost,
			LatencyMs:      latencyMs,
			Status:         status,
			ErrorMessage:   errMsg,
			IsManaged:      prov.IsManaged,
		}, cand.ProviderID)
	}()

	return out
}

func (s *Service) route(ctx context.Context, sess *Session, model string) (*routing.Decision, error) {
	decision, err := s.engine.Route(ctx, sess.Org.ID, sess.Key.KeyPrefix, model)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RoutingDecisions.WithLabelValues(string(decision.Strategy)).Inc()
	}
	return decision, nil
}

func (s *Service) adapterFor(ctx context.Context, orgID string, cand routing.Candidate) (provider.Adapter, *domain.CloudProvider, error) {
	prov, err := s.store.GetProvider(ctx, orgID, cand.ProviderID)
	if err != nil {
		return nil, nil, fmt.Errorf("provider lookup failed: %w", err)
	}
	adapter, err := s.adapters.AdapterFor(prov)
	if err != nil {
		return nil, nil, err
	}
	return adapter, prov, nil
}

// invokeWithRetry attempts the candidate once, retrying a single time after
// a transient failure.
func (s *Service) invokeWithRetry(ctx context.Context, adapter provider.Adapter, req *provider.Request) (*provider.Result, error) {
	result, err := adapter.Invoke(ctx, req)
	if err == nil {
		return result, nil
	}

	var perr *provider.Error
	if !errors.As(err, &perr) || !perr.Retryable() {
		return nil, err
	}
	if serr := s.sleep(ctx, retryBackoff); serr != nil {
		return nil, err
	}
	return adapter.Invoke(ctx, req)
}

func (s *Service) record(row *domain.GatewayRequest, providerID string) {
	if s.recorder != nil {
		s.recorder.Record(Entry{Row: row, ProviderID: providerID})
	}
}

func (s *Service) recordFailure(sess *Session, model string, start time.Time, err error) {
	if err == nil {
		return
	}
	s.record(&domain.GatewayRequest{
		OrgID:          sess.Org.ID,
		KeyID:          sess.Key.ID,
		TeamID:         sess.Key.TeamID,
		ModelRequested: model,
		LatencyMs:      time.Since(start).Milliseconds(),
		Status:         domain.StatusError,
		ErrorMessage:   err.Error(),
	}, "")
}

// mapInvokeError translates the terminal failure of the candidate chain
// into the client-facing taxonomy.
func mapInvokeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.ErrGatewayTimeout()
	}
	if err == nil {
		return domain.ErrUpstream("no provider could serve the request")
	}
	if _, ok := domain.AsAPIError(err); ok {
		return err
	}

	var perr *provider.Error
	if errors.As(err, &perr) && perr.ClientOrigin() {
		switch perr.StatusCode {
		case http.StatusBadRequest:
			return &domain.APIError{Status: http.StatusBadRequest, Code: "invalid_request", Message: perr.Message}
		case http.StatusNotFound:
			return &domain.APIError{Status: http.StatusNotFound, Code: "model_not_found", Message: perr.Message}
		case http.StatusRequestEntityTooLarge:
			return &domain.APIError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Message: perr.Message}
		}
		return &domain.APIError{Status: http.StatusBadRequest, Code: "context_window_exceeded", Message: perr.Message}
	}

	return domain.ErrUpstream("all upstream candidates failed")
}
