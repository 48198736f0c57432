package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bonito/internal/auth"
	"bonito/internal/domain"
	"bonito/internal/storage/postgres"
)

type createKeyRequest struct {
	Name          string   `json:"name"`
	TeamID        string   `json:"team_id,omitempty"`
	RateLimit     int      `json:"rate_limit,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
}

// createKeyResponse carries the plaintext exactly once; it is never
// retrievable again.
type createKeyResponse struct {
	Key       *domain.GatewayKey `json:"key"`
	Plaintext string             `json:"plaintext"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var body createKeyRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, r, domain.ErrValidation("name is required", "name"))
		return
	}
	if body.RateLimit < 0 {
		s.writeError(w, r, domain.ErrValidation("rate_limit must not be negative", "rate_limit"))
		return
	}

	generated, err := auth.GenerateKey()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	key := &domain.GatewayKey{
		OrgID:         claims.OrgID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Name:          body.Name,
		TeamID:        body.TeamID,
		RateLimit:     body.RateLimit,
		AllowedModels: body.AllowedModels,
	}
	if err := s.store.CreateKey(r.Context(), key); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, r, http.StatusCreated, createKeyResponse{
		Key:       key,
		Plaintext: generated.Plaintext,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	keys, err := s.store.ListKeys(r.Context(), claims.OrgID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, keys)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.store.RevokeKey(r.Context(), claims.OrgID, id); err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, r, domain.ErrNotFound("gateway key"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
}

// handleListRequests queries the org's request log with optional filters.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	q := r.URL.Query()

	f := postgres.RequestFilter{
		KeyID:  q.Get("key_id"),
		Model:  q.Get("model"),
		Status: domain.RequestStatus(q.Get("status")),
	}
	// since/until with from/to accepted as aliases.
	sinceParam := q.Get("since")
	if sinceParam == "" {
		sinceParam = q.Get("from")
	}
	untilParam := q.Get("until")
	if untilParam == "" {
		untilParam = q.Get("to")
	}

	var err error
	if f.Since, err = parseTimeParam(sinceParam); err != nil {
		s.writeError(w, r, domain.ErrValidation("since must be RFC 3339", "since"))
		return
	}
	if f.Until, err = parseTimeParam(untilParam); err != nil {
		s.writeError(w, r, domain.ErrValidation("until must be RFC 3339", "until"))
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	requests, err := s.store.ListRequests(r.Context(), claims.OrgID, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, requests)
}

// handleUsage rolls up successful requests per (model, provider). The window
// defaults to the current calendar month.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	q := r.URL.Query()

	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, 1, 0)

	var err error
	if v := q.Get("since"); v != "" {
		if since, err = parseTimeParam(v); err != nil {
			s.writeError(w, r, domain.ErrValidation("since must be RFC 3339", "since"))
			return
		}
	}
	if v := q.Get("until"); v != "" {
		if until, err = parseTimeParam(v); err != nil {
			s.writeError(w, r, domain.ErrValidation("until must be RFC 3339", "until"))
			return
		}
	}

	byModel, err := s.store.UsageSummary(r.Context(), claims.OrgID, since, until)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byDay, err := s.store.UsageByDay(r.Context(), claims.OrgID, since, until)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var totalRequests, totalInput, totalOutput int64
	var totalCost, totalMarkedUp float64
	for _, m := range byModel {
		totalRequests += m.Requests
		totalInput += m.InputTokens
		totalOutput += m.OutputTokens
		totalCost += m.Cost
		totalMarkedUp += m.MarkedUpCost
	}

	s.writeData(w, r, http.StatusOK, map[string]any{
		"since":                since,
		"until":                until,
		"total_requests":       totalRequests,
		"total_input_tokens":   totalInput,
		"total_output_tokens":  totalOutput,
		"total_cost":           totalCost,
		"total_marked_up_cost": totalMarkedUp,
		"by_model":             byModel,
		"by_day":               byDay,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	cfg, err := s.store.GetConfig(r.Context(), claims.OrgID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, r, domain.ErrNotFound("gateway config"))
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var cfg domain.GatewayConfig
	if err := decodeBody(r, &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, ok := domain.ParseStrategy(string(cfg.RoutingStrategy)); !ok {
		s.writeError(w, r, domain.ErrValidation("unknown routing strategy", "routing_strategy"))
		return
	}
	cfg.OrgID = claims.OrgID

	if err := s.store.UpsertConfig(r.Context(), &cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, &cfg)
}

func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	q := r.URL.Query()

	since := time.Now().UTC().AddDate(0, 0, -30)
	var err error
	if v := q.Get("since"); v != "" {
		if since, err = parseTimeParam(v); err != nil {
			s.writeError(w, r, domain.ErrValidation("since must be RFC 3339", "since"))
			return
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	logs, err := s.store.ListAuditLogs(r.Context(), claims.OrgID, since, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, logs)
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
