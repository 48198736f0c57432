package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bonito/internal/domain"
)

// InsertRequest appends one usage row. Called by the usage recorder for
// every gateway request regardless of outcome.
func (s *Store) InsertRequest(ctx context.Context, r *domain.GatewayRequest) error {
	nullable := func(v string) any {
		if v == "" {
			return nil
		}
		return v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_requests (id, org_id, user_id, team_id, key_id,
			model_requested, model_used, provider, input_tokens, output_tokens,
			cost, marked_up_cost, latency_ms, status, error_message, is_managed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.OrgID, nullable(r.UserID), nullable(r.TeamID), nullable(r.KeyID),
		r.ModelRequested, r.ModelUsed, r.Provider, r.InputTokens, r.OutputTokens,
		r.Cost, r.MarkedUpCost, r.LatencyMs, r.Status, r.ErrorMessage, r.IsManaged, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert gateway request: %w", err)
	}
	return nil
}

// RequestFilter narrows ListRequests. Zero values mean "any".
type RequestFilter struct {
	KeyID  string
	Model  string
	Status domain.RequestStatus
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// ListRequests queries an org's request log, newest first.
func (s *Store) ListRequests(ctx context.Context, orgID string, f RequestFilter) ([]*domain.GatewayRequest, error) {
	query := `
		SELECT id, org_id, user_id, team_id, key_id, model_requested, model_used,
		       provider, input_tokens, output_tokens, cost, marked_up_cost,
		       latency_ms, status, error_message, is_managed, created_at
		FROM gateway_requests WHERE org_id = $1`
	args := []any{orgID}

	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.KeyID != "" {
		add("key_id =", f.KeyID)
	}
	if f.Model != "" {
		add("model_used =", f.Model)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_at >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at <", f.Until)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.GatewayRequest
	for rows.Next() {
		r := &domain.GatewayRequest{}
		var userID, teamID, keyID sql.NullString
		var markedUp sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.OrgID, &userID, &teamID, &keyID,
			&r.ModelRequested, &r.ModelUsed, &r.Provider, &r.InputTokens,
			&r.OutputTokens, &r.Cost, &markedUp, &r.LatencyMs, &r.Status,
			&r.ErrorMessage, &r.IsManaged, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gateway request: %w", err)
		}
		r.UserID, r.TeamID, r.KeyID = userID.String, teamID.String, keyID.String
		if markedUp.Valid {
			r.MarkedUpCost = &markedUp.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ModelUsage is one line of a usage rollup.
type ModelUsage struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	MarkedUpCost float64 `json:"marked_up_cost"`
}

// UsageSummary aggregates successful requests per (model, provider) over a
// window.
func (s *Store) UsageSummary(ctx context.Context, orgID string, since, until time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_used, provider, COUNT(*),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost), 0), COALESCE(SUM(marked_up_cost), 0)
		FROM gateway_requests
		WHERE org_id = $1 AND status = 'success' AND created_at >= $2 AND created_at < $3
		GROUP BY model_used, provider
		ORDER BY SUM(cost) DESC`, orgID, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise usage: %w", err)
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Model, &u.Provider, &u.Requests, &u.InputTokens,
			&u.OutputTokens, &u.Cost, &u.MarkedUpCost); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DailyUsage is one UTC day of a usage rollup.
type DailyUsage struct {
	Day          time.Time `json:"day"`
	Requests     int64     `json:"requests"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	MarkedUpCost float64   `json:"marked_up_cost"`
}

// UsageByDay aggregates successful requests per UTC day over a window.
func (s *Store) UsageByDay(ctx context.Context, orgID string, since, until time.Time) ([]DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost), 0), COALESCE(SUM(marked_up_cost), 0)
		FROM gateway_requests
		WHERE org_id = $1 AND status = 'success' AND created_at >= $2 AND created_at < $3
		GROUP BY day
		ORDER BY day`, orgID, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.Day, &u.Requests, &u.InputTokens, &u.OutputTokens,
			&u.Cost, &u.MarkedUpCost); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
