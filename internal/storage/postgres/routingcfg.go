package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"bonito/internal/domain"
)

// GetConfig fetches an org's gateway config.
func (s *Store) GetConfig(ctx context.Context, orgID string) (*domain.GatewayConfig, error) {
	cfg := &domain.GatewayConfig{}
	var enabled pq.StringArray
	var fallbackJSON []byte
	var rulesJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT org_id, enabled_providers, routing_strategy, fallback_models,
		       default_rate_limit, cost_tracking_enabled, custom_routing_rules
		FROM gateway_configs WHERE org_id = $1`, orgID,
	).Scan(&cfg.OrgID, &enabled, &cfg.RoutingStrategy, &fallbackJSON,
		&cfg.DefaultRateLimit, &cfg.CostTrackingEnabled, &rulesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway config: %w", err)
	}

	cfg.EnabledProviders = []string(enabled)
	if len(fallbackJSON) > 0 {
		if err := json.Unmarshal(fallbackJSON, &cfg.FallbackModels); err != nil {
			return nil, fmt.Errorf("corrupt fallback_models: %w", err)
		}
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &cfg.CustomRoutingRules); err != nil {
			return nil, fmt.Errorf("corrupt custom_routing_rules: %w", err)
		}
	}
	return cfg, nil
}

// UpsertConfig writes an org's gateway config, one row per org.
func (s *Store) UpsertConfig(ctx context.Context, cfg *domain.GatewayConfig) error {
	fallbackJSON, err := json.Marshal(cfg.FallbackModels)
	if err != nil {
		return fmt.Errorf("failed to encode fallback_models: %w", err)
	}
	var rulesJSON any
	if cfg.CustomRoutingRules != nil {
		buf, err := json.Marshal(cfg.CustomRoutingRules)
		if err != nil {
			return fmt.Errorf("failed to encode custom_routing_rules: %w", err)
		}
		rulesJSON = buf
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gateway_configs (org_id, enabled_providers, routing_strategy,
			fallback_models, default_rate_limit, cost_tracking_enabled, custom_routing_rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id) DO UPDATE SET
			enabled_providers = EXCLUDED.enabled_providers,
			routing_strategy = EXCLUDED.routing_strategy,
			fallback_models = EXCLUDED.fallback_models,
			default_rate_limit = EXCLUDED.default_rate_limit,
			cost_tracking_enabled = EXCLUDED.cost_tracking_enabled,
			custom_routing_rules = EXCLUDED.custom_routing_rules`,
		cfg.OrgID, pq.StringArray(cfg.EnabledProviders), cfg.RoutingStrategy,
		fallbackJSON, cfg.DefaultRateLimit, cfg.CostTrackingEnabled, rulesJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert gateway config: %w", err)
	}
	return nil
}

const policyColumns = `id, org_id, name, strategy, models, rules, is_active, api_key_prefix, created_at`

func scanPolicy(scan func(dest ...any) error) (*domain.RoutingPolicy, error) {
	p := &domain.RoutingPolicy{}
	var modelsJSON, rulesJSON []byte
	err := scan(&p.ID, &p.OrgID, &p.Name, &p.Strategy, &modelsJSON, &rulesJSON,
		&p.IsActive, &p.APIKeyPrefix, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan routing policy: %w", err)
	}
	if err := json.Unmarshal(modelsJSON, &p.Models); err != nil {
		return nil, fmt.Errorf("corrupt policy models: %w", err)
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &p.Rules); err != nil {
			return nil, fmt.Errorf("corrupt policy rules: %w", err)
		}
	}
	return p, nil
}

// CreatePolicy inserts a routing policy. The (org_id, api_key_prefix) pair
// is unique; a conflict surfaces as a database error for the handler to
// translate.
func (s *Store) CreatePolicy(ctx context.Context, p *domain.RoutingPolicy) error {
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("failed to encode policy models: %w", err)
	}
	var rulesJSON any
	if p.Rules != nil {
		buf, err := json.Marshal(p.Rules)
		if err != nil {
			return fmt.Errorf("failed to encode policy rules: %w", err)
		}
		rulesJSON = buf
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO routing_policies (org_id, name, strategy, models, rules, is_active, api_key_prefix)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		p.OrgID, p.Name, p.Strategy, modelsJSON, rulesJSON, p.IsActive, p.APIKeyPrefix,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create routing policy: %w", err)
	}
	return nil
}

// GetPolicyByKeyPrefix resolves the policy bound to a key prefix. Hot path:
// consulted on every routed request.
func (s *Store) GetPolicyByKeyPrefix(ctx context.Context, orgID, keyPrefix string) (*domain.RoutingPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+policyColumns+" FROM routing_policies WHERE org_id = $1 AND api_key_prefix = $2",
		orgID, keyPrefix)
	return scanPolicy(row.Scan)
}

// GetPolicy fetches one policy by ID, org-scoped.
func (s *Store) GetPolicy(ctx context.Context, orgID, id string) (*domain.RoutingPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+policyColumns+" FROM routing_policies WHERE org_id = $1 AND id = $2", orgID, id)
	return scanPolicy(row.Scan)
}

// ListPolicies lists an org's policies.
func (s *Store) ListPolicies(ctx context.Context, orgID string) ([]*domain.RoutingPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM routing_policies WHERE org_id = $1 ORDER BY created_at DESC", orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing policies: %w", err)
	}
	defer rows.Close()

	var out []*domain.RoutingPolicy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePolicy replaces a policy's mutable fields.
func (s *Store) UpdatePolicy(ctx context.Context, p *domain.RoutingPolicy) error {
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("failed to encode policy models: %w", err)
	}
	var rulesJSON any
	if p.Rules != nil {
		buf, err := json.Marshal(p.Rules)
		if err != nil {
			return fmt.Errorf("failed to encode policy rules: %w", err)
		}
		rulesJSON = buf
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE routing_policies
		SET name = $1, strategy = $2, models = $3, rules = $4, is_active = $5, api_key_prefix = $6
		WHERE org_id = $7 AND id = $8`,
		p.Name, p.Strategy, modelsJSON, rulesJSON, p.IsActive, p.APIKeyPrefix, p.OrgID, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update routing policy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM routing_policies WHERE org_id = $1 AND id = $2", orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete routing policy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}
