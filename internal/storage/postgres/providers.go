package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"bonito/internal/domain"
)

const providerColumns = `id, org_id, provider_type, credentials_ciphertext, status,
	is_managed, managed_usage_tokens, managed_usage_cost, region, created_at`

func scanProvider(scan func(dest ...any) error) (*domain.CloudProvider, error) {
	p := &domain.CloudProvider{}
	err := scan(&p.ID, &p.OrgID, &p.ProviderType, &p.CredentialsCiphertext,
		&p.Status, &p.IsManaged, &p.ManagedUsageTokens, &p.ManagedUsageCost,
		&p.Region, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	return p, nil
}

// CreateProvider inserts a connected provider.
func (s *Store) CreateProvider(ctx context.Context, p *domain.CloudProvider) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cloud_providers (org_id, provider_type, credentials_ciphertext, status, is_managed, region)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		p.OrgID, p.ProviderType, p.CredentialsCiphertext, p.Status, p.IsManaged, p.Region,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetProvider fetches one provider by ID, org-scoped.
func (s *Store) GetProvider(ctx context.Context, orgID, id string) (*domain.CloudProvider, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+providerColumns+" FROM cloud_providers WHERE org_id = $1 AND id = $2", orgID, id)
	return scanProvider(row.Scan)
}

// ListProviders lists an org's providers.
func (s *Store) ListProviders(ctx context.Context, orgID string) ([]*domain.CloudProvider, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+providerColumns+" FROM cloud_providers WHERE org_id = $1 ORDER BY created_at", orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*domain.CloudProvider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProviderStatus moves a provider through its lifecycle.
func (s *Store) UpdateProviderStatus(ctx context.Context, orgID, id string, status domain.ProviderStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cloud_providers SET status = $1 WHERE org_id = $2 AND id = $3`,
		status, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to update provider status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// UpdateProviderCredentials replaces the stored ciphertext after a
// re-connect.
func (s *Store) UpdateProviderCredentials(ctx context.Context, orgID, id, ciphertext string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cloud_providers SET credentials_ciphertext = $1 WHERE org_id = $2 AND id = $3`,
		ciphertext, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to update provider credentials: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// AddManagedUsage bumps the running managed-inference counters.
func (s *Store) AddManagedUsage(ctx context.Context, providerID string, tokens int64, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cloud_providers
		SET managed_usage_tokens = managed_usage_tokens + $1,
		    managed_usage_cost = managed_usage_cost + $2
		WHERE id = $3`, tokens, cost, providerID)
	if err != nil {
		return fmt.Errorf("failed to add managed usage: %w", err)
	}
	return nil
}

const modelColumns = `id, provider_id, model_id, display_name, capabilities,
	context_window, input_price_per_1m, output_price_per_1m, streaming_supported, created_at`

// ListModels lists the catalog rows for all of an org's providers.
func (s *Store) ListModels(ctx context.Context, orgID string) ([]*domain.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.provider_id, m.model_id, m.display_name, m.capabilities,
		       m.context_window, m.input_price_per_1m, m.output_price_per_1m,
		       m.streaming_supported, m.created_at
		FROM models m
		JOIN cloud_providers p ON p.id = m.provider_id
		WHERE p.org_id = $1
		ORDER BY m.model_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []*domain.Model
	for rows.Next() {
		m := &domain.Model{}
		var caps pq.StringArray
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.ModelID, &m.DisplayName,
			&caps, &m.ContextWindow, &m.InputPricePer1M, &m.OutputPricePer1M,
			&m.StreamingSupported, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		m.Capabilities = []string(caps)
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpsertModel refreshes one catalog row, keyed by (provider_id, model_id).
func (s *Store) UpsertModel(ctx context.Context, m *domain.Model) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO models (provider_id, model_id, display_name, capabilities,
		                    context_window, input_price_per_1m, output_price_per_1m, streaming_supported)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_id, model_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			capabilities = EXCLUDED.capabilities,
			context_window = EXCLUDED.context_window,
			input_price_per_1m = EXCLUDED.input_price_per_1m,
			output_price_per_1m = EXCLUDED.output_price_per_1m,
			streaming_supported = EXCLUDED.streaming_supported
		RETURNING id, created_at`,
		m.ProviderID, m.ModelID, m.DisplayName, pq.StringArray(m.Capabilities),
		m.ContextWindow, m.InputPricePer1M, m.OutputPricePer1M, m.StreamingSupported,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}
	return nil
}
