package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"bonito/internal/domain"
)

// UpsertDeployment refreshes one deployment row, keyed by
// (provider_id, model_id). Re-syncing a provider updates config and status
// in place.
func (s *Store) UpsertDeployment(ctx context.Context, d *domain.Deployment) error {
	configJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("failed to encode deployment config: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO deployments (org_id, model_id, provider_id, config, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id, model_id) DO UPDATE SET
			config = EXCLUDED.config,
			status = EXCLUDED.status
		RETURNING id, created_at`,
		d.OrgID, d.ModelID, d.ProviderID, configJSON, d.Status,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}
	return nil
}

// ListDeployments lists an org's deployments.
func (s *Store) ListDeployments(ctx context.Context, orgID string) ([]*domain.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, model_id, provider_id, config, status, created_at
		FROM deployments WHERE org_id = $1
		ORDER BY model_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Deployment
	for rows.Next() {
		d := &domain.Deployment{}
		var configJSON []byte
		if err := rows.Scan(&d.ID, &d.OrgID, &d.ModelID, &d.ProviderID,
			&configJSON, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &d.Config); err != nil {
				return nil, fmt.Errorf("corrupt deployment config: %w", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
