package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"bonito/internal/domain"
)

const keyColumns = `id, org_id, key_hash, key_prefix, name, team_id, rate_limit,
	allowed_models, created_at, revoked_at`

func scanKey(scan func(dest ...any) error) (*domain.GatewayKey, error) {
	k := &domain.GatewayKey{}
	var teamID sql.NullString
	var revokedAt sql.NullTime
	var allowed pq.StringArray
	err := scan(&k.ID, &k.OrgID, &k.KeyHash, &k.KeyPrefix, &k.Name, &teamID,
		&k.RateLimit, &allowed, &k.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan gateway key: %w", err)
	}
	k.TeamID = teamID.String
	// A NULL column means "all models"; an empty array means "none".
	if allowed != nil {
		k.AllowedModels = []string(allowed)
	}
	if revokedAt.Valid {
		k.RevokedAt = &revokedAt.Time
	}
	return k, nil
}

// CreateKey persists a new gateway key record. The plaintext never reaches
// this layer; only the hash and public prefix are stored.
func (s *Store) CreateKey(ctx context.Context, k *domain.GatewayKey) error {
	var teamID any
	if k.TeamID != "" {
		teamID = k.TeamID
	}
	var allowed any
	if k.AllowedModels != nil {
		allowed = pq.StringArray(k.AllowedModels)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO gateway_keys (org_id, key_hash, key_prefix, name, team_id, rate_limit, allowed_models)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		k.OrgID, k.KeyHash, k.KeyPrefix, k.Name, teamID, k.RateLimit, allowed,
	).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create gateway key: %w", err)
	}
	return nil
}

// GetKeyByHash resolves a key by its SHA-256 hash. Hot path: one indexed
// lookup per gateway request.
func (s *Store) GetKeyByHash(ctx context.Context, keyHash string) (*domain.GatewayKey, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+keyColumns+" FROM gateway_keys WHERE key_hash = $1", keyHash)
	return scanKey(row.Scan)
}

// GetKey fetches one key by ID, org-scoped.
func (s *Store) GetKey(ctx context.Context, orgID, id string) (*domain.GatewayKey, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+keyColumns+" FROM gateway_keys WHERE org_id = $1 AND id = $2", orgID, id)
	return scanKey(row.Scan)
}

// ListKeys lists an org's keys, newest first.
func (s *Store) ListKeys(ctx context.Context, orgID string) ([]*domain.GatewayKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+keyColumns+" FROM gateway_keys WHERE org_id = $1 ORDER BY created_at DESC", orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway keys: %w", err)
	}
	defer rows.Close()

	var keys []*domain.GatewayKey
	for rows.Next() {
		k, err := scanKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey marks a key revoked. Revocation is permanent.
func (s *Store) RevokeKey(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_keys SET revoked_at = NOW()
		WHERE org_id = $1 AND id = $2 AND revoked_at IS NULL`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to revoke gateway key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}
