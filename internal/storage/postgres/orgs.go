package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bonito/internal/domain"
)

// GetOrganization fetches one org by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	org := &domain.Organization{}
	var plan sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tier, status, bonobot_plan, bonobot_agent_limit,
		       active_bonobot_count, subscription_updated_at, created_at
		FROM organizations WHERE id = $1`, id,
	).Scan(&org.ID, &org.Name, &org.Tier, &org.Status, &plan,
		&org.BonobotAgentLimit, &org.ActiveBonobotCount,
		&org.SubscriptionUpdatedAt, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	org.BonobotPlan = plan.String
	return org, nil
}

// CreateOrganization inserts an org and returns it with generated fields.
func (s *Store) CreateOrganization(ctx context.Context, name string, tier domain.Tier) (*domain.Organization, error) {
	org := &domain.Organization{Name: name, Tier: tier, Status: "active"}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, tier)
		VALUES ($1, $2)
		RETURNING id, subscription_updated_at, created_at`,
		name, tier,
	).Scan(&org.ID, &org.SubscriptionUpdatedAt, &org.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

// UpdateTier changes an org's tier and mirrors the change into
// subscription_history, atomically.
func (s *Store) UpdateTier(ctx context.Context, orgID string, to domain.Tier, changedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tier update: %w", err)
	}
	defer tx.Rollback()

	var from domain.Tier
	err = tx.QueryRowContext(ctx,
		"SELECT tier FROM organizations WHERE id = $1 FOR UPDATE", orgID,
	).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock organization: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE organizations SET tier = $1, subscription_updated_at = NOW()
		WHERE id = $2`, to, orgID); err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_history (org_id, from_tier, to_tier, changed_by)
		VALUES ($1, $2, $3, $4)`, orgID, from, to, changedBy); err != nil {
		return fmt.Errorf("failed to record tier change: %w", err)
	}
	return tx.Commit()
}

func scanUser(row *sql.Row) (*domain.User, error) {
	u := &domain.User{}
	var verTok, resetTok sql.NullString
	var verExp, resetExp sql.NullTime
	err := row.Scan(&u.ID, &u.OrgID, &u.Email, &u.HashedPassword, &u.Role,
		&u.EmailVerified, &verTok, &verExp, &resetTok, &resetExp, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.VerificationToken = verTok.String
	u.ResetToken = resetTok.String
	if verExp.Valid {
		u.VerificationExpires = &verExp.Time
	}
	if resetExp.Valid {
		u.ResetExpires = &resetExp.Time
	}
	return u, nil
}

const userColumns = `id, org_id, email, hashed_password, role, email_verified,
	verification_token, verification_expires, reset_token, reset_expires, created_at`

// GetUser fetches one user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// GetUserByEmail fetches one user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

// CreateUser inserts a control-plane user.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (org_id, email, hashed_password, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		u.OrgID, u.Email, u.HashedPassword, u.Role,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}
