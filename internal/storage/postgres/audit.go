package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bonito/internal/domain"
)

// InsertAuditLog appends one audit row.
func (s *Store) InsertAuditLog(ctx context.Context, l *domain.AuditLog) error {
	var detailsJSON any
	if l.Details != nil {
		buf, err := json.Marshal(l.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		detailsJSON = buf
	}
	var userID any
	if l.UserID != "" {
		userID = l.UserID
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (org_id, user_id, action, resource_type, resource_id, details, ip_address, user_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		l.OrgID, userID, l.Action, l.ResourceType, l.ResourceID, detailsJSON, l.IPAddress, l.UserName,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs queries an org's audit trail, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, orgID string, since time.Time, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, action, resource_type, resource_id, details, ip_address, user_name, created_at
		FROM audit_logs
		WHERE org_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`, orgID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		l := &domain.AuditLog{}
		var userID, resourceID, ip, userName sql.NullString
		var detailsJSON []byte
		if err := rows.Scan(&l.ID, &l.OrgID, &userID, &l.Action, &l.ResourceType,
			&resourceID, &detailsJSON, &ip, &userName, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		l.UserID, l.ResourceID = userID.String, resourceID.String
		l.IPAddress, l.UserName = ip.String, userName.String
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &l.Details); err != nil {
				return nil, fmt.Errorf("corrupt audit details: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
