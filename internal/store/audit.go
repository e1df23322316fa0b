package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// AuditRepo writes the append-only audit trail. There are no update or
// delete operations on audit_logs.
type AuditRepo struct {
	db sqlx.ExtContext
}

// NewAuditRepo builds the repository.
func NewAuditRepo(db sqlx.ExtContext) *AuditRepo {
	return &AuditRepo{db: db}
}

// Insert appends an audit row.
func (r *AuditRepo) Insert(ctx context.Context, e *AuditLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id,
			old_values, new_values, ip_address, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		e.ID, e.UserID, e.Action, e.EntityType, e.EntityID,
		e.OldValues, e.NewValues, e.IPAddress, e.RequestID)
	return err
}

// ListForUser pages a user's audit history, newest first.
func (r *AuditRepo) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]AuditLog, error) {
	var out []AuditLog
	err := sqlx.SelectContext(ctx, r.db, &out, `
		SELECT id, user_id, action, entity_type, entity_id, old_values,
			new_values, ip_address, request_id, created_at
		FROM audit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	return out, err
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
