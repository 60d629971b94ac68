package db

import (
	"context"
	"fmt"
)

type AuditRepo struct {
	db DBTX
}

func NewAuditRepo(db DBTX) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Append(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, from_status, to_status, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.FromStatus, e.ToStatus, e.Reason, formatTimestamp(e.CreatedAt)); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByEntity returns audit entries for one entity, oldest first.
func (r *AuditRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, entity_type, entity_id, action, actor_id, from_status, to_status, reason, created_at
FROM audit_log
WHERE entity_type = ? AND entity_id = ?
ORDER BY created_at ASC, rowid ASC
`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for %s %q: %w", entityType, entityID, err)
	}
	defer rows.Close()

	out := []*AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var createdAtRaw string
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.FromStatus, &e.ToStatus,
			&e.Reason, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating audit entries: %w", err)
	}
	return out, nil
}
