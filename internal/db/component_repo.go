package db

import (
	"context"
	"fmt"
)

type ComponentRepo struct {
	db DBTX
}

func NewComponentRepo(db DBTX) *ComponentRepo {
	return &ComponentRepo{db: db}
}

func (r *ComponentRepo) Create(ctx context.Context, c *PlaybookComponent) error {
	if c.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO playbook_components (
	id, playbook_id, component_type, source_entity_id, source_slug, config_snapshot, is_entry_point, sort_order,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, c.ID, c.PlaybookID, c.ComponentType, c.SourceEntityID, c.SourceSlug, c.ConfigSnapshot, boolToInt(c.IsEntryPoint),
		c.SortOrder, formatTimestamp(c.CreatedAt), formatTimestamp(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s component %q already in playbook", ErrConflict, c.ComponentType, c.SourceSlug)
		}
		return fmt.Errorf("failed to create playbook component: %w", err)
	}
	return nil
}

func (r *ComponentRepo) ListByPlaybook(ctx context.Context, playbookID string) ([]*PlaybookComponent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, playbook_id, component_type, source_entity_id, source_slug, config_snapshot, is_entry_point, sort_order,
	created_at, updated_at
FROM playbook_components
WHERE playbook_id = ?
ORDER BY sort_order ASC, created_at ASC
`, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list components for playbook %q: %w", playbookID, err)
	}
	defer rows.Close()

	out := []*PlaybookComponent{}
	for rows.Next() {
		var c PlaybookComponent
		var entryInt int
		var createdAtRaw, updatedAtRaw string
		if err := rows.Scan(&c.ID, &c.PlaybookID, &c.ComponentType, &c.SourceEntityID, &c.SourceSlug, &c.ConfigSnapshot,
			&entryInt, &c.SortOrder, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan playbook component: %w", err)
		}
		c.IsEntryPoint = entryInt != 0
		if c.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating playbook components: %w", err)
	}
	return out, nil
}

func (r *ComponentRepo) Count(ctx context.Context, playbookID string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM playbook_components WHERE playbook_id = ?`, playbookID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count components for playbook %q: %w", playbookID, err)
	}
	return count, nil
}

func (r *ComponentRepo) UpdateSnapshot(ctx context.Context, id string, snapshot string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE playbook_components SET config_snapshot = ?, updated_at = ? WHERE id = ?
`, snapshot, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update component %q snapshot: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for component %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: component %q", ErrNotFound, id)
	}
	return nil
}

// ClearEntryPoint unsets the entry-point flag on every component of a playbook.
func (r *ComponentRepo) ClearEntryPoint(ctx context.Context, playbookID string) error {
	if _, err := r.db.ExecContext(ctx, `
UPDATE playbook_components SET is_entry_point = 0, updated_at = ? WHERE playbook_id = ? AND is_entry_point = 1
`, formatTimestamp(nowUTC()), playbookID); err != nil {
		return fmt.Errorf("failed to clear entry point for playbook %q: %w", playbookID, err)
	}
	return nil
}

func (r *ComponentRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM playbook_components WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete component %q: %w", id, err)
	}
	return nil
}
