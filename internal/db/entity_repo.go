package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type EntityRepo struct {
	db DBTX
}

func NewEntityRepo(db DBTX) *EntityRepo {
	return &EntityRepo{db: db}
}

const entityColumns = `id, kind, org_id, workspace_id, slug, name, spec, refs, created_at, updated_at`

// Create inserts a workspace entity. A slug already used by the same kind in
// the workspace fails with ErrConflict.
func (r *EntityRepo) Create(ctx context.Context, e *WorkspaceEntity) error {
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
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	refsRaw, err := encodeRefs(e.Refs)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO workspace_entities (`+entityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.Kind, e.OrgID, e.WorkspaceID, e.Slug, e.Name, e.Spec, refsRaw, formatTimestamp(e.CreatedAt), formatTimestamp(e.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %q already exists in workspace %q", ErrConflict, e.Kind, e.Slug, e.WorkspaceID)
		}
		return fmt.Errorf("failed to create %s entity: %w", e.Kind, err)
	}
	return nil
}

func (r *EntityRepo) Get(ctx context.Context, id string) (*WorkspaceEntity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM workspace_entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entity %q: %w", id, err)
	}
	return e, nil
}

func (r *EntityRepo) GetBySlug(ctx context.Context, workspaceID, kind, slug string) (*WorkspaceEntity, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+entityColumns+` FROM workspace_entities WHERE workspace_id = ? AND kind = ? AND slug = ?
`, workspaceID, kind, slug)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s %q: %w", kind, slug, err)
	}
	return e, nil
}

// FreeSlug returns slug when it is unused by kind in the workspace, otherwise
// the first free "slug-N" with N starting at 2.
func (r *EntityRepo) FreeSlug(ctx context.Context, workspaceID, kind, slug string) (string, error) {
	candidate := slug
	for n := 2; ; n++ {
		var count int
		if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM workspace_entities WHERE workspace_id = ? AND kind = ? AND slug = ?
`, workspaceID, kind, candidate).Scan(&count); err != nil {
			return "", fmt.Errorf("failed to check slug %q: %w", candidate, err)
		}
		if count == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", slug, n)
	}
}

// SetRefs replaces the cross-entity references of an entity.
func (r *EntityRepo) SetRefs(ctx context.Context, id string, refs map[string][]string) error {
	refsRaw, err := encodeRefs(refs)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE workspace_entities SET refs = ?, updated_at = ? WHERE id = ?`,
		refsRaw, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to set refs on entity %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for entity %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: entity %q", ErrNotFound, id)
	}
	return nil
}

func (r *EntityRepo) ListByWorkspace(ctx context.Context, workspaceID, kind string) ([]*WorkspaceEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM workspace_entities WHERE workspace_id = ?`
	args := []any{workspaceID}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at ASC, slug ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities in workspace %q: %w", workspaceID, err)
	}
	defer rows.Close()

	out := []*WorkspaceEntity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating entities: %w", err)
	}
	return out, nil
}

// Delete removes an entity. Deleting a missing entity is not an error; the
// result reports whether a row was removed.
func (r *EntityRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workspace_entities WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete entity %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted rows for entity %q: %w", id, err)
	}
	return affected > 0, nil
}

func encodeRefs(refs map[string][]string) (string, error) {
	if len(refs) == 0 {
		return "{}", nil
	}
	raw, err := encodeJSON(refs)
	if err != nil {
		return "", err
	}
	return raw, nil
}

func scanEntity(row rowScanner) (*WorkspaceEntity, error) {
	var e WorkspaceEntity
	var refsRaw, createdAtRaw, updatedAtRaw string
	if err := row.Scan(&e.ID, &e.Kind, &e.OrgID, &e.WorkspaceID, &e.Slug, &e.Name, &e.Spec, &refsRaw,
		&createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	e.Refs = map[string][]string{}
	if err := decodeJSON(refsRaw, &e.Refs); err != nil {
		return nil, err
	}
	var err error
	if e.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &e, nil
}
