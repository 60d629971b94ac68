package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type VersionRepo struct {
	db DBTX
}

func NewVersionRepo(db DBTX) *VersionRepo {
	return &VersionRepo{db: db}
}

// Append stores v as the next version of its playbook. Version numbers are
// assigned here and never reused.
func (r *VersionRepo) Append(ctx context.Context, v *PlaybookVersion) error {
	var latest int
	if err := r.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) FROM playbook_versions WHERE playbook_id = ?
`, v.PlaybookID).Scan(&latest); err != nil {
		return fmt.Errorf("failed to read latest version for playbook %q: %w", v.PlaybookID, err)
	}
	v.Version = latest + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = nowUTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO playbook_versions (playbook_id, version, manifest, digest, changelog, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, v.PlaybookID, v.Version, v.Manifest, v.Digest, v.Changelog, v.CreatedBy, formatTimestamp(v.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: playbook %q version %d", ErrConflict, v.PlaybookID, v.Version)
		}
		return fmt.Errorf("failed to append playbook version: %w", err)
	}
	return nil
}

func (r *VersionRepo) Get(ctx context.Context, playbookID string, version int) (*PlaybookVersion, error) {
	var v PlaybookVersion
	var createdAtRaw string
	err := r.db.QueryRowContext(ctx, `
SELECT playbook_id, version, manifest, digest, changelog, created_by, created_at
FROM playbook_versions
WHERE playbook_id = ? AND version = ?
`, playbookID, version).Scan(&v.PlaybookID, &v.Version, &v.Manifest, &v.Digest, &v.Changelog, &v.CreatedBy, &createdAtRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get playbook %q version %d: %w", playbookID, version, err)
	}
	if v.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *VersionRepo) List(ctx context.Context, playbookID string) ([]*PlaybookVersion, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT playbook_id, version, manifest, digest, changelog, created_by, created_at
FROM playbook_versions
WHERE playbook_id = ?
ORDER BY version ASC
`, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for playbook %q: %w", playbookID, err)
	}
	defer rows.Close()

	out := []*PlaybookVersion{}
	for rows.Next() {
		var v PlaybookVersion
		var createdAtRaw string
		if err := rows.Scan(&v.PlaybookID, &v.Version, &v.Manifest, &v.Digest, &v.Changelog, &v.CreatedBy, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan playbook version: %w", err)
		}
		if v.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating playbook versions: %w", err)
	}
	return out, nil
}
