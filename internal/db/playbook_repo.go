package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type PlaybookRepo struct {
	db DBTX
}

func NewPlaybookRepo(db DBTX) *PlaybookRepo {
	return &PlaybookRepo{db: db}
}

const playbookColumns = `id, slug, name, description, status, pricing_model, price_cents, publisher_org_id,
	install_count, average_rating, review_count, required_integrations, current_version, pending_manifest,
	created_at, updated_at`

func (r *PlaybookRepo) Create(ctx context.Context, pb *Playbook) error {
	if pb.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		pb.ID = id
	}
	if pb.Status == "" {
		pb.Status = PlaybookDraft
	}
	if pb.PricingModel == "" {
		pb.PricingModel = PricingFree
	}
	if pb.CreatedAt.IsZero() {
		pb.CreatedAt = nowUTC()
	}
	if pb.UpdatedAt.IsZero() {
		pb.UpdatedAt = pb.CreatedAt
	}
	integrationsRaw, err := encodeStringSlice(pb.RequiredIntegrations)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO playbooks (`+playbookColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, pb.ID, pb.Slug, pb.Name, pb.Description, string(pb.Status), string(pb.PricingModel), pb.PriceCents, pb.PublisherOrgID,
		pb.InstallCount, pb.AverageRating, pb.ReviewCount, integrationsRaw, pb.CurrentVersion, pb.PendingManifest,
		formatTimestamp(pb.CreatedAt), formatTimestamp(pb.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: playbook slug %q already exists", ErrConflict, pb.Slug)
		}
		return fmt.Errorf("failed to create playbook: %w", err)
	}
	return nil
}

func (r *PlaybookRepo) Get(ctx context.Context, id string) (*Playbook, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE id = ?`, id)
	pb, err := scanPlaybook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get playbook %q: %w", id, err)
	}
	return pb, nil
}

func (r *PlaybookRepo) GetBySlug(ctx context.Context, slug string) (*Playbook, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+playbookColumns+` FROM playbooks WHERE slug = ?`, slug)
	pb, err := scanPlaybook(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get playbook by slug %q: %w", slug, err)
	}
	return pb, nil
}

func (r *PlaybookRepo) List(ctx context.Context, filter PlaybookFilter) ([]*Playbook, error) {
	query := `SELECT ` + playbookColumns + ` FROM playbooks`
	args := []any{}
	where := []string{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PublisherOrgID != "" {
		where = append(where, "publisher_org_id = ?")
		args = append(args, filter.PublisherOrgID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY install_count DESC, slug ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list playbooks: %w", err)
	}
	defer rows.Close()

	out := []*Playbook{}
	for rows.Next() {
		pb, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playbook: %w", err)
		}
		out = append(out, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating playbooks: %w", err)
	}
	return out, nil
}

// CompareAndSetStatus moves the playbook from `from` to `to`. It reports false
// when the row was not in `from`.
func (r *PlaybookRepo) CompareAndSetStatus(ctx context.Context, id string, from, to PlaybookStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE playbooks SET status = ?, updated_at = ? WHERE id = ? AND status = ?
`, string(to), formatTimestamp(nowUTC()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update playbook %q status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read updated rows for playbook %q: %w", id, err)
	}
	return affected == 1, nil
}

func (r *PlaybookRepo) SetPendingManifest(ctx context.Context, id string, manifestJSON string) error {
	return r.exec(ctx, id, `UPDATE playbooks SET pending_manifest = ?, updated_at = ? WHERE id = ?`,
		manifestJSON, formatTimestamp(nowUTC()), id)
}

func (r *PlaybookRepo) SetCurrentVersion(ctx context.Context, id string, version int) error {
	return r.exec(ctx, id, `UPDATE playbooks SET current_version = ?, pending_manifest = '', updated_at = ? WHERE id = ?`,
		version, formatTimestamp(nowUTC()), id)
}

// UpdateListing rewrites the author-editable fields.
func (r *PlaybookRepo) UpdateListing(ctx context.Context, pb *Playbook) error {
	integrationsRaw, err := encodeStringSlice(pb.RequiredIntegrations)
	if err != nil {
		return err
	}
	return r.exec(ctx, pb.ID, `
UPDATE playbooks
SET name = ?, description = ?, pricing_model = ?, price_cents = ?, required_integrations = ?, updated_at = ?
WHERE id = ?
`, pb.Name, pb.Description, string(pb.PricingModel), pb.PriceCents, integrationsRaw, formatTimestamp(nowUTC()), pb.ID)
}

// RecomputeInstallCount derives install_count from installations that ever
// reached ACTIVE.
func (r *PlaybookRepo) RecomputeInstallCount(ctx context.Context, id string) (int, error) {
	if err := r.exec(ctx, id, `
UPDATE playbooks
SET install_count = (
	SELECT COUNT(1) FROM playbook_installations WHERE playbook_id = ? AND activated_at IS NOT NULL
), updated_at = ?
WHERE id = ?
`, id, formatTimestamp(nowUTC()), id); err != nil {
		return 0, err
	}
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT install_count FROM playbooks WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read install count for playbook %q: %w", id, err)
	}
	return count, nil
}

// RecomputeRating derives average_rating and review_count from current reviews.
func (r *PlaybookRepo) RecomputeRating(ctx context.Context, id string) (float64, int, error) {
	if err := r.exec(ctx, id, `
UPDATE playbooks
SET average_rating = COALESCE((SELECT AVG(rating) FROM playbook_reviews WHERE playbook_id = ?), 0),
	review_count = (SELECT COUNT(1) FROM playbook_reviews WHERE playbook_id = ?),
	updated_at = ?
WHERE id = ?
`, id, id, formatTimestamp(nowUTC()), id); err != nil {
		return 0, 0, err
	}
	var avg float64
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT average_rating, review_count FROM playbooks WHERE id = ?`, id).Scan(&avg, &count); err != nil {
		return 0, 0, fmt.Errorf("failed to read rating for playbook %q: %w", id, err)
	}
	return avg, count, nil
}

func (r *PlaybookRepo) exec(ctx context.Context, id string, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update playbook %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for playbook %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: playbook %q", ErrNotFound, id)
	}
	return nil
}

func scanPlaybook(row rowScanner) (*Playbook, error) {
	var pb Playbook
	var status, pricing, integrationsRaw, createdAtRaw, updatedAtRaw string
	if err := row.Scan(&pb.ID, &pb.Slug, &pb.Name, &pb.Description, &status, &pricing, &pb.PriceCents, &pb.PublisherOrgID,
		&pb.InstallCount, &pb.AverageRating, &pb.ReviewCount, &integrationsRaw, &pb.CurrentVersion, &pb.PendingManifest,
		&createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	pb.Status = PlaybookStatus(status)
	pb.PricingModel = PricingModel(pricing)
	var err error
	if pb.RequiredIntegrations, err = decodeStringSlice(integrationsRaw); err != nil {
		return nil, err
	}
	if pb.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if pb.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &pb, nil
}
