package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type ReviewRepo struct {
	db DBTX
}

func NewReviewRepo(db DBTX) *ReviewRepo {
	return &ReviewRepo{db: db}
}

const reviewColumns = `id, playbook_id, reviewer_org_id, reviewer_user_id, rating, title, body, created_at, updated_at`

// Upsert writes the review of a playbook by an org, replacing any earlier one.
// It reports whether a new row was created.
func (r *ReviewRepo) Upsert(ctx context.Context, rv *Review) (bool, error) {
	existing, err := r.GetByReviewer(ctx, rv.PlaybookID, rv.ReviewerOrgID)
	if err != nil {
		return false, err
	}
	now := nowUTC()
	if existing != nil {
		rv.ID = existing.ID
		rv.CreatedAt = existing.CreatedAt
		rv.UpdatedAt = now
		if _, err := r.db.ExecContext(ctx, `
UPDATE playbook_reviews
SET reviewer_user_id = ?, rating = ?, title = ?, body = ?, updated_at = ?
WHERE id = ?
`, rv.ReviewerUserID, rv.Rating, rv.Title, rv.Body, formatTimestamp(rv.UpdatedAt), rv.ID); err != nil {
			return false, fmt.Errorf("failed to update review %q: %w", rv.ID, err)
		}
		return false, nil
	}

	if rv.ID == "" {
		id, err := NewID()
		if err != nil {
			return false, err
		}
		rv.ID = id
	}
	rv.CreatedAt = now
	rv.UpdatedAt = now
	if _, err := r.db.ExecContext(ctx, `
INSERT INTO playbook_reviews (`+reviewColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rv.ID, rv.PlaybookID, rv.ReviewerOrgID, rv.ReviewerUserID, rv.Rating, rv.Title, rv.Body,
		formatTimestamp(rv.CreatedAt), formatTimestamp(rv.UpdatedAt)); err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: review of playbook %q by org %q", ErrConflict, rv.PlaybookID, rv.ReviewerOrgID)
		}
		return false, fmt.Errorf("failed to create review: %w", err)
	}
	return true, nil
}

func (r *ReviewRepo) Get(ctx context.Context, id string) (*Review, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM playbook_reviews WHERE id = ?`, id)
	rv, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get review %q: %w", id, err)
	}
	return rv, nil
}

func (r *ReviewRepo) GetByReviewer(ctx context.Context, playbookID, reviewerOrgID string) (*Review, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+reviewColumns+` FROM playbook_reviews WHERE playbook_id = ? AND reviewer_org_id = ?
`, playbookID, reviewerOrgID)
	rv, err := scanReview(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get review of playbook %q by org %q: %w", playbookID, reviewerOrgID, err)
	}
	return rv, nil
}

func (r *ReviewRepo) ListByPlaybook(ctx context.Context, playbookID string) ([]*Review, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+reviewColumns+` FROM playbook_reviews WHERE playbook_id = ? ORDER BY updated_at DESC
`, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews for playbook %q: %w", playbookID, err)
	}
	defer rows.Close()

	out := []*Review{}
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating reviews: %w", err)
	}
	return out, nil
}

// Delete removes a review and reports whether a row existed.
func (r *ReviewRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM playbook_reviews WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete review %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read deleted rows for review %q: %w", id, err)
	}
	return affected > 0, nil
}

func scanReview(row rowScanner) (*Review, error) {
	var rv Review
	var createdAtRaw, updatedAtRaw string
	if err := row.Scan(&rv.ID, &rv.PlaybookID, &rv.ReviewerOrgID, &rv.ReviewerUserID, &rv.Rating, &rv.Title, &rv.Body,
		&createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	var err error
	if rv.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if rv.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &rv, nil
}
