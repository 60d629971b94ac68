package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PurchaseRepo struct {
	db DBTX
}

func NewPurchaseRepo(db DBTX) *PurchaseRepo {
	return &PurchaseRepo{db: db}
}

const purchaseColumns = `id, playbook_id, buyer_org_id, buyer_user_id, status, pricing_model, amount_cents,
	platform_fee_cents, seller_payout_cents, payment_ref, created_at, updated_at`

// Create inserts a purchase. A second open (PENDING or COMPLETED) purchase for
// the same playbook and buyer org fails with ErrConflict.
func (r *PurchaseRepo) Create(ctx context.Context, p *Purchase) error {
	if p.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		p.ID = id
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = nowUTC()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO playbook_purchases (`+purchaseColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.PlaybookID, p.BuyerOrgID, p.BuyerUserID, string(p.Status), string(p.PricingModel), p.AmountCents,
		p.PlatformFeeCents, p.SellerPayoutCents, nullIfEmpty(p.PaymentRef), formatTimestamp(p.CreatedAt), formatTimestamp(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: open purchase for playbook %q by org %q", ErrConflict, p.PlaybookID, p.BuyerOrgID)
		}
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

func (r *PurchaseRepo) Get(ctx context.Context, id string) (*Purchase, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM playbook_purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get purchase %q: %w", id, err)
	}
	return p, nil
}

// GetOpen returns the PENDING or COMPLETED purchase of a playbook by an org.
func (r *PurchaseRepo) GetOpen(ctx context.Context, playbookID, buyerOrgID string) (*Purchase, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+purchaseColumns+`
FROM playbook_purchases
WHERE playbook_id = ? AND buyer_org_id = ? AND status IN ('PENDING', 'COMPLETED')
`, playbookID, buyerOrgID)
	p, err := scanPurchase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open purchase for playbook %q: %w", playbookID, err)
	}
	return p, nil
}

func (r *PurchaseRepo) ListByBuyer(ctx context.Context, buyerOrgID string) ([]*Purchase, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+purchaseColumns+`
FROM playbook_purchases
WHERE buyer_org_id = ?
ORDER BY created_at ASC
`, buyerOrgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases for org %q: %w", buyerOrgID, err)
	}
	defer rows.Close()

	out := []*Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating purchases: %w", err)
	}
	return out, nil
}

// CompareAndSetStatus moves a purchase from `from` to `to`, optionally
// recording the payment reference. It reports false when the row was not in
// `from`.
func (r *PurchaseRepo) CompareAndSetStatus(ctx context.Context, id string, from, to PurchaseStatus, paymentRef string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE playbook_purchases
SET status = ?, payment_ref = COALESCE(?, payment_ref), updated_at = ?
WHERE id = ? AND status = ?
`, string(to), nullIfEmpty(paymentRef), formatTimestamp(nowUTC()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update purchase %q status: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read updated rows for purchase %q: %w", id, err)
	}
	return affected == 1, nil
}

// Complete moves a PENDING purchase to COMPLETED and records the fee split.
func (r *PurchaseRepo) Complete(ctx context.Context, id string, feeCents, payoutCents int64, paymentRef string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE playbook_purchases
SET status = 'COMPLETED', platform_fee_cents = ?, seller_payout_cents = ?, payment_ref = COALESCE(?, payment_ref), updated_at = ?
WHERE id = ? AND status = 'PENDING'
`, feeCents, payoutCents, nullIfEmpty(paymentRef), formatTimestamp(nowUTC()), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete purchase %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read updated rows for purchase %q: %w", id, err)
	}
	return affected == 1, nil
}

func scanPurchase(row rowScanner) (*Purchase, error) {
	var p Purchase
	var status, pricing, createdAtRaw, updatedAtRaw string
	var paymentRef sql.NullString
	if err := row.Scan(&p.ID, &p.PlaybookID, &p.BuyerOrgID, &p.BuyerUserID, &status, &pricing, &p.AmountCents,
		&p.PlatformFeeCents, &p.SellerPayoutCents, &paymentRef, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	p.Status = PurchaseStatus(status)
	p.PricingModel = PricingModel(pricing)
	if paymentRef.Valid {
		p.PaymentRef = paymentRef.String
	}
	var err error
	if p.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &p, nil
}
