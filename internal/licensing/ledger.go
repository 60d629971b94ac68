// Package licensing records who may deploy which playbook. Money is held in
// integer cents.
package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/metrics"
)

const DefaultFeeRate = 0.15

// refundActor is the audit actor of uninstalls triggered by a refund.
const refundActor = "system:refund"

// Uninstaller tears down an installation on behalf of its owning org.
type Uninstaller interface {
	Uninstall(ctx context.Context, installationID, requestingOrgID, requestingUserID string) error
}

type Options struct {
	FeeRate float64
	// UninstallOnRefund removes the ACTIVE installation bound to a purchase
	// when the purchase is refunded.
	UninstallOnRefund bool
	Uninstaller       Uninstaller
	Events            *hub.Hub
	Logger            *slog.Logger
}

type Ledger struct {
	db                *db.DB
	feeRate           float64
	uninstallOnRefund bool
	uninstaller       Uninstaller
	events            *hub.Hub
	logger            *slog.Logger
}

func NewLedger(database *db.DB, opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	feeRate := opts.FeeRate
	if feeRate <= 0 || feeRate >= 1 {
		feeRate = DefaultFeeRate
	}
	return &Ledger{
		db:                database,
		feeRate:           feeRate,
		uninstallOnRefund: opts.UninstallOnRefund,
		uninstaller:       opts.Uninstaller,
		events:            opts.Events,
		logger:            logger,
	}
}

// Split divides amountCents into the platform fee, rounded to the nearest
// cent, and the seller payout. The two always sum to amountCents.
func Split(amountCents int64, feeRate float64) (feeCents, payoutCents int64) {
	feeCents = int64(math.Round(float64(amountCents) * feeRate))
	return feeCents, amountCents - feeCents
}

// FormatCents renders cents as a dollar string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// Purchase grants or opens a license for a PUBLISHED playbook. FREE playbooks
// complete at once and repeat calls return the same row. Paid playbooks open a
// PENDING purchase that a payment outcome later settles.
func (l *Ledger) Purchase(ctx context.Context, slug, buyerOrgID, buyerUserID string) (*db.Purchase, error) {
	if strings.TrimSpace(buyerOrgID) == "" || strings.TrimSpace(buyerUserID) == "" {
		return nil, apperror.ErrInvalidInput.Withf("buyer org and user are required")
	}

	var out *db.Purchase
	var created bool
	err := l.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := r.Playbooks.GetBySlug(ctx, slug)
		if err != nil {
			return err
		}
		if pb == nil {
			return apperror.ErrNotFound.Withf("playbook %q not found", slug)
		}
		if pb.Status != db.PlaybookPublished {
			return apperror.ErrNotPublished.Withf("playbook %q is %s", slug, pb.Status).With("status", string(pb.Status))
		}
		if pb.PublisherOrgID == buyerOrgID {
			return apperror.ErrSelfPurchase.With("org_id", buyerOrgID)
		}

		open, err := r.Purchases.GetOpen(ctx, pb.ID, buyerOrgID)
		if err != nil {
			return err
		}
		if pb.PricingModel == db.PricingFree {
			if open != nil {
				out = open
				return nil
			}
		} else if open != nil {
			if open.Status == db.PurchaseCompleted {
				return apperror.ErrAlreadyPurchased.With("purchase_id", open.ID)
			}
			out = open
			return nil
		}

		p := &db.Purchase{
			PlaybookID:   pb.ID,
			BuyerOrgID:   buyerOrgID,
			BuyerUserID:  buyerUserID,
			Status:       db.PurchasePending,
			PricingModel: pb.PricingModel,
			AmountCents:  pb.PriceCents,
		}
		if pb.PricingModel == db.PricingFree {
			p.Status = db.PurchaseCompleted
			p.AmountCents = 0
		}
		if err := r.Purchases.Create(ctx, p); err != nil {
			if !errors.Is(err, db.ErrConflict) {
				return err
			}
			// Lost the race on the open-purchase index; the winner's row is the answer.
			winner, err := r.Purchases.GetOpen(ctx, pb.ID, buyerOrgID)
			if err != nil {
				return err
			}
			if winner == nil {
				return apperror.ErrAlreadyPurchased
			}
			if winner.Status == db.PurchaseCompleted && pb.PricingModel != db.PricingFree {
				return apperror.ErrAlreadyPurchased.With("purchase_id", winner.ID)
			}
			out = winner
			return nil
		}
		out = p
		created = true
		return nil
	})
	if err != nil {
		return nil, apperror.Internal("purchase playbook", err)
	}

	if created {
		metrics.RecordPurchase(string(out.PricingModel), string(out.Status))
		l.logger.Info("purchase recorded",
			"purchase_id", out.ID, "playbook_id", out.PlaybookID, "org_id", buyerOrgID,
			"status", string(out.Status), "amount", FormatCents(out.AmountCents))
		l.publish(out)
	}
	return out, nil
}

// Outcome is the result a payment collaborator reports for a purchase.
type Outcome struct {
	Status     db.PurchaseStatus
	PaymentRef string
}

var paymentMoves = map[db.PurchaseStatus][]db.PurchaseStatus{
	db.PurchasePending:   {db.PurchaseCompleted, db.PurchaseFailed},
	db.PurchaseCompleted: {db.PurchaseRefunded},
}

// CompletePayment applies a payment outcome. PENDING settles to COMPLETED
// (with the fee split) or FAILED; COMPLETED can be REFUNDED.
func (l *Ledger) CompletePayment(ctx context.Context, purchaseID string, outcome Outcome) (*db.Purchase, error) {
	var out *db.Purchase
	err := l.db.InTx(ctx, func(r *db.Repos) error {
		p, err := r.Purchases.Get(ctx, purchaseID)
		if err != nil {
			return err
		}
		if p == nil {
			return apperror.ErrNotFound.Withf("purchase %q not found", purchaseID)
		}
		if !allowedMove(p.Status, outcome.Status) {
			allowed := []string{}
			for _, s := range paymentMoves[p.Status] {
				allowed = append(allowed, string(s))
			}
			return apperror.ErrInvalidTransition.
				Withf("cannot move purchase from %s to %s", p.Status, outcome.Status).
				With("from", string(p.Status)).
				With("action", string(outcome.Status)).
				With("allowed", allowed)
		}

		var ok bool
		if outcome.Status == db.PurchaseCompleted {
			fee, payout := Split(p.AmountCents, l.feeRate)
			ok, err = r.Purchases.Complete(ctx, p.ID, fee, payout, outcome.PaymentRef)
		} else {
			ok, err = r.Purchases.CompareAndSetStatus(ctx, p.ID, p.Status, outcome.Status, outcome.PaymentRef)
		}
		if err != nil {
			return err
		}
		if !ok {
			return apperror.ErrInvalidTransition.
				Withf("purchase %q changed status concurrently", p.ID).
				With("from", string(p.Status))
		}
		if err := r.Audit.Append(ctx, &db.AuditEntry{
			EntityType: "purchase",
			EntityID:   p.ID,
			Action:     "payment",
			ActorID:    "payments",
			FromStatus: string(p.Status),
			ToStatus:   string(outcome.Status),
			Reason:     outcome.PaymentRef,
		}); err != nil {
			return err
		}
		out, err = r.Purchases.Get(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, apperror.Internal("complete payment", err)
	}

	metrics.RecordPurchase(string(out.PricingModel), string(out.Status))
	l.logger.Info("purchase settled",
		"purchase_id", out.ID, "status", string(out.Status),
		"fee", FormatCents(out.PlatformFeeCents), "payout", FormatCents(out.SellerPayoutCents))
	l.publish(out)

	if out.Status == db.PurchaseRefunded && l.uninstallOnRefund {
		if err := l.uninstallRefunded(ctx, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// HasCompletedPurchase reports whether orgID holds a COMPLETED license.
func (l *Ledger) HasCompletedPurchase(ctx context.Context, playbookID, orgID string) (bool, error) {
	p, err := l.db.Repos().Purchases.GetOpen(ctx, playbookID, orgID)
	if err != nil {
		return false, apperror.Internal("check purchase", err)
	}
	return p != nil && p.Status == db.PurchaseCompleted, nil
}

func (l *Ledger) uninstallRefunded(ctx context.Context, p *db.Purchase) error {
	if l.uninstaller == nil {
		return nil
	}
	installs, err := l.db.Repos().Installations.List(ctx, db.InstallationFilter{
		PlaybookID:  p.PlaybookID,
		TargetOrgID: p.BuyerOrgID,
		Status:      db.InstallationActive,
	})
	if err != nil {
		return apperror.Internal("find refunded installation", err)
	}
	for _, inst := range installs {
		if inst.PurchaseID != p.ID {
			continue
		}
		if err := l.uninstaller.Uninstall(ctx, inst.ID, p.BuyerOrgID, refundActor); err != nil {
			l.logger.Error("refund uninstall failed", "installation_id", inst.ID, "purchase_id", p.ID, "error", err)
			return err
		}
		metrics.RecordUninstall("refund")
	}
	return nil
}

func (l *Ledger) publish(p *db.Purchase) {
	l.events.Publish(hub.Event{
		Type:     hub.EventPurchase,
		OrgID:    p.BuyerOrgID,
		EntityID: p.ID,
		Status:   string(p.Status),
		Data:     map[string]any{"playbook_id": p.PlaybookID, "amount_cents": p.AmountCents},
	})
}

func allowedMove(from, to db.PurchaseStatus) bool {
	for _, s := range paymentMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}
