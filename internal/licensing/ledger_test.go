package licensing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/dbtest"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		amount      int64
		rate        float64
		fee, payout int64
	}{
		{10000, 0.15, 1500, 8500},
		{100, 0.15, 15, 85},
		{999, 0.15, 150, 849},
		{0, 0.15, 0, 0},
		{4900, 0.2, 980, 3920},
	}
	for _, tt := range tests {
		fee, payout := Split(tt.amount, tt.rate)
		assert.Equal(t, tt.fee, fee, "fee for %d", tt.amount)
		assert.Equal(t, tt.payout, payout, "payout for %d", tt.amount)
		assert.Equal(t, tt.amount, fee+payout)
	}
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$49.00", FormatCents(4900))
	assert.Equal(t, "$0.05", FormatCents(5))
	assert.Equal(t, "-$1.50", FormatCents(-150))
}

func TestFreePurchaseIsIdempotent(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	l := NewLedger(database, Options{})

	first, err := l.Purchase(ctx, "support-desk", "org-buyer", "u1")
	require.NoError(t, err)
	assert.Equal(t, db.PurchaseCompleted, first.Status)
	assert.Zero(t, first.AmountCents)

	second, err := l.Purchase(ctx, "support-desk", "org-buyer", "u2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestConcurrentFreePurchasesShareOneRow(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	l := NewLedger(database, Options{})

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := l.Purchase(ctx, "support-desk", "org-buyer", "u")
			errs[i] = err
			if p != nil {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	all, err := database.Repos().Purchases.ListByBuyer(ctx, "org-buyer")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, pb.ID, all[0].PlaybookID)
}

func TestPaidPurchaseFlow(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedPlaybook(t, database, dbtest.Seed{Pricing: db.PricingOneTime, PriceCents: 10000})
	l := NewLedger(database, Options{FeeRate: 0.15})

	pending, err := l.Purchase(ctx, "support-desk", "org-buyer", "u1")
	require.NoError(t, err)
	assert.Equal(t, db.PurchasePending, pending.Status)
	assert.Equal(t, int64(10000), pending.AmountCents)

	again, err := l.Purchase(ctx, "support-desk", "org-buyer", "u1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, again.ID)

	done, err := l.CompletePayment(ctx, pending.ID, Outcome{Status: db.PurchaseCompleted, PaymentRef: "pay_1"})
	require.NoError(t, err)
	assert.Equal(t, db.PurchaseCompleted, done.Status)
	assert.Equal(t, int64(1500), done.PlatformFeeCents)
	assert.Equal(t, int64(8500), done.SellerPayoutCents)
	assert.Equal(t, "pay_1", done.PaymentRef)

	_, err = l.Purchase(ctx, "support-desk", "org-buyer", "u1")
	assert.True(t, errors.Is(err, apperror.ErrAlreadyPurchased))

	ok, err := l.HasCompletedPurchase(ctx, done.PlaybookID, "org-buyer")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailedPaymentAllowsRetry(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedPlaybook(t, database, dbtest.Seed{Pricing: db.PricingSubscription, PriceCents: 2500})
	l := NewLedger(database, Options{})

	p, err := l.Purchase(ctx, "support-desk", "org-buyer", "u1")
	require.NoError(t, err)
	failed, err := l.CompletePayment(ctx, p.ID, Outcome{Status: db.PurchaseFailed})
	require.NoError(t, err)
	assert.Equal(t, db.PurchaseFailed, failed.Status)

	retry, err := l.Purchase(ctx, "support-desk", "org-buyer", "u1")
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, retry.ID)
	assert.Equal(t, db.PurchasePending, retry.Status)
}

func TestPurchasePreconditions(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedPlaybook(t, database, dbtest.Seed{Slug: "live"})
	dbtest.SeedPlaybook(t, database, dbtest.Seed{Slug: "suspended", Status: db.PlaybookSuspended})
	dbtest.SeedPlaybook(t, database, dbtest.Seed{Slug: "draft", Status: db.PlaybookDraft})
	l := NewLedger(database, Options{})

	_, err := l.Purchase(ctx, "missing", "org-buyer", "u")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	for _, slug := range []string{"suspended", "draft"} {
		_, err = l.Purchase(ctx, slug, "org-buyer", "u")
		assert.True(t, errors.Is(err, apperror.ErrNotPublished), slug)
	}

	_, err = l.Purchase(ctx, "live", "org-publisher", "u")
	assert.True(t, errors.Is(err, apperror.ErrSelfPurchase))
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	_, err = l.Purchase(ctx, "live", "", "u")
	assert.True(t, errors.Is(err, apperror.ErrInvalidInput))
}

func TestCompletePaymentRejectsInvalidMoves(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	l := NewLedger(database, Options{})

	p, err := l.Purchase(ctx, "support-desk", "org-buyer", "u")
	require.NoError(t, err)

	_, err = l.CompletePayment(ctx, p.ID, Outcome{Status: db.PurchaseFailed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition))

	_, err = l.CompletePayment(ctx, "missing", Outcome{Status: db.PurchaseCompleted})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

type recordingUninstaller struct {
	calls []string
}

func (r *recordingUninstaller) Uninstall(_ context.Context, installationID, requestingOrgID, requestingUserID string) error {
	r.calls = append(r.calls, installationID+"@"+requestingOrgID+"/"+requestingUserID)
	return nil
}

func TestRefundUninstallsWhenConfigured(t *testing.T) {
	for _, enabled := range []bool{false, true} {
		database := dbtest.Open(t)
		ctx := context.Background()
		pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
		u := &recordingUninstaller{}
		l := NewLedger(database, Options{UninstallOnRefund: enabled, Uninstaller: u})

		p, err := l.Purchase(ctx, "support-desk", "org-buyer", "u")
		require.NoError(t, err)
		inst := &db.Installation{
			PlaybookID:        pb.ID,
			PurchaseID:        p.ID,
			TargetOrgID:       "org-buyer",
			TargetWorkspaceID: "ws",
			InstalledByUserID: "u",
			VersionInstalled:  1,
		}
		require.NoError(t, database.Repos().Installations.Create(ctx, inst))
		_, err = database.Repos().Installations.Activate(ctx, inst.ID)
		require.NoError(t, err)

		refunded, err := l.CompletePayment(ctx, p.ID, Outcome{Status: db.PurchaseRefunded})
		require.NoError(t, err)
		assert.Equal(t, db.PurchaseRefunded, refunded.Status)

		if enabled {
			assert.Equal(t, []string{inst.ID + "@org-buyer/system:refund"}, u.calls)
		} else {
			assert.Empty(t, u.calls)
		}
	}
}
