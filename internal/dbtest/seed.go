package dbtest

import (
	"context"
	"testing"

	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/manifest"
)

type Seed struct {
	Slug           string
	PublisherOrgID string
	Pricing        db.PricingModel
	PriceCents     int64
	// Manifest defaults to the embedded support-desk sample.
	Manifest *manifest.Manifest
	// Status defaults to PUBLISHED. Non-DRAFT statuses get version 1.
	Status db.PlaybookStatus
}

// SeedPlaybook writes a playbook, its component index and, unless the seed is
// a DRAFT, version 1 of its manifest.
func SeedPlaybook(t testing.TB, database *db.DB, s Seed) *db.Playbook {
	t.Helper()
	ctx := context.Background()
	if s.Slug == "" {
		s.Slug = "support-desk"
	}
	if s.PublisherOrgID == "" {
		s.PublisherOrgID = "org-publisher"
	}
	if s.Pricing == "" {
		s.Pricing = db.PricingFree
	}
	if s.Status == "" {
		s.Status = db.PlaybookPublished
	}
	mf := s.Manifest
	if mf == nil {
		sample, err := manifest.Sample("support-desk")
		if err != nil {
			t.Fatalf("manifest.Sample() error = %v", err)
		}
		mf = sample
	}

	repos := database.Repos()
	pb := &db.Playbook{
		Slug:                 s.Slug,
		Name:                 s.Slug,
		PublisherOrgID:       s.PublisherOrgID,
		PricingModel:         s.Pricing,
		PriceCents:           s.PriceCents,
		RequiredIntegrations: mf.RequiredIntegrations,
	}
	if err := repos.Playbooks.Create(ctx, pb); err != nil {
		t.Fatalf("Playbooks.Create() error = %v", err)
	}

	components, err := manifest.Decompose(mf)
	if err != nil {
		t.Fatalf("manifest.Decompose() error = %v", err)
	}
	for _, c := range components {
		if err := repos.Components.Create(ctx, &db.PlaybookComponent{
			PlaybookID:     pb.ID,
			ComponentType:  string(c.Type),
			SourceSlug:     c.Slug,
			ConfigSnapshot: c.Snapshot,
			IsEntryPoint:   c.IsEntryPoint,
			SortOrder:      c.SortOrder,
		}); err != nil {
			t.Fatalf("Components.Create() error = %v", err)
		}
	}

	if s.Status != db.PlaybookDraft {
		encoded, err := manifest.Encode(mf)
		if err != nil {
			t.Fatalf("manifest.Encode() error = %v", err)
		}
		digest, err := manifest.Digest(mf)
		if err != nil {
			t.Fatalf("manifest.Digest() error = %v", err)
		}
		v := &db.PlaybookVersion{PlaybookID: pb.ID, Manifest: encoded, Digest: digest, CreatedBy: "seed"}
		if err := repos.Versions.Append(ctx, v); err != nil {
			t.Fatalf("Versions.Append() error = %v", err)
		}
		if err := repos.Playbooks.SetCurrentVersion(ctx, pb.ID, v.Version); err != nil {
			t.Fatalf("SetCurrentVersion() error = %v", err)
		}
		if ok, err := repos.Playbooks.CompareAndSetStatus(ctx, pb.ID, db.PlaybookDraft, s.Status); err != nil || !ok {
			t.Fatalf("CompareAndSetStatus(%s) = %v, %v", s.Status, ok, err)
		}
	}

	got, err := repos.Playbooks.Get(ctx, pb.ID)
	if err != nil || got == nil {
		t.Fatalf("Playbooks.Get() = %v, %v", got, err)
	}
	return got
}

// SeedPurchase records a COMPLETED purchase of playbookID by buyerOrgID.
func SeedPurchase(t testing.TB, database *db.DB, playbookID, buyerOrgID string) *db.Purchase {
	t.Helper()
	p := &db.Purchase{
		PlaybookID:   playbookID,
		BuyerOrgID:   buyerOrgID,
		BuyerUserID:  "user-" + buyerOrgID,
		Status:       db.PurchaseCompleted,
		PricingModel: db.PricingFree,
	}
	if err := database.Repos().Purchases.Create(context.Background(), p); err != nil {
		t.Fatalf("Purchases.Create() error = %v", err)
	}
	return p
}
