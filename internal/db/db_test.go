package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentmarket-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func seedPlaybook(t *testing.T, database *DB, slug string) *Playbook {
	t.Helper()
	pb := &Playbook{
		Slug:                 slug,
		Name:                 "Support Desk",
		PublisherOrgID:       "org-pub",
		PricingModel:         PricingOneTime,
		PriceCents:           4900,
		RequiredIntegrations: []string{"zendesk"},
	}
	if err := database.Repos().Playbooks.Create(context.Background(), pb); err != nil {
		t.Fatalf("Playbooks.Create() error = %v", err)
	}
	return pb
}

func seedPurchase(t *testing.T, database *DB, playbookID, buyerOrg string) *Purchase {
	t.Helper()
	p := &Purchase{
		PlaybookID:   playbookID,
		BuyerOrgID:   buyerOrg,
		BuyerUserID:  "user-1",
		Status:       PurchaseCompleted,
		PricingModel: PricingFree,
	}
	if err := database.Repos().Purchases.Create(context.Background(), p); err != nil {
		t.Fatalf("Purchases.Create() error = %v", err)
	}
	return p
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	for _, table := range []string{
		"_meta",
		"playbooks",
		"playbook_versions",
		"playbook_components",
		"playbook_purchases",
		"playbook_installations",
		"installation_entities",
		"playbook_reviews",
		"audit_log",
		"workspace_entities",
		"integration_providers",
		"integration_connections",
	} {
		assertTableExists(t, database.SQL(), table)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	version, err := SchemaVersion(context.Background(), database.SQL())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("Open(\"\") expected error")
	}
}

func TestPlaybookRepoCRUDAndStatusCAS(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	repo := database.Repos().Playbooks

	pb := seedPlaybook(t, database, "support-desk")
	if pb.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := repo.Get(ctx, pb.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Status != PlaybookDraft || got.PriceCents != 4900 {
		t.Fatalf("Get() = %#v", got)
	}
	if !reflect.DeepEqual(got.RequiredIntegrations, []string{"zendesk"}) {
		t.Fatalf("RequiredIntegrations = %#v", got.RequiredIntegrations)
	}

	dup := &Playbook{Slug: "support-desk", Name: "Other", PublisherOrgID: "org-x"}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate slug Create() error = %v, want ErrConflict", err)
	}

	ok, err := repo.CompareAndSetStatus(ctx, pb.ID, PlaybookDraft, PlaybookPendingReview)
	if err != nil || !ok {
		t.Fatalf("CompareAndSetStatus() = %v, %v", ok, err)
	}
	ok, err = repo.CompareAndSetStatus(ctx, pb.ID, PlaybookDraft, PlaybookPendingReview)
	if err != nil {
		t.Fatalf("CompareAndSetStatus() error = %v", err)
	}
	if ok {
		t.Fatalf("stale CompareAndSetStatus() should not apply")
	}

	bySlug, err := repo.GetBySlug(ctx, "support-desk")
	if err != nil {
		t.Fatalf("GetBySlug() error = %v", err)
	}
	if bySlug.Status != PlaybookPendingReview {
		t.Fatalf("status = %s, want PENDING_REVIEW", bySlug.Status)
	}

	list, err := repo.List(ctx, PlaybookFilter{Status: PlaybookPendingReview})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != pb.ID {
		t.Fatalf("List() = %#v", list)
	}

	missing, err := repo.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("Get(missing) = %#v, %v", missing, err)
	}
	if err := repo.SetCurrentVersion(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetCurrentVersion(missing) error = %v, want ErrNotFound", err)
	}
}

func TestVersionRepoAppendAssignsIncreasingNumbers(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	pb := seedPlaybook(t, database, "versions")
	repo := database.Repos().Versions

	for i := 1; i <= 3; i++ {
		v := &PlaybookVersion{PlaybookID: pb.ID, Manifest: "{}", Digest: "d", CreatedBy: "admin"}
		if err := repo.Append(ctx, v); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if v.Version != i {
			t.Fatalf("version = %d, want %d", v.Version, i)
		}
	}

	list, err := repo.List(ctx, pb.ID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 || list[2].Version != 3 {
		t.Fatalf("List() = %#v", list)
	}

	v, err := repo.Get(ctx, pb.ID, 9)
	if err != nil || v != nil {
		t.Fatalf("Get(9) = %#v, %v", v, err)
	}
}

func TestComponentRepoRejectsDuplicateSlugPerType(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	pb := seedPlaybook(t, database, "components")
	repo := database.Repos().Components

	if err := repo.Create(ctx, &PlaybookComponent{PlaybookID: pb.ID, ComponentType: "agent", SourceSlug: "faq", SortOrder: 1}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, &PlaybookComponent{PlaybookID: pb.ID, ComponentType: "skill", SourceSlug: "faq", SortOrder: 0}); err != nil {
		t.Fatalf("Create(skill) error = %v", err)
	}
	err := repo.Create(ctx, &PlaybookComponent{PlaybookID: pb.ID, ComponentType: "agent", SourceSlug: "faq"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create() error = %v, want ErrConflict", err)
	}

	list, err := repo.ListByPlaybook(ctx, pb.ID)
	if err != nil {
		t.Fatalf("ListByPlaybook() error = %v", err)
	}
	if len(list) != 2 || list[0].ComponentType != "skill" {
		t.Fatalf("ListByPlaybook() order = %#v", list)
	}
}

func TestPurchaseRepoAllowsOneOpenPurchasePerOrg(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	pb := seedPlaybook(t, database, "purchases")
	repo := database.Repos().Purchases

	first := &Purchase{PlaybookID: pb.ID, BuyerOrgID: "org-b", BuyerUserID: "u", Status: PurchasePending, PricingModel: PricingOneTime, AmountCents: 4900}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second := &Purchase{PlaybookID: pb.ID, BuyerOrgID: "org-b", BuyerUserID: "u", Status: PurchaseCompleted, PricingModel: PricingOneTime}
	if err := repo.Create(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Create() error = %v, want ErrConflict", err)
	}

	ok, err := repo.CompareAndSetStatus(ctx, first.ID, PurchasePending, PurchaseFailed, "")
	if err != nil || !ok {
		t.Fatalf("CompareAndSetStatus() = %v, %v", ok, err)
	}

	// A failed purchase no longer blocks a new one.
	third := &Purchase{PlaybookID: pb.ID, BuyerOrgID: "org-b", BuyerUserID: "u", Status: PurchasePending, PricingModel: PricingOneTime}
	if err := repo.Create(ctx, third); err != nil {
		t.Fatalf("Create() after failure error = %v", err)
	}
	ok, err = repo.CompareAndSetStatus(ctx, third.ID, PurchasePending, PurchaseCompleted, "pay_123")
	if err != nil || !ok {
		t.Fatalf("complete CompareAndSetStatus() = %v, %v", ok, err)
	}

	open, err := repo.GetOpen(ctx, pb.ID, "org-b")
	if err != nil {
		t.Fatalf("GetOpen() error = %v", err)
	}
	if open == nil || open.ID != third.ID || open.PaymentRef != "pay_123" || open.Status != PurchaseCompleted {
		t.Fatalf("GetOpen() = %#v", open)
	}
}

func TestInstallationRepoLiveIndexAndProvenance(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	pb := seedPlaybook(t, database, "installs")
	purchase := seedPurchase(t, database, pb.ID, "org-b")
	repo := database.Repos().Installations

	inst := &Installation{
		PlaybookID:        pb.ID,
		PurchaseID:        purchase.ID,
		TargetOrgID:       "org-b",
		TargetWorkspaceID: "ws-1",
		InstalledByUserID: "user-1",
		VersionInstalled:  1,
	}
	if err := repo.Create(ctx, inst); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dup := &Installation{PlaybookID: pb.ID, PurchaseID: purchase.ID, TargetOrgID: "org-b", TargetWorkspaceID: "ws-2", InstalledByUserID: "u", VersionInstalled: 1}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("second live Create() error = %v, want ErrConflict", err)
	}

	for _, e := range []struct{ kind, id string }{{"document", "d1"}, {"agent", "a1"}, {"agent", "a2"}, {"guardrail", "g1"}} {
		if _, err := repo.AppendProvenance(ctx, inst.ID, e.kind, e.id); err != nil {
			t.Fatalf("AppendProvenance() error = %v", err)
		}
	}

	ok, err := repo.Activate(ctx, inst.ID)
	if err != nil || !ok {
		t.Fatalf("Activate() = %v, %v", ok, err)
	}

	inst.Customizations = &Customizations{Renames: []Rename{{Kind: "agent", From: "faq", To: "faq-2"}}}
	inst.TestResults = &TestResults{Passed: 1, Total: 1}
	inst.IntegrationStatus = []IntegrationMapping{{Provider: "zendesk", Connected: true, ConnectionID: "c1"}}
	if err := repo.SaveDetails(ctx, inst); err != nil {
		t.Fatalf("SaveDetails() error = %v", err)
	}

	got, err := repo.Get(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != InstallationActive || got.ActivatedAt == nil {
		t.Fatalf("Get() status = %s activated = %v", got.Status, got.ActivatedAt)
	}
	if !reflect.DeepEqual(got.CreatedAgentIDs, []string{"a1", "a2"}) {
		t.Fatalf("CreatedAgentIDs = %#v", got.CreatedAgentIDs)
	}
	if !reflect.DeepEqual(got.CreatedDocumentIDs, []string{"d1"}) || !reflect.DeepEqual(got.CreatedOtherIDs, []string{"g1"}) {
		t.Fatalf("created ids = %#v / %#v", got.CreatedDocumentIDs, got.CreatedOtherIDs)
	}
	if got.Customizations == nil || got.Customizations.Renames[0].To != "faq-2" {
		t.Fatalf("Customizations = %#v", got.Customizations)
	}
	if got.TestResults == nil || got.TestResults.Passed != 1 {
		t.Fatalf("TestResults = %#v", got.TestResults)
	}
	if len(got.IntegrationStatus) != 1 || !got.IntegrationStatus[0].Connected {
		t.Fatalf("IntegrationStatus = %#v", got.IntegrationStatus)
	}

	entries, err := repo.ListProvenance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ListProvenance() error = %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Fatalf("provenance seq not increasing: %#v", entries)
		}
	}

	ok, err = repo.CompareAndSetStatus(ctx, inst.ID, InstallationUninstalled, InstallationActive, InstallationFailed)
	if err != nil || !ok {
		t.Fatalf("CompareAndSetStatus() = %v, %v", ok, err)
	}
	if err := repo.Create(ctx, dup); err != nil {
		t.Fatalf("Create() after uninstall error = %v", err)
	}

	count, err := database.Repos().Playbooks.RecomputeInstallCount(ctx, pb.ID)
	if err != nil {
		t.Fatalf("RecomputeInstallCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("install count = %d, want 1", count)
	}
}

func TestReviewRepoUpsertAndRatingAggregate(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	pb := seedPlaybook(t, database, "reviews")
	repos := database.Repos()

	created, err := repos.Reviews.Upsert(ctx, &Review{PlaybookID: pb.ID, ReviewerOrgID: "org-a", ReviewerUserID: "u1", Rating: 5})
	if err != nil || !created {
		t.Fatalf("Upsert() = %v, %v", created, err)
	}
	created, err = repos.Reviews.Upsert(ctx, &Review{PlaybookID: pb.ID, ReviewerOrgID: "org-b", ReviewerUserID: "u2", Rating: 2})
	if err != nil || !created {
		t.Fatalf("Upsert() = %v, %v", created, err)
	}
	updated := &Review{PlaybookID: pb.ID, ReviewerOrgID: "org-b", ReviewerUserID: "u2", Rating: 4, Title: "better"}
	created, err = repos.Reviews.Upsert(ctx, updated)
	if err != nil || created {
		t.Fatalf("second Upsert() = %v, %v", created, err)
	}

	avg, count, err := repos.Playbooks.RecomputeRating(ctx, pb.ID)
	if err != nil {
		t.Fatalf("RecomputeRating() error = %v", err)
	}
	if count != 2 || avg != 4.5 {
		t.Fatalf("rating = %v over %d, want 4.5 over 2", avg, count)
	}

	removed, err := repos.Reviews.Delete(ctx, updated.ID)
	if err != nil || !removed {
		t.Fatalf("Delete() = %v, %v", removed, err)
	}
	avg, count, err = repos.Playbooks.RecomputeRating(ctx, pb.ID)
	if err != nil {
		t.Fatalf("RecomputeRating() error = %v", err)
	}
	if count != 1 || avg != 5 {
		t.Fatalf("rating = %v over %d, want 5 over 1", avg, count)
	}

	_, err = repos.Reviews.Upsert(ctx, &Review{PlaybookID: pb.ID, ReviewerOrgID: "org-c", ReviewerUserID: "u3", Rating: 6})
	if err == nil {
		t.Fatalf("rating 6 should violate the check constraint")
	}
}

func TestEntityRepoFreeSlugAndRefs(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	repo := database.Repos().Entities

	for _, slug := range []string{"faq", "faq-2"} {
		if err := repo.Create(ctx, &WorkspaceEntity{Kind: "agent", OrgID: "org", WorkspaceID: "ws", Slug: slug}); err != nil {
			t.Fatalf("Create(%q) error = %v", slug, err)
		}
	}
	free, err := repo.FreeSlug(ctx, "ws", "agent", "faq")
	if err != nil {
		t.Fatalf("FreeSlug() error = %v", err)
	}
	if free != "faq-3" {
		t.Fatalf("FreeSlug() = %q, want faq-3", free)
	}
	free, err = repo.FreeSlug(ctx, "ws", "skill", "faq")
	if err != nil || free != "faq" {
		t.Fatalf("FreeSlug(skill) = %q, %v", free, err)
	}

	e := &WorkspaceEntity{Kind: "agent", OrgID: "org", WorkspaceID: "ws", Slug: "router"}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.SetRefs(ctx, e.ID, map[string][]string{"subAgents": {"a", "b"}}); err != nil {
		t.Fatalf("SetRefs() error = %v", err)
	}
	got, err := repo.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !reflect.DeepEqual(got.Refs["subAgents"], []string{"a", "b"}) {
		t.Fatalf("Refs = %#v", got.Refs)
	}

	removed, err := repo.Delete(ctx, e.ID)
	if err != nil || !removed {
		t.Fatalf("Delete() = %v, %v", removed, err)
	}
	removed, err = repo.Delete(ctx, e.ID)
	if err != nil || removed {
		t.Fatalf("second Delete() = %v, %v", removed, err)
	}
}

func TestIntegrationRepoPrefersWorkspaceConnection(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	repo := database.Repos().Integrations

	p, err := repo.GetProvider(ctx, "slack")
	if err != nil || p == nil || p.Name != "Slack" {
		t.Fatalf("GetProvider(slack) = %#v, %v", p, err)
	}

	orgWide := &IntegrationConnection{OrgID: "org", ProviderKey: "slack"}
	if err := repo.CreateConnection(ctx, orgWide); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	scoped := &IntegrationConnection{OrgID: "org", WorkspaceID: "ws", ProviderKey: "slack"}
	if err := repo.CreateConnection(ctx, scoped); err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}

	got, err := repo.ActiveConnection(ctx, "org", "ws", "slack")
	if err != nil {
		t.Fatalf("ActiveConnection() error = %v", err)
	}
	if got == nil || got.ID != scoped.ID {
		t.Fatalf("ActiveConnection() = %#v, want workspace-scoped", got)
	}

	got, err = repo.ActiveConnection(ctx, "org", "other-ws", "slack")
	if err != nil || got == nil || got.ID != orgWide.ID {
		t.Fatalf("ActiveConnection(other-ws) = %#v, %v", got, err)
	}

	if err := repo.SetConnectionStatus(ctx, orgWide.ID, "REVOKED"); err != nil {
		t.Fatalf("SetConnectionStatus() error = %v", err)
	}
	got, err = repo.ActiveConnection(ctx, "org", "other-ws", "slack")
	if err != nil || got != nil {
		t.Fatalf("ActiveConnection() after revoke = %#v, %v", got, err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	database, _ := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.InTx(ctx, func(r *Repos) error {
		if err := r.Playbooks.Create(ctx, &Playbook{Slug: "rolled-back", Name: "x", PublisherOrgID: "org"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	got, err := database.Repos().Playbooks.GetBySlug(ctx, "rolled-back")
	if err != nil {
		t.Fatalf("GetBySlug() error = %v", err)
	}
	if got != nil {
		t.Fatalf("expected rollback, found %#v", got)
	}
}
