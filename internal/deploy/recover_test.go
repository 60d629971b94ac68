package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/dbtest"
)

// abandon writes an IN_PROGRESS installation with one ledgered agent, as left
// behind by a process that died mid-deploy.
func abandon(t *testing.T, database *db.DB, pb *db.Playbook, purchase *db.Purchase, age time.Duration) (*db.Installation, *db.WorkspaceEntity) {
	t.Helper()
	ctx := context.Background()
	repos := database.Repos()

	inst := &db.Installation{
		PlaybookID:        pb.ID,
		PurchaseID:        purchase.ID,
		TargetOrgID:       purchase.BuyerOrgID,
		TargetWorkspaceID: buyerWS,
		InstalledByUserID: "u-buyer",
		VersionInstalled:  1,
		CreatedAt:         time.Now().UTC().Add(-age),
	}
	require.NoError(t, repos.Installations.Create(ctx, inst))

	agent := &db.WorkspaceEntity{Kind: "agent", OrgID: purchase.BuyerOrgID, WorkspaceID: buyerWS, Slug: "router"}
	require.NoError(t, repos.Entities.Create(ctx, agent))
	_, err := repos.Installations.AppendProvenance(ctx, inst.ID, "agent", agent.ID)
	require.NoError(t, err)
	return inst, agent
}

func TestRecoverStaleRollsBackAbandonedDeploy(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	purchase := dbtest.SeedPurchase(t, database, pb.ID, buyerOrg)
	inst, agent := abandon(t, database, pb, purchase, time.Hour)
	o := newOrchestrator(t, database, Options{})

	_, err := o.Deploy(ctx, request())
	require.Error(t, err, "an abandoned claim blocks redeploy until recovered")

	ids, err := o.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{inst.ID}, ids)

	got, err := database.Repos().Installations.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, db.InstallationFailed, got.Status)
	assert.Contains(t, got.Error, "deploy abandoned")

	gone, err := database.Repos().Entities.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	audit, err := database.Repos().Audit.ListByEntity(ctx, "installation", inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "recover", audit[len(audit)-1].Action)

	fresh, err := o.Deploy(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, db.InstallationActive, fresh.Status)
	assert.NotEqual(t, inst.ID, fresh.ID)
}

func TestRecoverStaleLeavesRecentClaims(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	purchase := dbtest.SeedPurchase(t, database, pb.ID, buyerOrg)
	inst, agent := abandon(t, database, pb, purchase, time.Minute)
	o := newOrchestrator(t, database, Options{})

	ids, err := o.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := database.Repos().Installations.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, db.InstallationInProgress, got.Status)
	kept, err := database.Repos().Entities.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
