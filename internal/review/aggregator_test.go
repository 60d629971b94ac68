package review

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/dbtest"
)

// installed gives org an ACTIVE installation of pb.
func installed(t *testing.T, database *db.DB, pb *db.Playbook, org string) *db.Installation {
	t.Helper()
	ctx := context.Background()
	purchase := dbtest.SeedPurchase(t, database, pb.ID, org)
	inst := &db.Installation{
		PlaybookID:        pb.ID,
		PurchaseID:        purchase.ID,
		TargetOrgID:       org,
		TargetWorkspaceID: "ws-" + org,
		InstalledByUserID: "u-" + org,
		VersionInstalled:  1,
	}
	require.NoError(t, database.Repos().Installations.Create(ctx, inst))
	ok, err := database.Repos().Installations.Activate(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return inst
}

func submission(org string, rating int) Submission {
	return Submission{
		PlaybookSlug:   "support-desk",
		ReviewerOrgID:  org,
		ReviewerUserID: "u-" + org,
		Rating:         rating,
		Title:          "Solid",
		Body:           "Works as described.",
	}
}

func TestSubmitAggregatesAcrossOrgs(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	installed(t, database, pb, "org-a")
	installed(t, database, pb, "org-b")
	a := NewAggregator(database, nil, nil)

	res, err := a.Submit(ctx, submission("org-a", 5))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.ReviewCount)
	assert.InDelta(t, 5.0, res.AverageRating, 1e-9)

	res, err = a.Submit(ctx, submission("org-b", 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ReviewCount)
	assert.InDelta(t, 3.5, res.AverageRating, 1e-9)

	// A second submission replaces the org's review instead of adding one.
	res, err = a.Submit(ctx, submission("org-b", 4))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 2, res.ReviewCount)
	assert.InDelta(t, 4.5, res.AverageRating, 1e-9)

	got, err := database.Repos().Playbooks.Get(ctx, pb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReviewCount)
	assert.InDelta(t, 4.5, got.AverageRating, 1e-9)

	list, err := a.List(ctx, "support-desk")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSubmitChecks(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	inst := installed(t, database, pb, "org-a")
	a := NewAggregator(database, nil, nil)

	for _, rating := range []int{0, 6, -1} {
		_, err := a.Submit(ctx, submission("org-a", rating))
		assert.True(t, errors.Is(err, apperror.ErrInvalidInput), "rating %d", rating)
	}

	s := submission("org-a", 3)
	s.PlaybookSlug = "nope"
	_, err := a.Submit(ctx, s)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	// Purchased but never installed.
	dbtest.SeedPurchase(t, database, pb.ID, "org-c")
	_, err = a.Submit(ctx, submission("org-c", 3))
	assert.True(t, errors.Is(err, apperror.ErrNotInstalled))
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	ok, err := database.Repos().Installations.CompareAndSetStatus(ctx, inst.ID, db.InstallationUninstalled, db.InstallationActive)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = a.Submit(ctx, submission("org-a", 3))
	assert.True(t, errors.Is(err, apperror.ErrNotInstalled))

	got, err := database.Repos().Playbooks.Get(ctx, pb.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ReviewCount)
}

func TestDeleteRecomputes(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	installed(t, database, pb, "org-a")
	installed(t, database, pb, "org-b")
	a := NewAggregator(database, nil, nil)

	_, err := a.Submit(ctx, submission("org-a", 5))
	require.NoError(t, err)
	_, err = a.Submit(ctx, submission("org-b", 1))
	require.NoError(t, err)

	res, err := a.Delete(ctx, "support-desk", "org-b")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReviewCount)
	assert.InDelta(t, 5.0, res.AverageRating, 1e-9)

	res, err = a.Delete(ctx, "support-desk", "org-a")
	require.NoError(t, err)
	assert.Zero(t, res.ReviewCount)
	assert.Zero(t, res.AverageRating)

	_, err = a.Delete(ctx, "support-desk", "org-a")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}
