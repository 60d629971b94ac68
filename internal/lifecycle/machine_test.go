package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/dbtest"
	"github.com/user/agentmarket/internal/manifest"
)

var (
	publisher = Actor{UserID: "u-pub", OrgID: "org-publisher"}
	admin     = Actor{UserID: "u-admin", OrgID: "org-platform", Admin: true}
)

func TestNextCoversEveryStatusActionPair(t *testing.T) {
	want := map[db.PlaybookStatus]map[Action]db.PlaybookStatus{
		db.PlaybookDraft: {
			ActionPublish: db.PlaybookPendingReview,
			ActionArchive: db.PlaybookArchived,
		},
		db.PlaybookPendingReview: {
			ActionApprove: db.PlaybookPublished,
			ActionReject:  db.PlaybookDraft,
			ActionArchive: db.PlaybookArchived,
		},
		db.PlaybookPublished: {
			ActionSuspend: db.PlaybookSuspended,
			ActionArchive: db.PlaybookArchived,
		},
		db.PlaybookSuspended: {
			ActionReinstate: db.PlaybookPublished,
			ActionArchive:   db.PlaybookArchived,
		},
		db.PlaybookArchived: {},
	}

	for _, from := range Statuses {
		for _, action := range Actions {
			to, ok := want[from][action]
			t.Run(string(from)+"/"+string(action), func(t *testing.T) {
				got, err := Next(from, action)
				if ok {
					require.NoError(t, err)
					assert.Equal(t, to, got.To)
					return
				}
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperror.ErrInvalidTransition))

				var appErr *apperror.Error
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, string(from), appErr.Details["from"])
				assert.Equal(t, string(action), appErr.Details["action"])
				assert.Len(t, appErr.Details["allowed"], len(want[from]))
			})
		}
	}
}

func TestAllowedFromArchivedIsEmpty(t *testing.T) {
	assert.Empty(t, Allowed(db.PlaybookArchived))
	assert.Equal(t, []Action{ActionSuspend, ActionArchive}, Allowed(db.PlaybookPublished))
}

func TestPublishApproveWritesVersionAndAudit(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{Status: db.PlaybookDraft})
	m := NewMachine(database, Options{AllowArchiveWithInstalls: true})

	res, err := m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionPublish, Actor: publisher})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookPendingReview, res.Playbook.Status)
	assert.NotEmpty(t, res.Playbook.PendingManifest)
	assert.Nil(t, res.Version)

	res, err = m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionApprove, Actor: admin, Changelog: "first release"})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookPublished, res.Playbook.Status)
	require.NotNil(t, res.Version)
	assert.Equal(t, 1, res.Version.Version)
	assert.Equal(t, 1, res.Playbook.CurrentVersion)
	assert.Len(t, res.Version.Digest, 64)
	assert.Empty(t, res.Playbook.PendingManifest)

	stored, err := manifest.Decode(res.Version.Manifest)
	require.NoError(t, err)
	assert.Equal(t, manifest.KindNetwork, stored.EntryPoint.Type)

	history, err := m.History(ctx, pb.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "publish", history[0].Action)
	assert.Equal(t, "DRAFT", history[0].FromStatus)
	assert.Equal(t, "PENDING_REVIEW", history[0].ToStatus)
	assert.Equal(t, "approve", history[1].Action)
	assert.Equal(t, "u-admin", history[1].ActorID)
}

func TestPublishRejectsInvalidManifest(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	mf, err := manifest.Sample("support-desk")
	require.NoError(t, err)
	mf.Agents[0].SubAgents = append(mf.Agents[0].SubAgents, "ghost")
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{Status: db.PlaybookDraft, Manifest: mf})
	m := NewMachine(database, Options{})

	_, err = m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionPublish, Actor: publisher})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInvalidManifest))

	got, err := database.Repos().Playbooks.Get(ctx, pb.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookDraft, got.Status)
}

func TestPublishRequiresComponents(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := &db.Playbook{Slug: "empty", Name: "Empty", PublisherOrgID: publisher.OrgID}
	require.NoError(t, database.Repos().Playbooks.Create(ctx, pb))
	m := NewMachine(database, Options{})

	_, err := m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionPublish, Actor: publisher})
	assert.True(t, errors.Is(err, apperror.ErrInvalidManifest))
}

func TestActorChecks(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{Status: db.PlaybookDraft})
	m := NewMachine(database, Options{})

	_, err := m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionPublish, Actor: Actor{UserID: "x", OrgID: "org-other"}})
	assert.True(t, errors.Is(err, apperror.ErrNotOwner))

	_, err = m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionPublish, Actor: publisher})
	require.NoError(t, err)

	_, err = m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionApprove, Actor: publisher})
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
}

func TestRejectAndSuspendRequireReason(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pending := dbtest.SeedPlaybook(t, database, dbtest.Seed{Slug: "pending", Status: db.PlaybookPendingReview})
	published := dbtest.SeedPlaybook(t, database, dbtest.Seed{Slug: "published"})
	m := NewMachine(database, Options{})

	_, err := m.Apply(ctx, Request{PlaybookID: pending.ID, Action: ActionReject, Actor: admin, Reason: "  "})
	assert.True(t, errors.Is(err, apperror.ErrInvalidInput))

	res, err := m.Apply(ctx, Request{PlaybookID: pending.ID, Action: ActionReject, Actor: admin, Reason: "missing docs"})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookDraft, res.Playbook.Status)

	_, err = m.Apply(ctx, Request{PlaybookID: published.ID, Action: ActionSuspend, Actor: admin})
	assert.True(t, errors.Is(err, apperror.ErrInvalidInput))

	res, err = m.Apply(ctx, Request{PlaybookID: published.ID, Action: ActionSuspend, Actor: admin, Reason: "abuse report"})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookSuspended, res.Playbook.Status)

	res, err = m.Apply(ctx, Request{PlaybookID: published.ID, Action: ActionReinstate, Actor: admin})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookPublished, res.Playbook.Status)

	history, err := m.History(ctx, published.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "abuse report", history[0].Reason)
}

func TestArchiveIsTerminal(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	m := NewMachine(database, Options{AllowArchiveWithInstalls: true})

	res, err := m.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionArchive, Actor: publisher})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookArchived, res.Playbook.Status)

	for _, action := range Actions {
		_, err := m.Apply(ctx, Request{PlaybookID: pb.ID, Action: action, Actor: admin, Reason: "r"})
		assert.True(t, errors.Is(err, apperror.ErrInvalidTransition), "action %s", action)
	}
}

func TestArchivePolicyBlocksActiveInstalls(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	purchase := dbtest.SeedPurchase(t, database, pb.ID, "org-buyer")
	inst := &db.Installation{
		PlaybookID:        pb.ID,
		PurchaseID:        purchase.ID,
		TargetOrgID:       "org-buyer",
		TargetWorkspaceID: "ws",
		InstalledByUserID: "u",
		VersionInstalled:  1,
	}
	require.NoError(t, database.Repos().Installations.Create(ctx, inst))
	_, err := database.Repos().Installations.Activate(ctx, inst.ID)
	require.NoError(t, err)

	strict := NewMachine(database, Options{AllowArchiveWithInstalls: false})
	_, err = strict.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionArchive, Actor: publisher})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrActiveInstalls))
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))

	lenient := NewMachine(database, Options{AllowArchiveWithInstalls: true})
	res, err := lenient.Apply(ctx, Request{PlaybookID: pb.ID, Action: ActionArchive, Actor: publisher})
	require.NoError(t, err)
	assert.Equal(t, db.PlaybookArchived, res.Playbook.Status)

	got, err := database.Repos().Installations.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, db.InstallationActive, got.Status)
}

func TestReleaseVersionBumpsCurrentVersion(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	pb := dbtest.SeedPlaybook(t, database, dbtest.Seed{})
	m := NewMachine(database, Options{})

	res, err := m.ReleaseVersion(ctx, pb.ID, "tweak prompts", publisher)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.Version)
	assert.Equal(t, 2, res.Playbook.CurrentVersion)
	assert.Equal(t, "tweak prompts", res.Version.Changelog)

	v1, err := database.Repos().Versions.Get(ctx, pb.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, v1)

	_, err = m.ReleaseVersion(ctx, pb.ID, "", Actor{UserID: "x", OrgID: "org-other"})
	assert.True(t, errors.Is(err, apperror.ErrNotOwner))

	draft := dbtest.SeedPlaybook(t, database, dbtest.Seed{Slug: "draft", Status: db.PlaybookDraft})
	_, err = m.ReleaseVersion(ctx, draft.ID, "", publisher)
	assert.True(t, errors.Is(err, apperror.ErrInvalidTransition))
}

func TestApplyUnknownPlaybook(t *testing.T) {
	database := dbtest.Open(t)
	m := NewMachine(database, Options{})

	_, err := m.Apply(context.Background(), Request{PlaybookID: "missing", Action: ActionPublish, Actor: publisher})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}
