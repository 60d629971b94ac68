// Package deploy materializes a purchased playbook version into a target
// workspace and records every entity it creates.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/integration"
	"github.com/user/agentmarket/internal/manifest"
	"github.com/user/agentmarket/internal/metrics"
	"github.com/user/agentmarket/internal/registry"
)

const (
	DefaultSmokeTimeout     = 30 * time.Second
	DefaultSmokeParallelism = 4
)

// Rollbacker deletes what a failed deploy created so far.
type Rollbacker interface {
	Rollback(ctx context.Context, installationID string) (int, error)
}

type Options struct {
	// Runner executes smoke tests. Nil uses EntityRunner.
	Runner Runner
	// Tools flags tool ids missing from the catalog. Nil accepts every id.
	Tools            *registry.Registry
	SmokeTimeout     time.Duration
	SmokeParallelism int
	Events           *hub.Hub
	Logger           *slog.Logger
}

type Orchestrator struct {
	db       *db.DB
	rollback Rollbacker
	mapper   *integration.Mapper
	runner   Runner
	tools    *registry.Registry
	timeout  time.Duration
	parallel int
	events   *hub.Hub
	logger   *slog.Logger

	// failAt lets tests break materialization at a given component.
	failAt func(kind manifest.Kind, slug string) error
}

func NewOrchestrator(database *db.DB, rollback Rollbacker, opts Options) *Orchestrator {
	o := &Orchestrator{
		db:       database,
		rollback: rollback,
		mapper:   integration.NewMapper(database),
		runner:   opts.Runner,
		tools:    opts.Tools,
		timeout:  opts.SmokeTimeout,
		parallel: opts.SmokeParallelism,
		events:   opts.Events,
		logger:   opts.Logger,
	}
	if o.runner == nil {
		o.runner = NewEntityRunner(database)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultSmokeTimeout
	}
	if o.parallel <= 0 {
		o.parallel = DefaultSmokeParallelism
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

type Request struct {
	PlaybookSlug string
	// Version 0 deploys the playbook's current version.
	Version           int
	TargetOrgID       string
	TargetWorkspaceID string
	InstalledByUserID string
}

func (r Request) validate() error {
	missing := []string{}
	if strings.TrimSpace(r.PlaybookSlug) == "" {
		missing = append(missing, "playbook_slug")
	}
	if strings.TrimSpace(r.TargetOrgID) == "" {
		missing = append(missing, "target_org_id")
	}
	if strings.TrimSpace(r.TargetWorkspaceID) == "" {
		missing = append(missing, "target_workspace_id")
	}
	if strings.TrimSpace(r.InstalledByUserID) == "" {
		missing = append(missing, "installed_by_user_id")
	}
	if len(missing) > 0 {
		return apperror.ErrInvalidInput.Withf("missing %s", strings.Join(missing, ", ")).With("fields", missing)
	}
	if r.Version < 0 {
		return apperror.ErrInvalidInput.Withf("version must not be negative, got %d", r.Version).With("fields", []string{"version"})
	}
	return nil
}

// target is everything the preconditions resolved.
type target struct {
	playbook *db.Playbook
	purchase *db.Purchase
	version  *db.PlaybookVersion
	manifest *manifest.Manifest
}

// Deploy checks every precondition before writing, claims an IN_PROGRESS
// installation, materializes the manifest and activates the installation.
// Any failure after the claim marks it FAILED, rolls back what was created
// and returns a partial_deployment error.
func (o *Orchestrator) Deploy(ctx context.Context, req Request) (*db.Installation, error) {
	started := time.Now()
	inst, err := o.deploy(ctx, req)
	switch {
	case err == nil:
		metrics.RecordDeployment("success", time.Since(started))
	case errors.Is(err, apperror.ErrPartialDeployment):
		metrics.RecordDeployment("failed", time.Since(started))
	default:
		metrics.RecordDeployment("rejected", time.Since(started))
		o.logger.Info("deploy rejected", "playbook_slug", req.PlaybookSlug, "org_id", req.TargetOrgID, "error", err)
	}
	return inst, err
}

func (o *Orchestrator) deploy(ctx context.Context, req Request) (*db.Installation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	repos := o.db.Repos()
	tgt, err := o.resolve(ctx, repos, req)
	if err != nil {
		return nil, apperror.Internal("deploy", err)
	}
	live, err := repos.Installations.GetLive(ctx, tgt.playbook.ID, req.TargetOrgID)
	if err != nil {
		return nil, apperror.Internal("deploy", err)
	}
	if live != nil {
		return nil, alreadyInstalled(tgt.playbook, live)
	}

	mappings, err := integration.MapWith(ctx, repos.Integrations, tgt.manifest.RequiredIntegrations, req.TargetOrgID, req.TargetWorkspaceID)
	if err != nil {
		return nil, apperror.Internal("deploy", err)
	}
	custom := &db.Customizations{UnknownTools: o.tools.Unknown(tgt.manifest.ToolIDs())}

	inst := &db.Installation{
		PlaybookID:        tgt.playbook.ID,
		PurchaseID:        tgt.purchase.ID,
		TargetOrgID:       req.TargetOrgID,
		TargetWorkspaceID: req.TargetWorkspaceID,
		InstalledByUserID: req.InstalledByUserID,
		VersionInstalled:  tgt.version.Version,
		Status:            db.InstallationInProgress,
		Customizations:    custom,
		IntegrationStatus: mappings,
	}
	if err := repos.Installations.Create(ctx, inst); err != nil {
		if errors.Is(err, db.ErrConflict) {
			winner, getErr := repos.Installations.GetLive(ctx, tgt.playbook.ID, req.TargetOrgID)
			if getErr == nil && winner != nil {
				return nil, alreadyInstalled(tgt.playbook, winner)
			}
			return nil, apperror.ErrAlreadyInstalled.With("playbook_id", tgt.playbook.ID)
		}
		return nil, apperror.Internal("deploy", err)
	}
	o.logger.Info("deploy started",
		"installation_id", inst.ID, "playbook_id", inst.PlaybookID, "org_id", inst.TargetOrgID,
		"version", inst.VersionInstalled)
	o.publish(inst)
	for _, provider := range integration.Unconnected(mappings) {
		o.logger.Warn("integration not connected", "installation_id", inst.ID, "provider", provider)
	}

	st := newRun(inst)
	if err := o.materialize(ctx, st, tgt.manifest); err != nil {
		return nil, o.fail(ctx, st, err)
	}
	custom.Renames = st.renames
	inst.Customizations = custom

	if len(tgt.manifest.TestCases) > 0 {
		results := o.smoke(ctx, st, tgt.manifest.TestCases)
		inst.TestResults = &results
	}
	if err := repos.Installations.SaveDetails(ctx, inst); err != nil {
		return nil, o.fail(ctx, st, err)
	}

	var installCount int
	err = o.db.InTx(ctx, func(r *db.Repos) error {
		ok, err := r.Installations.Activate(ctx, inst.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("installation %q left IN_PROGRESS before activation", inst.ID)
		}
		if installCount, err = r.Playbooks.RecomputeInstallCount(ctx, inst.PlaybookID); err != nil {
			return err
		}
		return r.Audit.Append(ctx, &db.AuditEntry{
			EntityType: "installation",
			EntityID:   inst.ID,
			Action:     "deploy",
			ActorID:    req.InstalledByUserID,
			FromStatus: string(db.InstallationInProgress),
			ToStatus:   string(db.InstallationActive),
		})
	})
	if err != nil {
		return nil, o.fail(ctx, st, err)
	}

	activated, err := repos.Installations.Get(ctx, inst.ID)
	if err != nil {
		return nil, apperror.Internal("deploy", err)
	}
	o.logger.Info("deploy finished",
		"installation_id", inst.ID, "playbook_id", inst.PlaybookID, "org_id", inst.TargetOrgID,
		"entities", st.created, "renames", len(st.renames), "install_count", installCount)
	o.publish(activated)
	return activated, nil
}

// resolve runs the read-only preconditions shared by Deploy and Plan.
func (o *Orchestrator) resolve(ctx context.Context, repos *db.Repos, req Request) (*target, error) {
	pb, err := repos.Playbooks.GetBySlug(ctx, req.PlaybookSlug)
	if err != nil {
		return nil, err
	}
	if pb == nil {
		return nil, apperror.ErrNotFound.Withf("playbook %q not found", req.PlaybookSlug)
	}
	if pb.Status != db.PlaybookPublished {
		return nil, apperror.ErrNotPublished.Withf("playbook %q is %s", pb.Slug, pb.Status).With("status", string(pb.Status))
	}

	purchase, err := repos.Purchases.GetOpen(ctx, pb.ID, req.TargetOrgID)
	if err != nil {
		return nil, err
	}
	if purchase == nil || purchase.Status != db.PurchaseCompleted {
		return nil, apperror.ErrNotPurchased.Withf("org %q has no completed purchase of %q", req.TargetOrgID, pb.Slug)
	}

	number := req.Version
	if number == 0 {
		number = pb.CurrentVersion
	}
	version, err := repos.Versions.Get(ctx, pb.ID, number)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, apperror.ErrVersionNotFound.Withf("playbook %q has no version %d", pb.Slug, number).
			With("version", number).
			With("current_version", pb.CurrentVersion)
	}
	mf, err := manifest.Decode(version.Manifest)
	if err != nil {
		return nil, err
	}
	return &target{playbook: pb, purchase: purchase, version: version, manifest: mf}, nil
}

// fail marks the installation FAILED, rolls back its ledgered entities and
// returns the partial_deployment error for cause.
func (o *Orchestrator) fail(ctx context.Context, st *run, cause error) error {
	// Cleanup must run even when the caller's context is what failed.
	ctx = context.WithoutCancel(ctx)
	inst := st.inst

	if _, err := o.db.Repos().Installations.CompareAndSetStatus(ctx, inst.ID, db.InstallationFailed, db.InstallationInProgress); err != nil {
		o.logger.Error("mark installation failed", "installation_id", inst.ID, "error", err)
	}
	inst.Status = db.InstallationFailed
	inst.Error = cause.Error()
	if inst.Customizations == nil {
		inst.Customizations = &db.Customizations{}
	}
	inst.Customizations.Renames = st.renames
	if err := o.db.Repos().Installations.SaveDetails(ctx, inst); err != nil {
		o.logger.Error("save failed installation", "installation_id", inst.ID, "error", err)
	}

	removed := 0
	rollbackErr := ""
	if o.rollback != nil {
		n, err := o.rollback.Rollback(ctx, inst.ID)
		removed = n
		if err != nil {
			rollbackErr = err.Error()
		}
	}
	if err := o.db.Repos().Audit.Append(ctx, &db.AuditEntry{
		EntityType: "installation",
		EntityID:   inst.ID,
		Action:     "deploy",
		ActorID:    inst.InstalledByUserID,
		FromStatus: string(db.InstallationInProgress),
		ToStatus:   string(db.InstallationFailed),
		Reason:     cause.Error(),
	}); err != nil {
		o.logger.Error("audit failed deploy", "installation_id", inst.ID, "error", err)
	}

	o.logger.Error("deploy failed",
		"installation_id", inst.ID, "playbook_id", inst.PlaybookID, "org_id", inst.TargetOrgID,
		"created", st.created, "rolled_back", removed, "error", cause)
	o.publish(inst)

	out := apperror.ErrPartialDeployment.
		Withf("deploy of installation %q failed after %d entities", inst.ID, st.created).
		With("installation_id", inst.ID).
		With("created", st.created).
		With("rolled_back", removed)
	if st.step != "" {
		out = out.With("step", st.step)
	}
	if rollbackErr != "" {
		out = out.With("rollback_error", rollbackErr)
	}
	return out.Wrap(cause)
}

func (o *Orchestrator) publish(inst *db.Installation) {
	o.events.Publish(hub.Event{
		Type:     hub.EventInstallation,
		OrgID:    inst.TargetOrgID,
		EntityID: inst.ID,
		Status:   string(inst.Status),
		Data:     map[string]any{"playbook_id": inst.PlaybookID, "version": inst.VersionInstalled},
	})
}

func alreadyInstalled(pb *db.Playbook, live *db.Installation) error {
	return apperror.ErrAlreadyInstalled.
		Withf("playbook %q is already installed in org %q", pb.Slug, live.TargetOrgID).
		With("installation_id", live.ID).
		With("status", string(live.Status))
}
