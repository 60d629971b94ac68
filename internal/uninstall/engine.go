// Package uninstall removes everything an installation created.
package uninstall

import (
	"context"
	"log/slog"
	"sort"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/manifest"
	"github.com/user/agentmarket/internal/metrics"
)

type Engine struct {
	db     *db.DB
	events *hub.Hub
	logger *slog.Logger
}

func NewEngine(database *db.DB, events *hub.Hub, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: database, events: events, logger: logger}
}

// Uninstall deletes every entity the installation created and marks it
// UNINSTALLED. The installation and purchase rows are kept. requestingUserID
// is recorded as the audit actor.
func (e *Engine) Uninstall(ctx context.Context, installationID, requestingOrgID, requestingUserID string) error {
	var inst *db.Installation
	var removed int
	err := e.db.InTx(ctx, func(r *db.Repos) error {
		var err error
		inst, err = r.Installations.Get(ctx, installationID)
		if err != nil {
			return err
		}
		if inst == nil {
			return apperror.ErrNotFound.Withf("installation %q not found", installationID)
		}
		if inst.TargetOrgID != requestingOrgID {
			return apperror.ErrNotOwner.Withf("org %q does not own installation %q", requestingOrgID, installationID)
		}

		ok, err := r.Installations.CompareAndSetStatus(ctx, inst.ID, db.InstallationUninstalled,
			db.InstallationActive, db.InstallationFailed)
		if err != nil {
			return err
		}
		if !ok {
			return statusConflict(inst)
		}

		removed, err = teardown(ctx, r, inst.ID)
		if err != nil {
			return err
		}
		return r.Audit.Append(ctx, &db.AuditEntry{
			EntityType: "installation",
			EntityID:   inst.ID,
			Action:     "uninstall",
			ActorID:    requestingUserID,
			FromStatus: string(inst.Status),
			ToStatus:   string(db.InstallationUninstalled),
		})
	})
	if err != nil {
		return apperror.Internal("uninstall", err)
	}

	metrics.RecordUninstall("request")
	e.logger.Info("installation uninstalled",
		"installation_id", inst.ID, "playbook_id", inst.PlaybookID, "org_id", inst.TargetOrgID, "removed", removed)
	e.events.Publish(hub.Event{
		Type:     hub.EventInstallation,
		OrgID:    inst.TargetOrgID,
		EntityID: inst.ID,
		Status:   string(db.InstallationUninstalled),
		Data:     map[string]any{"playbook_id": inst.PlaybookID, "removed": removed},
	})
	return nil
}

// Rollback deletes what a failed deploy created so far. The installation
// status is left as is.
func (e *Engine) Rollback(ctx context.Context, installationID string) (int, error) {
	var removed int
	err := e.db.InTx(ctx, func(r *db.Repos) error {
		var err error
		removed, err = teardown(ctx, r, installationID)
		return err
	})
	if err != nil {
		e.logger.Error("rollback failed", "installation_id", installationID, "error", err)
		return 0, apperror.Internal("rollback installation", err)
	}
	metrics.RecordUninstall("rollback")
	e.logger.Info("installation rolled back", "installation_id", installationID, "removed", removed)
	return removed, nil
}

// TeardownOrder sorts provenance entries for deletion: dependents before the
// entities they reference, and newest first within a kind.
func TeardownOrder(entries []db.ProvenanceEntry) []db.ProvenanceEntry {
	out := append([]db.ProvenanceEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i].Kind), rank(out[j].Kind)
		if ri != rj {
			return ri > rj
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

func teardown(ctx context.Context, r *db.Repos, installationID string) (int, error) {
	entries, err := r.Installations.ListProvenance(ctx, installationID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range TeardownOrder(entries) {
		ok, err := r.Entities.Delete(ctx, entry.EntityID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func statusConflict(inst *db.Installation) error {
	switch inst.Status {
	case db.InstallationInProgress:
		return apperror.ErrInstallationBusy.With("installation_id", inst.ID)
	default:
		return apperror.ErrAlreadyUninstalled.With("installation_id", inst.ID)
	}
}

// rank is the creation stage of a kind; guardrails, test cases and scorecards
// share the last stage.
func rank(kind string) int {
	switch manifest.Kind(kind) {
	case manifest.KindDocument:
		return 0
	case manifest.KindSkill:
		return 1
	case manifest.KindAgent:
		return 2
	case manifest.KindWorkflow:
		return 3
	case manifest.KindNetwork:
		return 4
	default:
		return 5
	}
}
