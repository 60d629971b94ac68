package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/metrics"
)

// DefaultStaleAfter is how long an IN_PROGRESS claim may sit before
// RecoverStale treats its deploy as abandoned.
const DefaultStaleAfter = 15 * time.Minute

const recoverActor = "system:recover"

// RecoverStale fails IN_PROGRESS installations created more than olderThan
// ago and rolls back what their deploy had created. Such rows are left behind
// when a process dies mid-deploy and otherwise block redeploy and uninstall
// for their org. It returns the ids it recovered.
func (o *Orchestrator) RecoverStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	claims, err := o.db.Repos().Installations.List(ctx, db.InstallationFilter{Status: db.InstallationInProgress})
	if err != nil {
		return nil, apperror.Internal("list in-progress installations", err)
	}

	recovered := []string{}
	for _, inst := range claims {
		if inst.CreatedAt.After(cutoff) {
			continue
		}
		ok, err := o.db.Repos().Installations.CompareAndSetStatus(ctx, inst.ID, db.InstallationFailed, db.InstallationInProgress)
		if err != nil {
			return recovered, apperror.Internal("fail stale installation", err)
		}
		if !ok {
			continue
		}

		reason := fmt.Sprintf("deploy abandoned: in progress since %s", inst.CreatedAt.Format(time.RFC3339))
		inst.Status = db.InstallationFailed
		inst.Error = reason
		if err := o.db.Repos().Installations.SaveDetails(ctx, inst); err != nil {
			o.logger.Error("save recovered installation", "installation_id", inst.ID, "error", err)
		}
		removed := 0
		if o.rollback != nil {
			if removed, err = o.rollback.Rollback(ctx, inst.ID); err != nil {
				o.logger.Error("roll back stale installation", "installation_id", inst.ID, "error", err)
			}
		}
		if err := o.db.Repos().Audit.Append(ctx, &db.AuditEntry{
			EntityType: "installation",
			EntityID:   inst.ID,
			Action:     "recover",
			ActorID:    recoverActor,
			FromStatus: string(db.InstallationInProgress),
			ToStatus:   string(db.InstallationFailed),
			Reason:     reason,
		}); err != nil {
			o.logger.Error("audit recovered installation", "installation_id", inst.ID, "error", err)
		}

		metrics.RecordDeployment("abandoned", time.Since(inst.CreatedAt))
		o.logger.Warn("stale deploy recovered",
			"installation_id", inst.ID, "playbook_id", inst.PlaybookID, "org_id", inst.TargetOrgID, "rolled_back", removed)
		o.publish(inst)
		recovered = append(recovered, inst.ID)
	}
	return recovered, nil
}
