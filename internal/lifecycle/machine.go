package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/manifest"
	"github.com/user/agentmarket/internal/metrics"
)

const (
	auditEntityPlaybook = "playbook"
	actionRelease       = "release_version"
)

type Options struct {
	// AllowArchiveWithInstalls lets a publisher archive a playbook that still
	// has ACTIVE installations.
	AllowArchiveWithInstalls bool
	Events                   *hub.Hub
	Logger                   *slog.Logger
}

type Machine struct {
	db                       *db.DB
	events                   *hub.Hub
	logger                   *slog.Logger
	allowArchiveWithInstalls bool
}

func NewMachine(database *db.DB, opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		db:                       database,
		events:                   opts.Events,
		logger:                   logger,
		allowArchiveWithInstalls: opts.AllowArchiveWithInstalls,
	}
}

type Request struct {
	PlaybookID string
	Action     Action
	Actor      Actor
	// Reason is required by reject and suspend.
	Reason string
	// Changelog is stored on the version written by approve.
	Changelog string
}

type Result struct {
	Playbook *db.Playbook
	// Version is set when the transition wrote a new immutable version.
	Version *db.PlaybookVersion
}

// Apply runs one transition. The status change is a compare-and-set on the
// current status and commits together with its audit row.
func (m *Machine) Apply(ctx context.Context, req Request) (*Result, error) {
	var res *Result
	var from db.PlaybookStatus
	err := m.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := loadPlaybook(ctx, r, req.PlaybookID)
		if err != nil {
			return err
		}
		from = pb.Status

		t, err := Next(pb.Status, req.Action)
		if err != nil {
			return err
		}
		if err := Authorize(req.Actor, t.Role, pb); err != nil {
			return err
		}
		if t.ReasonRequired && strings.TrimSpace(req.Reason) == "" {
			return apperror.ErrInvalidInput.Withf("a reason is required to %s a playbook", req.Action)
		}

		var version *db.PlaybookVersion
		switch t.Action {
		case ActionPublish:
			mf, err := assemble(ctx, r, pb)
			if err != nil {
				return err
			}
			encoded, err := manifest.Encode(mf)
			if err != nil {
				return err
			}
			if err := r.Playbooks.SetPendingManifest(ctx, pb.ID, encoded); err != nil {
				return err
			}
		case ActionApprove:
			version, err = approveVersion(ctx, r, pb, req)
			if err != nil {
				return err
			}
		case ActionArchive:
			if !m.allowArchiveWithInstalls {
				active, err := r.Installations.CountActive(ctx, pb.ID)
				if err != nil {
					return err
				}
				if active > 0 {
					return apperror.ErrActiveInstalls.
						Withf("playbook %q has %d active installations", pb.Slug, active).
						With("active_installations", active)
				}
			}
		}

		ok, err := r.Playbooks.CompareAndSetStatus(ctx, pb.ID, t.From, t.To)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.ErrInvalidTransition.
				Withf("playbook %q changed status concurrently", pb.Slug).
				With("from", string(t.From)).
				With("action", string(t.Action))
		}
		if err := r.Audit.Append(ctx, &db.AuditEntry{
			EntityType: auditEntityPlaybook,
			EntityID:   pb.ID,
			Action:     string(t.Action),
			ActorID:    req.Actor.UserID,
			FromStatus: string(t.From),
			ToStatus:   string(t.To),
			Reason:     req.Reason,
		}); err != nil {
			return err
		}

		updated, err := loadPlaybook(ctx, r, pb.ID)
		if err != nil {
			return err
		}
		res = &Result{Playbook: updated, Version: version}
		return nil
	})
	metrics.RecordTransition(string(req.Action), err == nil)
	if err != nil {
		m.logger.Warn("playbook transition rejected",
			"playbook_id", req.PlaybookID, "action", string(req.Action), "error", err)
		return nil, apperror.Internal("playbook "+string(req.Action), err)
	}

	m.logger.Info("playbook transition",
		"playbook_id", res.Playbook.ID, "action", string(req.Action),
		"from", string(from), "to", string(res.Playbook.Status))
	m.events.Publish(hub.Event{
		Type:     hub.EventPlaybookTransition,
		OrgID:    res.Playbook.PublisherOrgID,
		EntityID: res.Playbook.ID,
		Status:   string(res.Playbook.Status),
		Data:     map[string]any{"action": string(req.Action), "from": string(from)},
	})
	return res, nil
}

// ReleaseVersion re-assembles a PUBLISHED playbook from its components and
// appends the result as the next immutable version.
func (m *Machine) ReleaseVersion(ctx context.Context, playbookID, changelog string, actor Actor) (*Result, error) {
	var res *Result
	err := m.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := loadPlaybook(ctx, r, playbookID)
		if err != nil {
			return err
		}
		if pb.Status != db.PlaybookPublished {
			return apperror.ErrInvalidTransition.
				Withf("cannot release a version of a %s playbook", pb.Status).
				With("from", string(pb.Status)).
				With("action", actionRelease)
		}
		if err := Authorize(actor, RolePublisher, pb); err != nil {
			return err
		}

		mf, err := assemble(ctx, r, pb)
		if err != nil {
			return err
		}
		version, err := appendVersion(ctx, r, pb, mf, changelog, actor.UserID)
		if err != nil {
			return err
		}
		if err := r.Audit.Append(ctx, &db.AuditEntry{
			EntityType: auditEntityPlaybook,
			EntityID:   pb.ID,
			Action:     actionRelease,
			ActorID:    actor.UserID,
			FromStatus: string(pb.Status),
			ToStatus:   string(pb.Status),
			Reason:     fmt.Sprintf("version %d", version.Version),
		}); err != nil {
			return err
		}
		updated, err := loadPlaybook(ctx, r, pb.ID)
		if err != nil {
			return err
		}
		res = &Result{Playbook: updated, Version: version}
		return nil
	})
	if err != nil {
		return nil, apperror.Internal("release playbook version", err)
	}

	m.logger.Info("playbook version released", "playbook_id", res.Playbook.ID, "version", res.Version.Version)
	m.events.Publish(hub.Event{
		Type:     hub.EventPlaybookVersion,
		OrgID:    res.Playbook.PublisherOrgID,
		EntityID: res.Playbook.ID,
		Status:   string(res.Playbook.Status),
		Data:     map[string]any{"version": res.Version.Version},
	})
	return res, nil
}

// History returns the audit trail of a playbook, oldest first.
func (m *Machine) History(ctx context.Context, playbookID string) ([]*db.AuditEntry, error) {
	entries, err := m.db.Repos().Audit.ListByEntity(ctx, auditEntityPlaybook, playbookID)
	if err != nil {
		return nil, apperror.Internal("load playbook history", err)
	}
	return entries, nil
}

func approveVersion(ctx context.Context, r *db.Repos, pb *db.Playbook, req Request) (*db.PlaybookVersion, error) {
	var mf *manifest.Manifest
	if pb.PendingManifest != "" {
		decoded, err := manifest.Decode(pb.PendingManifest)
		if err != nil {
			return nil, err
		}
		if err := manifest.Validate(decoded).Err(); err != nil {
			return nil, err
		}
		mf = decoded
	} else {
		assembled, err := assemble(ctx, r, pb)
		if err != nil {
			return nil, err
		}
		mf = assembled
	}
	return appendVersion(ctx, r, pb, mf, req.Changelog, req.Actor.UserID)
}

func appendVersion(ctx context.Context, r *db.Repos, pb *db.Playbook, mf *manifest.Manifest, changelog, createdBy string) (*db.PlaybookVersion, error) {
	encoded, err := manifest.Encode(mf)
	if err != nil {
		return nil, err
	}
	digest, err := manifest.Digest(mf)
	if err != nil {
		return nil, err
	}
	v := &db.PlaybookVersion{
		PlaybookID: pb.ID,
		Manifest:   encoded,
		Digest:     digest,
		Changelog:  changelog,
		CreatedBy:  createdBy,
	}
	if err := r.Versions.Append(ctx, v); err != nil {
		return nil, err
	}
	if err := r.Playbooks.SetCurrentVersion(ctx, pb.ID, v.Version); err != nil {
		return nil, err
	}
	return v, nil
}

// assemble builds and validates the manifest described by the component index.
func assemble(ctx context.Context, r *db.Repos, pb *db.Playbook) (*manifest.Manifest, error) {
	rows, err := r.Components.ListByPlaybook(ctx, pb.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperror.ErrInvalidManifest.Withf("playbook %q has no components", pb.Slug)
	}
	components := make([]manifest.Component, 0, len(rows))
	for _, row := range rows {
		components = append(components, manifest.Component{
			Type:         manifest.Kind(row.ComponentType),
			Slug:         row.SourceSlug,
			Snapshot:     row.ConfigSnapshot,
			IsEntryPoint: row.IsEntryPoint,
			SortOrder:    row.SortOrder,
		})
	}
	mf, err := manifest.Assemble(components, pb.RequiredIntegrations)
	if err != nil {
		return nil, apperror.ErrInvalidManifest.Withf("playbook %q components do not assemble", pb.Slug).Wrap(err)
	}
	if err := manifest.Validate(mf).Err(); err != nil {
		return nil, err
	}
	return mf, nil
}

func loadPlaybook(ctx context.Context, r *db.Repos, id string) (*db.Playbook, error) {
	pb, err := r.Playbooks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pb == nil {
		return nil, apperror.ErrNotFound.Withf("playbook %q not found", id)
	}
	return pb, nil
}
