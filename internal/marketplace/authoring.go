package marketplace

import (
	"context"
	"errors"
	"strings"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/lifecycle"
	"github.com/user/agentmarket/internal/manifest"
)

type PlaybookInput struct {
	Slug                 string
	Name                 string
	Description          string
	PricingModel         db.PricingModel
	PriceCents           int64
	RequiredIntegrations []string
}

func (in PlaybookInput) validate() error {
	if !manifest.ValidSlug(in.Slug) {
		return apperror.ErrInvalidInput.Withf("slug %q must be lowercase alphanumeric with hyphens", in.Slug).With("field", "slug")
	}
	if strings.TrimSpace(in.Name) == "" {
		return apperror.ErrInvalidInput.Withf("name is required").With("field", "name")
	}
	pricing := in.PricingModel
	if pricing == "" {
		pricing = db.PricingFree
	}
	if !pricing.Valid() {
		return apperror.ErrInvalidInput.Withf("unknown pricing model %q", pricing).With("field", "pricing_model")
	}
	if pricing == db.PricingFree && in.PriceCents != 0 {
		return apperror.ErrInvalidInput.Withf("a FREE playbook cannot have a price").With("field", "price_cents")
	}
	if pricing != db.PricingFree && in.PriceCents <= 0 {
		return apperror.ErrInvalidInput.Withf("a %s playbook needs a positive price", pricing).With("field", "price_cents")
	}
	return nil
}

// CreatePlaybook registers a DRAFT playbook published by the actor's org.
func (s *Service) CreatePlaybook(ctx context.Context, in PlaybookInput, actor lifecycle.Actor) (*db.Playbook, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actor.OrgID) == "" {
		return nil, apperror.ErrInvalidInput.Withf("publisher org is required")
	}
	pb := &db.Playbook{
		Slug:                 in.Slug,
		Name:                 strings.TrimSpace(in.Name),
		Description:          in.Description,
		PricingModel:         in.PricingModel,
		PriceCents:           in.PriceCents,
		PublisherOrgID:       actor.OrgID,
		RequiredIntegrations: in.RequiredIntegrations,
	}
	err := s.db.InTx(ctx, func(r *db.Repos) error {
		if err := r.Playbooks.Create(ctx, pb); err != nil {
			if errors.Is(err, db.ErrConflict) {
				return apperror.ErrDuplicate.Withf("playbook slug %q is taken", in.Slug).With("slug", in.Slug)
			}
			return err
		}
		return r.Audit.Append(ctx, &db.AuditEntry{
			EntityType: "playbook",
			EntityID:   pb.ID,
			Action:     "create",
			ActorID:    actor.UserID,
			ToStatus:   string(db.PlaybookDraft),
		})
	})
	if err != nil {
		return nil, apperror.Internal("create playbook", err)
	}
	s.logger.Info("playbook created", "playbook_id", pb.ID, "slug", pb.Slug, "org_id", pb.PublisherOrgID)
	return pb, nil
}

type ComponentInput struct {
	// SourceEntityID is an entity in the author's workspace.
	SourceEntityID string
	IsEntryPoint   bool
}

// AddComponent snapshots an authored entity into an editable playbook's
// component index.
func (s *Service) AddComponent(ctx context.Context, playbookID string, in ComponentInput, actor lifecycle.Actor) (*db.PlaybookComponent, error) {
	var c *db.PlaybookComponent
	err := s.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := editablePlaybook(ctx, r, playbookID, actor)
		if err != nil {
			return err
		}
		src, err := sourceEntity(ctx, r, in.SourceEntityID, actor)
		if err != nil {
			return err
		}
		if in.IsEntryPoint {
			if !entryKind(manifest.Kind(src.Kind)) {
				return apperror.ErrInvalidInput.Withf("a %s cannot be the entry point", src.Kind).With("field", "is_entry_point")
			}
			if err := r.Components.ClearEntryPoint(ctx, pb.ID); err != nil {
				return err
			}
		}
		count, err := r.Components.Count(ctx, pb.ID)
		if err != nil {
			return err
		}
		c = &db.PlaybookComponent{
			PlaybookID:     pb.ID,
			ComponentType:  src.Kind,
			SourceEntityID: src.ID,
			SourceSlug:     src.Slug,
			ConfigSnapshot: src.Spec,
			IsEntryPoint:   in.IsEntryPoint,
			SortOrder:      count,
		}
		if err := r.Components.Create(ctx, c); err != nil {
			if errors.Is(err, db.ErrConflict) {
				return apperror.ErrDuplicate.Withf("playbook already has a %s %q", src.Kind, src.Slug)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, apperror.Internal("add component", err)
	}
	return c, nil
}

// RefreshComponents re-snapshots every component from its source entity.
// Components whose source was deleted keep their last snapshot and are
// returned in stale.
func (s *Service) RefreshComponents(ctx context.Context, playbookID string, actor lifecycle.Actor) (refreshed int, stale []string, err error) {
	err = s.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := editablePlaybook(ctx, r, playbookID, actor)
		if err != nil {
			return err
		}
		rows, err := r.Components.ListByPlaybook(ctx, pb.ID)
		if err != nil {
			return err
		}
		for _, c := range rows {
			if c.SourceEntityID == "" {
				continue
			}
			src, err := r.Entities.Get(ctx, c.SourceEntityID)
			if err != nil {
				return err
			}
			if src == nil {
				stale = append(stale, c.ComponentType+"/"+c.SourceSlug)
				continue
			}
			if src.Spec == c.ConfigSnapshot {
				continue
			}
			if err := r.Components.UpdateSnapshot(ctx, c.ID, src.Spec); err != nil {
				return err
			}
			refreshed++
		}
		return nil
	})
	if err != nil {
		return 0, nil, apperror.Internal("refresh components", err)
	}
	return refreshed, stale, nil
}

// ImportManifest replaces an editable playbook's component index with the
// components of m.
func (s *Service) ImportManifest(ctx context.Context, playbookID string, m *manifest.Manifest, actor lifecycle.Actor) ([]*db.PlaybookComponent, error) {
	if err := manifest.Validate(m).Err(); err != nil {
		return nil, err
	}
	components, err := manifest.Decompose(m)
	if err != nil {
		return nil, apperror.ErrInvalidManifest.Wrap(err)
	}

	var out []*db.PlaybookComponent
	err = s.db.InTx(ctx, func(r *db.Repos) error {
		pb, err := editablePlaybook(ctx, r, playbookID, actor)
		if err != nil {
			return err
		}
		existing, err := r.Components.ListByPlaybook(ctx, pb.ID)
		if err != nil {
			return err
		}
		for _, c := range existing {
			if err := r.Components.Delete(ctx, c.ID); err != nil {
				return err
			}
		}
		for _, mc := range components {
			c := &db.PlaybookComponent{
				PlaybookID:     pb.ID,
				ComponentType:  string(mc.Type),
				SourceSlug:     mc.Slug,
				ConfigSnapshot: mc.Snapshot,
				IsEntryPoint:   mc.IsEntryPoint,
				SortOrder:      mc.SortOrder,
			}
			if err := r.Components.Create(ctx, c); err != nil {
				return err
			}
			out = append(out, c)
		}
		pb.RequiredIntegrations = m.RequiredIntegrations
		return r.Playbooks.UpdateListing(ctx, pb)
	})
	if err != nil {
		return nil, apperror.Internal("import manifest", err)
	}
	s.logger.Info("manifest imported", "playbook_id", playbookID, "components", len(out))
	return out, nil
}

// editablePlaybook loads a playbook the actor's org publishes whose component
// index may change: a DRAFT, or a PUBLISHED playbook preparing its next
// release. Released versions are immutable either way.
func editablePlaybook(ctx context.Context, r *db.Repos, playbookID string, actor lifecycle.Actor) (*db.Playbook, error) {
	pb, err := r.Playbooks.Get(ctx, playbookID)
	if err != nil {
		return nil, err
	}
	if pb == nil {
		return nil, apperror.ErrNotFound.Withf("playbook %q not found", playbookID)
	}
	if err := lifecycle.Authorize(actor, lifecycle.RolePublisher, pb); err != nil {
		return nil, err
	}
	if pb.Status != db.PlaybookDraft && pb.Status != db.PlaybookPublished {
		return nil, apperror.ErrInvalidTransition.
			Withf("components of a %s playbook cannot change", pb.Status).
			With("from", string(pb.Status)).
			With("action", "edit_components")
	}
	return pb, nil
}

func sourceEntity(ctx context.Context, r *db.Repos, id string, actor lifecycle.Actor) (*db.WorkspaceEntity, error) {
	src, err := r.Entities.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, apperror.ErrNotFound.Withf("source entity %q not found", id)
	}
	if src.OrgID != actor.OrgID {
		return nil, apperror.ErrNotOwner.Withf("org %q does not own entity %q", actor.OrgID, id)
	}
	if !manifest.Kind(src.Kind).Valid() {
		return nil, apperror.ErrInvalidInput.Withf("entity kind %q cannot be packaged", src.Kind)
	}
	return src, nil
}

func entryKind(k manifest.Kind) bool {
	return k == manifest.KindAgent || k == manifest.KindWorkflow || k == manifest.KindNetwork
}
