package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/manifest"
)

// PlannedEntity is one entity a deploy would create.
type PlannedEntity struct {
	Kind       manifest.Kind `json:"kind"`
	Slug       string        `json:"slug"`
	TargetSlug string        `json:"target_slug"`
}

type Plan struct {
	PlaybookID   string                  `json:"playbook_id,omitempty"`
	Version      int                     `json:"version,omitempty"`
	ToCreate     []PlannedEntity         `json:"to_create"`
	Renames      []db.Rename             `json:"renames,omitempty"`
	Integrations []db.IntegrationMapping `json:"integrations"`
	UnknownTools []string                `json:"unknown_tools,omitempty"`
	TestCases    int                     `json:"test_cases"`
	Valid        bool                    `json:"valid"`
	Errors       []string                `json:"errors,omitempty"`
}

// Plan reports what Deploy would do without writing anything. Precondition
// failures are listed in Errors; only a missing playbook, bad input or a
// storage failure is returned as an error.
func (o *Orchestrator) Plan(ctx context.Context, req Request) (*Plan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	repos := o.db.Repos()
	plan := &Plan{ToCreate: []PlannedEntity{}, Integrations: []db.IntegrationMapping{}}

	tgt, err := o.resolve(ctx, repos, req)
	if err != nil {
		if !planError(err) {
			return nil, apperror.Internal("plan deploy", err)
		}
		plan.Errors = append(plan.Errors, err.Error())
		return plan, nil
	}
	plan.PlaybookID = tgt.playbook.ID
	plan.Version = tgt.version.Version

	live, err := repos.Installations.GetLive(ctx, tgt.playbook.ID, req.TargetOrgID)
	if err != nil {
		return nil, apperror.Internal("plan deploy", err)
	}
	if live != nil {
		plan.Errors = append(plan.Errors, alreadyInstalled(tgt.playbook, live).Error())
	}

	if plan.Integrations, err = o.mapper.Map(ctx, tgt.manifest.RequiredIntegrations, req.TargetOrgID, req.TargetWorkspaceID); err != nil {
		return nil, err
	}
	plan.UnknownTools = o.tools.Unknown(tgt.manifest.ToolIDs())
	plan.TestCases = len(tgt.manifest.TestCases)

	claimed := map[string]bool{}
	for _, k := range manifest.Kinds {
		for _, slug := range tgt.manifest.Slugs(k) {
			targetSlug, err := plannedSlug(ctx, repos.Entities, req.TargetWorkspaceID, k, slug, claimed)
			if err != nil {
				return nil, apperror.Internal("plan deploy", err)
			}
			plan.ToCreate = append(plan.ToCreate, PlannedEntity{Kind: k, Slug: slug, TargetSlug: targetSlug})
			if targetSlug != slug {
				plan.Renames = append(plan.Renames, db.Rename{Kind: string(k), From: slug, To: targetSlug})
			}
		}
	}

	plan.Valid = len(plan.Errors) == 0
	return plan, nil
}

// plannedSlug mirrors the suffixing of EntityRepo.FreeSlug while also
// skipping slugs claimed earlier in the same plan.
func plannedSlug(ctx context.Context, entities *db.EntityRepo, workspaceID string, kind manifest.Kind, slug string, claimed map[string]bool) (string, error) {
	candidate := slug
	for n := 2; ; n++ {
		key := string(kind) + "/" + candidate
		if !claimed[key] {
			existing, err := entities.GetBySlug(ctx, workspaceID, string(kind), candidate)
			if err != nil {
				return "", err
			}
			if existing == nil {
				claimed[key] = true
				return candidate, nil
			}
		}
		candidate = fmt.Sprintf("%s-%d", slug, n)
	}
}

func planError(err error) bool {
	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		return false
	}
	return !errors.Is(err, apperror.ErrNotFound)
}
