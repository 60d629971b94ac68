package deploy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/manifest"
	"github.com/user/agentmarket/internal/metrics"
)

// run tracks one deploy while it materializes.
type run struct {
	inst    *db.Installation
	ids     map[manifest.Kind]map[string]string
	agents  []createdAgent
	renames []db.Rename
	created int
	step    string
}

type createdAgent struct {
	id   string
	spec manifest.AgentSpec
}

func newRun(inst *db.Installation) *run {
	ids := make(map[manifest.Kind]map[string]string, len(manifest.Kinds))
	for _, k := range manifest.Kinds {
		ids[k] = map[string]string{}
	}
	return &run{inst: inst, ids: ids}
}

// lookup resolves a manifest slug of kind k to the id created for it.
func (st *run) lookup(k manifest.Kind, slug string) (string, error) {
	id, ok := st.ids[k][slug]
	if !ok {
		return "", fmt.Errorf("%s %q was not created before it was referenced", k, slug)
	}
	return id, nil
}

func (st *run) lookupAll(k manifest.Kind, slugs []string) ([]string, error) {
	out := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		id, err := st.lookup(k, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// materialize creates the manifest's entities leaves first. Agents are
// created as shells and wired in a second pass since they may reference each
// other.
func (o *Orchestrator) materialize(ctx context.Context, st *run, m *manifest.Manifest) error {
	for _, spec := range m.Documents {
		spec := spec
		if err := o.create(ctx, st, manifest.KindDocument, spec.Slug, spec.Title, nil, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}
	for _, spec := range m.Skills {
		spec := spec
		refs := map[string][]string{"tools": spec.ToolIDs}
		if err := o.create(ctx, st, manifest.KindSkill, spec.Slug, spec.Name, refs, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}

	for _, spec := range m.Agents {
		spec := spec
		if err := o.create(ctx, st, manifest.KindAgent, spec.Slug, spec.Name, nil, func(slug string) any {
			out := spec
			out.Slug = slug
			return out
		}); err != nil {
			return err
		}
		st.agents = append(st.agents, createdAgent{id: st.ids[manifest.KindAgent][spec.Slug], spec: spec})
	}
	if err := o.wireAgents(ctx, st); err != nil {
		return err
	}

	for _, spec := range m.Workflows {
		spec := spec
		var agentSlugs, skillSlugs []string
		for _, step := range spec.Steps {
			if step.AgentSlug != "" {
				agentSlugs = append(agentSlugs, step.AgentSlug)
			}
			if step.SkillSlug != "" {
				skillSlugs = append(skillSlugs, step.SkillSlug)
			}
		}
		refs, err := st.refs(map[string]refList{
			"agents": {manifest.KindAgent, agentSlugs},
			"skills": {manifest.KindSkill, skillSlugs},
		})
		if err != nil {
			return st.wrap(manifest.KindWorkflow, spec.Slug, err)
		}
		if err := o.create(ctx, st, manifest.KindWorkflow, spec.Slug, spec.Name, refs, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}

	for _, spec := range m.Networks {
		spec := spec
		var agentSlugs, workflowSlugs, tools []string
		for _, p := range spec.Primitives {
			switch p.Type {
			case manifest.PrimitiveAgent:
				agentSlugs = append(agentSlugs, p.Slug)
			case manifest.PrimitiveWorkflow:
				workflowSlugs = append(workflowSlugs, p.Slug)
			case manifest.PrimitiveTool:
				tools = append(tools, p.ToolID)
			}
		}
		refs, err := st.refs(map[string]refList{
			"agents":    {manifest.KindAgent, agentSlugs},
			"workflows": {manifest.KindWorkflow, workflowSlugs},
		})
		if err != nil {
			return st.wrap(manifest.KindNetwork, spec.Slug, err)
		}
		if len(tools) > 0 {
			refs["tools"] = tools
		}
		if err := o.create(ctx, st, manifest.KindNetwork, spec.Slug, spec.Name, refs, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}

	for _, spec := range m.Guardrails {
		spec := spec
		refs, err := st.agentRef(spec.AgentSlug)
		if err != nil {
			return st.wrap(manifest.KindGuardrail, spec.Slug, err)
		}
		if err := o.create(ctx, st, manifest.KindGuardrail, spec.Slug, spec.Slug, refs, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}
	for _, spec := range m.TestCases {
		spec := spec
		refs, err := st.agentRef(spec.AgentSlug)
		if err != nil {
			return st.wrap(manifest.KindTestCase, spec.Slug, err)
		}
		if err := o.create(ctx, st, manifest.KindTestCase, spec.Slug, spec.Slug, refs, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}
	for _, spec := range m.Scorecards {
		spec := spec
		refs, err := st.agentRef(spec.AgentSlug)
		if err != nil {
			return st.wrap(manifest.KindScorecard, spec.Slug, err)
		}
		if err := o.create(ctx, st, manifest.KindScorecard, spec.Slug, spec.Slug, refs, func(slug string) any {
			spec.Slug = slug
			return spec
		}); err != nil {
			return err
		}
	}
	st.step = ""
	return nil
}

// create inserts one entity under a free slug and appends it to the
// installation's provenance in the same transaction.
func (o *Orchestrator) create(ctx context.Context, st *run, kind manifest.Kind, slug, name string, refs map[string][]string, specFor func(slug string) any) error {
	st.step = string(kind) + "/" + slug
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.failAt != nil {
		if err := o.failAt(kind, slug); err != nil {
			return st.wrap(kind, slug, err)
		}
	}

	ws := st.inst.TargetWorkspaceID
	var ent *db.WorkspaceEntity
	err := o.db.InTx(ctx, func(r *db.Repos) error {
		targetSlug, err := r.Entities.FreeSlug(ctx, ws, string(kind), slug)
		if err != nil {
			return err
		}
		spec, err := json.Marshal(specFor(targetSlug))
		if err != nil {
			return fmt.Errorf("encode spec: %w", err)
		}
		ent = &db.WorkspaceEntity{
			Kind:        string(kind),
			OrgID:       st.inst.TargetOrgID,
			WorkspaceID: ws,
			Slug:        targetSlug,
			Name:        name,
			Spec:        string(spec),
			Refs:        refs,
		}
		if err := r.Entities.Create(ctx, ent); err != nil {
			return err
		}
		_, err = r.Installations.AppendProvenance(ctx, st.inst.ID, string(kind), ent.ID)
		return err
	})
	if err != nil {
		return st.wrap(kind, slug, err)
	}

	st.ids[kind][slug] = ent.ID
	st.created++
	if ent.Slug != slug {
		st.renames = append(st.renames, db.Rename{Kind: string(kind), From: slug, To: ent.Slug})
	}
	metrics.RecordEntityCreated(string(kind))
	return nil
}

// wireAgents patches sub-agent, skill, document and tool references onto the
// agent shells.
func (o *Orchestrator) wireAgents(ctx context.Context, st *run) error {
	for _, a := range st.agents {
		st.step = "agents/" + a.spec.Slug + "/refs"
		refs, err := st.refs(map[string]refList{
			"sub_agents": {manifest.KindAgent, a.spec.SubAgents},
			"skills":     {manifest.KindSkill, a.spec.Skills},
			"documents":  {manifest.KindDocument, a.spec.Documents},
		})
		if err != nil {
			return st.wrap(manifest.KindAgent, a.spec.Slug, err)
		}
		if len(a.spec.Tools) > 0 {
			refs["tools"] = a.spec.Tools
		}
		if err := o.db.Repos().Entities.SetRefs(ctx, a.id, refs); err != nil {
			return st.wrap(manifest.KindAgent, a.spec.Slug, err)
		}
	}
	return nil
}

type refList struct {
	kind  manifest.Kind
	slugs []string
}

// refs resolves each named slug list to entity ids, leaving out empty lists.
func (st *run) refs(lists map[string]refList) (map[string][]string, error) {
	out := map[string][]string{}
	for name, l := range lists {
		if len(l.slugs) == 0 {
			continue
		}
		ids, err := st.lookupAll(l.kind, l.slugs)
		if err != nil {
			return nil, err
		}
		out[name] = ids
	}
	return out, nil
}

func (st *run) agentRef(slug string) (map[string][]string, error) {
	if slug == "" {
		return nil, nil
	}
	id, err := st.lookup(manifest.KindAgent, slug)
	if err != nil {
		return nil, err
	}
	return map[string][]string{"agent": {id}}, nil
}

func (st *run) wrap(kind manifest.Kind, slug string, err error) error {
	return fmt.Errorf("materialize %s %q: %w", kind, slug, err)
}
