package manifest

// Kind names a component type inside a manifest and the workspace entity it
// materializes into.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindSkill     Kind = "skill"
	KindDocument  Kind = "document"
	KindWorkflow  Kind = "workflow"
	KindNetwork   Kind = "network"
	KindGuardrail Kind = "guardrail"
	KindTestCase  Kind = "test_case"
	KindScorecard Kind = "scorecard"
)

// Kinds lists every component kind in creation order.
var Kinds = []Kind{
	KindDocument,
	KindSkill,
	KindAgent,
	KindWorkflow,
	KindNetwork,
	KindGuardrail,
	KindTestCase,
	KindScorecard,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Manifest is the portable description of a complete multi-agent system.
type Manifest struct {
	Agents               []AgentSpec     `yaml:"agents,omitempty" json:"agents,omitempty" validate:"dive"`
	Skills               []SkillSpec     `yaml:"skills,omitempty" json:"skills,omitempty" validate:"dive"`
	Documents            []DocumentSpec  `yaml:"documents,omitempty" json:"documents,omitempty" validate:"dive"`
	Workflows            []WorkflowSpec  `yaml:"workflows,omitempty" json:"workflows,omitempty" validate:"dive"`
	Networks             []NetworkSpec   `yaml:"networks,omitempty" json:"networks,omitempty" validate:"dive"`
	Guardrails           []GuardrailSpec `yaml:"guardrails,omitempty" json:"guardrails,omitempty" validate:"dive"`
	TestCases            []TestCaseSpec  `yaml:"testCases,omitempty" json:"testCases,omitempty" validate:"dive"`
	Scorecards           []ScorecardSpec `yaml:"scorecards,omitempty" json:"scorecards,omitempty" validate:"dive"`
	RequiredIntegrations []string        `yaml:"requiredIntegrations,omitempty" json:"requiredIntegrations,omitempty" validate:"dive,required"`
	EntryPoint           EntryPoint      `yaml:"entryPoint" json:"entryPoint"`
}

type EntryPoint struct {
	Type Kind   `yaml:"type" json:"type" validate:"required,oneof=agent workflow network"`
	Slug string `yaml:"slug" json:"slug" validate:"required,slug"`
}

type AgentSpec struct {
	Slug         string   `yaml:"slug" json:"slug" validate:"required,slug"`
	Name         string   `yaml:"name" json:"name" validate:"required"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Instructions string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
	SubAgents    []string `yaml:"subAgents,omitempty" json:"subAgents,omitempty" validate:"dive,required"`
	Skills       []string `yaml:"skills,omitempty" json:"skills,omitempty" validate:"dive,required"`
	Documents    []string `yaml:"documents,omitempty" json:"documents,omitempty" validate:"dive,required"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty" validate:"dive,required"`
}

type SkillSpec struct {
	Slug        string   `yaml:"slug" json:"slug" validate:"required,slug"`
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	ToolIDs     []string `yaml:"toolIds,omitempty" json:"toolIds,omitempty" validate:"dive,required"`
}

type DocumentSpec struct {
	Slug    string `yaml:"slug" json:"slug" validate:"required,slug"`
	Title   string `yaml:"title" json:"title" validate:"required"`
	Content string `yaml:"content,omitempty" json:"content,omitempty"`
}

type WorkflowSpec struct {
	Slug  string         `yaml:"slug" json:"slug" validate:"required,slug"`
	Name  string         `yaml:"name" json:"name" validate:"required"`
	Steps []WorkflowStep `yaml:"steps,omitempty" json:"steps,omitempty" validate:"dive"`
}

type WorkflowStep struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	AgentSlug string `yaml:"agentSlug,omitempty" json:"agentSlug,omitempty"`
	SkillSlug string `yaml:"skillSlug,omitempty" json:"skillSlug,omitempty"`
}

type PrimitiveType string

const (
	PrimitiveAgent    PrimitiveType = "agent"
	PrimitiveWorkflow PrimitiveType = "workflow"
	PrimitiveTool     PrimitiveType = "tool"
)

type NetworkSpec struct {
	Slug        string             `yaml:"slug" json:"slug" validate:"required,slug"`
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Primitives  []NetworkPrimitive `yaml:"primitives" json:"primitives" validate:"dive"`
}

// NetworkPrimitive points at an agent or workflow by slug, or at a global tool
// by id.
type NetworkPrimitive struct {
	Type   PrimitiveType `yaml:"type" json:"type" validate:"required,oneof=agent workflow tool"`
	Slug   string        `yaml:"slug,omitempty" json:"slug,omitempty"`
	ToolID string        `yaml:"toolId,omitempty" json:"toolId,omitempty"`
}

type GuardrailSpec struct {
	Slug      string `yaml:"slug" json:"slug" validate:"required,slug"`
	AgentSlug string `yaml:"agentSlug" json:"agentSlug" validate:"required"`
	Rule      string `yaml:"rule" json:"rule" validate:"required"`
	Action    string `yaml:"action,omitempty" json:"action,omitempty" validate:"omitempty,oneof=block warn redact"`
}

type TestCaseSpec struct {
	Slug           string `yaml:"slug" json:"slug" validate:"required,slug"`
	AgentSlug      string `yaml:"agentSlug" json:"agentSlug" validate:"required"`
	Input          string `yaml:"input" json:"input" validate:"required"`
	Expect         string `yaml:"expect,omitempty" json:"expect,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty" validate:"gte=0"`
}

type ScorecardSpec struct {
	Slug      string   `yaml:"slug" json:"slug" validate:"required,slug"`
	AgentSlug string   `yaml:"agentSlug,omitempty" json:"agentSlug,omitempty"`
	Criteria  []string `yaml:"criteria" json:"criteria" validate:"min=1,dive,required"`
}

// Count returns the number of components across all kinds.
func (m *Manifest) Count() int {
	return len(m.Agents) + len(m.Skills) + len(m.Documents) + len(m.Workflows) +
		len(m.Networks) + len(m.Guardrails) + len(m.TestCases) + len(m.Scorecards)
}

// Slugs returns the component slugs of kind k in manifest order.
func (m *Manifest) Slugs(k Kind) []string {
	var out []string
	switch k {
	case KindAgent:
		for _, a := range m.Agents {
			out = append(out, a.Slug)
		}
	case KindSkill:
		for _, s := range m.Skills {
			out = append(out, s.Slug)
		}
	case KindDocument:
		for _, d := range m.Documents {
			out = append(out, d.Slug)
		}
	case KindWorkflow:
		for _, w := range m.Workflows {
			out = append(out, w.Slug)
		}
	case KindNetwork:
		for _, n := range m.Networks {
			out = append(out, n.Slug)
		}
	case KindGuardrail:
		for _, g := range m.Guardrails {
			out = append(out, g.Slug)
		}
	case KindTestCase:
		for _, tc := range m.TestCases {
			out = append(out, tc.Slug)
		}
	case KindScorecard:
		for _, sc := range m.Scorecards {
			out = append(out, sc.Slug)
		}
	}
	return out
}

// ToolIDs returns every global tool id referenced by the manifest, deduplicated
// in first-seen order.
func (m *Manifest) ToolIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, s := range m.Skills {
		for _, id := range s.ToolIDs {
			add(id)
		}
	}
	for _, a := range m.Agents {
		for _, id := range a.Tools {
			add(id)
		}
	}
	for _, n := range m.Networks {
		for _, p := range n.Primitives {
			if p.Type == PrimitiveTool {
				add(p.ToolID)
			}
		}
	}
	return out
}
