package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/user/agentmarket/configs"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML or JSON manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func LoadFile(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read manifest %q: %w", filename, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return m, nil
}

// MarshalYAML renders m in the on-disk YAML format.
func MarshalYAML(m *Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

func Encode(m *Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	return string(data), nil
}

func Decode(raw string) (*Manifest, error) {
	var m Manifest
	if raw == "" {
		return &m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Digest is the hex BLAKE3 hash of the canonical JSON encoding of m.
func Digest(m *Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("digest manifest: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sample loads a manifest shipped under configs/manifests.
func Sample(name string) (*Manifest, error) {
	if !strings.HasSuffix(name, ".yaml") {
		name += ".yaml"
	}
	data, err := configs.ManifestSamples.ReadFile(path.Join("manifests", name))
	if err != nil {
		return nil, fmt.Errorf("read sample manifest %q: %w", name, err)
	}
	return Parse(data)
}

// Component is one entry of a playbook's component index as the author
// assembled it.
type Component struct {
	Type         Kind
	Slug         string
	Snapshot     string
	IsEntryPoint bool
	SortOrder    int
}

// Assemble builds a manifest from component snapshots ordered by SortOrder.
func Assemble(components []Component, requiredIntegrations []string) (*Manifest, error) {
	sorted := append([]Component(nil), components...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortOrder < sorted[j].SortOrder
	})

	m := &Manifest{RequiredIntegrations: append([]string(nil), requiredIntegrations...)}
	for _, c := range sorted {
		var err error
		switch c.Type {
		case KindAgent:
			var s AgentSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Agents = append(m.Agents, s)
		case KindSkill:
			var s SkillSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Skills = append(m.Skills, s)
		case KindDocument:
			var s DocumentSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Documents = append(m.Documents, s)
		case KindWorkflow:
			var s WorkflowSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Workflows = append(m.Workflows, s)
		case KindNetwork:
			var s NetworkSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Networks = append(m.Networks, s)
		case KindGuardrail:
			var s GuardrailSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Guardrails = append(m.Guardrails, s)
		case KindTestCase:
			var s TestCaseSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.TestCases = append(m.TestCases, s)
		case KindScorecard:
			var s ScorecardSpec
			err = decodeSnapshot(c, &s)
			s.Slug = pick(s.Slug, c.Slug)
			m.Scorecards = append(m.Scorecards, s)
		default:
			return nil, fmt.Errorf("unknown component type %q", c.Type)
		}
		if err != nil {
			return nil, err
		}
		if c.IsEntryPoint {
			m.EntryPoint = EntryPoint{Type: c.Type, Slug: lastSlug(m, c.Type)}
		}
	}
	return m, nil
}

func decodeSnapshot(c Component, out any) error {
	if strings.TrimSpace(c.Snapshot) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(c.Snapshot), out); err != nil {
		return fmt.Errorf("decode %s component %q snapshot: %w", c.Type, c.Slug, err)
	}
	return nil
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func lastSlug(m *Manifest, k Kind) string {
	slugs := m.Slugs(k)
	if len(slugs) == 0 {
		return ""
	}
	return slugs[len(slugs)-1]
}

// Decompose splits m into component index entries, one per spec, in creation
// order. Assemble(Decompose(m), m.RequiredIntegrations) reproduces m up to
// ordering between kinds.
func Decompose(m *Manifest) ([]Component, error) {
	var out []Component
	for _, k := range Kinds {
		for _, spec := range m.specs(k) {
			slug := specSlug(spec)
			data, err := json.Marshal(spec)
			if err != nil {
				return nil, fmt.Errorf("encode %s component %q: %w", k, slug, err)
			}
			out = append(out, Component{
				Type:         k,
				Slug:         slug,
				Snapshot:     string(data),
				IsEntryPoint: m.EntryPoint.Type == k && m.EntryPoint.Slug == slug,
				SortOrder:    len(out),
			})
		}
	}
	return out, nil
}

func (m *Manifest) specs(k Kind) []any {
	var out []any
	switch k {
	case KindAgent:
		for _, s := range m.Agents {
			out = append(out, s)
		}
	case KindSkill:
		for _, s := range m.Skills {
			out = append(out, s)
		}
	case KindDocument:
		for _, s := range m.Documents {
			out = append(out, s)
		}
	case KindWorkflow:
		for _, s := range m.Workflows {
			out = append(out, s)
		}
	case KindNetwork:
		for _, s := range m.Networks {
			out = append(out, s)
		}
	case KindGuardrail:
		for _, s := range m.Guardrails {
			out = append(out, s)
		}
	case KindTestCase:
		for _, s := range m.TestCases {
			out = append(out, s)
		}
	case KindScorecard:
		for _, s := range m.Scorecards {
			out = append(out, s)
		}
	}
	return out
}

func specSlug(spec any) string {
	switch s := spec.(type) {
	case AgentSpec:
		return s.Slug
	case SkillSpec:
		return s.Slug
	case DocumentSpec:
		return s.Slug
	case WorkflowSpec:
		return s.Slug
	case NetworkSpec:
		return s.Slug
	case GuardrailSpec:
		return s.Slug
	case TestCaseSpec:
		return s.Slug
	case ScorecardSpec:
		return s.Slug
	}
	return ""
}
