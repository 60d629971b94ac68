package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/user/agentmarket/internal/apperror"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidSlug reports whether s is lowercase alphanumeric with single hyphens.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// Issue is one validation finding. Path uses the manifest's JSON field names.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Issues []Issue

// Err folds the issues into an invalid-manifest error, or nil when empty.
func (is Issues) Err() error {
	if len(is) == 0 {
		return nil
	}
	return apperror.ErrInvalidManifest.
		Withf("manifest has %d validation issue(s): %s", len(is), is.summary()).
		With("issues", []Issue(is))
}

func (is Issues) summary() string {
	parts := make([]string, 0, len(is))
	for _, issue := range is {
		parts = append(parts, issue.Path+": "+issue.Message)
	}
	return strings.Join(parts, "; ")
}

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func fieldValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
			return ValidSlug(fl.Field().String())
		})
		structValidator = v
	})
	return structValidator
}

// Validate checks structure and referential integrity of m. It performs no
// I/O; an empty result means every reference resolves inside m.
func Validate(m *Manifest) Issues {
	if m == nil {
		return Issues{{Path: "", Code: "required", Message: "manifest is required"}}
	}
	var issues Issues
	issues = append(issues, fieldIssues(m)...)

	if m.Count() == 0 {
		issues = append(issues, Issue{Path: "", Code: "empty", Message: "manifest has no components"})
	}

	index := map[Kind]map[string]struct{}{}
	for _, k := range Kinds {
		index[k] = map[string]struct{}{}
		for i, slug := range m.Slugs(k) {
			if slug == "" {
				continue
			}
			if _, dup := index[k][slug]; dup {
				issues = append(issues, Issue{
					Path:    fmt.Sprintf("%s[%d].slug", collectionName(k), i),
					Code:    "duplicate_slug",
					Message: fmt.Sprintf("duplicate %s slug %q", k, slug),
				})
				continue
			}
			index[k][slug] = struct{}{}
		}
	}

	ref := func(path string, k Kind, slug string) {
		if slug == "" {
			return
		}
		if _, ok := index[k][slug]; !ok {
			issues = append(issues, Issue{
				Path:    path,
				Code:    "unresolved_reference",
				Message: fmt.Sprintf("%s %q is not defined in the manifest", k, slug),
			})
		}
	}

	for i, a := range m.Agents {
		for j, sub := range a.SubAgents {
			ref(fmt.Sprintf("agents[%d].subAgents[%d]", i, j), KindAgent, sub)
		}
		for j, s := range a.Skills {
			ref(fmt.Sprintf("agents[%d].skills[%d]", i, j), KindSkill, s)
		}
		for j, d := range a.Documents {
			ref(fmt.Sprintf("agents[%d].documents[%d]", i, j), KindDocument, d)
		}
	}

	for i, w := range m.Workflows {
		for j, step := range w.Steps {
			path := fmt.Sprintf("workflows[%d].steps[%d]", i, j)
			if step.AgentSlug == "" && step.SkillSlug == "" {
				issues = append(issues, Issue{Path: path, Code: "required", Message: "step needs an agentSlug or skillSlug"})
			}
			ref(path+".agentSlug", KindAgent, step.AgentSlug)
			ref(path+".skillSlug", KindSkill, step.SkillSlug)
		}
	}

	for i, n := range m.Networks {
		if len(n.Primitives) == 0 {
			issues = append(issues, Issue{
				Path:    fmt.Sprintf("networks[%d].primitives", i),
				Code:    "required",
				Message: fmt.Sprintf("network %q has no primitives", n.Slug),
			})
		}
		for j, p := range n.Primitives {
			path := fmt.Sprintf("networks[%d].primitives[%d]", i, j)
			switch p.Type {
			case PrimitiveAgent, PrimitiveWorkflow:
				if p.Slug == "" {
					issues = append(issues, Issue{Path: path + ".slug", Code: "required", Message: fmt.Sprintf("%s primitive needs a slug", p.Type)})
					continue
				}
				ref(path+".slug", Kind(p.Type), p.Slug)
			case PrimitiveTool:
				if strings.TrimSpace(p.ToolID) == "" {
					issues = append(issues, Issue{Path: path + ".toolId", Code: "required", Message: "tool primitive needs a toolId"})
				}
			}
		}
	}

	for i, g := range m.Guardrails {
		ref(fmt.Sprintf("guardrails[%d].agentSlug", i), KindAgent, g.AgentSlug)
	}
	for i, tc := range m.TestCases {
		ref(fmt.Sprintf("testCases[%d].agentSlug", i), KindAgent, tc.AgentSlug)
	}
	for i, sc := range m.Scorecards {
		ref(fmt.Sprintf("scorecards[%d].agentSlug", i), KindAgent, sc.AgentSlug)
	}

	if m.EntryPoint.Type != "" && m.EntryPoint.Slug != "" {
		if _, ok := index[m.EntryPoint.Type][m.EntryPoint.Slug]; !ok {
			issues = append(issues, Issue{
				Path:    "entryPoint.slug",
				Code:    "unresolved_reference",
				Message: fmt.Sprintf("entry point %s %q is not defined in the manifest", m.EntryPoint.Type, m.EntryPoint.Slug),
			})
		}
	}

	return issues
}

func fieldIssues(m *Manifest) Issues {
	err := fieldValidator().Struct(m)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return Issues{{Path: "", Code: "invalid", Message: err.Error()}}
	}
	issues := make(Issues, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := strings.TrimPrefix(fe.Namespace(), "Manifest.")
		issues = append(issues, Issue{Path: path, Code: fe.Tag(), Message: fieldMessage(fe)})
	}
	return issues
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "slug":
		return fmt.Sprintf("%q must be lowercase alphanumeric with hyphens", fe.Value())
	case "oneof":
		return fmt.Sprintf("%q must be one of [%s]", fe.Value(), fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s check", fe.Field(), fe.Tag())
	}
}

func collectionName(k Kind) string {
	switch k {
	case KindTestCase:
		return "testCases"
	}
	return string(k) + "s"
}
