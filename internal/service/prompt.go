package service

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"

	"github.com/trellis-data/labflow/internal/core"
)

//go:embed prompts/*.md.tmpl
var promptsFS embed.FS

// PromptRenderer renders prompts from templates.
type PromptRenderer struct {
	templates map[string]*template.Template
	mu        sync.RWMutex
}

// NewPromptRenderer creates a new prompt renderer.
func NewPromptRenderer() (*PromptRenderer, error) {
	r := &PromptRenderer{
		templates: make(map[string]*template.Template),
	}

	if err := r.loadTemplates(); err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	return r, nil
}

// loadTemplates loads all templates from the embedded filesystem.
func (r *PromptRenderer) loadTemplates() error {
	return fs.WalkDir(promptsFS, "prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || !strings.HasSuffix(path, ".md.tmpl") {
			return nil
		}

		content, err := promptsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		name := strings.TrimPrefix(path, "prompts/")
		name = strings.TrimSuffix(name, ".md.tmpl")

		tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}

		r.templates[name] = tmpl
		return nil
	})
}

// templateFuncs returns custom template functions.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"join":      strings.Join,
		"indent":    indent,
		"trimSpace": strings.TrimSpace,
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"add":       func(a, b int) int { return a + b },
		"sub":       func(a, b int) int { return a - b },
		"token":     core.AliasToken,
	}
}

func indent(spaces int, s string) string {
	pad := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = pad + line
		}
	}
	return strings.Join(lines, "\n")
}

// PlanFile describes one available dataset in the planning prompt.
type PlanFile struct {
	Path    string
	Columns []string
}

// AtomSummary describes one atom in the planning prompt.
type AtomSummary struct {
	ID          string
	Description string
	Inputs      int
}

// PlanPromptParams contains parameters for the plan generation template.
type PlanPromptParams struct {
	Prompt         string
	Files          []PlanFile
	MentionedFiles []string
	KnownAliases   []string
	PriorContext   string
	Pending        string
	Atoms          []AtomSummary
}

// RenderPlanGenerate renders the plan generation prompt.
func (r *PromptRenderer) RenderPlanGenerate(params PlanPromptParams) (string, error) {
	if params.Atoms == nil {
		params.Atoms = DefaultAtomSummaries()
	}
	return r.render("plan-generate", params)
}

// EvaluatePromptParams contains parameters for the step evaluation template.
type EvaluatePromptParams struct {
	UserPrompt  string
	StepNumber  int
	TotalSteps  int
	AtomID      string
	Description string
	StepPrompt  string
	Attempt     int
	Result      string
	Error       string
	OutputPath  string
	Remaining   []string
}

// RenderStepEvaluate renders the step evaluation prompt.
func (r *PromptRenderer) RenderStepEvaluate(params EvaluatePromptParams) (string, error) {
	return r.render("step-evaluate", params)
}

// DefaultAtomSummaries lists the atom catalog.
func DefaultAtomSummaries() []AtomSummary {
	out := make([]AtomSummary, 0, len(core.Atoms))
	for _, id := range core.Atoms {
		out = append(out, AtomSummary{ID: id, Description: core.AtomDescriptions[id], Inputs: core.InputArity(id)})
	}
	return out
}

// Render renders a template by name with the given data.
func (r *PromptRenderer) Render(name string, data interface{}) (string, error) {
	return r.render(name, data)
}

// render executes a template with the given data.
func (r *PromptRenderer) render(name string, data interface{}) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}

	return buf.String(), nil
}

// ListTemplates returns available template names.
func (r *PromptRenderer) ListTemplates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// HasTemplate checks if a template exists.
func (r *PromptRenderer) HasTemplate(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.templates[name]
	return ok
}
