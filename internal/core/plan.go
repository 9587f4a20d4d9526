package core

import (
	"fmt"
	"strings"
)

// StepPlan is one planned unit of work.
type StepPlan struct {
	StepNumber          int      `json:"step_number" yaml:"step_number"`
	AtomID              string   `json:"atom_id" yaml:"atom_id"`
	Description         string   `json:"description" yaml:"description"`
	Prompt              string   `json:"prompt" yaml:"prompt"`
	FilesUsed           []string `json:"files_used" yaml:"files_used"`
	Inputs              []string `json:"inputs" yaml:"inputs"`
	OutputAlias         string   `json:"output_alias" yaml:"output_alias"`
	EnrichedDescription string   `json:"enriched_description,omitempty" yaml:"enriched_description,omitempty"`
	RenderedPrompt      string   `json:"rendered_prompt,omitempty" yaml:"rendered_prompt,omitempty"`
	NeedsClarification  bool     `json:"needs_clarification,omitempty" yaml:"needs_clarification,omitempty"`
	Clarification       string   `json:"clarification,omitempty" yaml:"clarification,omitempty"`
}

// AliasInputs returns the normalized alias names among the step inputs.
func (s StepPlan) AliasInputs() []string {
	var out []string
	for _, in := range s.Inputs {
		if name, ok := NormalizeAlias(in); ok {
			out = append(out, name)
		}
	}
	return out
}

// LiteralInputs returns the inputs that are plain file identifiers.
func (s StepPlan) LiteralInputs() []string {
	var out []string
	for _, in := range s.Inputs {
		if !IsAliasToken(in) {
			out = append(out, in)
		}
	}
	return out
}

// Plan is an ordered, immutable list of steps.
type Plan struct {
	Steps      []StepPlan `json:"workflow_steps" yaml:"workflow_steps"`
	TotalSteps int        `json:"total_steps" yaml:"total_steps"`
	Warnings   []string   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NewPlan builds a plan from steps, copying them.
func NewPlan(steps []StepPlan) Plan {
	cp := make([]StepPlan, len(steps))
	for i, s := range steps {
		s.FilesUsed = append([]string(nil), s.FilesUsed...)
		s.Inputs = append([]string(nil), s.Inputs...)
		cp[i] = s
	}
	return Plan{Steps: cp, TotalSteps: len(cp)}
}

// Step returns the step with the given number.
func (p Plan) Step(number int) (StepPlan, bool) {
	for _, s := range p.Steps {
		if s.StepNumber == number {
			return s, true
		}
	}
	return StepPlan{}, false
}

// First returns the lowest step number, or 0 for an empty plan.
func (p Plan) First() int {
	if len(p.Steps) == 0 {
		return 0
	}
	return p.Steps[0].StepNumber
}

// Last returns the highest step number, or 0 for an empty plan.
func (p Plan) Last() int {
	if len(p.Steps) == 0 {
		return 0
	}
	return p.Steps[len(p.Steps)-1].StepNumber
}

// Rebase renumbers the steps so the first one is start.
func (p Plan) Rebase(start int) Plan {
	out := NewPlan(p.Steps)
	for i := range out.Steps {
		out.Steps[i].StepNumber = start + i
	}
	out.Warnings = append([]string(nil), p.Warnings...)
	return out
}

// Splice keeps the steps of p numbered below at and appends next rebased to at.
func (p Plan) Splice(at int, next Plan) Plan {
	var steps []StepPlan
	for _, s := range p.Steps {
		if s.StepNumber < at {
			steps = append(steps, s)
		}
	}
	steps = append(steps, next.Rebase(at).Steps...)
	out := NewPlan(steps)
	out.Warnings = append(append([]string(nil), p.Warnings...), next.Warnings...)
	return out
}

// Validate checks numbering and data references. Step numbers must be exactly
// 1..total_steps, files must be in available, and alias inputs must be produced
// by an earlier step or already known to the sequence.
func (p *Plan) Validate(available []string, known []string) error {
	if p.TotalSteps != len(p.Steps) {
		return ErrValidation(CodeInvalidPlan,
			fmt.Sprintf("total_steps %d does not match %d steps", p.TotalSteps, len(p.Steps)))
	}
	if len(p.Steps) == 0 {
		return ErrValidation(CodeInvalidPlan, "plan has no steps")
	}

	avail := make(map[string]bool, len(available))
	for _, f := range available {
		avail[f] = true
	}
	declared := make(map[string]int)
	for _, k := range known {
		if name, ok := NormalizeAlias(AliasToken(k)); ok {
			declared[name] = 0
		}
	}

	p.Warnings = nil
	for i, step := range p.Steps {
		if step.StepNumber != i+1 {
			return ErrValidation(CodeInvalidPlan,
				fmt.Sprintf("step %d is numbered %d, want %d", i+1, step.StepNumber, i+1))
		}
		if strings.TrimSpace(step.AtomID) == "" {
			return ErrValidation(CodeInvalidPlan, fmt.Sprintf("step %d has no atom_id", step.StepNumber))
		}

		for _, in := range step.Inputs {
			if name, ok := NormalizeAlias(in); ok {
				if _, seen := declared[name]; !seen {
					return ErrValidation(CodeForwardAlias,
						fmt.Sprintf("step %d references %s before any step produces it", step.StepNumber, in)).
						WithDetail("step_number", step.StepNumber).
						WithDetail("alias", name)
				}
				continue
			}
			if !step.NeedsClarification && !avail[in] {
				return ErrValidation(CodeUnknownFile,
					fmt.Sprintf("step %d input %q is not an available file", step.StepNumber, in))
			}
		}
		if !step.NeedsClarification {
			for _, f := range step.FilesUsed {
				if !avail[f] {
					return ErrValidation(CodeUnknownFile,
						fmt.Sprintf("step %d uses %q which is not an available file", step.StepNumber, f))
				}
			}
		}

		if step.OutputAlias != "" {
			name, ok := NormalizeAlias(step.OutputAlias)
			if !ok {
				return ErrValidation(CodeInvalidPlan,
					fmt.Sprintf("step %d output_alias %q is not an alias token", step.StepNumber, step.OutputAlias))
			}
			if prev, dup := declared[name]; dup && prev > 0 {
				p.Warnings = append(p.Warnings, fmt.Sprintf(
					"output_alias %s declared by steps %d and %d; step %d wins", AliasToken(name), prev, step.StepNumber, step.StepNumber))
			}
			declared[name] = step.StepNumber
		}
	}
	return nil
}
