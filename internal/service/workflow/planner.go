// Package workflow drives sequences: it builds plans, dispatches steps
// through the three-call atom protocol, evaluates results and decides the
// next transition of the ReAct loop.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/service"
)

// PlanRequest is the input of one planning call.
type PlanRequest struct {
	Prompt         string
	AvailableFiles []string
	MentionedFiles []string
	Files          core.FileInventory
	PriorContext   string
	KnownAliases   []string
	// Pending holds the unfinished steps of a paused or failed plan. When
	// set, Prompt is a follow-up that may only answer their question.
	Pending string
}

// PlanResult is a validated plan and how it was produced.
type PlanResult struct {
	Plan      core.Plan
	Heuristic bool
	Model     string
	Attempts  int
}

// PlannerConfig configures model based planning.
type PlannerConfig struct {
	Budget      service.Budget
	Temperature float64
	MaxTokens   int
}

// Planner turns a prompt and the file inventory into a validated plan. With a
// model configured it asks the model and falls back to the heuristic planner
// when every attempt fails.
type Planner struct {
	gen       core.JSONGenerator
	prompts   *service.PromptRenderer
	config    PlannerConfig
	heuristic HeuristicPlanner
	logger    *logging.Logger
	observer  Observer
}

// NewPlanner creates a planner. gen may be nil, in which case only the
// heuristic planner is used.
func NewPlanner(gen core.JSONGenerator, prompts *service.PromptRenderer, cfg PlannerConfig, logger *logging.Logger, observer Observer) *Planner {
	if logger == nil {
		logger = logging.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Planner{
		gen:      gen,
		prompts:  prompts,
		config:   cfg,
		logger:   logger,
		observer: observer,
	}
}

// BuildPlan produces a plan for req. It has no side effects beyond logging.
func (p *Planner) BuildPlan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return PlanResult{}, core.ErrValidation(core.CodeEmptyPrompt, "prompt must not be empty")
	}
	if len(req.Prompt) > core.MaxPromptLength {
		return PlanResult{}, core.ErrValidation(core.CodePromptTooLong, "prompt exceeds maximum length")
	}

	if p.gen != nil && p.prompts != nil {
		res, err := p.buildWithModel(ctx, req)
		if err == nil {
			p.observer.PlanBuilt(false, res.Plan.TotalSteps)
			return res, nil
		}
		if ctx.Err() != nil {
			return PlanResult{}, ctx.Err()
		}
		p.logger.Warn("model planning failed, using heuristic planner", "error", err)
	}

	plan, err := p.heuristic.Plan(req)
	if err != nil {
		return PlanResult{}, fmt.Errorf("heuristic planner produced an invalid plan: %w", err)
	}
	p.observer.PlanBuilt(true, plan.TotalSteps)
	return PlanResult{Plan: plan, Heuristic: true}, nil
}

// Model names the model used for planning, or "heuristic" without one.
func (p *Planner) Model() string {
	if p.gen == nil {
		return "heuristic"
	}
	return p.gen.Model()
}

// planWire is the model's reply.
type planWire struct {
	Steps      []core.StepPlan `json:"workflow_steps"`
	TotalSteps int             `json:"total_steps"`
}

func (p *Planner) buildWithModel(ctx context.Context, req PlanRequest) (PlanResult, error) {
	prompt, err := p.prompts.RenderPlanGenerate(service.PlanPromptParams{
		Prompt:         req.Prompt,
		Files:          planFiles(req),
		MentionedFiles: req.MentionedFiles,
		KnownAliases:   req.KnownAliases,
		PriorContext:   req.PriorContext,
		Pending:        req.Pending,
	})
	if err != nil {
		return PlanResult{}, fmt.Errorf("rendering plan prompt: %w", err)
	}

	var attempts int32
	plan, err := service.RetryWithBudget(ctx, p.config.Budget, func(ctx context.Context) (core.Plan, error) {
		atomic.AddInt32(&attempts, 1)
		out, err := p.gen.Generate(ctx, core.GenerationRequest{
			Prompt:      prompt,
			Temperature: p.config.Temperature,
			MaxTokens:   p.config.MaxTokens,
		})
		if err != nil {
			return core.Plan{}, err
		}
		return ParsePlan(out.Content, req.AvailableFiles, req.KnownAliases)
	}, func(attempt int, elapsed time.Duration, timedOut bool) {
		p.observer.AttemptFailed(SitePlanning, timedOut)
		p.logger.Warn("planning attempt failed",
			"attempt", attempt,
			"elapsed", elapsed.Round(time.Millisecond).String(),
			"timed_out", timedOut)
	})
	if err != nil {
		return PlanResult{}, err
	}
	return PlanResult{Plan: plan, Model: p.gen.Model(), Attempts: int(atomic.LoadInt32(&attempts))}, nil
}

// ParsePlan decodes a model reply into a validated plan. Alias tokens are
// rewritten to canonical form and atom ids are checked against the catalog.
func ParsePlan(content string, available, known []string) (core.Plan, error) {
	var wire planWire
	if err := service.DecodeJSON(content, &wire); err != nil {
		return core.Plan{}, core.ErrValidation(core.CodeParseFailed, "plan is not valid JSON").WithCause(err)
	}
	if len(wire.Steps) == 0 {
		return core.Plan{}, core.ErrValidation(core.CodeInvalidPlan, "plan has no steps")
	}
	if wire.TotalSteps != 0 && wire.TotalSteps != len(wire.Steps) {
		return core.Plan{}, core.ErrValidation(core.CodeInvalidPlan,
			fmt.Sprintf("total_steps %d does not match %d steps", wire.TotalSteps, len(wire.Steps)))
	}

	for i := range wire.Steps {
		s := &wire.Steps[i]
		s.AtomID = strings.ToLower(strings.TrimSpace(s.AtomID))
		if !core.IsValidAtom(s.AtomID) {
			return core.Plan{}, core.ErrValidation(core.CodeInvalidPlan,
				fmt.Sprintf("step %d uses unknown atom %q", s.StepNumber, s.AtomID))
		}
		for j, in := range s.Inputs {
			if name, ok := core.NormalizeAlias(in); ok {
				s.Inputs[j] = core.AliasToken(name)
			}
		}
		if s.OutputAlias != "" {
			name, ok := core.NormalizeAlias(s.OutputAlias)
			if !ok {
				name, ok = core.NormalizeAlias(core.AliasToken(s.OutputAlias))
			}
			if ok {
				s.OutputAlias = core.AliasToken(name)
			}
		}
	}

	plan := core.NewPlan(wire.Steps)
	if err := plan.Validate(available, known); err != nil {
		return core.Plan{}, err
	}
	return plan, nil
}

func planFiles(req PlanRequest) []service.PlanFile {
	out := make([]service.PlanFile, 0, len(req.AvailableFiles))
	for _, f := range req.AvailableFiles {
		pf := service.PlanFile{Path: f}
		if _, info, ok := req.Files.Lookup(f); ok {
			pf.Columns = info.Columns
		}
		out = append(out, pf)
	}
	return out
}

// IsPlanError reports whether err came from plan validation.
func IsPlanError(err error) bool {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) {
		return false
	}
	switch domErr.Code {
	case core.CodeInvalidPlan, core.CodeForwardAlias, core.CodeUnknownFile, core.CodeParseFailed:
		return true
	}
	return false
}

// MarshalPlan renders a plan as indented JSON.
func MarshalPlan(plan core.Plan) ([]byte, error) {
	return json.MarshalIndent(plan, "", "  ")
}
