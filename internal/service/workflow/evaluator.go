package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/service"
)

// maxResultChars bounds the raw result shown to the evaluating model.
const maxResultChars = 4000

// EvaluationRequest describes one executed attempt of a step.
type EvaluationRequest struct {
	UserPrompt string
	Step       core.StepPlan
	// Prompt is what fetch-atom rendered for the attempt. StepPrompt is the
	// prompt the attempt was dispatched with.
	Prompt     string
	StepPrompt string
	Attempt    int
	TotalSteps int
	Result     core.AtomResult
	Remaining  []core.StepPlan
}

// EvaluatorConfig configures model based evaluation.
type EvaluatorConfig struct {
	Budget      service.Budget
	Temperature float64
	MaxTokens   int
}

// Evaluator judges step results. With a model configured it asks the model;
// otherwise, or when every attempt fails, it applies deterministic rules.
type Evaluator struct {
	gen      core.JSONGenerator
	prompts  *service.PromptRenderer
	config   EvaluatorConfig
	logger   *logging.Logger
	observer Observer
}

// NewEvaluator creates an evaluator. gen may be nil.
func NewEvaluator(gen core.JSONGenerator, prompts *service.PromptRenderer, cfg EvaluatorConfig, logger *logging.Logger, observer Observer) *Evaluator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Evaluator{gen: gen, prompts: prompts, config: cfg, logger: logger, observer: observer}
}

// Evaluate returns the decision for one attempt. The boolean reports whether
// the deterministic rules were used.
func (e *Evaluator) Evaluate(ctx context.Context, req EvaluationRequest) (core.StepEvaluation, bool, error) {
	if e.gen != nil && e.prompts != nil {
		eval, err := e.evaluateWithModel(ctx, req)
		if err == nil {
			return eval, false, nil
		}
		if ctx.Err() != nil {
			return core.StepEvaluation{}, false, ctx.Err()
		}
		e.logger.Warn("model evaluation failed, using rules",
			"step", req.Step.StepNumber,
			"error", err)
	}
	return RuleEvaluation(req), true, nil
}

func (e *Evaluator) evaluateWithModel(ctx context.Context, req EvaluationRequest) (core.StepEvaluation, error) {
	remaining := make([]string, 0, len(req.Remaining))
	for _, s := range req.Remaining {
		remaining = append(remaining, fmt.Sprintf("%d. %s: %s", s.StepNumber, s.AtomID, s.Description))
	}
	result := core.Truncate(string(req.Result.Data.Raw()), maxResultChars)

	prompt, err := e.prompts.RenderStepEvaluate(service.EvaluatePromptParams{
		UserPrompt:  req.UserPrompt,
		StepNumber:  req.Step.StepNumber,
		TotalSteps:  req.TotalSteps,
		AtomID:      req.Step.AtomID,
		Description: req.Step.Description,
		StepPrompt:  req.Prompt,
		Attempt:     req.Attempt,
		Result:      result,
		Error:       req.Result.Error,
		OutputPath:  req.Result.ProducedPath(),
		Remaining:   remaining,
	})
	if err != nil {
		return core.StepEvaluation{}, fmt.Errorf("rendering evaluation prompt: %w", err)
	}

	return service.RetryWithBudget(ctx, e.config.Budget, func(ctx context.Context) (core.StepEvaluation, error) {
		out, err := e.gen.Generate(ctx, core.GenerationRequest{
			Prompt:      prompt,
			Temperature: e.config.Temperature,
			MaxTokens:   e.config.MaxTokens,
		})
		if err != nil {
			return core.StepEvaluation{}, err
		}
		raw, err := service.ExtractJSON(out.Content)
		if err != nil {
			return core.StepEvaluation{}, core.ErrValidation(core.CodeParseFailed, "evaluation is not valid JSON").WithCause(err)
		}
		return core.ParseStepEvaluation([]byte(raw))
	}, func(attempt int, elapsed time.Duration, timedOut bool) {
		e.observer.AttemptFailed(SiteEvaluation, timedOut)
		e.logger.Warn("evaluation attempt failed",
			"step", req.Step.StepNumber,
			"attempt", attempt,
			"elapsed", elapsed.Round(time.Millisecond).String(),
			"timed_out", timedOut)
	})
}

// RuleEvaluation judges a result without a model: a failed atom is retried
// with the error appended to the prompt, a successful one continues.
func RuleEvaluation(req EvaluationRequest) core.StepEvaluation {
	if !req.Result.Success {
		reason := strings.TrimSpace(req.Result.Error)
		if reason == "" {
			reason = "the atom reported failure without an error message"
		}
		return core.MustEvaluation(
			core.RetryWithCorrection{CorrectedPrompt: CorrectionPrompt(req.basePrompt(), reason)},
			"atom execution failed",
			core.WithIssues(reason),
			core.WithQuality(0),
		)
	}

	score := 0.6
	if req.Result.ProducedPath() != "" {
		score = 0.8
	}
	return core.MustEvaluation(core.Continue{}, "atom execution succeeded", core.Correct(), core.WithQuality(score))
}

const correctionMarker = "\n\nThe previous attempt failed: "

// CorrectionPrompt appends a failure reason to a step prompt, replacing the
// reason of an earlier correction.
func CorrectionPrompt(prompt, reason string) string {
	if i := strings.Index(prompt, correctionMarker); i >= 0 {
		prompt = prompt[:i]
	}
	return strings.TrimSpace(prompt) + correctionMarker + reason + ". Fix the problem and try again."
}

// basePrompt is the unrendered prompt a correction builds on.
func (r EvaluationRequest) basePrompt() string {
	if strings.TrimSpace(r.StepPrompt) != "" {
		return r.StepPrompt
	}
	return r.Step.Prompt
}
