package workflow

import (
	"errors"
	"strings"

	"github.com/trellis-data/labflow/internal/core"
)

// Action is what the loop does after a step was evaluated.
type Action int

const (
	// ActionAdvance moves to the next step.
	ActionAdvance Action = iota
	// ActionRetry re-dispatches the current step with Transition.Prompt.
	ActionRetry
	// ActionComplete ends the sequence successfully.
	ActionComplete
	// ActionFail ends the sequence because the step exhausted its retries.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionAdvance:
		return "advance"
	case ActionRetry:
		return "retry"
	case ActionComplete:
		return "complete"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

// Transition is the outcome of Decide.
type Transition struct {
	Action    Action
	Prompt    string
	EarlyExit bool
}

// Decide applies an evaluation to the state's retry counters and returns the
// next action. It mutates only RetryCount, ApproachChanges and Status.
func Decide(state *core.ReActState, step core.StepPlan, eval core.StepEvaluation) Transition {
	switch d := eval.Decision().(type) {
	case core.Continue:
		if step.StepNumber >= state.Plan.Last() {
			return Transition{Action: ActionComplete}
		}
		return Transition{Action: ActionAdvance}
	case core.Complete:
		return Transition{Action: ActionComplete, EarlyExit: step.StepNumber < state.Plan.Last()}
	case core.RetryWithCorrection:
		if state.BeginRetry() {
			return Transition{Action: ActionRetry, Prompt: d.CorrectedPrompt}
		}
		return Transition{Action: ActionFail}
	case core.ChangeApproach:
		if state.ChangeApproach() {
			return Transition{Action: ActionRetry, Prompt: d.AlternativeApproach}
		}
		return Transition{Action: ActionFail}
	}
	return Transition{Action: ActionFail}
}

// DispatchFailureEvaluation turns a failed collaborator call into a retry of
// the same prompt.
func DispatchFailureEvaluation(prompt string, err error) core.StepEvaluation {
	if strings.TrimSpace(prompt) == "" {
		prompt = "Retry the step."
	}
	reason := err.Error()
	var de *core.DomainError
	if errors.As(err, &de) {
		reason = de.Code + ": " + de.Message
	}
	return core.MustEvaluation(
		core.RetryWithCorrection{CorrectedPrompt: prompt},
		"dispatch failed",
		core.WithIssues(reason),
		core.WithQuality(0),
	)
}
