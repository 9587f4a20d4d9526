package events

import (
	"errors"
	"time"

	"github.com/trellis-data/labflow/internal/core"
)

// Event type constants for the client stream, in the order a successful
// turn emits them.
const (
	TypeConnected           = "connected"
	TypePlanGenerated       = "plan_generated"
	TypeWorkflowStarted     = "workflow_started"
	TypeStepStarted         = "step_started"
	TypeCardCreated         = "card_created"
	TypeAgentExecuted       = "agent_executed"
	TypeStepRetrying        = "step_retrying"
	TypeStepCompleted       = "step_completed"
	TypeClarificationNeeded = "clarification_needed"
	TypeWorkflowCompleted   = "workflow_completed"
	TypeWorkflowFailed      = "workflow_failed"
	TypeError               = "error"
)

// IsTerminal reports whether no further event of the turn follows t.
func IsTerminal(t string) bool {
	switch t {
	case TypeWorkflowCompleted, TypeWorkflowFailed, TypeClarificationNeeded, TypeError:
		return true
	}
	return false
}

// ConnectedEvent is the first event on every connection.
type ConnectedEvent struct {
	BaseEvent
	Ready        bool   `json:"ready"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// NewConnectedEvent creates a connected event.
func NewConnectedEvent(sequenceID, connectionID string) ConnectedEvent {
	return ConnectedEvent{
		BaseEvent:    NewBaseEvent(TypeConnected, sequenceID),
		Ready:        true,
		ConnectionID: connectionID,
	}
}

// PlanGeneratedEvent carries the plan built for the current turn.
type PlanGeneratedEvent struct {
	BaseEvent
	Plan       core.Plan `json:"plan"`
	TotalSteps int       `json:"total_steps"`
	StartStep  int       `json:"start_step"`
	Heuristic  bool      `json:"heuristic"`
}

// NewPlanGeneratedEvent creates a plan generated event.
func NewPlanGeneratedEvent(sequenceID string, plan core.Plan, heuristic bool) PlanGeneratedEvent {
	return PlanGeneratedEvent{
		BaseEvent:  NewBaseEvent(TypePlanGenerated, sequenceID),
		Plan:       plan,
		TotalSteps: plan.TotalSteps,
		StartStep:  plan.First(),
		Heuristic:  heuristic,
	}
}

// WorkflowStartedEvent is emitted once per turn before the first dispatch.
type WorkflowStartedEvent struct {
	BaseEvent
	Prompt     string `json:"prompt"`
	StartStep  int    `json:"start_step"`
	TotalSteps int    `json:"total_steps"`
}

// NewWorkflowStartedEvent creates a workflow started event.
func NewWorkflowStartedEvent(sequenceID, prompt string, startStep, totalSteps int) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		BaseEvent:  NewBaseEvent(TypeWorkflowStarted, sequenceID),
		Prompt:     prompt,
		StartStep:  startStep,
		TotalSteps: totalSteps,
	}
}

// StepStartedEvent is emitted for every dispatch attempt of a step.
type StepStartedEvent struct {
	BaseEvent
	StepNumber  int    `json:"step_number"`
	AtomID      string `json:"atom_id"`
	Description string `json:"description"`
	Attempt     int    `json:"attempt"`
}

// NewStepStartedEvent creates a step started event.
func NewStepStartedEvent(sequenceID string, step core.StepPlan, attempt int) StepStartedEvent {
	return StepStartedEvent{
		BaseEvent:   NewBaseEvent(TypeStepStarted, sequenceID),
		StepNumber:  step.StepNumber,
		AtomID:      step.AtomID,
		Description: step.Description,
		Attempt:     attempt,
	}
}

// CardCreatedEvent reports the card that will display a step.
type CardCreatedEvent struct {
	BaseEvent
	StepNumber int    `json:"step_number"`
	AtomID     string `json:"atom_id"`
	CardID     string `json:"card_id"`
}

// NewCardCreatedEvent creates a card created event.
func NewCardCreatedEvent(sequenceID string, stepNumber int, atomID, cardID string) CardCreatedEvent {
	return CardCreatedEvent{
		BaseEvent:  NewBaseEvent(TypeCardCreated, sequenceID),
		StepNumber: stepNumber,
		AtomID:     atomID,
		CardID:     cardID,
	}
}

// AgentExecutedEvent carries the raw atom result of one attempt.
type AgentExecutedEvent struct {
	BaseEvent
	StepNumber int        `json:"step_number"`
	AtomID     string     `json:"atom_id"`
	CardID     string     `json:"card_id,omitempty"`
	Success    bool       `json:"success"`
	Result     core.Value `json:"result"`
	OutputPath string     `json:"output_path,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewAgentExecutedEvent creates an agent executed event.
func NewAgentExecutedEvent(sequenceID string, stepNumber int, atomID, cardID string, res core.AtomResult) AgentExecutedEvent {
	return AgentExecutedEvent{
		BaseEvent:  NewBaseEvent(TypeAgentExecuted, sequenceID),
		StepNumber: stepNumber,
		AtomID:     atomID,
		CardID:     cardID,
		Success:    res.Success,
		Result:     res.Data,
		OutputPath: res.ProducedPath(),
		Error:      res.Error,
	}
}

// StepRetryingEvent announces another attempt of the same step.
type StepRetryingEvent struct {
	BaseEvent
	StepNumber int               `json:"step_number"`
	AtomID     string            `json:"atom_id"`
	Decision   core.DecisionKind `json:"decision"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Reason     string            `json:"reason"`
	NextPrompt string            `json:"next_prompt"`
	Issues     []string          `json:"issues,omitempty"`
}

// NewStepRetryingEvent creates a step retrying event.
func NewStepRetryingEvent(sequenceID string, step core.StepPlan, decision core.DecisionKind, retryCount, maxRetries int, reason, nextPrompt string, issues []string) StepRetryingEvent {
	return StepRetryingEvent{
		BaseEvent:  NewBaseEvent(TypeStepRetrying, sequenceID),
		StepNumber: step.StepNumber,
		AtomID:     step.AtomID,
		Decision:   decision,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Reason:     reason,
		NextPrompt: nextPrompt,
		Issues:     issues,
	}
}

// StepCompletedEvent is emitted after a step's output is registered.
type StepCompletedEvent struct {
	BaseEvent
	StepNumber   int                  `json:"step_number"`
	AtomID       string               `json:"atom_id"`
	OutputAlias  string               `json:"output_alias,omitempty"`
	OutputPath   string               `json:"output_path,omitempty"`
	Evaluation   *core.StepEvaluation `json:"evaluation,omitempty"`
	QualityScore *float64             `json:"quality_score,omitempty"`
}

// NewStepCompletedEvent creates a step completed event.
func NewStepCompletedEvent(sequenceID string, rec core.StepRecord) StepCompletedEvent {
	e := StepCompletedEvent{
		BaseEvent:   NewBaseEvent(TypeStepCompleted, sequenceID),
		StepNumber:  rec.StepNumber,
		AtomID:      rec.AtomID,
		OutputAlias: rec.OutputAlias,
		OutputPath:  rec.OutputPath,
		Evaluation:  rec.Evaluation,
	}
	if rec.Evaluation != nil {
		e.QualityScore = rec.Evaluation.QualityScore
	}
	return e
}

// ClarificationNeededEvent pauses the sequence until the client answers.
type ClarificationNeededEvent struct {
	BaseEvent
	StepNumber     int      `json:"step_number"`
	Message        string   `json:"message"`
	AvailableFiles []string `json:"available_files,omitempty"`
}

// NewClarificationNeededEvent creates a clarification needed event.
func NewClarificationNeededEvent(sequenceID string, stepNumber int, message string, available []string) ClarificationNeededEvent {
	return ClarificationNeededEvent{
		BaseEvent:      NewBaseEvent(TypeClarificationNeeded, sequenceID),
		StepNumber:     stepNumber,
		Message:        message,
		AvailableFiles: available,
	}
}

// WorkflowCompletedEvent is emitted once when the goal is achieved.
type WorkflowCompletedEvent struct {
	BaseEvent
	StepsExecuted int               `json:"steps_executed"`
	EarlyExit     bool              `json:"early_exit"`
	Outputs       map[string]string `json:"outputs"`
	DurationMS    int64             `json:"duration_ms"`
}

// NewWorkflowCompletedEvent creates a workflow completed event.
func NewWorkflowCompletedEvent(sequenceID string, stepsExecuted int, earlyExit bool, outputs map[string]string, duration time.Duration) WorkflowCompletedEvent {
	return WorkflowCompletedEvent{
		BaseEvent:     NewBaseEvent(TypeWorkflowCompleted, sequenceID),
		StepsExecuted: stepsExecuted,
		EarlyExit:     earlyExit,
		Outputs:       outputs,
		DurationMS:    duration.Milliseconds(),
	}
}

// WorkflowFailedEvent is emitted when a step exhausts its retries.
// This is a PRIORITY event - never dropped by the observer bus.
type WorkflowFailedEvent struct {
	BaseEvent
	StepNumber  int      `json:"step_number"`
	AtomID      string   `json:"atom_id,omitempty"`
	Explanation string   `json:"explanation"`
	Issues      []string `json:"issues"`
}

// NewWorkflowFailedEvent creates a workflow failed event.
func NewWorkflowFailedEvent(sequenceID string, stepNumber int, atomID, explanation string, issues []string) WorkflowFailedEvent {
	if issues == nil {
		issues = []string{}
	}
	return WorkflowFailedEvent{
		BaseEvent:   NewBaseEvent(TypeWorkflowFailed, sequenceID),
		StepNumber:  stepNumber,
		AtomID:      atomID,
		Explanation: explanation,
		Issues:      issues,
	}
}

// ErrorEvent reports a handler failure; the connection closes right after it.
type ErrorEvent struct {
	BaseEvent
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewErrorEvent creates an error event. Only the domain code and message
// reach the client.
func NewErrorEvent(sequenceID string, err error) ErrorEvent {
	e := ErrorEvent{
		BaseEvent: NewBaseEvent(TypeError, sequenceID),
		Code:      "INTERNAL_ERROR",
		Message:   "internal error",
	}
	var domErr *core.DomainError
	if errors.As(err, &domErr) {
		e.Code = domErr.Code
		e.Message = domErr.Message
		e.Retryable = domErr.Retryable
	} else if err != nil {
		e.Message = err.Error()
	}
	return e
}
