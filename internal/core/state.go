package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// SequenceStatus is the state machine position of a sequence.
type SequenceStatus string

const (
	StatusPlanning    SequenceStatus = "planning"
	StatusExecuting   SequenceStatus = "executing"
	StatusEvaluating  SequenceStatus = "evaluating"
	StatusRetrying    SequenceStatus = "retrying"
	StatusPaused      SequenceStatus = "paused"
	StatusCompleted   SequenceStatus = "completed"
	StatusFailed      SequenceStatus = "failed"
	StatusInterrupted SequenceStatus = "interrupted"
)

// IsTerminal reports whether the loop has stopped for this turn.
func (s SequenceStatus) IsTerminal() bool {
	switch s {
	case StatusPaused, StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// DefaultMaxRetriesPerStep bounds re-dispatches of one step.
const DefaultMaxRetriesPerStep = 2

// StepOutcome classifies a StepRecord.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeRetried   StepOutcome = "retried"
	OutcomeFailed    StepOutcome = "failed"
)

// StepRecord is one entry of a sequence's execution history.
type StepRecord struct {
	StepNumber  int             `json:"step_number"`
	AtomID      string          `json:"atom_id"`
	Attempt     int             `json:"attempt"`
	Prompt      string          `json:"prompt"`
	Inputs      []string        `json:"inputs,omitempty"`
	CardID      string          `json:"card_id,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	Result      Value           `json:"result"`
	Evaluation  *StepEvaluation `json:"evaluation,omitempty"`
	Issues      []string        `json:"issues,omitempty"`
	OutputAlias string          `json:"output_alias,omitempty"`
	OutputPath  string          `json:"output_path,omitempty"`
	Outcome     StepOutcome     `json:"outcome"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// ReActState is the live execution record of one sequence.
type ReActState struct {
	SequenceID            string           `json:"sequence_id"`
	UserPrompt            string           `json:"user_prompt"`
	UserID                string           `json:"user_id,omitempty"`
	SessionID             string           `json:"session_id,omitempty"`
	Status                SequenceStatus   `json:"status"`
	GoalAchieved          bool             `json:"goal_achieved"`
	CurrentStepNumber     int              `json:"current_step_number"`
	Paused                bool             `json:"paused"`
	PausedAtStep          int              `json:"paused_at_step,omitempty"`
	AwaitingClarification bool             `json:"awaiting_clarification"`
	ClarificationContext  string           `json:"clarification_context,omitempty"`
	ExecutionHistory      []StepRecord     `json:"execution_history"`
	Thoughts              []string         `json:"thoughts"`
	Observations          []string         `json:"observations"`
	RetryCount            int              `json:"retry_count"`
	MaxRetriesPerStep     int              `json:"max_retries_per_step"`
	ApproachChanges       int              `json:"approach_changes"`
	Plan                  Plan             `json:"plan"`
	Scope                 ExecutionContext `json:"scope"`
	LastIssues            []string         `json:"last_issues,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// NewReActState creates a state in the planning position.
func NewReActState(sequenceID, prompt string, maxRetries int) *ReActState {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetriesPerStep
	}
	now := time.Now()
	return &ReActState{
		SequenceID:        sequenceID,
		UserPrompt:        prompt,
		Status:            StatusPlanning,
		CurrentStepNumber: 1,
		ExecutionHistory:  []StepRecord{},
		Thoughts:          []string{},
		Observations:      []string{},
		MaxRetriesPerStep: maxRetries,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *ReActState) touch() { s.UpdatedAt = time.Now() }

// Think appends to the reasoning log.
func (s *ReActState) Think(format string, args ...any) {
	s.Thoughts = append(s.Thoughts, fmt.Sprintf(format, args...))
	s.touch()
}

// Observe appends to the observation log.
func (s *ReActState) Observe(format string, args ...any) {
	s.Observations = append(s.Observations, fmt.Sprintf(format, args...))
	s.touch()
}

// Record appends a history entry.
func (s *ReActState) Record(rec StepRecord) {
	s.ExecutionHistory = append(s.ExecutionHistory, rec)
	s.touch()
}

// SetStatus moves the state machine; terminal flags are owned by the
// dedicated transitions below.
func (s *ReActState) SetStatus(status SequenceStatus) {
	s.Status = status
	s.touch()
}

// Advance moves to the next step and clears per-step counters.
func (s *ReActState) Advance() {
	s.CurrentStepNumber++
	s.RetryCount = 0
	s.ApproachChanges = 0
	s.LastIssues = nil
	s.touch()
}

// BeginRetry counts one retry of the current step. It reports false when the
// retry ceiling is exceeded.
func (s *ReActState) BeginRetry() bool {
	s.RetryCount++
	s.Status = StatusRetrying
	s.touch()
	return s.RetryCount <= s.MaxRetriesPerStep
}

// ChangeApproach resets the retry counter for a new approach. It reports false
// when the step already changed approach once, in which case the change counts
// as a retry against the ceiling.
func (s *ReActState) ChangeApproach() bool {
	if s.ApproachChanges > 0 {
		return s.BeginRetry()
	}
	s.ApproachChanges++
	s.RetryCount = 0
	s.Status = StatusRetrying
	s.touch()
	return true
}

// Pause stops the loop until the user clarifies.
func (s *ReActState) Pause(step int, reason string) {
	s.Paused = true
	s.PausedAtStep = step
	s.AwaitingClarification = true
	s.ClarificationContext = reason
	s.Status = StatusPaused
	s.touch()
}

// Resume clears the pause and returns the step execution restarts from.
func (s *ReActState) Resume() int {
	at := s.CurrentStepNumber
	if s.Paused && s.PausedAtStep > 0 {
		at = s.PausedAtStep
	}
	s.Paused = false
	s.PausedAtStep = 0
	s.AwaitingClarification = false
	s.ClarificationContext = ""
	s.GoalAchieved = false
	s.RetryCount = 0
	s.ApproachChanges = 0
	s.Status = StatusPlanning
	if at > s.CurrentStepNumber {
		s.CurrentStepNumber = at
	}
	s.touch()
	return at
}

// Complete marks the goal achieved.
func (s *ReActState) Complete() {
	s.GoalAchieved = true
	s.Status = StatusCompleted
	s.touch()
}

// Fail marks the sequence failed with the issues of the last evaluation.
func (s *ReActState) Fail(issues []string) {
	s.LastIssues = append([]string(nil), issues...)
	s.Status = StatusFailed
	s.touch()
}

// Interrupt records that the client went away mid-run.
func (s *ReActState) Interrupt() {
	s.Status = StatusInterrupted
	s.touch()
}

// RemainingSteps reports whether the plan has steps at or after the current one.
func (s *ReActState) RemainingSteps() bool {
	return s.CurrentStepNumber <= s.Plan.Last()
}

// Outputs returns the output path of every succeeded step keyed by alias.
func (s *ReActState) Outputs() map[string]string {
	out := make(map[string]string)
	for _, rec := range s.ExecutionHistory {
		if rec.Outcome == OutcomeSucceeded && rec.OutputAlias != "" && rec.OutputPath != "" {
			out[rec.OutputAlias] = rec.OutputPath
		}
	}
	return out
}

// LastSucceeded returns the most recent successful record.
func (s *ReActState) LastSucceeded() (StepRecord, bool) {
	for i := len(s.ExecutionHistory) - 1; i >= 0; i-- {
		if s.ExecutionHistory[i].Outcome == OutcomeSucceeded {
			return s.ExecutionHistory[i], true
		}
	}
	return StepRecord{}, false
}

// Clone returns a deep copy through JSON.
func (s *ReActState) Clone() (*ReActState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out ReActState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
