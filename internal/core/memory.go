package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// LaboratoryMemoryDocument is the audit record of one turn of a sequence.
// It is written for replay and review and never read by the state machine.
type LaboratoryMemoryDocument struct {
	Envelope         MemoryEnvelope   `json:"envelope" bson:"envelope"`
	WorkflowState    MemoryWorkflow   `json:"workflow_state" bson:"workflow_state"`
	BusinessGoals    BusinessGoals    `json:"business_goals" bson:"business_goals"`
	AnalysisInsights AnalysisInsights `json:"analysis_insights" bson:"analysis_insights"`
}

// MemoryEnvelope identifies the turn and pins what produced it.
type MemoryEnvelope struct {
	RequestID      string            `json:"request_id" bson:"request_id"`
	SequenceID     string            `json:"sequence_id" bson:"sequence_id"`
	SessionID      string            `json:"session_id,omitempty" bson:"session_id,omitempty"`
	UserID         string            `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Timestamp      time.Time         `json:"timestamp" bson:"timestamp"`
	ModelID        string            `json:"model_id,omitempty" bson:"model_id,omitempty"`
	ModelVersion   string            `json:"model_version,omitempty" bson:"model_version,omitempty"`
	ServiceVersion string            `json:"service_version,omitempty" bson:"service_version,omitempty"`
	Scope          ExecutionContext  `json:"scope" bson:"scope"`
	ContentHashes  map[string]string `json:"content_hashes" bson:"content_hashes"`
}

// MemoryWorkflow is the ordered step log of the turn.
type MemoryWorkflow struct {
	Status       SequenceStatus `json:"status" bson:"status"`
	GoalAchieved bool           `json:"goal_achieved" bson:"goal_achieved"`
	Steps        []MemoryStep   `json:"steps" bson:"steps"`
}

// MemoryStep records one executed attempt.
type MemoryStep struct {
	StepNumber int               `json:"step_number" bson:"step_number"`
	AtomID     string            `json:"atom_id" bson:"atom_id"`
	Attempt    int               `json:"attempt" bson:"attempt"`
	Inputs     []string          `json:"inputs" bson:"inputs"`
	Outputs    map[string]string `json:"outputs,omitempty" bson:"outputs,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls" bson:"tool_calls"`
	Rationale  string            `json:"rationale,omitempty" bson:"rationale,omitempty"`
	Outcome    StepOutcome       `json:"outcome" bson:"outcome"`
	Issues     []string          `json:"issues,omitempty" bson:"issues,omitempty"`
}

// ToolCall is one collaborator call made for a step.
type ToolCall struct {
	Name   string `json:"name" bson:"name"`
	Target string `json:"target" bson:"target"`
	Ref    string `json:"ref,omitempty" bson:"ref,omitempty"`
}

// BusinessGoals captures what the user was trying to achieve.
type BusinessGoals struct {
	Intent          string   `json:"intent" bson:"intent"`
	SuccessCriteria []string `json:"success_criteria" bson:"success_criteria"`
	Constraints     []string `json:"constraints" bson:"constraints"`
	Decisions       []string `json:"decisions" bson:"decisions"`
}

// AnalysisInsights carries the reasoning trail.
type AnalysisInsights struct {
	Observations []string `json:"observations" bson:"observations"`
	Hypotheses   []string `json:"hypotheses" bson:"hypotheses"`
	Evidence     []string `json:"evidence" bson:"evidence"`
}

// ContentHash returns the hex SHA-256 of the JSON encoding of v.
func ContentHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
