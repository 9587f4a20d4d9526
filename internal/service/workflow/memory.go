package workflow

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-data/labflow/internal/core"
)

// TurnInfo identifies the turn an audit document describes.
type TurnInfo struct {
	RequestID      string
	Message        core.InboundMessage
	Model          string
	ServiceVersion string
	Decisions      []string
	// FirstRecord is the index of the first history entry produced by the turn.
	FirstRecord int
}

// BuildMemoryDocument assembles the audit record of one turn.
func BuildMemoryDocument(state *core.ReActState, turn TurnInfo) *core.LaboratoryMemoryDocument {
	requestID := turn.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	first := turn.FirstRecord
	if first < 0 || first > len(state.ExecutionHistory) {
		first = 0
	}
	records := state.ExecutionHistory[first:]

	steps := make([]core.MemoryStep, 0, len(records))
	results := make([]core.Value, 0, len(records))
	var evidence []string
	for _, rec := range records {
		step := core.MemoryStep{
			StepNumber: rec.StepNumber,
			AtomID:     rec.AtomID,
			Attempt:    rec.Attempt,
			Inputs:     append([]string{}, rec.Inputs...),
			ToolCalls:  append([]core.ToolCall{}, rec.ToolCalls...),
			Outcome:    rec.Outcome,
			Issues:     rec.Issues,
		}
		if rec.Evaluation != nil {
			step.Rationale = rec.Evaluation.Reasoning
		}
		if rec.OutputAlias != "" && rec.OutputPath != "" {
			step.Outputs = map[string]string{rec.OutputAlias: rec.OutputPath}
			evidence = append(evidence, rec.OutputAlias+" = "+rec.OutputPath)
		}
		steps = append(steps, step)
		results = append(results, rec.Result)
	}

	var criteria []string
	for _, s := range state.Plan.Steps {
		if s.Description != "" {
			criteria = append(criteria, s.Description)
		}
	}

	var constraints []string
	if len(turn.Message.AvailableFiles) > 0 {
		constraints = append(constraints, "inputs limited to the available files")
	}
	if state.MaxRetriesPerStep >= 0 {
		constraints = append(constraints, "at most "+strconv.Itoa(state.MaxRetriesPerStep)+" retries per step")
	}

	return &core.LaboratoryMemoryDocument{
		Envelope: core.MemoryEnvelope{
			RequestID:      requestID,
			SequenceID:     state.SequenceID,
			SessionID:      turn.Message.Session(),
			UserID:         turn.Message.UserID,
			Timestamp:      time.Now().UTC(),
			ModelID:        turn.Model,
			ServiceVersion: turn.ServiceVersion,
			Scope:          state.Scope,
			ContentHashes: map[string]string{
				"prompt":  core.ContentHash(turn.Message.Message),
				"plan":    core.ContentHash(state.Plan),
				"results": core.ContentHash(results),
			},
		},
		WorkflowState: core.MemoryWorkflow{
			Status:       state.Status,
			GoalAchieved: state.GoalAchieved,
			Steps:        steps,
		},
		BusinessGoals: core.BusinessGoals{
			Intent:          turn.Message.Message,
			SuccessCriteria: nonNil(criteria),
			Constraints:     nonNil(constraints),
			Decisions:       nonNil(turn.Decisions),
		},
		AnalysisInsights: core.AnalysisInsights{
			Observations: nonNil(state.Observations),
			Hypotheses:   nonNil(state.Thoughts),
			Evidence:     nonNil(evidence),
		},
	}
}

func nonNil(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
