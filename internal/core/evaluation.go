package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecisionKind names the variant of a Decision.
type DecisionKind string

const (
	DecisionContinue            DecisionKind = "continue"
	DecisionRetryWithCorrection DecisionKind = "retry_with_correction"
	DecisionChangeApproach      DecisionKind = "change_approach"
	DecisionComplete            DecisionKind = "complete"
)

// Decision is the closed set of outcomes of a step evaluation. Only the
// variants declared in this package implement it.
type Decision interface {
	Kind() DecisionKind
	sealed()
}

// Continue advances to the next step.
type Continue struct{}

// RetryWithCorrection re-dispatches the same step with a corrected prompt.
type RetryWithCorrection struct {
	CorrectedPrompt string
}

// ChangeApproach replaces the step prompt with a different approach.
type ChangeApproach struct {
	AlternativeApproach string
}

// Complete ends the sequence early because the goal is already met.
type Complete struct{}

func (Continue) Kind() DecisionKind            { return DecisionContinue }
func (RetryWithCorrection) Kind() DecisionKind { return DecisionRetryWithCorrection }
func (ChangeApproach) Kind() DecisionKind      { return DecisionChangeApproach }
func (Complete) Kind() DecisionKind            { return DecisionComplete }

func (Continue) sealed()            {}
func (RetryWithCorrection) sealed() {}
func (ChangeApproach) sealed()      {}
func (Complete) sealed()            {}

// StepEvaluation is the judged outcome of one dispatched step.
type StepEvaluation struct {
	decision     Decision
	Reasoning    string
	QualityScore *float64
	Correct      bool
	Issues       []string
}

// EvaluationOption sets an optional field on a StepEvaluation.
type EvaluationOption func(*StepEvaluation)

// WithQuality sets the quality score.
func WithQuality(score float64) EvaluationOption {
	return func(e *StepEvaluation) {
		e.QualityScore = &score
	}
}

// WithIssues sets the issues list.
func WithIssues(issues ...string) EvaluationOption {
	return func(e *StepEvaluation) {
		e.Issues = append(e.Issues, issues...)
	}
}

// Correct marks the result as correct.
func Correct() EvaluationOption {
	return func(e *StepEvaluation) {
		e.Correct = true
	}
}

// NewEvaluation validates a decision together with its companion field and
// builds an evaluation. A retry without a corrected prompt or a change of
// approach without an alternative is rejected.
func NewEvaluation(d Decision, reasoning string, opts ...EvaluationOption) (StepEvaluation, error) {
	switch v := d.(type) {
	case nil:
		return StepEvaluation{}, ErrValidation(CodeInvalidEvaluation, "decision is required")
	case RetryWithCorrection:
		if strings.TrimSpace(v.CorrectedPrompt) == "" {
			return StepEvaluation{}, ErrValidation(CodeInvalidEvaluation, "retry_with_correction requires corrected_prompt")
		}
	case ChangeApproach:
		if strings.TrimSpace(v.AlternativeApproach) == "" {
			return StepEvaluation{}, ErrValidation(CodeInvalidEvaluation, "change_approach requires alternative_approach")
		}
	}
	e := StepEvaluation{decision: d, Reasoning: reasoning}
	for _, opt := range opts {
		opt(&e)
	}
	if e.QualityScore != nil && (*e.QualityScore < 0 || *e.QualityScore > 1) {
		return StepEvaluation{}, ErrValidation(CodeInvalidEvaluation,
			fmt.Sprintf("quality_score %.2f outside [0,1]", *e.QualityScore))
	}
	return e, nil
}

// MustEvaluation is NewEvaluation for decisions without companion fields.
func MustEvaluation(d Decision, reasoning string, opts ...EvaluationOption) StepEvaluation {
	e, err := NewEvaluation(d, reasoning, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Decision returns the evaluated decision.
func (e StepEvaluation) Decision() Decision { return e.decision }

// Kind is shorthand for Decision().Kind().
func (e StepEvaluation) Kind() DecisionKind {
	if e.decision == nil {
		return ""
	}
	return e.decision.Kind()
}

// Valid reports whether the evaluation was built by NewEvaluation.
func (e StepEvaluation) Valid() bool { return e.decision != nil }

// Summary is a one-line description for events and logs.
func (e StepEvaluation) Summary() string {
	if e.Reasoning == "" {
		return string(e.Kind())
	}
	return string(e.Kind()) + ": " + e.Reasoning
}

type evaluationWire struct {
	Decision            DecisionKind `json:"decision"`
	Reasoning           string       `json:"reasoning"`
	QualityScore        *float64     `json:"quality_score,omitempty"`
	Correct             bool         `json:"is_correct"`
	Issues              []string     `json:"issues"`
	CorrectedPrompt     string       `json:"corrected_prompt,omitempty"`
	AlternativeApproach string       `json:"alternative_approach,omitempty"`
}

// MarshalJSON flattens the decision into the wire form.
func (e StepEvaluation) MarshalJSON() ([]byte, error) {
	w := evaluationWire{
		Decision:     e.Kind(),
		Reasoning:    e.Reasoning,
		QualityScore: e.QualityScore,
		Correct:      e.Correct,
		Issues:       e.Issues,
	}
	if w.Issues == nil {
		w.Issues = []string{}
	}
	switch v := e.decision.(type) {
	case RetryWithCorrection:
		w.CorrectedPrompt = v.CorrectedPrompt
	case ChangeApproach:
		w.AlternativeApproach = v.AlternativeApproach
	}
	return json.Marshal(w)
}

// UnmarshalJSON applies the same rules as ParseStepEvaluation.
func (e *StepEvaluation) UnmarshalJSON(data []byte) error {
	parsed, err := ParseStepEvaluation(data)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseStepEvaluation decodes the wire form and enforces the decision rules.
func ParseStepEvaluation(data []byte) (StepEvaluation, error) {
	var w evaluationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return StepEvaluation{}, ErrValidation(CodeParseFailed, "evaluation is not valid JSON").WithCause(err)
	}
	var d Decision
	switch DecisionKind(strings.ToLower(strings.TrimSpace(string(w.Decision)))) {
	case DecisionContinue:
		d = Continue{}
	case DecisionRetryWithCorrection:
		d = RetryWithCorrection{CorrectedPrompt: w.CorrectedPrompt}
	case DecisionChangeApproach:
		d = ChangeApproach{AlternativeApproach: w.AlternativeApproach}
	case DecisionComplete:
		d = Complete{}
	default:
		return StepEvaluation{}, ErrValidation(CodeInvalidEvaluation,
			fmt.Sprintf("unknown decision %q", w.Decision))
	}
	opts := []EvaluationOption{WithIssues(w.Issues...)}
	if w.QualityScore != nil {
		opts = append(opts, WithQuality(*w.QualityScore))
	}
	if w.Correct {
		opts = append(opts, Correct())
	}
	return NewEvaluation(d, w.Reasoning, opts...)
}
