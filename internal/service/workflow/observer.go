package workflow

import (
	"time"

	"github.com/trellis-data/labflow/internal/core"
)

// Retry call sites reported to the Observer.
const (
	SitePlanning   = "planning"
	SiteEvaluation = "evaluation"
	SiteDispatch   = "dispatch"
)

// Observer receives measurements from the orchestrator. It is implemented by
// the metrics package.
type Observer interface {
	PlanBuilt(heuristic bool, steps int)
	AttemptFailed(site string, timedOut bool)
	DispatchCall(call string, d time.Duration, err error)
	StepFinished(atomID string, outcome core.StepOutcome, d time.Duration)
	SequenceFinished(status core.SequenceStatus)
}

// NopObserver discards every measurement.
type NopObserver struct{}

func (NopObserver) PlanBuilt(bool, int)                                  {}
func (NopObserver) AttemptFailed(string, bool)                           {}
func (NopObserver) DispatchCall(string, time.Duration, error)            {}
func (NopObserver) StepFinished(string, core.StepOutcome, time.Duration) {}
func (NopObserver) SequenceFinished(core.SequenceStatus)                 {}
