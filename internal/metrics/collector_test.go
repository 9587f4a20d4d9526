package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/service"
	"github.com/trellis-data/labflow/internal/service/workflow"
)

var _ workflow.Observer = (*Collector)(nil)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.PlanBuilt(false, 2)
	c.PlanBuilt(true, 1)
	c.PlanBuilt(true, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.plans.WithLabelValues("model")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.plans.WithLabelValues("heuristic")))

	c.AttemptFailed(workflow.SiteDispatch, true)
	c.AttemptFailed(workflow.SiteDispatch, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptFailures.WithLabelValues(workflow.SiteDispatch, "true")))

	c.DispatchCall(workflow.CallAddCard, 10*time.Millisecond, nil)
	c.DispatchCall(workflow.CallExecuteAtom, time.Second, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchCalls.WithLabelValues(workflow.CallAddCard, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchCalls.WithLabelValues(workflow.CallExecuteAtom, "error")))

	c.StepFinished(core.AtomMerge, core.OutcomeRetried, time.Second)
	c.StepFinished(core.AtomMerge, core.OutcomeSucceeded, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues(core.AtomMerge, "succeeded")))

	c.SequenceFinished(core.StatusCompleted)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sequences.WithLabelValues("completed")))
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.TurnStarted()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turns))

	c.TurnFinished()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.turns))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.SequenceFinished(core.StatusFailed)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `labflow_sequence_turns_finished_total{status="failed"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}

func TestCollector_WatchThrottles(t *testing.T) {
	c := NewCollector()
	throttles := service.NewThrottles(nil)
	c.WatchThrottles(throttles)

	atoms := throttles.Get(service.LimiterAtoms)
	atoms.Throttled()
	throttles.Get(service.LimiterLLM)

	expected := `
# HELP labflow_throttle_rate_per_second Current call rate allowed to a collaborator.
# TYPE labflow_throttle_rate_per_second gauge
labflow_throttle_rate_per_second{collaborator="atoms"} 5
labflow_throttle_rate_per_second{collaborator="llm"} 2
# HELP labflow_throttle_throttled_total 429 replies received from a collaborator.
# TYPE labflow_throttle_throttled_total counter
labflow_throttle_throttled_total{collaborator="atoms"} 1
labflow_throttle_throttled_total{collaborator="llm"} 0
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"labflow_throttle_rate_per_second", "labflow_throttle_throttled_total"))

	count, err := testutil.GatherAndCount(c.Registry(), "labflow_throttle_tokens")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
