package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
)

// readSSE returns the event names of the next n SSE frames.
func readSSE(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var names []string
	for len(names) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestSSE_StreamsSequenceEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?sequence_id=s1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, []string{"connected"}, readSSE(t, reader, 1))

	emitter := events.NewBusEmitter(f.bus)
	_ = emitter.Emit(ctx, events.NewStepStartedEvent("other", testStep(), 0))
	_ = emitter.Emit(ctx, events.NewStepStartedEvent("s1", testStep(), 0))
	_ = emitter.Emit(ctx, events.NewWorkflowFailedEvent("s1", 1, "merge", "exhausted", nil))

	// Priority and regular events travel on separate channels.
	assert.ElementsMatch(t, []string{events.TypeStepStarted, events.TypeWorkflowFailed}, readSSE(t, reader, 2))
}

func testStep() core.StepPlan {
	return core.StepPlan{StepNumber: 1, AtomID: core.AtomMerge, Prompt: "merge"}
}

func TestSSE_NoBus(t *testing.T) {
	s := NewServer(&fakeRunner{}, nil, fakeAliases{}, fakeContexts{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
