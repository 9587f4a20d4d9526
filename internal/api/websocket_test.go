package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
)

type wireEvent struct {
	Type         string `json:"type"`
	SequenceID   string `json:"sequence_id"`
	Ready        bool   `json:"ready"`
	ConnectionID string `json:"connection_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

func dial(t *testing.T, f *fixture, query string, header http.Header) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/workflow" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func assertClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseInternalServerErr), "got %v", err)
}

func completingRunner(ctx context.Context, sequenceID string, _ core.InboundMessage, emitter events.Emitter) (*core.ReActState, error) {
	if err := emitter.Emit(ctx, events.NewWorkflowCompletedEvent(sequenceID, 1, false, map[string]string{}, time.Millisecond)); err != nil {
		return nil, err
	}
	return core.NewReActState(sequenceID, "p", core.DefaultMaxRetriesPerStep), nil
}

func TestWorkflowStream_ConnectedThenTurns(t *testing.T) {
	f := newFixture(t)
	f.runner.fn = completingRunner
	conn := dial(t, f, "?sequence_id=seq-1", nil)

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeConnected, ev.Type)
	assert.Equal(t, "seq-1", ev.SequenceID)
	assert.True(t, ev.Ready)
	assert.NotEmpty(t, ev.ConnectionID)

	send(t, conn, `{"message": "merge orders.csv and products.csv", "available_files": ["orders.csv", "products.csv"], "user_id": "u1"}`)
	assert.Equal(t, events.TypeWorkflowCompleted, readEvent(t, conn).Type)

	// The connection stays open for follow-up turns.
	send(t, conn, `{"message": "now chart it"}`)
	assert.Equal(t, events.TypeWorkflowCompleted, readEvent(t, conn).Type)

	turns := f.runner.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, []string{"orders.csv", "products.csv"}, turns[0].AvailableFiles)
	assert.Equal(t, "u1", turns[0].UserID)
	assert.Equal(t, "now chart it", turns[1].Message)
}

func TestWorkflowStream_GeneratesSequenceID(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "", nil)
	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeConnected, ev.Type)
	assert.NotEmpty(t, ev.SequenceID)
}

func TestWorkflowStream_InvalidMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `merge please`, core.CodeInvalidMessage},
		{"empty message", `{"message": "   "}`, core.CodeEmptyPrompt},
		{"too long", `{"message": "` + strings.Repeat("x", core.MaxPromptLength+1) + `"}`, core.CodePromptTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			conn := dial(t, f, "?sequence_id=s", nil)
			readEvent(t, conn)

			send(t, conn, tt.raw)
			ev := readEvent(t, conn)
			assert.Equal(t, events.TypeError, ev.Type)
			assert.Equal(t, tt.code, ev.Code)
			assertClosed(t, conn)
			assert.Empty(t, f.runner.Turns())
		})
	}
}

func TestWorkflowStream_TurnErrorIsLastEvent(t *testing.T) {
	f := newFixture(t)
	f.runner.fn = func(context.Context, string, core.InboundMessage, events.Emitter) (*core.ReActState, error) {
		return nil, core.ErrSequenceBusy("s")
	}
	conn := dial(t, f, "?sequence_id=s", nil)
	readEvent(t, conn)

	send(t, conn, `{"message": "go"}`)
	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeError, ev.Type)
	assert.Equal(t, core.CodeSequenceBusy, ev.Code)
	assertClosed(t, conn)
}

func TestWorkflowStream_PanicBecomesError(t *testing.T) {
	f := newFixture(t)
	f.runner.fn = func(context.Context, string, core.InboundMessage, events.Emitter) (*core.ReActState, error) {
		panic("boom")
	}
	conn := dial(t, f, "?sequence_id=s", nil)
	readEvent(t, conn)

	send(t, conn, `{"message": "go"}`)
	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeError, ev.Type)
	assert.Equal(t, "INTERNAL_ERROR", ev.Code)
	assert.NotContains(t, ev.Message, "boom")
	assertClosed(t, conn)
}

func TestWorkflowStream_DisconnectCancelsTurn(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	canceled := make(chan struct{})
	f.runner.fn = func(ctx context.Context, _ string, _ core.InboundMessage, _ events.Emitter) (*core.ReActState, error) {
		close(started)
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}
	conn := dial(t, f, "?sequence_id=s", nil)
	readEvent(t, conn)
	send(t, conn, `{"message": "go"}`)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not start")
	}
	assert.Equal(t, int32(1), f.metrics.turns.Load())
	require.NoError(t, conn.Close())

	select {
	case <-canceled:
	case <-time.After(3 * time.Second):
		t.Fatal("turn context was not canceled after disconnect")
	}
	assert.Eventually(t, func() bool { return f.metrics.turns.Load() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWorkflowStream_TracksConnections(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "?sequence_id=s", nil)
	readEvent(t, conn)
	assert.Equal(t, int32(1), f.metrics.open.Load())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return f.metrics.open.Load() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), f.metrics.opened.Load())
}

func TestWorkflowStream_MirrorsEventsToBus(t *testing.T) {
	f := newFixture(t)
	f.runner.fn = completingRunner
	ch := f.bus.SubscribeForSequence("seq-bus")
	prio := f.bus.SubscribePriority("seq-bus")

	conn := dial(t, f, "?sequence_id=seq-bus", nil)
	readEvent(t, conn)
	send(t, conn, `{"message": "go"}`)
	readEvent(t, conn)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeConnected, ev.EventType())
	case <-time.After(time.Second):
		t.Fatal("connected event not published")
	}
	select {
	case ev := <-prio:
		assert.Equal(t, events.TypeWorkflowCompleted, ev.EventType())
	case <-time.After(time.Second):
		t.Fatal("completion not published on the priority path")
	}
}

func TestWorkflowStream_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, WithAllowedOrigins([]string{"https://lab.example.com"}))
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/workflow"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://lab.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, events.TypeConnected, readEvent(t, conn).Type)
}

func TestWSEmitter_RefusesAfterFinish(t *testing.T) {
	var server *wsEmitter
	ready := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server = &wsEmitter{conn: c, writeTimeout: time.Second}
		close(ready)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	<-ready

	require.NoError(t, server.Emit(context.Background(), events.NewConnectedEvent("s", "c")))
	server.finish(websocket.CloseNormalClosure, "")
	assert.Error(t, server.Emit(context.Background(), events.NewErrorEvent("s", nil)))

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeConnected, ev.Type)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
