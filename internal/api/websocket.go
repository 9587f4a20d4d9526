package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
	"github.com/trellis-data/labflow/internal/logging"
)

// maxFrameSize bounds one inbound frame.
const maxFrameSize = 1 << 20

// frameQueue is how many frames may wait while a turn runs.
const frameQueue = 8

// wsEmitter writes events as JSON text frames. gorilla allows a single
// concurrent writer, so writes are serialized.
type wsEmitter struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Emit implements events.Emitter.
func (e *wsEmitter) Emit(ctx context.Context, event events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("connection closed")
	}
	if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
		return err
	}
	return e.conn.WriteJSON(event)
}

// finish sends a close frame once. No event may follow it.
func (e *wsEmitter) finish(code int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(e.writeTimeout))
}

// handleWorkflowStream runs one sequence over a websocket. Each text frame is
// one user turn; turns on a connection run one after another. The sequence id
// comes from ?sequence_id= and is generated when absent.
func (s *Server) handleWorkflowStream(w http.ResponseWriter, r *http.Request) {
	sequenceID := strings.TrimSpace(r.URL.Query().Get("sequence_id"))
	if sequenceID == "" {
		sequenceID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.WithSequence(sequenceID).WithConnection(connID)
	logger.Info("client connected", "remote_addr", r.RemoteAddr)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws := &wsEmitter{conn: conn, writeTimeout: s.writeTimeout}
	emitter := events.Emitter(ws)
	if s.eventBus != nil {
		emitter = events.Tee(ws, events.NewBusEmitter(s.eventBus))
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("workflow stream panicked", "panic", p)
			s.sendError(ctx, emitter, sequenceID, errors.New("internal error"))
			ws.finish(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	if err := emitter.Emit(ctx, events.NewConnectedEvent(sequenceID, connID)); err != nil {
		logger.Warn("sending connected event failed", "error", err)
		return
	}

	frames := s.readFrames(ctx, cancel, conn, logger)
	if s.pingInterval > 0 {
		go s.keepAlive(ctx, conn)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("client disconnected")
			return
		case data, ok := <-frames:
			if !ok {
				logger.Info("client disconnected")
				return
			}
			if !s.runTurn(ctx, sequenceID, data, emitter, logger) {
				ws.finish(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

// runTurn handles one frame and reports whether the connection stays open.
func (s *Server) runTurn(ctx context.Context, sequenceID string, data []byte, emitter events.Emitter, logger *logging.Logger) bool {
	msg, err := core.ParseInboundMessage(data)
	if err != nil {
		logger.Warn("rejecting inbound message", "error", err)
		s.sendError(ctx, emitter, sequenceID, err)
		return false
	}

	if s.metrics != nil {
		s.metrics.TurnStarted()
		defer s.metrics.TurnFinished()
	}
	state, err := s.runner.HandleTurn(ctx, sequenceID, msg, emitter)
	switch {
	case err == nil:
		if state != nil {
			logger.Info("turn finished", "status", state.Status, "step", state.CurrentStepNumber)
		}
		return true
	case ctx.Err() != nil:
		// The client is gone; nothing more can be sent.
		return false
	default:
		logger.Warn("turn failed", "error", err)
		s.sendError(ctx, emitter, sequenceID, err)
		return false
	}
}

// sendError emits the final error event of a connection.
func (s *Server) sendError(ctx context.Context, emitter events.Emitter, sequenceID string, err error) {
	if emitErr := emitter.Emit(context.WithoutCancel(ctx), events.NewErrorEvent(sequenceID, err)); emitErr != nil {
		s.logger.Debug("sending error event failed", "error", emitErr)
	}
}

// readFrames reads text frames until the connection fails, then cancels the
// session so the running turn stops at its next suspension point.
func (s *Server) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, logger *logging.Logger) <-chan []byte {
	frames := make(chan []byte, frameQueue)
	conn.SetReadLimit(maxFrameSize)
	if s.pingInterval > 0 {
		pongWait := 2 * s.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	go func() {
		defer close(frames)
		defer cancel()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read failed", "error", err)
				}
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames
}

func (s *Server) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
