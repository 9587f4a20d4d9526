// Package api serves the workflow stream and the read API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/events"
	"github.com/trellis-data/labflow/internal/logging"
)

// TurnHandler runs one user turn of a sequence and reports whether one is
// in flight.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sequenceID string, msg core.InboundMessage, emitter events.Emitter) (*core.ReActState, error)
	Busy(sequenceID string) bool
}

// AliasReader lists the aliases registered for a sequence. Clear drops them
// when the sequence is deleted.
type AliasReader interface {
	All(ctx context.Context, sequenceID string) (map[string]string, error)
	Clear(ctx context.Context, sequenceID string) error
}

// ContextReader returns the last resolved context of a sequence. Forget drops
// it from the cache.
type ContextReader interface {
	Cached(sequenceID string) (core.ResolvedContext, bool)
	Forget(sequenceID string)
}

// MemoryReader returns the audit documents of a sequence, newest first.
type MemoryReader interface {
	History(ctx context.Context, sequenceID string, limit int) ([]*core.LaboratoryMemoryDocument, error)
}

// OutputReader returns the alias to path map of a sequence's finished steps.
type OutputReader interface {
	Outputs(ctx context.Context, sequenceID string) (map[string]string, error)
}

// ConnectionMetrics tracks open connections and running turns, and exposes
// the metrics endpoint.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	TurnStarted()
	TurnFinished()
	Handler() http.Handler
}

// Server provides the workflow stream and HTTP read endpoints.
type Server struct {
	router   chi.Router
	runner   TurnHandler
	state    core.StateStore
	aliases  AliasReader
	contexts ContextReader
	memory   MemoryReader
	outputs  OutputReader
	eventBus *events.EventBus
	metrics  ConnectionMetrics
	logger   *logging.Logger

	metricsPath string

	upgrader       websocket.Upgrader
	allowedOrigins []string
	pingInterval   time.Duration
	writeTimeout   time.Duration
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEventBus enables the SSE observer stream and mirrors every streamed
// event onto bus.
func WithEventBus(bus *events.EventBus) ServerOption {
	return func(s *Server) {
		s.eventBus = bus
	}
}

// WithMetrics enables /metrics and connection tracking.
func WithMetrics(m ConnectionMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMetricsPath serves metrics at path instead of /metrics. An empty path
// keeps the default.
func WithMetricsPath(path string) ServerOption {
	return func(s *Server) {
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithMemory enables the audit history endpoint.
func WithMemory(m MemoryReader) ServerOption {
	return func(s *Server) {
		s.memory = m
	}
}

// WithOutputs enables the step outputs endpoint.
func WithOutputs(o OutputReader) ServerOption {
	return func(s *Server) {
		s.outputs = o
	}
}

// WithAllowedOrigins restricts CORS and websocket origins. Empty allows all.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithPingInterval sets the websocket keepalive interval. Zero disables pings.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// NewServer creates a new API server.
func NewServer(runner TurnHandler, state core.StateStore, aliases AliasReader, contexts ContextReader, opts ...ServerOption) *Server {
	s := &Server{
		runner:       runner,
		state:        state,
		aliases:      aliases,
		contexts:     contexts,
		logger:       logging.NewNop(),
		metricsPath:  "/metrics",
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}
	r.Get("/ws/workflow", s.handleWorkflowStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", s.handleListSequences)
			r.Route("/{sequenceID}", func(r chi.Router) {
				r.Get("/", s.handleGetSequence)
				r.Delete("/", s.handleDeleteSequence)
				r.Get("/aliases", s.handleGetAliases)
				r.Get("/context", s.handleGetContext)
				r.Get("/outputs", s.handleGetOutputs)
				r.Get("/memory", s.handleGetMemory)
			})
		})

		r.Get("/events", s.handleSSE)
	})

	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps err to a status code; unknown errors are 500 and
// their text is not exposed.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		s.logger.Error("request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var domErr *core.DomainError
	_ = errors.As(err, &domErr)
	s.respondJSON(w, status, map[string]string{"error": domErr.Message, "code": domErr.Code})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket connections are not closed by Shutdown; deriving
		// request contexts from ctx cancels their turns instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown incomplete", "error", err)
		}
	}()

	s.logger.Info("starting server", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}
