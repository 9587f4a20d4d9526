package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/trellis-data/labflow/internal/core"
)

const (
	defaultListLimit   = 50
	defaultMemoryLimit = 20
	maxListLimit       = 500
)

func (s *Server) sequenceID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "sequenceID"))
	return id, id != ""
}

func queryLimit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.state.List(r.Context(), queryLimit(r, defaultListLimit))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sequenceID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "sequence id is required")
		return
	}
	state, err := s.state.Load(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if state == nil {
		s.respondDomainError(w, core.ErrNotFound("sequence", id))
		return
	}
	s.respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sequenceID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "sequence id is required")
		return
	}
	if s.runner.Busy(id) {
		s.respondDomainError(w, core.ErrSequenceBusy(id))
		return
	}
	if err := s.state.Delete(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.aliases.Clear(r.Context(), id); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.contexts.Forget(id)
	s.logger.Info("sequence deleted", "sequence_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAliases(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sequenceID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "sequence id is required")
		return
	}
	aliases, err := s.aliases.All(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if aliases == nil {
		aliases = map[string]string{}
	}
	s.respondJSON(w, http.StatusOK, aliases)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sequenceID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "sequence id is required")
		return
	}
	resolved, found := s.contexts.Cached(id)
	if !found {
		s.respondDomainError(w, core.ErrNotFound("context", id))
		return
	}
	s.respondJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	if s.outputs == nil {
		s.respondError(w, http.StatusNotImplemented, "step outputs are not indexed by this state backend")
		return
	}
	id, ok := s.sequenceID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "sequence id is required")
		return
	}
	outputs, err := s.outputs.Outputs(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, outputs)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.respondError(w, http.StatusNotImplemented, "laboratory memory is disabled")
		return
	}
	id, ok := s.sequenceID(r)
	if !ok {
		s.respondError(w, http.StatusBadRequest, "sequence id is required")
		return
	}
	docs, err := s.memory.History(r.Context(), id, queryLimit(r, defaultMemoryLimit))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if docs == nil {
		docs = []*core.LaboratoryMemoryDocument{}
	}
	s.respondJSON(w, http.StatusOK, docs)
}
