package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/khairulanwarjo/Gestella-Super-Agent/internal/checkpoint"
)

type checkpointCreateRequest struct {
	Note string `json:"note,omitempty"`
}

// checkpointID parses {id}, writing an error response and returning
// false when the checkpointer is missing or the id is malformed.
func (s *Server) checkpointID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if s.checkpointer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpointing not configured")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid checkpoint id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) checkpointError(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
		return
	}
	s.logger.Error("checkpoint "+op+" failed", "error", err, "id", id)
	s.errorResponse(w, http.StatusInternalServerError, "failed to "+op+" checkpoint")
}

func (s *Server) handleCheckpointCreate(w http.ResponseWriter, r *http.Request) {
	if s.checkpointer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpointing not configured")
		return
	}

	var req checkpointCreateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	cp, err := s.checkpointer.Create(r.Context(), checkpoint.TriggerManual, req.Note)
	if err != nil {
		s.logger.Error("checkpoint create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create checkpoint")
		return
	}
	cp.Conversations = nil

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if s.checkpointer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpointing not configured")
		return
	}

	checkpoints, err := s.checkpointer.List(r.Context(), parseIntParam(r, "limit", 20))
	if err != nil {
		s.logger.Error("checkpoint list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if checkpoints == nil {
		checkpoints = []*checkpoint.Checkpoint{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":       len(checkpoints),
		"checkpoints": checkpoints,
	}, s.logger)
}

func (s *Server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}
	cp, err := s.checkpointer.Get(r.Context(), id)
	if err != nil {
		s.checkpointError(w, "get", id, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleCheckpointDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}
	if err := s.checkpointer.Delete(r.Context(), id); err != nil {
		s.checkpointError(w, "delete", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckpointRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}
	cp, err := s.checkpointer.Restore(r.Context(), id)
	if err != nil {
		s.checkpointError(w, "restore", id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":        "restored",
		"id":            cp.ID,
		"conversations": cp.ConversationCount,
		"messages":      cp.MessageCount,
	}, s.logger)
}
