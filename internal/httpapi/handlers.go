package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"lumen/internal/lumenerr"
	"lumen/internal/session"
	"lumen/internal/token"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendUserMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.ctrl.SendUserMessage(ctx, req.Text)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"state": s.ctrl.State()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ctrl.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type tupleRequest struct {
	Tuple token.Tuple `json:"tuple"`
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	var req tupleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Pin(r.Context(), req.Tuple); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUnpin(w http.ResponseWriter, r *http.Request) {
	var req tupleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Unpin(r.Context(), req.Tuple); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleResurrectManual(w http.ResponseWriter, r *http.Request) {
	var req tupleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.ResurrectManual(r.Context(), req.Tuple); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type mergeChunksRequest struct {
	From token.Tuple `json:"from"`
	To   token.Tuple `json:"to"`
}

func (s *Server) handleMergeChunks(w http.ResponseWriter, r *http.Request) {
	var req mergeChunksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.MergeChunks(r.Context(), req.From, req.To); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Export(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var snap session.State
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ctrl.Import(r.Context(), snap); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, lumenerr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, lumenerr.ErrTokenizeTimeout), errors.Is(err, lumenerr.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, lumenerr.ErrStorageError), errors.Is(err, lumenerr.ErrResurrectionError), errors.Is(err, lumenerr.ErrTokenizeFailure):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
