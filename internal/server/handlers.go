package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/thebtf/recall/pkg/models"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// queryRequest is the POST /api/query payload.
type queryRequest struct {
	Text    string               `json:"text"`
	UserID  string               `json:"user_id,omitempty"`
	Context map[string]string    `json:"context,omitempty"`
	Filters []models.QueryFilter `json:"filters,omitempty"`
}

// errorResponse is the body for failed requests.
type errorResponse struct {
	Error string           `json:"error"`
	Code  models.ErrorCode `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := models.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case models.ErrValidation:
		status = http.StatusBadRequest
	case models.ErrCapacityExceeded:
		status = http.StatusTooManyRequests
	case models.ErrTimeout:
		status = http.StatusGatewayTimeout
	case models.ErrRateLimit:
		status = http.StatusTooManyRequests
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: models.ErrValidation})
		return
	}

	q, err := models.NewQuery(req.Text, req.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q.UserID = req.UserID
	q.Filters = req.Filters

	result, err := s.processor.Process(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.processor.Cancel(id) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown query id"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.health.Health(r.Context())
	status := http.StatusOK
	if snapshot.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, snapshot)
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health.Components(r.Context()))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Metrics())
}

func (s *Server) handleTrends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Trends())
}

// indexRequest is the POST /api/index payload.
type indexRequest struct {
	Contents []*models.Content `json:"contents"`
	Strategy string            `json:"strategy,omitempty"`
}

// indexUpdateRequest is the POST /api/index/update payload.
type indexUpdateRequest struct {
	SourceID string                 `json:"source_id"`
	Changes  []models.ContentChange `json:"changes"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "indexing not configured"})
		return
	}

	var req indexRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: models.ErrValidation})
		return
	}
	if len(req.Contents) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "contents is required", Code: models.ErrValidation})
		return
	}
	s.writeJSON(w, http.StatusOK, s.indexer.BatchIndex(r.Context(), req.Contents, req.Strategy))
}

func (s *Server) handleIndexUpdate(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "indexing not configured"})
		return
	}

	var req indexUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Code: models.ErrValidation})
		return
	}
	if req.SourceID == "" || len(req.Changes) == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source_id and changes are required", Code: models.ErrValidation})
		return
	}

	batch := s.indexer.UpdateIndex(r.Context(), req.SourceID, req.Changes)

	// Warmed results built on this source are stale now.
	if s.warmer != nil {
		s.warmer.InvalidateForSource(r.Context(), req.SourceID)
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable request body", Code: models.ErrValidation})
		return
	}
	if err := s.config.Update(patch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: models.ErrValidation})
		return
	}
	s.writeJSON(w, http.StatusOK, s.config.Get())
}
