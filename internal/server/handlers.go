package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var input models.StoreInput
	if err := s.decode(w, r, &input); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Debug("store request",
		zap.String("kind", input.Kind),
		zap.String("content", utils.Truncate(input.Content, 50)),
	)
	res, err := s.memory.Store(r.Context(), &input)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	s.respondJSON(w, status, res)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var query models.RecallQuery
	if err := s.decode(w, r, &query); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Debug("recall request", zap.String("query", utils.Truncate(query.Query, 50)))
	resp, err := s.memory.Recall(r.Context(), &query)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := models.ListQuery{
		Scope: firstNonEmpty(params.Get("scope"), params.Get("projectScope"), params.Get("projectPath")),
		Kind:  models.Kind(firstNonEmpty(params.Get("kind"), params.Get("type"))),
	}
	var err error
	if q.Limit, err = intParam(params.Get("limit")); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: limit: %v", models.ErrValidation, err))
		return
	}
	if q.Offset, err = intParam(params.Get("offset")); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: offset: %v", models.ErrValidation, err))
		return
	}
	resp, err := s.memory.List(r.Context(), &q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete request", zap.String("id", id))
	if err := s.memory.Delete(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.memory.Health(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	resp, err := s.memory.Stats(r.Context(), firstNonEmpty(params.Get("scope"), params.Get("projectPath")))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.memory.Sync())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	res, err := s.memory.Compact(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// decode reads a JSON body into v. Malformed bodies are validation errors.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", models.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", models.ErrValidation, err)
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := models.ErrorKind(err)
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("kind", kind),
		zap.Error(err),
	}
	switch {
	case status >= 500 && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout:
		s.logger.Error("request failed", fields...)
	case status >= 500:
		s.logger.Warn("request failed", fields...)
	default:
		s.logger.Debug("request rejected", fields...)
	}
	s.respondJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
