package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/engine"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin handles admin login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Username != s.config.Admin.Username {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !s.auth.VerifySecret(req.Password, s.config.Admin.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.auth.GenerateAdminToken(req.Username)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(s.config.JWT.AdminTokenTTL.Seconds()),
		"token_type": "Bearer",
	})
}

// ========== Health ==========

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Remote Sync Server",
		"version": "1.0.0",
		"health":  "/api/v1/health",
	})
}

// ========== Event log handlers ==========

// HandleListEvents lists event log entries, newest first
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var filters storage.EventLogFilters

	if v := q.Get("device"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid device ID")
			return
		}
		filters.DeviceID = &id
	}
	if v := q.Get("dock"); v != "" {
		filters.DockID = &v
	}
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start time, expected RFC3339")
			return
		}
		filters.StartTime = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end time, expected RFC3339")
			return
		}
		filters.EndTime = &t
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit == 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	events, total, err := s.store.ListEventLogs(ctx, filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Response helpers ==========

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondEngineError maps engine failures onto HTTP statuses
func (s *RESTServer) respondEngineError(w http.ResponseWriter, err error) {
	var (
		validationErr *engine.ValidationError
		authErr       *engine.AuthenticationError
		ambiguousErr  *engine.AmbiguousTargetError
		negotiateErr  *engine.NegotiationTimeout
		connErr       *engine.ConnectivityError
	)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.As(err, &validationErr):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &authErr):
		s.respondError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &ambiguousErr):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, engine.ErrLearningActive),
		errors.Is(err, engine.ErrUpdateActive):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNoLearning),
		errors.Is(err, engine.ErrNoUpdate):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &negotiateErr):
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &connErr):
		s.respondError(w, http.StatusBadGateway, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled engine error")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// ========== Helper functions ==========

// parseDeviceID parses the device ID path parameter
func (s *RESTServer) parseDeviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device ID")
		return uuid.Nil, false
	}
	return id, true
}
