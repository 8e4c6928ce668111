package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/engine"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// ========== Command handlers ==========

// HandleSendButton dispatches a button press through the running activity
func (s *RESTServer) HandleSendButton(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Activity string `json:"activity,omitempty"`
		Button   string `json:"button" validate:"required"`
		Repeats  int    `json:"repeats,omitempty"`
		DelayMs  int    `json:"delay_ms,omitempty"`
		Hold     bool   `json:"hold,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.engine.SendButton(r.Context(), engine.ButtonRequest{
		DeviceID: id,
		Activity: req.Activity,
		Button:   protocol.Button(req.Button),
		Repeats:  req.Repeats,
		Delay:    time.Duration(req.DelayMs) * time.Millisecond,
		Hold:     req.Hold,
		Origin:   models.OriginUser,
	})
	if err != nil {
		// A partial repeat burst still reports how far it got.
		if result.Sent > 0 {
			s.respondJSON(w, http.StatusBadGateway, result)
			return
		}
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

// HandleSendIR blasts an IR code through one dock or all of them
func (s *RESTServer) HandleSendIR(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Codeset string `json:"codeset,omitempty"`
		Command string `json:"command" validate:"required"`
		Dock    string `json:"dock,omitempty"`
		Port    string `json:"port,omitempty"`
		Repeats int    `json:"repeats,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.engine.SendIR(r.Context(), engine.IRRequest{
		DeviceID: id,
		Codeset:  req.Codeset,
		Command:  req.Command,
		Dock:     req.Dock,
		Port:     req.Port,
		Repeats:  req.Repeats,
		Origin:   models.OriginUser,
	})
	if err != nil {
		if result.Sent > 0 {
			s.respondJSON(w, http.StatusBadGateway, result)
			return
		}
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

// HandleSystemCommand sends a power-style system command to the device
func (s *RESTServer) HandleSystemCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Command string `json:"command" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SendSystemCommand(r.Context(), id, req.Command); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateActivity edits activity options on the device
func (s *RESTServer) HandleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	activityID := chi.URLParam(r, "activity_id")

	var req struct {
		DeviceID     uuid.UUID `json:"device_id" validate:"required"`
		PreventSleep *bool     `json:"prevent_sleep,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.UpdateActivity(r.Context(), engine.ActivityUpdate{
		DeviceID:     req.DeviceID,
		ActivityID:   activityID,
		PreventSleep: req.PreventSleep,
	}); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== IR learning handlers ==========

// HandleStartLearning starts an IR learning session on a dock
func (s *RESTServer) HandleStartLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		DockID   string   `json:"dock_id" validate:"required"`
		Codeset  string   `json:"codeset" validate:"required"`
		Commands []string `json:"commands" validate:"required,min=1"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.engine.StartLearning(r.Context(), engine.LearnRequest{
		DeviceID: id,
		DockID:   req.DockID,
		Codeset:  req.Codeset,
		Commands: req.Commands,
	})
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, session)
}

// HandleGetLearning reports learning session progress
func (s *RESTServer) HandleGetLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	session, err := s.engine.LearningState(id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, session)
}

// HandleCancelLearning cancels a running learning session
func (s *RESTServer) HandleCancelLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	sessionID, err := uuid.Parse(chi.URLParam(r, "session_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	session, err := s.engine.LearningState(id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if session.ID != sessionID {
		s.respondError(w, http.StatusNotFound, "learning session not found")
		return
	}

	if err := s.engine.CancelLearning(r.Context(), id); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Polling handlers ==========

// HandleEnablePolling registers a consumer for a polled metric
func (s *RESTServer) HandleEnablePolling(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	metric := chi.URLParam(r, "metric")

	var req struct {
		Consumer string `json:"consumer,omitempty"`
	}
	// Body is optional; an empty consumer falls back to the API default.
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Consumer == "" {
		req.Consumer = r.URL.Query().Get("consumer")
	}
	if req.Consumer == "" {
		req.Consumer = "api"
	}

	if err := s.engine.EnablePolling(id, metric, req.Consumer); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDisablePolling releases a consumer's claim on a polled metric
func (s *RESTServer) HandleDisablePolling(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	metric := chi.URLParam(r, "metric")

	consumer := r.URL.Query().Get("consumer")
	if consumer == "" {
		consumer = "api"
	}

	if err := s.engine.DisablePolling(id, metric, consumer); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListPolling lists the metrics currently being polled
func (s *RESTServer) HandleListPolling(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	metrics, err := s.engine.ActivePolling(id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": metrics,
	})
}

// ========== Dock handlers ==========

// HandleDockBrightness sets the LED brightness on a dock
func (s *RESTServer) HandleDockBrightness(w http.ResponseWriter, r *http.Request) {
	dockID := chi.URLParam(r, "dock_id")

	var req struct {
		DeviceID   uuid.UUID `json:"device_id" validate:"required"`
		Brightness int       `json:"brightness" validate:"min=0,max=100"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SendDockCommand(r.Context(), req.DeviceID, dockID,
		models.DockSetLEDBrightness, strconv.Itoa(req.Brightness)); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDockIdentify makes a dock blink its LED for identification
func (s *RESTServer) HandleDockIdentify(w http.ResponseWriter, r *http.Request) {
	s.handleDockAction(w, r, models.DockIdentify)
}

// HandleDockReboot reboots a dock
func (s *RESTServer) HandleDockReboot(w http.ResponseWriter, r *http.Request) {
	s.handleDockAction(w, r, models.DockReboot)
}

func (s *RESTServer) handleDockAction(w http.ResponseWriter, r *http.Request, cmd models.DockCommand) {
	dockID := chi.URLParam(r, "dock_id")

	var req struct {
		DeviceID uuid.UUID `json:"device_id" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SendDockCommand(r.Context(), req.DeviceID, dockID, cmd, ""); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDockPassword rotates a dock's connection password
func (s *RESTServer) HandleDockPassword(w http.ResponseWriter, r *http.Request) {
	dockID := chi.URLParam(r, "dock_id")

	var req struct {
		DeviceID uuid.UUID `json:"device_id" validate:"required"`
		Password string    `json:"password" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SetDockPassword(r.Context(), req.DeviceID, dockID, req.Password); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
