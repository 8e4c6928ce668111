package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/engine"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
)

// HandleListDevices lists registered devices
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	devices, total, err := s.store.ListDevices(ctx, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleCreateDevice registers a device
func (s *RESTServer) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name" validate:"required,min=1,max=100"`
		Host       string `json:"host" validate:"required"`
		APIURL     string `json:"api_url,omitempty"`
		MACAddress string `json:"mac_address,omitempty" validate:"omitempty,mac"`
		WakeOnLAN  bool   `json:"wake_on_lan"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	device := &models.Device{
		Name:            req.Name,
		Host:            req.Host,
		APIURL:          req.APIURL,
		MACAddress:      req.MACAddress,
		WakeOnLAN:       req.WakeOnLAN,
		ConnectionState: models.StateUnauthenticated,
	}

	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			s.respondError(w, http.StatusConflict, "device already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, device)
}

// HandleGetDevice gets a device by ID
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, device)
}

// HandleDeleteDevice removes a device and revokes its credentials
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	// Revocation is best effort: an unreachable device must not block
	// removal from the registry.
	if err := s.engine.Forget(r.Context(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("device_id", id.String()).Msg("Credential revocation failed during delete")
	}

	if err := s.store.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Session lifecycle ==========

// HandleConnectDevice starts the pairing handshake
func (s *RESTServer) HandleConnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		PIN string `json:"pin" validate:"required,pin"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.Connect(r.Context(), id, req.PIN); err != nil {
		s.respondEngineError(w, err)
		return
	}

	state, err := s.engine.SessionState(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"state": state,
	})
}

// HandleDisconnectDevice tears the session down, keeping credentials
func (s *RESTServer) HandleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	if err := s.engine.Disconnect(r.Context(), id); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDeviceState reports the connection state machine position
func (s *RESTServer) HandleDeviceState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	state, err := s.engine.SessionState(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"state": state,
	})
}

// HandleRefreshDevice re-runs inventory sync on a live session
func (s *RESTServer) HandleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	if err := s.engine.Refresh(r.Context(), id); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Inventory ==========

// HandleListActivities lists the synced activities of a device
func (s *RESTServer) HandleListActivities(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	activities, err := s.store.ListActivities(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"activities": activities,
		"total":      len(activities),
	})
}

// HandleListActivityGroups lists the synced activity groups of a device
func (s *RESTServer) HandleListActivityGroups(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	groups, err := s.store.ListActivityGroups(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"total":  len(groups),
	})
}

// HandleListDeviceDocks lists the docks paired with a device
func (s *RESTServer) HandleListDeviceDocks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	docks, err := s.store.ListDocks(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"docks": docks,
		"total": len(docks),
	})
}

// HandleListCodesets lists the IR codesets known for a device
func (s *RESTServer) HandleListCodesets(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	codesets, err := s.store.ListCodesets(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"codesets": codesets,
		"total":    len(codesets),
	})
}

// ========== Media selection ==========

// HandleGetMedia reports the currently selected media source, if any
func (s *RESTServer) HandleGetMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	media, err := s.engine.SelectedMedia(id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"media": media,
	})
}

// HandleSetMediaOverride pins a media entity over automatic selection
func (s *RESTServer) HandleSetMediaOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		EntityID string `json:"entity_id" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SetMediaOverride(r.Context(), id, req.EntityID); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleClearMediaOverride returns media selection to automatic
func (s *RESTServer) HandleClearMediaOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	if err := s.engine.ClearMediaOverride(r.Context(), id); err != nil {
		s.respondEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Entity subscriptions ==========

// HandleNegotiate reconciles the entity subscription set with the device
func (s *RESTServer) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	var req struct {
		Add    []string `json:"add"`
		Remove []string `json:"remove"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	delta, err := s.engine.Negotiate(r.Context(), id, req.Add, req.Remove)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, delta)
}

// HandleListSubscriptions lists the confirmed entity subscriptions
func (s *RESTServer) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	subs, err := s.engine.Subscriptions(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"total":         len(subs),
	})
}

// ========== Firmware ==========

// HandleInstallFirmware starts a firmware install on the device
func (s *RESTServer) HandleInstallFirmware(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	state, err := s.engine.InstallFirmware(r.Context(), id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, state)
}

// HandleGetFirmware reports firmware install progress
func (s *RESTServer) HandleGetFirmware(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseDeviceID(w, r)
	if !ok {
		return
	}

	state, err := s.engine.FirmwareState(id)
	if errors.Is(err, engine.ErrNoUpdate) {
		// Nothing installing: answer with a live version check instead.
		state, err = s.engine.CheckFirmware(r.Context(), id)
	}
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, state)
}
