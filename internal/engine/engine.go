package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/auth"
	"github.com/remotesync/remotesync-server/internal/config"
	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/crypto"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// Engine owns every device session and is the single entry point for the API
// layer. One session per device; per-device handshake locks keep token
// handling exclusive even while sessions are being replaced.
type Engine struct {
	cfg    *config.Config
	store  storage.Store
	tokens *auth.JWTManager
	bus    Publisher
	clock  Clock

	newClient   func(host, override string) DeviceAPI
	dialChannel func(ctx context.Context, endpoint, apiKey string) (EventChannel, error)
	dialDock    func(ctx context.Context, endpoint, dockID, password string) (DockStream, error)

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session

	hsMu    sync.Mutex
	hsLocks map[uuid.UUID]*sync.Mutex
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests that steer time.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine wires the synchronization core.
func NewEngine(cfg *config.Config, store storage.Store, tokens *auth.JWTManager, bus Publisher, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		bus:      bus,
		clock:    systemClock{},
		sessions: make(map[uuid.UUID]*session),
		hsLocks:  make(map[uuid.UUID]*sync.Mutex),
	}
	e.newClient = func(host, override string) DeviceAPI {
		return device.NewClient(host, override)
	}
	e.dialChannel = func(ctx context.Context, endpoint, apiKey string) (EventChannel, error) {
		return device.DialChannel(ctx, endpoint, apiKey)
	}
	e.dialDock = func(ctx context.Context, endpoint, dockID, password string) (DockStream, error) {
		return device.DialDock(ctx, endpoint, dockID, password)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start resumes sessions for every paired device and blocks until ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	devices, _, err := e.store.ListDevices(ctx, 1000, 0)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	resumed := 0
	for _, dev := range devices {
		if dev.SealedToken == "" || dev.ConnectionState == models.StateAuthFailed {
			continue
		}
		e.spawnSession(dev)
		resumed++
	}
	log.Info().Int("devices", resumed).Msg("sync engine started")

	<-ctx.Done()
	e.stopAll()
	log.Info().Msg("sync engine stopped")
	return nil
}

// Connect pairs a device with a fresh PIN and starts its session. The PIN
// exchange runs synchronously so the caller learns about a bad PIN
// immediately; the rest of the handshake continues in the background.
func (e *Engine) Connect(ctx context.Context, deviceID uuid.UUID, pin string) error {
	if pin == "" {
		return &ValidationError{Field: "pin", Reason: "pin is required"}
	}
	dev, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	e.removeSession(deviceID)
	api := e.newClient(dev.Host, dev.APIURL)

	unlock := e.lockDevice(deviceID)
	err = e.exchangePIN(ctx, dev, api, pin)
	unlock()
	if err != nil {
		return err
	}

	e.spawnSessionWith(dev.ID, api)
	return nil
}

// exchangePIN trades the PIN for a device API key, revokes the predecessor
// key and seals the new one at rest. Caller holds the device lock.
func (e *Engine) exchangePIN(ctx context.Context, dev *models.Device, api DeviceAPI, pin string) error {
	e.setDeviceState(ctx, dev.ID, models.StateTokenRequested)

	key, err := api.ExchangePIN(ctx, pin, hostName)
	if err != nil {
		if errors.Is(err, device.ErrUnauthorized) {
			e.setDeviceState(ctx, dev.ID, models.StateAuthFailed)
			e.logEvent(ctx, dev.ID, models.EventTypeAuthFailed, models.EventLevelError, "invalid PIN", nil)
			return &AuthenticationError{Reason: "invalid PIN"}
		}
		return &ConnectivityError{Op: "exchange pin", Err: err}
	}

	if dev.TokenID != "" && dev.TokenID != key.ID {
		if err := api.RevokeAPIKey(ctx, dev.TokenID); err != nil {
			log.Warn().Err(err).Str("device", dev.ID.String()).Msg("could not revoke previous device key")
		}
	}

	sealed, err := crypto.EncryptToken(e.cfg.JWT.TokenKey, key.Key)
	if err != nil {
		return fmt.Errorf("seal device token: %w", err)
	}
	dev.SealedToken = sealed
	dev.TokenID = key.ID
	dev.ConnectionState = models.StateDeviceTokenIssued
	if err := e.store.UpdateDevice(ctx, dev); err != nil {
		return err
	}

	log.Info().Str("device", dev.ID.String()).Msg("device token issued")
	return nil
}

// Disconnect stops the device's session but keeps its credentials, so a
// later Start resumes it.
func (e *Engine) Disconnect(ctx context.Context, deviceID uuid.UUID) error {
	if _, err := e.store.GetDevice(ctx, deviceID); err != nil {
		return err
	}
	removed := e.removeSession(deviceID)
	e.setDeviceState(ctx, deviceID, models.StateDeviceTokenIssued)
	if removed {
		e.logEvent(ctx, deviceID, models.EventTypeDisconnect, models.EventLevelInfo, "session stopped", nil)
	}
	return nil
}

// Forget disconnects and revokes everything: the device-side API key, the
// host-side driver tokens and the sealed credentials.
func (e *Engine) Forget(ctx context.Context, deviceID uuid.UUID) error {
	dev, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	e.removeSession(deviceID)

	if dev.SealedToken != "" && dev.TokenID != "" {
		if apiKey, err := crypto.DecryptToken(e.cfg.JWT.TokenKey, dev.SealedToken); err == nil {
			api := e.newClient(dev.Host, dev.APIURL)
			api.SetAPIKey(apiKey)
			if err := api.RevokeAPIKey(ctx, dev.TokenID); err != nil {
				log.Warn().Err(err).Str("device", deviceID.String()).Msg("could not revoke device key on forget")
			}
		}
	}
	if err := e.store.RevokeDriverTokens(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("device", deviceID.String()).Msg("could not revoke driver tokens on forget")
	}
	// The activity cache belongs to the pairing; the next pairing refetches it.
	if err := e.store.DeleteActivities(ctx, deviceID); err != nil {
		log.Warn().Err(err).Str("device", deviceID.String()).Msg("could not clear activity cache on forget")
	}

	dev.SealedToken = ""
	dev.TokenID = ""
	dev.ConnectionState = models.StateUnauthenticated
	if err := e.store.UpdateDevice(ctx, dev); err != nil {
		return err
	}
	e.logEvent(ctx, deviceID, models.EventTypeDisconnect, models.EventLevelInfo, "device forgotten", nil)
	return nil
}

// SessionState reports the live state, falling back to the stored row for
// devices without a running session.
func (e *Engine) SessionState(ctx context.Context, deviceID uuid.UUID) (models.ConnectionState, error) {
	if s, err := e.session(deviceID); err == nil {
		return s.currentState(), nil
	}
	dev, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return dev.ConnectionState, nil
}

// HandleDriverSubscribed feeds the driver-subscription observation into the
// waiting handshake. Called by the bus subscriber when the device driver
// opens the host websocket.
func (e *Engine) HandleDriverSubscribed(deviceID uuid.UUID) {
	s, err := e.session(deviceID)
	if err != nil {
		log.Debug().Str("device", deviceID.String()).Msg("driver subscribed with no running session")
		return
	}
	s.driverSubscribed()
	log.Debug().Str("device", deviceID.String()).Msg("driver subscription observed")
}

// SendButton dispatches a button press through the device.
func (e *Engine) SendButton(ctx context.Context, req ButtonRequest) (models.CommandResult, error) {
	s, err := e.session(req.DeviceID)
	if err != nil {
		return models.CommandResult{}, err
	}
	dev, err := e.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return models.CommandResult{}, err
	}
	if req.Origin == "" {
		req.Origin = models.OriginUser
	}

	result, err := s.commander.sendButton(ctx, dev, req)
	e.logEvent(ctx, req.DeviceID, models.EventTypeCommand, levelFor(err),
		fmt.Sprintf("button %s", req.Button), models.Variables{
			"button": string(req.Button),
			"sent":   result.Sent,
		})
	return result, err
}

// SendIR dispatches an IR code through the device's docks.
func (e *Engine) SendIR(ctx context.Context, req IRRequest) (models.CommandResult, error) {
	s, err := e.session(req.DeviceID)
	if err != nil {
		return models.CommandResult{}, err
	}
	dev, err := e.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		return models.CommandResult{}, err
	}
	if req.Origin == "" {
		req.Origin = models.OriginUser
	}

	result, err := s.commander.sendIR(ctx, dev, req)
	e.logEvent(ctx, req.DeviceID, models.EventTypeIRSend, levelFor(err),
		fmt.Sprintf("ir %s", req.Command), models.Variables{
			"codeset": req.Codeset,
			"command": req.Command,
			"sent":    result.Sent,
		})
	return result, err
}

// UpdateActivity edits activity options.
func (e *Engine) UpdateActivity(ctx context.Context, req ActivityUpdate) error {
	s, err := e.session(req.DeviceID)
	if err != nil {
		return err
	}
	return s.commander.updateActivity(ctx, req)
}

// Negotiate runs a subscription round and returns the surviving delta.
func (e *Engine) Negotiate(ctx context.Context, deviceID uuid.UUID, add, remove []string) (models.SubscriptionDelta, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return models.SubscriptionDelta{}, err
	}
	integrationID := s.currentIntegration()
	if integrationID == "" {
		return models.SubscriptionDelta{}, &ConnectivityError{Op: "negotiate", Err: errors.New("session not synchronized yet")}
	}

	delta, err := s.negotiator.run(ctx, integrationID, add, remove)
	e.logEvent(ctx, deviceID, models.EventTypeNegotiation, levelFor(err),
		"entity subscriptions negotiated", models.Variables{
			"missing": delta.Missing,
			"extra":   delta.Extra,
		})
	return delta, err
}

// Subscriptions lists the stored subscription rows.
func (e *Engine) Subscriptions(ctx context.Context, deviceID uuid.UUID) ([]*models.EntitySubscription, error) {
	return e.store.ListSubscriptions(ctx, deviceID)
}

// StartLearning begins a guided IR capture run.
func (e *Engine) StartLearning(ctx context.Context, req LearnRequest) (*models.LearningSession, error) {
	s, err := e.session(req.DeviceID)
	if err != nil {
		return nil, err
	}
	sess, err := s.learner.start(ctx, req)
	e.logEvent(ctx, req.DeviceID, models.EventTypeIRLearn, levelFor(err),
		fmt.Sprintf("learning %s", req.Codeset), models.Variables{
			"codeset":  req.Codeset,
			"commands": len(req.Commands),
		})
	return sess, err
}

// CancelLearning aborts the active capture run.
func (e *Engine) CancelLearning(ctx context.Context, deviceID uuid.UUID) error {
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	if err := s.learner.stop(); err != nil {
		return err
	}
	e.logEvent(ctx, deviceID, models.EventTypeIRLearn, models.EventLevelInfo, "learning cancelled", nil)
	return nil
}

// LearningState returns the last capture run, terminal included.
func (e *Engine) LearningState(deviceID uuid.UUID) (*models.LearningSession, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return nil, err
	}
	return s.learner.current()
}

// InstallFirmware starts a firmware install and its monitor.
func (e *Engine) InstallFirmware(ctx context.Context, deviceID uuid.UUID) (*models.FirmwareUpdateState, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return nil, err
	}
	state, err := s.monitor.install(ctx)
	e.logEvent(ctx, deviceID, models.EventTypeFirmware, levelFor(err), "firmware install requested", nil)
	return state, err
}

// FirmwareState returns the last observed install state.
func (e *Engine) FirmwareState(deviceID uuid.UUID) (*models.FirmwareUpdateState, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return nil, err
	}
	return s.monitor.current()
}

// CheckFirmware reads the device's current and latest firmware versions
// without touching any running install.
func (e *Engine) CheckFirmware(ctx context.Context, deviceID uuid.UUID) (*models.FirmwareUpdateState, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return nil, err
	}
	return s.monitor.check(ctx)
}

// EnablePolling adds a consumer to a metric's poll loop.
func (e *Engine) EnablePolling(deviceID uuid.UUID, metric, consumer string) error {
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	return s.poller.enable(metric, consumer)
}

// DisablePolling removes a consumer; the loop stops with its last consumer.
func (e *Engine) DisablePolling(deviceID uuid.UUID, metric, consumer string) error {
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	return s.poller.disable(metric, consumer)
}

// ActivePolling lists metrics currently being polled.
func (e *Engine) ActivePolling(deviceID uuid.UUID) ([]string, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return nil, err
	}
	return s.poller.active(), nil
}

// SelectedMedia returns the resolver's current pick, nil when nothing is
// selected.
func (e *Engine) SelectedMedia(deviceID uuid.UUID) (*models.MediaSource, error) {
	s, err := e.session(deviceID)
	if err != nil {
		return nil, err
	}
	src, ok := s.resolver.selection()
	if !ok {
		return nil, nil
	}
	return &src, nil
}

// SetMediaOverride pins the selected media source to one entity. The pin
// survives restarts and loses only when the entity stops being valid.
func (e *Engine) SetMediaOverride(ctx context.Context, deviceID uuid.UUID, entityID string) error {
	if entityID == "" {
		return &ValidationError{Field: "entityId", Reason: "entity id is required"}
	}
	dev, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	dev.MediaOverride = entityID
	if err := e.store.UpdateDevice(ctx, dev); err != nil {
		return err
	}
	if s, err := e.session(deviceID); err == nil {
		s.resolver.recompute(ctx)
	}
	return nil
}

// ClearMediaOverride removes the pin and lets automatic selection resume.
func (e *Engine) ClearMediaOverride(ctx context.Context, deviceID uuid.UUID) error {
	dev, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	dev.MediaOverride = ""
	if err := e.store.UpdateDevice(ctx, dev); err != nil {
		return err
	}
	if s, err := e.session(deviceID); err == nil {
		s.resolver.recompute(ctx)
	}
	return nil
}

// SendDockCommand relays a management command to a dock through the device.
func (e *Engine) SendDockCommand(ctx context.Context, deviceID uuid.UUID, dockID string, cmd models.DockCommand, value string) error {
	if !cmd.Valid() {
		return &ValidationError{Field: "command", Reason: fmt.Sprintf("unknown dock command %q", cmd)}
	}
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	if _, err := e.store.GetDock(ctx, deviceID, dockID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ValidationError{Field: "dock", Reason: fmt.Sprintf("unknown dock %q", dockID)}
		}
		return err
	}

	if err := s.api.SendDockCommand(ctx, dockID, string(cmd), value); err != nil {
		return &ConnectivityError{Op: "dock command", Err: err}
	}

	if cmd == models.DockSetLEDBrightness {
		if brightness, err := strconv.Atoi(value); err == nil {
			if dock, err := e.store.GetDock(ctx, deviceID, dockID); err == nil {
				dock.LEDBrightness = brightness
				dock.UpdatedAt = e.clock.Now()
				if err := e.store.UpsertDock(ctx, dock); err != nil {
					log.Warn().Err(err).Str("dock", dockID).Msg("could not persist dock brightness")
				}
			}
		}
	}

	e.logDockEvent(ctx, deviceID, dockID, models.EventTypeCommand, models.EventLevelInfo,
		fmt.Sprintf("dock %s", cmd), models.Variables{"value": value})
	return nil
}

// SetDockPassword rotates a dock's websocket password on the device, seals
// it at rest and redials the dock channel.
func (e *Engine) SetDockPassword(ctx context.Context, deviceID uuid.UUID, dockID, password string) error {
	if password == "" {
		return &ValidationError{Field: "password", Reason: "password is required"}
	}
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	dock, err := e.store.GetDock(ctx, deviceID, dockID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &ValidationError{Field: "dock", Reason: fmt.Sprintf("unknown dock %q", dockID)}
		}
		return err
	}

	if err := s.api.UpdateDockPassword(ctx, dockID, password); err != nil {
		return &ConnectivityError{Op: "update dock password", Err: err}
	}

	sealed, err := crypto.EncryptToken(e.cfg.JWT.TokenKey, password)
	if err != nil {
		return fmt.Errorf("seal dock password: %w", err)
	}
	dock.SealedPassword = sealed
	dock.HasPassword = true
	dock.UpdatedAt = e.clock.Now()
	if err := e.store.UpsertDock(ctx, dock); err != nil {
		return err
	}

	s.dialDock(context.Background(), dock)
	return nil
}

// SendSystemCommand issues a device-global command such as STANDBY or REBOOT.
func (e *Engine) SendSystemCommand(ctx context.Context, deviceID uuid.UUID, cmd string) error {
	if !protocol.SystemCommand(cmd).Valid() {
		return &ValidationError{Field: "command", Reason: fmt.Sprintf("unknown system command %q", cmd)}
	}
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	if err := s.api.SendSystemCommand(ctx, cmd); err != nil {
		return &ConnectivityError{Op: "system command", Err: err}
	}
	e.logEvent(ctx, deviceID, models.EventTypeCommand, models.EventLevelInfo,
		fmt.Sprintf("system %s", cmd), nil)
	return nil
}

// Refresh re-pulls the device inventory on demand.
func (e *Engine) Refresh(ctx context.Context, deviceID uuid.UUID) error {
	s, err := e.session(deviceID)
	if err != nil {
		return err
	}
	return s.refresh(ctx)
}

// ---- internals ----

func (e *Engine) spawnSession(dev *models.Device) {
	api := e.newClient(dev.Host, dev.APIURL)
	e.spawnSessionWith(dev.ID, api)
}

func (e *Engine) spawnSessionWith(deviceID uuid.UUID, api DeviceAPI) {
	s := e.newSession(deviceID, api)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	e.mu.Lock()
	if old, ok := e.sessions[deviceID]; ok {
		old.cancel()
	}
	e.sessions[deviceID] = s
	e.mu.Unlock()

	go s.run(runCtx)
}

func (e *Engine) session(deviceID uuid.UUID) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[deviceID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (e *Engine) isCurrent(s *session) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[s.deviceID] == s
}

// removeSession cancels and waits out the device's session, reporting
// whether one existed.
func (e *Engine) removeSession(deviceID uuid.UUID) bool {
	e.mu.Lock()
	s, ok := e.sessions[deviceID]
	delete(e.sessions, deviceID)
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("device", deviceID.String()).Msg("session teardown timed out")
	}
	return true
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for id, s := range e.sessions {
		sessions = append(sessions, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("device", s.deviceID.String()).Msg("session teardown timed out")
		}
	}
}

// lockDevice serializes handshakes and token operations for one device.
func (e *Engine) lockDevice(deviceID uuid.UUID) func() {
	e.hsMu.Lock()
	l, ok := e.hsLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		e.hsLocks[deviceID] = l
	}
	e.hsMu.Unlock()
	l.Lock()
	return l.Unlock
}

// setDeviceState writes a state transition for a device without a session
// speaking for it.
func (e *Engine) setDeviceState(ctx context.Context, deviceID uuid.UUID, state models.ConnectionState) {
	dev, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return
	}
	dev.ConnectionState = state
	if err := e.store.UpdateDevice(ctx, dev); err != nil {
		log.Warn().Err(err).Str("device", deviceID.String()).Msg("device state update failed")
		return
	}
	payload, _ := json.Marshal(map[string]string{"state": string(state)})
	e.publish(fmt.Sprintf("device.%s.session.state", deviceID), payload)
}

func (e *Engine) publish(subject string, data []byte) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("bus publish failed")
	}
}

func (e *Engine) logEvent(ctx context.Context, deviceID uuid.UUID, typ models.EventType, level models.EventLevel, desc string, details models.Variables) {
	e.writeEventLog(ctx, &models.EventLog{
		DeviceID:    &deviceID,
		Type:        typ,
		Level:       level,
		Description: desc,
		Details:     details,
	})
}

func (e *Engine) logDockEvent(ctx context.Context, deviceID uuid.UUID, dockID string, typ models.EventType, level models.EventLevel, desc string, details models.Variables) {
	e.writeEventLog(ctx, &models.EventLog{
		DeviceID:    &deviceID,
		DockID:      &dockID,
		Type:        typ,
		Level:       level,
		Description: desc,
		Details:     details,
	})
}

func (e *Engine) writeEventLog(ctx context.Context, ev *models.EventLog) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ev.CreatedAt = e.clock.Now()
	if err := e.store.CreateEventLog(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("event log write failed")
	}
}

func levelFor(err error) models.EventLevel {
	if err != nil {
		return models.EventLevelError
	}
	return models.EventLevelInfo
}
