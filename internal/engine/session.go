package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/pkg/crypto"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// Identity this host presents to devices. The driver id doubles as the
// external-system name the host token is filed under.
const (
	driverID       = "remotesync"
	externalSystem = "remotesync"
	hostName       = "RemoteSync Host"
	hostVersion    = "1.0.0"
)

// session is one device's live connection: REST client, push channel, dock
// channels and the per-device workers hanging off them. Sessions are created
// by the engine and run until cancelled; the run loop owns every state
// transition.
type session struct {
	deviceID uuid.UUID
	eng      *Engine
	api      DeviceAPI

	dispatcher *dispatcher
	resolver   *resolver
	commander  *commander
	negotiator *negotiator
	learner    *learner
	monitor    *monitor
	poller     *poller

	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	state         models.ConnectionState
	apiKey        string
	integrationID string
	channel       EventChannel
	docks         map[string]DockStream
	driverSub     chan struct{}
}

func (e *Engine) newSession(deviceID uuid.UUID, api DeviceAPI) *session {
	s := &session{
		deviceID:   deviceID,
		eng:        e,
		api:        api,
		dispatcher: newDispatcher(deviceID, e.bus),
		done:       make(chan struct{}),
		docks:      make(map[string]DockStream),
		state:      models.StateUnauthenticated,
	}
	s.resolver = newResolver(deviceID, e.store, e.bus, e.clock)
	s.commander = newCommander(deviceID, api, e.store, s.resolver, e.clock,
		e.cfg.Sync.WakeGracePeriod, e.cfg.Sync.WakeProbeInterval)
	s.negotiator = newNegotiator(deviceID, api, e.store, e.clock,
		e.cfg.Sync.SettleDelay, e.cfg.Sync.NegotiateRetries)
	s.learner = newLearner(deviceID, api, e.store, e.bus, e.clock,
		e.cfg.Sync.CaptureTimeout, e.cfg.Sync.CapturePollTick)
	s.monitor = newMonitor(deviceID, api, e.store, e.clock,
		e.cfg.Sync.StallWindow, e.cfg.Sync.UpdatePollTick)
	s.poller = newPoller(deviceID, api, e.store, e.bus, e.clock, e.cfg.Sync.PollInterval)
	s.wire()
	return s
}

// run drives the session lifecycle: handshake, watch the channel, reconnect
// with capped exponential backoff. Authentication failures stop the loop;
// everything else retries.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	backoff := s.eng.cfg.Sync.HandshakeBackoffBase
	for {
		err := s.handshake(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = s.eng.cfg.Sync.HandshakeBackoffBase

			lost := s.watchChannel(ctx)
			if !lost {
				return
			}
			metrics.IncReconnect()
			s.setState(ctx, models.StateReconnecting)
			s.eng.logEvent(ctx, s.deviceID, models.EventTypeReconnect, models.EventLevelWarning,
				"push channel lost, reconnecting", nil)
			select {
			case <-ctx.Done():
				return
			case <-s.eng.clock.After(s.eng.cfg.Sync.ReconnectDelay):
			}
			continue
		}

		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			metrics.IncHandshake(metrics.ResultError)
			s.setState(ctx, models.StateAuthFailed)
			s.publishAuthRequired(authErr.Reason)
			s.eng.logEvent(ctx, s.deviceID, models.EventTypeAuthFailed, models.EventLevelError,
				authErr.Reason, nil)
			return
		}

		metrics.IncHandshake(metrics.ResultError)
		log.Warn().Err(err).
			Str("device", s.deviceID.String()).
			Dur("backoff", backoff).
			Msg("handshake failed, backing off")
		s.setState(ctx, models.StateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-s.eng.clock.After(backoff):
		}
		backoff *= 2
		if max := s.eng.cfg.Sync.HandshakeBackoffMax; backoff > max {
			backoff = max
		}
	}
}

// handshake walks the full synchronization sequence under the engine's
// per-device lock, so two sessions can never race token installation.
func (s *session) handshake(ctx context.Context) error {
	unlock := s.eng.lockDevice(s.deviceID)
	defer unlock()

	dev, err := s.eng.store.GetDevice(ctx, s.deviceID)
	if err != nil {
		return err
	}

	// Stored device token. A session without one needs a fresh PIN pairing.
	if dev.SealedToken == "" {
		return &AuthenticationError{Reason: "no stored device token, pair with a PIN"}
	}
	apiKey, err := crypto.DecryptToken(s.eng.cfg.JWT.TokenKey, dev.SealedToken)
	if err != nil {
		return &AuthenticationError{Reason: "stored device token is unreadable"}
	}
	s.api.SetAPIKey(apiKey)
	s.mu.Lock()
	s.apiKey = apiKey
	s.driverSub = make(chan struct{})
	driverSub := s.driverSub
	s.mu.Unlock()

	// Host token: revoke every predecessor before minting, so exactly one
	// driver token is live per device.
	jwt, record, err := s.eng.tokens.GenerateDriverToken(dev)
	if err != nil {
		return fmt.Errorf("mint driver token: %w", err)
	}
	if err := s.eng.store.RevokeDriverTokens(ctx, s.deviceID); err != nil {
		return fmt.Errorf("revoke driver tokens: %w", err)
	}
	if err := s.eng.store.CreateDriverToken(ctx, record); err != nil {
		return fmt.Errorf("store driver token: %w", err)
	}
	s.setState(ctx, models.StateHostTokenIssued)

	wsURL := driverWSURL(s.eng.cfg.API.ExternalURL)
	err = s.api.SetExternalSystemToken(ctx, externalSystem, device.ExternalToken{
		TokenID:     record.ID,
		Token:       jwt,
		Name:        hostName,
		Description: "host synchronization token",
		URL:         wsURL,
	})
	if err != nil {
		return s.mapAuthErr("install host token", err)
	}

	// Driver registration. The device forwards the token to its driver
	// asynchronously, so the integration instance is polled into view.
	_, err = s.api.RegisterDriver(ctx, device.DriverRegistration{
		DriverID: driverID,
		Name:     map[string]string{"en": hostName},
		URL:      wsURL,
		Token:    jwt,
		Version:  hostVersion,
	})
	if err != nil {
		return s.mapAuthErr("register driver", err)
	}
	if err := s.api.StartDriver(ctx, driverID); err != nil {
		log.Warn().Err(err).Str("device", s.deviceID.String()).Msg("driver start returned error")
	}

	integrationID, err := s.pollIntegration(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.integrationID = integrationID
	s.mu.Unlock()

	if err := s.api.ConnectIntegration(ctx, integrationID); err != nil {
		return s.mapAuthErr("connect integration", err)
	}
	if _, err := s.api.ReloadEntities(ctx, integrationID); err != nil {
		return s.mapAuthErr("reload entities", err)
	}
	s.setState(ctx, models.StateAwaitingDriverRegistration)

	// The driver proves liveness by opening our websocket and subscribing.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-driverSub:
	case <-s.eng.clock.After(s.eng.cfg.Sync.DriverSubscribeWait):
		return &ConnectivityError{Op: "await driver subscription", Err: errors.New("driver never subscribed")}
	}
	s.setState(ctx, models.StateSynchronized)

	ch, err := s.eng.dialChannel(ctx, s.api.WSEndpoint(), apiKey)
	if err != nil {
		return s.mapAuthErr("open push channel", err)
	}
	if err := ch.Subscribe(protocol.DefaultEventChannels); err != nil {
		ch.Close()
		return &ConnectivityError{Op: "subscribe events", Err: err}
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
	metrics.SetConnectedChannels(1)
	go s.dispatcher.run(ctx, ch.Frames(), ch.Done())

	s.setState(ctx, models.StateConnected)
	metrics.IncHandshake(metrics.ResultSuccess)
	s.eng.logEvent(ctx, s.deviceID, models.EventTypeConnect, models.EventLevelInfo,
		"device session established", nil)

	if err := s.refresh(ctx); err != nil {
		log.Warn().Err(err).Str("device", s.deviceID.String()).Msg("post-connect refresh failed")
	}
	s.dialDocks(ctx)
	return nil
}

// pollIntegration waits for the device to materialize the driver's
// integration instance.
func (s *session) pollIntegration(ctx context.Context) (string, error) {
	attempts := s.eng.cfg.Sync.DriverPollAttempts
	var lastErr error
	for i := 0; i < attempts; i++ {
		inst, err := s.api.GetIntegrationByDriver(ctx, driverID)
		if err == nil {
			return inst.IntegrationID, nil
		}
		if errors.Is(err, device.ErrUnauthorized) {
			return "", &AuthenticationError{Reason: "device rejected stored token"}
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.eng.clock.After(s.eng.cfg.Sync.DriverPollInterval):
		}
	}
	return "", &ConnectivityError{Op: "await driver integration", Err: lastErr}
}

// watchChannel blocks until the push channel drops (true) or the session is
// cancelled (false).
func (s *session) watchChannel(ctx context.Context) bool {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-ch.Done():
		s.mu.Lock()
		if s.channel == ch {
			s.channel = nil
		}
		s.mu.Unlock()
		metrics.SetConnectedChannels(-1)
		s.closeDocks()
		return true
	}
}

// wire registers the dispatcher listeners feeding the per-device workers.
// Registration happens once per session; handshake reruns reuse them.
func (s *session) wire() {
	s.dispatcher.on(protocol.EventEntityChange, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.EntityChange
		if err := f.Decode(&ev); err != nil {
			log.Warn().Err(err).Msg("bad entity_change payload")
			return
		}
		s.resolver.onEntityChange(ctx, ev)
	})

	s.dispatcher.on(protocol.EventActivityChange, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.ActivityChange
		if err := f.Decode(&ev); err != nil {
			log.Warn().Err(err).Msg("bad activity_change payload")
			return
		}
		s.applyActivityChange(ctx, ev)
		s.resolver.onActivityChange(ctx)
	})

	s.dispatcher.on(protocol.EventBatteryStatus, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.BatteryStatus
		if err := f.Decode(&ev); err != nil {
			return
		}
		s.poller.notePush()
		s.applyBattery(ctx, ev)
	})

	s.dispatcher.on(protocol.EventAmbientLight, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.AmbientLight
		if err := f.Decode(&ev); err != nil {
			return
		}
		s.mutateDevice(ctx, func(dev *models.Device) {
			dev.AmbientLight = &ev.Intensity
		})
	})

	s.dispatcher.on(protocol.EventPowerModeChange, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.PowerModeChange
		if err := f.Decode(&ev); err != nil {
			return
		}
		s.mutateDevice(ctx, func(dev *models.Device) {
			dev.PowerMode = ev.Mode
		})
	})

	s.dispatcher.on(protocol.EventConfigChange, func(ctx context.Context, f *protocol.Frame) {
		s.eng.logEvent(ctx, s.deviceID, models.EventTypeConfig, models.EventLevelInfo,
			"device configuration changed, refreshing", nil)
		go func() {
			if err := s.refresh(context.Background()); err != nil {
				log.Warn().Err(err).Str("device", s.deviceID.String()).Msg("config-change refresh failed")
			}
		}()
	})

	s.dispatcher.on(protocol.EventSoftwareUpdate, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.SoftwareUpdate
		if err := f.Decode(&ev); err != nil {
			return
		}
		s.monitor.onSoftwareUpdate(ev)
	})

	s.dispatcher.on(protocol.EventIRReceive, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.IRReceive
		if err := f.Decode(&ev); err != nil {
			return
		}
		s.learner.onIRReceive(ev)
	})

	s.dispatcher.on(protocol.EventAvailability, func(ctx context.Context, f *protocol.Frame) {
		var ev protocol.Availability
		if err := f.Decode(&ev); err != nil {
			return
		}
		if ev.Available {
			s.mutateDevice(ctx, func(dev *models.Device) {
				now := s.eng.clock.Now()
				dev.LastSeenAt = &now
			})
		}
	})
}

// applyActivityChange persists one activity run-state transition. The
// OFF→ON edge stamps LastActiveAt for the resolver's recency rule.
func (s *session) applyActivityChange(ctx context.Context, ev protocol.ActivityChange) {
	act, err := s.eng.store.GetActivity(ctx, s.deviceID, ev.ActivityID)
	if err != nil {
		log.Debug().Err(err).Str("activity", ev.ActivityID).Msg("activity change for unknown activity")
		return
	}
	newState := models.ActivityState(strings.ToUpper(ev.State))
	if newState == models.ActivityOn && act.State != models.ActivityOn {
		now := s.eng.clock.Now()
		act.LastActiveAt = &now
	}
	act.State = newState
	act.UpdatedAt = s.eng.clock.Now()
	if err := s.eng.store.UpsertActivity(ctx, act); err != nil {
		log.Warn().Err(err).Str("activity", ev.ActivityID).Msg("could not persist activity change")
	}
}

func (s *session) applyBattery(ctx context.Context, ev protocol.BatteryStatus) {
	s.mutateDevice(ctx, func(dev *models.Device) {
		now := s.eng.clock.Now()
		dev.BatteryLevel = &ev.Capacity
		dev.BatteryStatus = ev.Status
		dev.Charging = ev.PowerSupply
		dev.BatteryUpdate = &now
	})
}

func (s *session) mutateDevice(ctx context.Context, fn func(*models.Device)) {
	dev, err := s.eng.store.GetDevice(ctx, s.deviceID)
	if err != nil {
		return
	}
	fn(dev)
	if err := s.eng.store.UpdateDevice(ctx, dev); err != nil {
		log.Warn().Err(err).Str("device", s.deviceID.String()).Msg("device row update failed")
	}
}

// refresh pulls the device's current inventory: identity, activities, groups
// and docks, then rebinds the resolver.
func (s *session) refresh(ctx context.Context) error {
	if info, err := s.api.GetInfo(ctx); err == nil {
		s.mutateDevice(ctx, func(dev *models.Device) {
			if v := info.Version(); v != "" {
				dev.Version = v
			}
			if dev.Name == "" {
				dev.Name = info.DeviceName
			}
		})
	}

	groups, err := s.api.GetActivityGroups(ctx)
	if err != nil {
		return s.mapAuthErr("list activity groups", err)
	}
	groupOf := make(map[string]string)
	for _, g := range groups {
		members := make(models.StringList, 0, len(g.Activities))
		for _, a := range g.Activities {
			members = append(members, a.EntityID)
			groupOf[a.EntityID] = g.GroupID
		}
		err := s.eng.store.UpsertActivityGroup(ctx, &models.ActivityGroup{
			GroupID:     g.GroupID,
			DeviceID:    s.deviceID,
			Name:        g.Name["en"],
			ActivityIDs: members,
		})
		if err != nil {
			log.Warn().Err(err).Str("group", g.GroupID).Msg("could not persist activity group")
		}
	}

	infos, err := s.api.GetActivities(ctx)
	if err != nil {
		return s.mapAuthErr("list activities", err)
	}

	bindings := make(map[string]string)
	for _, info := range infos {
		detail, err := s.api.GetActivity(ctx, info.EntityID)
		if err != nil {
			log.Warn().Err(err).Str("activity", info.EntityID).Msg("could not read activity detail")
			continue
		}
		s.persistActivity(ctx, detail, groupOf[info.EntityID])

		on := models.ActivityState(strings.ToUpper(detail.Attributes.State)) == models.ActivityOn
		for _, ent := range detail.Options.IncludedEntities {
			if _, seen := bindings[ent.EntityID]; !seen || on {
				bindings[ent.EntityID] = detail.EntityID
			}
		}
	}
	s.resolver.setBindings(bindings)

	docks, err := s.api.GetDocks(ctx)
	if err != nil {
		return s.mapAuthErr("list docks", err)
	}
	for _, d := range docks {
		existing, err := s.eng.store.GetDock(ctx, s.deviceID, d.DockID)
		row := &models.Dock{
			DockID:   d.DockID,
			DeviceID: s.deviceID,
			Name:     d.Name,
		}
		if err == nil {
			row.Host = existing.Host
			row.SealedPassword = existing.SealedPassword
			row.HasPassword = existing.HasPassword
			row.LEDBrightness = existing.LEDBrightness
		}
		row.UpdatedAt = s.eng.clock.Now()
		if err := s.eng.store.UpsertDock(ctx, row); err != nil {
			log.Warn().Err(err).Str("dock", d.DockID).Msg("could not persist dock")
		}
	}

	return nil
}

// persistActivity maps a device activity detail onto the cached row,
// preserving LastActiveAt except on an observed OFF→ON edge.
func (s *session) persistActivity(ctx context.Context, detail *device.ActivityDetail, groupID string) {
	row := &models.Activity{
		ActivityID:   detail.EntityID,
		DeviceID:     s.deviceID,
		Name:         detail.Name["en"],
		GroupID:      groupID,
		State:        models.ActivityState(strings.ToUpper(detail.Attributes.State)),
		PreventSleep: detail.Options.PreventSleep,
		UpdatedAt:    s.eng.clock.Now(),
	}
	for _, bm := range detail.Options.ButtonMapping {
		if bm.ShortPress == nil {
			continue
		}
		row.Buttons = append(row.Buttons, models.ButtonMapping{
			Button:   protocol.Button(bm.Button),
			EntityID: bm.ShortPress.EntityID,
			Command:  bm.ShortPress.CmdID,
		})
	}

	if existing, err := s.eng.store.GetActivity(ctx, s.deviceID, detail.EntityID); err == nil {
		row.LastActiveAt = existing.LastActiveAt
		if row.State == models.ActivityOn && existing.State != models.ActivityOn {
			now := s.eng.clock.Now()
			row.LastActiveAt = &now
		}
	} else if row.State == models.ActivityOn {
		now := s.eng.clock.Now()
		row.LastActiveAt = &now
	}

	if err := s.eng.store.UpsertActivity(ctx, row); err != nil {
		log.Warn().Err(err).Str("activity", detail.EntityID).Msg("could not persist activity")
	}
}

// dialDocks opens a push channel to every dock with stored credentials.
// Docks without a password stay REST-only.
func (s *session) dialDocks(ctx context.Context) {
	docks, err := s.eng.store.ListDocks(ctx, s.deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device", s.deviceID.String()).Msg("could not list docks for dialing")
		return
	}
	for _, d := range docks {
		if !d.HasPassword || d.SealedPassword == "" {
			continue
		}
		s.dialDock(ctx, d)
	}
}

func (s *session) dialDock(ctx context.Context, d *models.Dock) {
	password, err := crypto.DecryptToken(s.eng.cfg.JWT.TokenKey, d.SealedPassword)
	if err != nil {
		log.Warn().Err(err).Str("dock", d.DockID).Msg("stored dock password is unreadable")
		return
	}
	detail, err := s.api.GetDockInfo(ctx, d.DockID)
	if err != nil {
		log.Warn().Err(err).Str("dock", d.DockID).Msg("could not resolve dock endpoint")
		return
	}
	stream, err := s.eng.dialDock(ctx, detail.WSEndpoint, d.DockID, password)
	if err != nil {
		log.Warn().Err(err).Str("dock", d.DockID).Msg("dock dial failed")
		return
	}

	s.mu.Lock()
	if old, ok := s.docks[d.DockID]; ok {
		old.Close()
	}
	s.docks[d.DockID] = stream
	s.mu.Unlock()

	go s.pumpDock(ctx, stream)
	log.Info().Str("dock", d.DockID).Str("device", s.deviceID.String()).Msg("dock channel open")
}

// pumpDock feeds dock frames through the same dispatcher as device frames.
func (s *session) pumpDock(ctx context.Context, stream DockStream) {
	for {
		select {
		case <-ctx.Done():
			stream.Close()
			return
		case <-stream.Done():
			s.mu.Lock()
			if s.docks[stream.DockID()] == stream {
				delete(s.docks, stream.DockID())
			}
			s.mu.Unlock()
			return
		case f, ok := <-stream.Frames():
			if !ok {
				return
			}
			s.dispatcher.route(ctx, &f)
		}
	}
}

func (s *session) closeDocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stream := range s.docks {
		stream.Close()
		delete(s.docks, id)
	}
}

// setState records a transition in memory, on the device row and on the bus.
// A superseded session stops publishing the moment it is replaced.
func (s *session) setState(ctx context.Context, state models.ConnectionState) {
	if !s.eng.isCurrent(s) {
		return
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.mutateDevice(ctx, func(dev *models.Device) {
		dev.ConnectionState = state
		if state == models.StateConnected {
			now := s.eng.clock.Now()
			dev.LastSeenAt = &now
		}
	})

	payload, _ := json.Marshal(map[string]string{"state": string(state)})
	s.eng.publish(fmt.Sprintf("device.%s.session.state", s.deviceID), payload)
	log.Info().
		Str("device", s.deviceID.String()).
		Str("state", string(state)).
		Msg("session state")
}

func (s *session) currentState() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) currentIntegration() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrationID
}

// driverSubscribed signals the handshake that the device driver opened the
// host websocket. Repeat signals are harmless.
func (s *session) driverSubscribed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driverSub == nil {
		return
	}
	select {
	case <-s.driverSub:
	default:
		close(s.driverSub)
	}
}

func (s *session) publishAuthRequired(reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	s.eng.publish(fmt.Sprintf("device.%s.event.auth_required", s.deviceID), payload)
}

// teardown closes transports and stops workers. State rows are left for the
// successor (or the disconnect caller) to finalize.
func (s *session) teardown() {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
		metrics.SetConnectedChannels(-1)
	}
	s.closeDocks()
	s.poller.stopAll()
	s.monitor.stop()
	if err := s.learner.stop(); err == nil {
		log.Debug().Str("device", s.deviceID.String()).Msg("learning session cancelled by teardown")
	}
}

// mapAuthErr turns a device 401/403 into the terminal authentication error;
// anything else stays transient.
func (s *session) mapAuthErr(op string, err error) error {
	if errors.Is(err, device.ErrUnauthorized) {
		return &AuthenticationError{Reason: "device rejected stored token"}
	}
	return &ConnectivityError{Op: op, Err: err}
}

// driverWSURL converts the host's external HTTP URL into the driver
// websocket endpoint handed to devices.
func driverWSURL(external string) string {
	u := strings.TrimSuffix(external, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/driver"
}
