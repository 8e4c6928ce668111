package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// monitor tracks one firmware install at a time. Progress arrives on two
// paths, push events and REST polls, folded into a single blended percentage.
// A download that stops advancing for the stall window fails the install; an
// install that reaches 100 completes it. Terminal state stays readable until
// the next install starts.
type monitor struct {
	deviceID uuid.UUID
	api      DeviceAPI
	store    storage.Store
	clock    Clock

	stallWindow time.Duration
	pollTick    time.Duration

	mu       sync.Mutex
	state    *models.FirmwareUpdateState
	running  bool
	cancel   context.CancelFunc
	progress chan protocol.SoftwareUpdate
}

func newMonitor(deviceID uuid.UUID, api DeviceAPI, store storage.Store, clock Clock, stallWindow, pollTick time.Duration) *monitor {
	return &monitor{
		deviceID:    deviceID,
		api:         api,
		store:       store,
		clock:       clock,
		stallWindow: stallWindow,
		pollTick:    pollTick,
	}
}

// install checks availability, starts the device-side install and spawns the
// watch goroutine.
func (m *monitor) install(ctx context.Context) (*models.FirmwareUpdateState, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrUpdateActive
	}
	m.running = true
	m.mu.Unlock()
	release := func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}

	info, err := m.api.GetUpdateInfo(ctx)
	if err != nil {
		release()
		return nil, &ConnectivityError{Op: "read update info", Err: err}
	}
	if !info.UpdateAvailable {
		release()
		return nil, &ValidationError{Field: "update", Reason: "no update available"}
	}

	initial, err := m.api.InstallUpdate(ctx)
	if err != nil {
		release()
		return nil, &ConnectivityError{Op: "start install", Err: err}
	}

	now := m.clock.Now()
	state := &models.FirmwareUpdateState{
		DeviceID:       m.deviceID,
		CurrentVersion: info.CurrentVersion,
		LatestVersion:  info.LatestVersion,
		Phase:          updatePhase(initial.State),
		LastProgressAt: now,
	}
	if state.Phase == models.UpdateIdle {
		state.Phase = models.UpdateDownloading
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.state = state
	m.cancel = cancel
	m.progress = make(chan protocol.SoftwareUpdate, 8)
	m.mu.Unlock()

	go m.watch(runCtx, info.UpdateID)

	log.Info().
		Str("device", m.deviceID.String()).
		Str("from", info.CurrentVersion).
		Str("to", info.LatestVersion).
		Msg("firmware install started")

	out := *state
	return &out, nil
}

// current returns the last observed state, terminal included.
func (m *monitor) current() (*models.FirmwareUpdateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNoUpdate
	}
	out := *m.state
	return &out, nil
}

// check reads the device's update record without starting an install.
func (m *monitor) check(ctx context.Context) (*models.FirmwareUpdateState, error) {
	info, err := m.api.GetUpdateInfo(ctx)
	if err != nil {
		return nil, &ConnectivityError{Op: "read update info", Err: err}
	}
	return &models.FirmwareUpdateState{
		DeviceID:       m.deviceID,
		CurrentVersion: info.CurrentVersion,
		LatestVersion:  info.LatestVersion,
		Phase:          models.UpdateIdle,
	}, nil
}

// stop tears the watch goroutine down without touching the readable state.
func (m *monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.cancel != nil {
		m.cancel()
	}
}

// onSoftwareUpdate feeds a push-delivered progress event to the watcher.
func (m *monitor) onSoftwareUpdate(ev protocol.SoftwareUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	select {
	case m.progress <- ev:
	default:
	}
}

func (m *monitor) watch(ctx context.Context, updateID string) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.progress:
			m.apply(updatePhase(ev.State), rawPercent(ev), ev.Version)
		case <-m.clock.After(m.pollTick):
			p, err := m.api.GetUpdateProgress(ctx, updateID)
			if err != nil {
				log.Debug().Err(err).Str("device", m.deviceID.String()).Msg("update progress poll failed")
			} else {
				m.apply(updatePhase(p.State), rawProgressPercent(p), p.Version)
			}
		}
		if m.evaluate(ctx) {
			return
		}
	}
}

// apply folds a progress reading into the state. LastProgressAt only moves
// when the blended percentage does.
func (m *monitor) apply(phase models.UpdatePhase, raw int, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil || m.state.Phase.Terminal() {
		return
	}

	if phase == models.UpdateInstalling && raw >= 100 {
		phase = models.UpdateDone
	}
	if phase != models.UpdateIdle {
		m.state.Phase = phase
	}
	if version != "" {
		m.state.LatestVersion = version
	}

	blended := models.BlendProgress(m.state.Phase, raw)
	if blended > m.state.Progress {
		m.state.Progress = blended
		m.state.LastProgressAt = m.clock.Now()
	}
}

// evaluate applies the stall rule and reports whether the watch is over.
func (m *monitor) evaluate(ctx context.Context) bool {
	m.mu.Lock()
	state := m.state
	if state == nil {
		m.mu.Unlock()
		return true
	}

	if state.Phase == models.UpdateDownloading &&
		m.clock.Now().Sub(state.LastProgressAt) >= m.stallWindow {
		stall := &StallError{Window: m.stallWindow, Progress: state.Progress}
		state.Phase = models.UpdateFailed
		state.Error = stall.Error()
		m.mu.Unlock()
		log.Error().
			Str("device", m.deviceID.String()).
			Int("progress", stall.Progress).
			Dur("window", m.stallWindow).
			Msg("firmware download stalled")
		return true
	}

	terminal := state.Phase.Terminal()
	done := state.Phase == models.UpdateDone
	version := state.LatestVersion
	m.mu.Unlock()

	if done {
		m.recordVersion(ctx, version)
		log.Info().
			Str("device", m.deviceID.String()).
			Str("version", version).
			Msg("firmware install completed")
	}
	return terminal
}

// recordVersion stamps the installed version onto the device row.
func (m *monitor) recordVersion(ctx context.Context, version string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dev, err := m.store.GetDevice(ctx, m.deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device", m.deviceID.String()).Msg("could not load device for version stamp")
		return
	}
	dev.Version = version
	if err := m.store.UpdateDevice(ctx, dev); err != nil {
		log.Warn().Err(err).Str("device", m.deviceID.String()).Msg("could not record installed version")
	}
}

// updatePhase maps device-reported state strings onto the phase enum.
func updatePhase(state string) models.UpdatePhase {
	s := strings.ToUpper(strings.TrimSpace(state))
	switch {
	case strings.HasPrefix(s, "DOWNLOAD"):
		return models.UpdateDownloading
	case strings.HasPrefix(s, "INSTALL"):
		return models.UpdateInstalling
	case s == protocol.UpdateStateDone || s == "SUCCESS":
		return models.UpdateDone
	case s == protocol.UpdateStateError || s == "FAILED":
		return models.UpdateFailed
	default:
		return models.UpdateIdle
	}
}

// rawPercent picks the phase-relevant percentage from a push event.
func rawPercent(ev protocol.SoftwareUpdate) int {
	if updatePhase(ev.State) == models.UpdateInstalling {
		return ev.InstallPercent
	}
	return ev.DownloadPercent
}

// rawProgressPercent picks the phase-relevant percentage from a REST poll.
func rawProgressPercent(p *device.UpdateProgress) int {
	if updatePhase(p.State) == models.UpdateInstalling {
		return p.InstallPercent
	}
	return p.DownloadPercent
}
