package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// LearnRequest starts a guided IR capture run: the named commands are walked
// in order, each waiting for a button press on the original remote.
type LearnRequest struct {
	DeviceID uuid.UUID `json:"deviceId"`
	DockID   string    `json:"dockId"`
	Codeset  string    `json:"codeset"`
	Commands []string  `json:"commands"`
}

// learner owns at most one learning session per device. Captured codes are
// persisted command by command, so a cancelled or half-failed run still
// leaves a usable partial codeset.
type learner struct {
	deviceID uuid.UUID
	api      DeviceAPI
	store    storage.Store
	bus      Publisher
	clock    Clock

	captureTimeout time.Duration
	pollTick       time.Duration

	mu      sync.Mutex
	session *models.LearningSession
	cancel  context.CancelFunc
	capture chan protocol.IRReceive
}

func newLearner(deviceID uuid.UUID, api DeviceAPI, store storage.Store, bus Publisher, clock Clock, captureTimeout, pollTick time.Duration) *learner {
	return &learner{
		deviceID:       deviceID,
		api:            api,
		store:          store,
		bus:            bus,
		clock:          clock,
		captureTimeout: captureTimeout,
		pollTick:       pollTick,
	}
}

// start validates the request, claims the device's learning slot and kicks
// off the capture goroutine.
func (l *learner) start(ctx context.Context, req LearnRequest) (*models.LearningSession, error) {
	if len(req.Commands) == 0 {
		return nil, &ValidationError{Field: "commands", Reason: "at least one command is required"}
	}
	if req.Codeset == "" {
		return nil, &ValidationError{Field: "codeset", Reason: "codeset name is required"}
	}
	if _, err := l.store.GetDock(ctx, l.deviceID, req.DockID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Field: "dock", Reason: fmt.Sprintf("unknown dock %q", req.DockID)}
		}
		return nil, err
	}

	l.mu.Lock()
	if l.session != nil && !l.session.State.Terminal() {
		l.mu.Unlock()
		return nil, ErrLearningActive
	}

	sess := &models.LearningSession{
		ID:        uuid.New(),
		DeviceID:  l.deviceID,
		DockID:    req.DockID,
		Codeset:   req.Codeset,
		Commands:  req.Commands,
		State:     models.LearningCreated,
		Results:   make([]models.CaptureResult, len(req.Commands)),
		StartedAt: l.clock.Now(),
	}
	for i, name := range req.Commands {
		sess.Results[i] = models.CaptureResult{Command: name}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.session = sess
	l.cancel = cancel
	l.capture = make(chan protocol.IRReceive, 4)
	l.mu.Unlock()

	if err := l.ensureCodeset(ctx, req.Codeset); err != nil {
		l.finish(models.LearningCancelled)
		cancel()
		return nil, err
	}
	remoteID, err := l.ensureRemote(ctx, req.Codeset)
	if err != nil {
		l.finish(models.LearningCancelled)
		cancel()
		return nil, err
	}

	metrics.SetLearningSessions(1)
	go l.run(runCtx, sess, remoteID)

	out := *sess
	return &out, nil
}

// stop cancels the active session, if any. The run goroutine takes the dock
// out of listening mode on its way out.
func (l *learner) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.session.State.Terminal() {
		return ErrNoLearning
	}
	l.cancel()
	return nil
}

// current returns a copy of the most recent session, terminal or not.
func (l *learner) current() (*models.LearningSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return nil, ErrNoLearning
	}
	out := *l.session
	out.Results = append([]models.CaptureResult(nil), l.session.Results...)
	return &out, nil
}

// onIRReceive feeds a dock capture into the waiting session. Codes from other
// docks are ignored.
func (l *learner) onIRReceive(ev protocol.IRReceive) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.session.State.Terminal() || l.session.DockID != ev.DockID {
		return
	}
	select {
	case l.capture <- ev:
	default:
	}
}

func (l *learner) run(ctx context.Context, sess *models.LearningSession, remoteID string) {
	defer metrics.SetLearningSessions(-1)
	defer func() {
		// Leave the dock out of listening mode whatever happened.
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.api.StopIRLearning(stopCtx, sess.DockID); err != nil {
			log.Warn().Err(err).Str("dock", sess.DockID).Msg("could not stop ir learning")
		}
	}()

	for i, name := range sess.Commands {
		l.advance(sess, i, models.LearningAwaitingDock)

		if err := l.api.StartIRLearning(ctx, sess.DockID); err != nil {
			if errors.Is(err, ctx.Err()) || ctx.Err() != nil {
				l.finish(models.LearningCancelled)
				return
			}
			log.Warn().Err(err).Str("dock", sess.DockID).Str("command", name).Msg("could not arm ir learning")
			l.markTimeout(sess, i)
			continue
		}

		l.advance(sess, i, models.LearningAwaitingPress)
		l.prompt(sess, i, name)

		code, format, ok := l.await(ctx, sess.DockID)
		if ctx.Err() != nil {
			l.finish(models.LearningCancelled)
			return
		}
		if !ok {
			log.Info().
				Str("device", l.deviceID.String()).
				Str("command", name).
				Dur("window", l.captureTimeout).
				Msg("ir capture timed out")
			l.markTimeout(sess, i)
			continue
		}

		l.markCaptured(sess, i, code)
		if err := l.persistCommand(ctx, sess.Codeset, remoteID, name, code, format); err != nil {
			log.Error().Err(err).Str("command", name).Msg("could not persist captured code")
		}
		metrics.IncCapture(metrics.ResultSuccess)
	}

	l.finish(models.LearningCompleted)
	log.Info().
		Str("device", l.deviceID.String()).
		Str("codeset", sess.Codeset).
		Int("commands", len(sess.Commands)).
		Msg("learning session completed")
}

// await blocks until a code arrives on the push channel, a poll of the
// learned-code endpoint returns one, or the capture window closes.
func (l *learner) await(ctx context.Context, dockID string) (code, format string, ok bool) {
	deadline := l.clock.After(l.captureTimeout)
	for {
		select {
		case <-ctx.Done():
			return "", "", false
		case <-deadline:
			metrics.IncCapture(metrics.ResultTimeout)
			return "", "", false
		case ev := <-l.capture:
			return ev.Code, ev.Format, true
		case <-l.clock.After(l.pollTick):
			learned, err := l.api.GetLearnedCode(ctx, dockID)
			if err != nil {
				log.Debug().Err(err).Str("dock", dockID).Msg("learned-code poll failed")
				continue
			}
			if learned != nil && learned.Value != "" {
				return learned.Value, learned.Format, true
			}
		}
	}
}

// prompt tells observers which button the user should press next.
func (l *learner) prompt(sess *models.LearningSession, index int, command string) {
	if l.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"session_id": sess.ID,
		"codeset":    sess.Codeset,
		"command":    command,
		"index":      index,
		"total":      len(sess.Commands),
	})
	subject := fmt.Sprintf("device.%s.event.learning_prompt", l.deviceID)
	if err := l.bus.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("learning prompt publish failed")
	}
}

// persistCommand writes one captured code to the device's custom codeset and
// to the host store. Partial datasets are intentional.
func (l *learner) persistCommand(ctx context.Context, codeset, remoteID, name, code, format string) error {
	if format == "" {
		format = string(protocol.DetectIRFormat(code))
	}
	if err := l.api.SetRemoteCommand(ctx, remoteID, name, code, format); err != nil {
		return err
	}

	cs, err := l.store.GetCodesetByName(ctx, l.deviceID, codeset)
	if err != nil {
		return err
	}
	replaced := false
	for i, cmd := range cs.Commands {
		if cmd.Name == name {
			cs.Commands[i] = models.IRCommand{Name: name, Code: code, Format: format}
			replaced = true
			break
		}
	}
	if !replaced {
		cs.Commands = append(cs.Commands, models.IRCommand{Name: name, Code: code, Format: format})
	}
	return l.store.UpdateCodeset(ctx, cs)
}

// ensureCodeset creates the host-side codeset row on first use.
func (l *learner) ensureCodeset(ctx context.Context, name string) error {
	_, err := l.store.GetCodesetByName(ctx, l.deviceID, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	cs := &models.Codeset{
		DeviceID: l.deviceID,
		Name:     name,
		Custom:   true,
	}
	return l.store.CreateCodeset(ctx, cs)
}

// ensureRemote finds or creates the device-side remote entity backing the
// codeset and returns its id.
func (l *learner) ensureRemote(ctx context.Context, codeset string) (string, error) {
	remotes, err := l.api.GetRemotes(ctx)
	if err != nil {
		return "", &ConnectivityError{Op: "list remotes", Err: err}
	}
	for _, r := range remotes {
		if r.Name["en"] == codeset {
			return r.EntityID, nil
		}
	}
	created, err := l.api.CreateRemote(ctx, codeset, codeset, "learned codeset")
	if err != nil {
		return "", &ConnectivityError{Op: "create remote", Err: err}
	}
	return created.EntityID, nil
}

func (l *learner) advance(sess *models.LearningSession, cursor int, state models.LearningState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess.State.Terminal() {
		return
	}
	sess.Cursor = cursor
	sess.State = state
}

func (l *learner) markCaptured(sess *models.LearningSession, index int, code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess.State.Terminal() {
		return
	}
	sess.State = models.LearningCommandCaptured
	sess.Results[index].Captured = true
	sess.Results[index].Code = code
}

func (l *learner) markTimeout(sess *models.LearningSession, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess.State.Terminal() {
		return
	}
	sess.State = models.LearningCapturedTimeout
	sess.Results[index].TimedOut = true
}

func (l *learner) finish(state models.LearningState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.session.State.Terminal() {
		return
	}
	l.session.State = state
}
