package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// ButtonRequest asks the device to execute one button's mapped function.
// Activity selects the mapping context; when omitted the single running
// activity is used.
type ButtonRequest struct {
	DeviceID uuid.UUID            `json:"deviceId"`
	Activity string               `json:"activity,omitempty"`
	Button   protocol.Button      `json:"button"`
	Repeats  int                  `json:"repeats,omitempty"`
	Delay    time.Duration        `json:"delay,omitempty"`
	Hold     bool                 `json:"hold,omitempty"`
	Origin   models.CommandOrigin `json:"-"`
}

// IRRequest blasts an IR code through one dock or all of them. Either a
// stored codeset command (Codeset+Command) or a raw code (Command alone).
type IRRequest struct {
	DeviceID uuid.UUID            `json:"deviceId"`
	Codeset  string               `json:"codeset,omitempty"`
	Command  string               `json:"command"`
	Dock     string               `json:"dock,omitempty"`
	Port     string               `json:"port,omitempty"`
	Repeats  int                  `json:"repeats,omitempty"`
	Origin   models.CommandOrigin `json:"-"`
}

// ActivityUpdate edits activity options on the device.
type ActivityUpdate struct {
	DeviceID     uuid.UUID `json:"deviceId"`
	ActivityID   string    `json:"activityId"`
	PreventSleep *bool     `json:"preventSleep,omitempty"`
}

// mediaCommands is the fallback routing for transport buttons when the
// running activity carries no explicit mapping: the command goes to the
// resolver-selected media source.
var mediaCommands = map[protocol.Button]string{
	protocol.ButtonPlay:       "media_player.play",
	protocol.ButtonPause:      "media_player.pause",
	protocol.ButtonPrev:       "media_player.previous",
	protocol.ButtonNext:       "media_player.next",
	protocol.ButtonVolumeUp:   "media_player.volume_up",
	protocol.ButtonVolumeDown: "media_player.volume_down",
	protocol.ButtonMute:       "media_player.mute_toggle",
}

// commander serializes command delivery for one device. Validation and target
// resolution never touch the network; only delivery does.
type commander struct {
	deviceID uuid.UUID
	api      DeviceAPI
	store    storage.Store
	resolver *resolver
	clock    Clock

	wakeGrace time.Duration
	wakeProbe time.Duration

	mu sync.Mutex

	sendPacket func(mac string) error
	waitUp     func(ctx context.Context, probe func(context.Context) error, grace, interval time.Duration) error
}

func newCommander(deviceID uuid.UUID, api DeviceAPI, store storage.Store, res *resolver, clock Clock, wakeGrace, wakeProbe time.Duration) *commander {
	return &commander{
		deviceID:   deviceID,
		api:        api,
		store:      store,
		resolver:   res,
		clock:      clock,
		wakeGrace:  wakeGrace,
		wakeProbe:  wakeProbe,
		sendPacket: device.SendMagicPacket,
		waitUp:     device.WaitReachable,
	}
}

// sendButton validates, resolves the target entity command, then delivers the
// requested repeats sequentially. A mid-sequence failure aborts the remainder
// and the result reports how far delivery got.
func (c *commander) sendButton(ctx context.Context, dev *models.Device, req ButtonRequest) (models.CommandResult, error) {
	started := c.clock.Now()

	if !req.Button.Valid() {
		return models.CommandResult{}, &ValidationError{Field: "button", Reason: fmt.Sprintf("unknown button %q", req.Button)}
	}
	repeats := req.Repeats
	if repeats <= 0 {
		repeats = 1
	}

	target, err := c.resolveActivity(ctx, req.Activity)
	if err != nil {
		return models.CommandResult{}, err
	}
	ref, err := c.resolveButton(target, req.Button, req.Hold)
	if err != nil {
		return models.CommandResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wake(ctx, dev, req.Origin); err != nil {
		return models.CommandResult{}, err
	}

	result := models.CommandResult{Requested: repeats}
	for i := 0; i < repeats; i++ {
		if i > 0 && req.Delay > 0 {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result, ctx.Err()
			case <-c.clock.After(req.Delay):
			}
		}
		if err := c.api.SendEntityCommand(ctx, ref); err != nil {
			result.Error = err.Error()
			metrics.ObserveCommand("button", metrics.ResultError, time.Since(started))
			return result, &ConnectivityError{Op: "send command", Err: err}
		}
		result.Sent++
	}

	metrics.ObserveCommand("button", metrics.ResultSuccess, time.Since(started))
	log.Debug().
		Str("device", c.deviceID.String()).
		Str("button", req.Button.String()).
		Str("entity", ref.EntityID).
		Int("repeats", repeats).
		Msg("button delivered")
	return result, nil
}

// resolveActivity picks the mapping context. An explicit name wins; otherwise
// exactly one running activity is required.
func (c *commander) resolveActivity(ctx context.Context, explicit string) (*models.Activity, error) {
	if explicit != "" {
		act, err := c.store.GetActivity(ctx, c.deviceID, explicit)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Field: "activity", Reason: fmt.Sprintf("unknown activity %q", explicit)}
		}
		if err != nil {
			return nil, err
		}
		return act, nil
	}

	activities, err := c.store.ListActivities(ctx, c.deviceID)
	if err != nil {
		return nil, err
	}
	var on []*models.Activity
	for _, a := range activities {
		if a.On() {
			on = append(on, a)
		}
	}
	switch len(on) {
	case 0:
		return nil, &ValidationError{Field: "activity", Reason: "no activity is running"}
	case 1:
		return on[0], nil
	default:
		names := make([]string, len(on))
		for i, a := range on {
			names[i] = a.ActivityID
		}
		return nil, &AmbiguousTargetError{Candidates: names}
	}
}

// resolveButton maps the button through the activity's button table; media
// transport buttons fall back to the selected media source.
func (c *commander) resolveButton(target *models.Activity, b protocol.Button, hold bool) (device.EntityCommandRef, error) {
	var ref device.EntityCommandRef
	if bm, ok := target.Buttons.Command(b); ok {
		ref = device.EntityCommandRef{EntityID: bm.EntityID, CmdID: bm.Command}
	} else if cmd, ok := mediaCommands[b]; ok {
		src, ok := c.resolver.selection()
		if !ok {
			return ref, &ValidationError{Field: "button", Reason: fmt.Sprintf("%s is not mapped in %s and no media source is selected", b, target.ActivityID)}
		}
		ref = device.EntityCommandRef{EntityID: src.EntityID, CmdID: cmd}
	} else {
		return ref, &ValidationError{Field: "button", Reason: fmt.Sprintf("%s is not mapped in activity %s", b, target.ActivityID)}
	}
	if hold {
		ref.Params = map[string]interface{}{"hold": true}
	}
	return ref, nil
}

// sendIR resolves the code and emitter set, then sends per emitter. Repeats
// ride in the request body; the device replays natively.
func (c *commander) sendIR(ctx context.Context, dev *models.Device, req IRRequest) (models.CommandResult, error) {
	started := c.clock.Now()

	send, err := c.resolveIRCode(ctx, req)
	if err != nil {
		return models.CommandResult{}, err
	}
	if req.Repeats > 1 {
		send.Repeat = req.Repeats
	}
	if req.Port != "" {
		mask, err := protocol.IRPort(req.Port).Mask()
		if err != nil {
			return models.CommandResult{}, &ValidationError{Field: "port", Reason: err.Error()}
		}
		send.PortID = mask
	}

	emitters, err := c.resolveEmitters(ctx, req.Dock)
	if err != nil {
		return models.CommandResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wake(ctx, dev, req.Origin); err != nil {
		return models.CommandResult{}, err
	}

	result := models.CommandResult{Requested: len(emitters)}
	for _, emitterID := range emitters {
		if err := c.api.SendIR(ctx, emitterID, send); err != nil {
			result.Error = err.Error()
			metrics.ObserveCommand("ir", metrics.ResultError, time.Since(started))
			return result, &ConnectivityError{Op: "send ir", Err: err}
		}
		result.Sent++
	}

	metrics.ObserveCommand("ir", metrics.ResultSuccess, time.Since(started))
	log.Debug().
		Str("device", c.deviceID.String()).
		Str("command", req.Command).
		Int("emitters", len(emitters)).
		Msg("ir delivered")
	return result, nil
}

func (c *commander) resolveIRCode(ctx context.Context, req IRRequest) (device.IRSend, error) {
	if req.Command == "" {
		return device.IRSend{}, &ValidationError{Field: "command", Reason: "command is required"}
	}
	if req.Codeset != "" {
		cs, err := c.store.GetCodesetByName(ctx, c.deviceID, req.Codeset)
		if errors.Is(err, storage.ErrNotFound) {
			return device.IRSend{}, &ValidationError{Field: "codeset", Reason: fmt.Sprintf("unknown codeset %q", req.Codeset)}
		}
		if err != nil {
			return device.IRSend{}, err
		}
		cmd, ok := cs.Commands.Find(req.Command)
		if !ok {
			return device.IRSend{}, &ValidationError{Field: "command", Reason: fmt.Sprintf("codeset %q has no command %q", req.Codeset, req.Command)}
		}
		return device.IRSend{Code: cmd.Code, Format: cmd.Format}, nil
	}

	format := protocol.DetectIRFormat(req.Command)
	if format == protocol.IRFormatUnknown {
		return device.IRSend{}, &ValidationError{Field: "command", Reason: "raw code is neither PRONTO nor HEX"}
	}
	return device.IRSend{Code: req.Command, Format: string(format)}, nil
}

func (c *commander) resolveEmitters(ctx context.Context, dockID string) ([]string, error) {
	if dockID != "" {
		if _, err := c.store.GetDock(ctx, c.deviceID, dockID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &ValidationError{Field: "dock", Reason: fmt.Sprintf("unknown dock %q", dockID)}
			}
			return nil, err
		}
		return []string{dockID}, nil
	}

	docks, err := c.store.ListDocks(ctx, c.deviceID)
	if err != nil {
		return nil, err
	}
	if len(docks) == 0 {
		return nil, &ValidationError{Field: "dock", Reason: "device has no docks"}
	}
	out := make([]string, len(docks))
	for i, d := range docks {
		out[i] = d.DockID
	}
	return out, nil
}

// updateActivity pushes option edits and refreshes the cached row.
func (c *commander) updateActivity(ctx context.Context, req ActivityUpdate) error {
	act, err := c.store.GetActivity(ctx, c.deviceID, req.ActivityID)
	if errors.Is(err, storage.ErrNotFound) {
		return &ValidationError{Field: "activity", Reason: fmt.Sprintf("unknown activity %q", req.ActivityID)}
	}
	if err != nil {
		return err
	}
	if req.PreventSleep == nil {
		return &ValidationError{Field: "preventSleep", Reason: "no option to update"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	options := map[string]interface{}{"prevent_sleep": *req.PreventSleep}
	if err := c.api.UpdateActivityOptions(ctx, req.ActivityID, options); err != nil {
		return &ConnectivityError{Op: "update activity", Err: err}
	}

	act.PreventSleep = *req.PreventSleep
	act.UpdatedAt = c.clock.Now()
	return c.store.UpsertActivity(ctx, act)
}

// wake runs the Wake-on-LAN pre-flight. Background traffic never wakes a
// sleeping device.
func (c *commander) wake(ctx context.Context, dev *models.Device, origin models.CommandOrigin) error {
	if origin != models.OriginUser || !dev.WakeOnLAN || dev.MACAddress == "" {
		return nil
	}
	if err := c.api.Reachable(ctx); err == nil {
		return nil
	}
	log.Debug().
		Str("device", c.deviceID.String()).
		Str("mac", dev.MACAddress).
		Msg("device unreachable, sending wake packet")
	if err := c.sendPacket(dev.MACAddress); err != nil {
		return &ConnectivityError{Op: "wake", Err: err}
	}
	metrics.IncWakePacket()
	if err := c.waitUp(ctx, c.api.Reachable, c.wakeGrace, c.wakeProbe); err != nil {
		return &ConnectivityError{Op: "wake", Err: err}
	}
	return nil
}
