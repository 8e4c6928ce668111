package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

type commanderFixture struct {
	cmd   *commander
	api   *fakeAPI
	store *storage.MemoryStore
	res   *resolver
	dev   *models.Device
}

func newCommanderFixture(t *testing.T) *commanderFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	dev := &models.Device{Name: "Living Room Remote", Host: "10.0.0.9"}
	if err := store.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	api := &fakeAPI{}
	res := newResolver(dev.ID, store, &fakeBus{}, systemClock{})
	cmd := newCommander(dev.ID, api, store, res, systemClock{},
		30*time.Millisecond, 2*time.Millisecond)
	return &commanderFixture{cmd: cmd, api: api, store: store, res: res, dev: dev}
}

func (f *commanderFixture) addActivity(t *testing.T, id string, state models.ActivityState, buttons ...models.ButtonMapping) {
	t.Helper()
	act := &models.Activity{
		ActivityID: id,
		DeviceID:   f.dev.ID,
		Name:       id,
		State:      state,
		Buttons:    buttons,
	}
	if state == models.ActivityOn {
		now := time.Now()
		act.LastActiveAt = &now
	}
	if err := f.store.UpsertActivity(context.Background(), act); err != nil {
		t.Fatalf("seed activity %s: %v", id, err)
	}
}

func (f *commanderFixture) addDock(t *testing.T, id string) {
	t.Helper()
	dock := &models.Dock{DockID: id, DeviceID: f.dev.ID, Name: id}
	if err := f.store.UpsertDock(context.Background(), dock); err != nil {
		t.Fatalf("seed dock %s: %v", id, err)
	}
}

func powerMapping() models.ButtonMapping {
	return models.ButtonMapping{Button: protocol.ButtonPower, EntityID: "switch.tv_power", Command: "toggle"}
}

func TestSendButtonMappedCommand(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())

	res, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		DeviceID: f.dev.ID,
		Button:   protocol.ButtonPower,
		Repeats:  3,
	})
	if err != nil {
		t.Fatalf("sendButton: %v", err)
	}
	if res.Requested != 3 || res.Sent != 3 || !res.Complete() {
		t.Errorf("result = %+v, want 3/3 complete", res)
	}

	f.api.mu.Lock()
	sent := f.api.commands
	f.api.mu.Unlock()
	if len(sent) != 3 {
		t.Fatalf("device received %d commands, want 3", len(sent))
	}
	for _, c := range sent {
		if c.EntityID != "switch.tv_power" || c.CmdID != "toggle" {
			t.Errorf("command = %+v, want switch.tv_power/toggle", c)
		}
	}
}

func TestSendButtonValidation(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())

	cases := []struct {
		name string
		req  ButtonRequest
	}{
		{"unknown button", ButtonRequest{Button: "BLAST_OFF"}},
		{"unknown activity", ButtonRequest{Button: protocol.ButtonPower, Activity: "act.nope"}},
		{"unmapped button", ButtonRequest{Button: protocol.ButtonHome}},
	}
	for _, c := range cases {
		_, err := f.cmd.sendButton(context.Background(), f.dev, c.req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", c.name, err)
		}
	}
	if n := f.api.totalCalls(); n != 0 {
		t.Errorf("validation failures reached the network: %d calls", n)
	}
}

func TestSendButtonNoActivityRunning(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOff, powerMapping())

	_, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{Button: protocol.ButtonPower})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if n := f.api.totalCalls(); n != 0 {
		t.Errorf("network touched with nothing running: %d calls", n)
	}
}

// Two running activities and no explicit choice: the commander must refuse
// without any device traffic, naming the candidates.
func TestSendButtonAmbiguousActivities(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())
	f.addActivity(t, "act.listen_music", models.ActivityOn, powerMapping())

	_, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{Button: protocol.ButtonPower})
	var aerr *AmbiguousTargetError
	if !errors.As(err, &aerr) {
		t.Fatalf("err = %v, want AmbiguousTargetError", err)
	}
	if len(aerr.Candidates) != 2 {
		t.Errorf("candidates = %v, want both running activities", aerr.Candidates)
	}
	if n := f.api.totalCalls(); n != 0 {
		t.Errorf("ambiguous dispatch reached the network: %d calls", n)
	}

	// Explicit selection resolves the ambiguity.
	res, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button:   protocol.ButtonPower,
		Activity: "act.watch_tv",
	})
	if err != nil || res.Sent != 1 {
		t.Errorf("explicit activity: result %+v, err %v", res, err)
	}
}

func TestSendButtonMediaFallback(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.listen_music", models.ActivityOn)
	f.res.setBindings(map[string]string{"media_player.spotify": "act.listen_music"})
	f.res.onEntityChange(context.Background(), protocol.EntityChange{
		EntityID: "media_player.spotify", EntityType: "media_player", NewState: "PLAYING",
	})

	res, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{Button: protocol.ButtonPlay})
	if err != nil {
		t.Fatalf("sendButton: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	f.api.mu.Lock()
	sent := f.api.commands
	f.api.mu.Unlock()
	if len(sent) != 1 || sent[0].EntityID != "media_player.spotify" || sent[0].CmdID != "media_player.play" {
		t.Errorf("command = %+v, want selected source and media_player.play", sent)
	}
}

func TestSendButtonMediaFallbackNeedsSelection(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.listen_music", models.ActivityOn)

	_, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{Button: protocol.ButtonPlay})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError with no media source", err)
	}
}

func TestSendButtonHold(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())

	if _, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button: protocol.ButtonPower,
		Hold:   true,
	}); err != nil {
		t.Fatalf("sendButton: %v", err)
	}
	f.api.mu.Lock()
	sent := f.api.commands
	f.api.mu.Unlock()
	if len(sent) != 1 || sent[0].Params["hold"] != true {
		t.Errorf("command = %+v, want hold param", sent)
	}
}

// A mid-sequence failure aborts the rest and reports partial delivery.
func TestSendButtonPartialDelivery(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())
	f.api.cmdErr = errors.New("device rebooted")
	f.api.cmdErrAfter = 1

	res, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button:  protocol.ButtonPower,
		Repeats: 3,
		Delay:   time.Millisecond,
	})
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConnectivityError", err)
	}
	if res.Requested != 3 || res.Sent != 1 || res.Complete() {
		t.Errorf("result = %+v, want 1 of 3 sent", res)
	}
	if res.Error == "" {
		t.Error("partial result carries no error description")
	}
	if n := f.api.callCount("SendEntityCommand"); n != 2 {
		t.Errorf("delivery attempts = %d, want 2 (second failed, third skipped)", n)
	}
}

func TestWakeOnLANPreFlight(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())
	f.dev.WakeOnLAN = true
	f.dev.MACAddress = "aa:bb:cc:dd:ee:ff"
	f.api.reachableErr = errors.New("no route to host")

	var gotMAC string
	f.cmd.sendPacket = func(mac string) error {
		gotMAC = mac
		f.api.mu.Lock()
		f.api.reachableErr = nil
		f.api.mu.Unlock()
		return nil
	}

	res, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button: protocol.ButtonPower,
		Origin: models.OriginUser,
	})
	if err != nil {
		t.Fatalf("sendButton: %v", err)
	}
	if gotMAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("magic packet mac = %q", gotMAC)
	}
	if res.Sent != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestWakeSkippedWhenReachable(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())
	f.dev.WakeOnLAN = true
	f.dev.MACAddress = "aa:bb:cc:dd:ee:ff"

	woken := false
	f.cmd.sendPacket = func(mac string) error {
		woken = true
		return nil
	}

	if _, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button: protocol.ButtonPower,
		Origin: models.OriginUser,
	}); err != nil {
		t.Fatalf("sendButton: %v", err)
	}
	if woken {
		t.Error("magic packet sent although the device answered the probe")
	}
}

// Background traffic must never wake a sleeping device.
func TestWakeSkippedForBackgroundOrigin(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())
	f.dev.WakeOnLAN = true
	f.dev.MACAddress = "aa:bb:cc:dd:ee:ff"

	woken := false
	f.cmd.sendPacket = func(mac string) error {
		woken = true
		return nil
	}

	if _, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button: protocol.ButtonPower,
		Origin: models.OriginBackground,
	}); err != nil {
		t.Fatalf("sendButton: %v", err)
	}
	if woken {
		t.Error("background command sent a wake packet")
	}
	if n := f.api.callCount("Reachable"); n != 0 {
		t.Errorf("background command probed reachability %d times", n)
	}
}

func TestWakeTimesOut(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, powerMapping())
	f.dev.WakeOnLAN = true
	f.dev.MACAddress = "aa:bb:cc:dd:ee:ff"
	f.api.reachableErr = errors.New("no route to host")
	f.cmd.sendPacket = func(mac string) error { return nil }

	_, err := f.cmd.sendButton(context.Background(), f.dev, ButtonRequest{
		Button: protocol.ButtonPower,
		Origin: models.OriginUser,
	})
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) || cerr.Op != "wake" {
		t.Fatalf("err = %v, want wake ConnectivityError", err)
	}
	if n := f.api.callCount("SendEntityCommand"); n != 0 {
		t.Errorf("command delivered despite failed wake: %d calls", n)
	}
}

func TestSendIRCodesetCommand(t *testing.T) {
	f := newCommanderFixture(t)
	f.addDock(t, "dock-1")
	cs := &models.Codeset{
		DeviceID: f.dev.ID,
		Name:     "samsung_tv",
		Commands: models.IRCommands{{Name: "POWER", Code: "0000 006C 0022 0002 015B", Format: "PRONTO"}},
	}
	if err := f.store.CreateCodeset(context.Background(), cs); err != nil {
		t.Fatalf("seed codeset: %v", err)
	}

	res, err := f.cmd.sendIR(context.Background(), f.dev, IRRequest{
		Codeset: "samsung_tv",
		Command: "POWER",
		Repeats: 2,
	})
	if err != nil {
		t.Fatalf("sendIR: %v", err)
	}
	if res.Requested != 1 || res.Sent != 1 {
		t.Errorf("result = %+v", res)
	}
	f.api.mu.Lock()
	sends := f.api.irSends
	f.api.mu.Unlock()
	if len(sends) != 1 {
		t.Fatalf("ir sends = %d, want 1", len(sends))
	}
	got := sends[0]
	if got.emitter != "dock-1" || got.send.Code != "0000 006C 0022 0002 015B" ||
		got.send.Format != "PRONTO" || got.send.Repeat != 2 {
		t.Errorf("ir send = %+v", got)
	}
}

func TestSendIRRawCode(t *testing.T) {
	f := newCommanderFixture(t)
	f.addDock(t, "dock-1")
	f.addDock(t, "dock-2")

	res, err := f.cmd.sendIR(context.Background(), f.dev, IRRequest{
		Command: "16;0x5743;32;1",
	})
	if err != nil {
		t.Fatalf("sendIR: %v", err)
	}
	// No dock named: the code goes out through every dock.
	if res.Requested != 2 || res.Sent != 2 {
		t.Errorf("result = %+v, want fan-out to both docks", res)
	}
	f.api.mu.Lock()
	sends := f.api.irSends
	f.api.mu.Unlock()
	if len(sends) != 2 || sends[0].send.Format != "HEX" {
		t.Errorf("ir sends = %+v", sends)
	}
}

func TestSendIRPortRouting(t *testing.T) {
	f := newCommanderFixture(t)
	f.addDock(t, "dock-1")

	if _, err := f.cmd.sendIR(context.Background(), f.dev, IRRequest{
		Command: "0000 006C 0022 0002 015B",
		Dock:    "dock-1",
		Port:    "Ext 1 & 2",
	}); err != nil {
		t.Fatalf("sendIR: %v", err)
	}
	f.api.mu.Lock()
	sends := f.api.irSends
	f.api.mu.Unlock()
	if len(sends) != 1 || sends[0].send.PortID != 12 {
		t.Errorf("ir send = %+v, want port mask 12", sends)
	}
}

func TestSendIRValidation(t *testing.T) {
	f := newCommanderFixture(t)
	f.addDock(t, "dock-1")

	cases := []struct {
		name string
		req  IRRequest
	}{
		{"empty command", IRRequest{}},
		{"unknown codeset", IRRequest{Codeset: "nope", Command: "POWER"}},
		{"garbage raw code", IRRequest{Command: "not an ir code"}},
		{"unknown dock", IRRequest{Command: "16;0x5743;32;1", Dock: "dock-9"}},
		{"unknown port", IRRequest{Command: "16;0x5743;32;1", Port: "Roof"}},
	}
	for _, c := range cases {
		_, err := f.cmd.sendIR(context.Background(), f.dev, c.req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", c.name, err)
		}
	}
	if n := f.api.callCount("SendIR"); n != 0 {
		t.Errorf("invalid requests reached the network: %d sends", n)
	}
}

func TestSendIRNoDocks(t *testing.T) {
	f := newCommanderFixture(t)

	_, err := f.cmd.sendIR(context.Background(), f.dev, IRRequest{Command: "16;0x5743;32;1"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError when the device has no docks", err)
	}
}

func TestSendIRPartialFanOut(t *testing.T) {
	f := newCommanderFixture(t)
	f.addDock(t, "dock-1")
	f.addDock(t, "dock-2")
	f.api.irErr = errors.New("emitter offline")
	f.api.irErrAfter = 1

	res, err := f.cmd.sendIR(context.Background(), f.dev, IRRequest{Command: "16;0x5743;32;1"})
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConnectivityError", err)
	}
	if res.Requested != 2 || res.Sent != 1 {
		t.Errorf("result = %+v, want 1 of 2", res)
	}
}

func TestUpdateActivity(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn)

	prevent := true
	if err := f.cmd.updateActivity(context.Background(), ActivityUpdate{
		DeviceID:     f.dev.ID,
		ActivityID:   "act.watch_tv",
		PreventSleep: &prevent,
	}); err != nil {
		t.Fatalf("updateActivity: %v", err)
	}

	f.api.mu.Lock()
	opts := f.api.optionSets
	f.api.mu.Unlock()
	if len(opts) != 1 || opts[0]["prevent_sleep"] != true {
		t.Errorf("pushed options = %+v", opts)
	}
	act, err := f.store.GetActivity(context.Background(), f.dev.ID, "act.watch_tv")
	if err != nil || !act.PreventSleep {
		t.Errorf("stored activity = %+v err %v, want prevent_sleep recorded", act, err)
	}
}

func TestUpdateActivityValidation(t *testing.T) {
	f := newCommanderFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn)
	prevent := true

	cases := []ActivityUpdate{
		{ActivityID: "act.nope", PreventSleep: &prevent},
		{ActivityID: "act.watch_tv"},
	}
	for _, req := range cases {
		err := f.cmd.updateActivity(context.Background(), req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("updateActivity(%+v) = %v, want ValidationError", req, err)
		}
	}
}
