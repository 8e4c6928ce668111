package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/auth"
	"github.com/remotesync/remotesync-server/internal/config"
	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/crypto"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// testConfig returns a config with engine timings shrunk so tests run in
// milliseconds. The token key is a fixed 16-byte AES key in hex.
func testConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{Host: "127.0.0.1", Port: 8090, ExternalURL: "http://127.0.0.1:8090"},
		JWT: config.JWTConfig{
			Secret:         "test-secret",
			DriverTokenTTL: time.Hour,
			AdminTokenTTL:  time.Hour,
			TokenKey:       "6368616e676520746869732070617373",
		},
		Sync: config.SyncConfig{
			HandshakeBackoffBase: 5 * time.Millisecond,
			HandshakeBackoffMax:  20 * time.Millisecond,
			DriverPollInterval:   2 * time.Millisecond,
			DriverPollAttempts:   3,
			DriverSubscribeWait:  250 * time.Millisecond,
			ReconnectDelay:       5 * time.Millisecond,
			SettleDelay:          time.Millisecond,
			NegotiateRetries:     1,
			WakeGracePeriod:      30 * time.Millisecond,
			WakeProbeInterval:    5 * time.Millisecond,
			CaptureTimeout:       150 * time.Millisecond,
			CapturePollTick:      10 * time.Millisecond,
			StallWindow:          60 * time.Millisecond,
			UpdatePollTick:       10 * time.Millisecond,
			PollInterval:         20 * time.Millisecond,
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ---- fake wall clock ----

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

// fakeClock is a manually advanced Clock. After(d) with d <= 0 fires
// immediately, matching time.After.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	keep := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			keep = append(keep, w)
		} else {
			w.ch <- c.now
		}
	}
	c.waiters = keep
}

// pending reports how many After timers are armed. Tests use it to advance
// only once the goroutine under test is parked on the clock.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// ---- fake event bus ----

type busRecord struct {
	subject string
	data    []byte
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []busRecord
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.msgs = append(b.msgs, busRecord{subject: subject, data: cp})
	return nil
}

func (b *fakeBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.subject == subject {
			n++
		}
	}
	return n
}

func (b *fakeBus) last(subject string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].subject == subject {
			return b.msgs[i].data, true
		}
	}
	return nil, false
}

// ---- fake device channel ----

type fakeChannel struct {
	frames chan protocol.Frame
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	subscribed [][]string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		frames: make(chan protocol.Frame, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeChannel) Frames() <-chan protocol.Frame { return c.frames }
func (c *fakeChannel) Done() <-chan struct{}         { return c.done }

func (c *fakeChannel) Subscribe(channels []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, channels)
	return nil
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// emit injects a device push event as the websocket would deliver it.
func (c *fakeChannel) emit(t *testing.T, kind protocol.EventKind, payload interface{}) {
	t.Helper()
	frame, err := protocol.NewEvent(kind, payload)
	if err != nil {
		t.Fatalf("build %s event: %v", kind, err)
	}
	c.frames <- *frame
}

// ---- fake dock stream ----

type fakeDockStream struct {
	id     string
	frames chan protocol.Frame
	done   chan struct{}
	once   sync.Once
}

func newFakeDockStream(id string) *fakeDockStream {
	return &fakeDockStream{
		id:     id,
		frames: make(chan protocol.Frame, 16),
		done:   make(chan struct{}),
	}
}

func (d *fakeDockStream) DockID() string                 { return d.id }
func (d *fakeDockStream) Frames() <-chan protocol.Frame { return d.frames }
func (d *fakeDockStream) Done() <-chan struct{}         { return d.done }

func (d *fakeDockStream) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// ---- fake device REST API ----

type fakeIRSend struct {
	emitter string
	send    device.IRSend
}

// fakeAPI implements DeviceAPI in memory. The zero value behaves like a
// healthy device that accepts any PIN and echoes pushed entities back as
// subscribed; tests flip the error knobs to exercise failure paths.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	apiKey     string
	keyCounter int

	pinErr       error
	reachableErr error
	infoErr      error
	info         device.Info

	externalTokens []device.ExternalToken
	revokedKeys    []string

	registerErr       error
	integrationMisses int
	integrationErr    error

	entities       []device.EntityRecord
	pushErr        error
	pushed         [][]device.AvailableEntity
	subscribeQueue [][]string
	subscribeErr   error

	activities  []device.ActivityInfo
	details     map[string]*device.ActivityDetail
	groups      []device.ActivityGroupInfo
	optionSets  []map[string]interface{}
	cmdErr      error
	cmdErrPerm  bool
	cmdErrAfter int
	commands    []device.EntityCommandRef

	docks       []device.DockInfo
	irErr       error
	irErrAfter  int
	irSends     []fakeIRSend
	learnErr    error
	learnStarts []string
	learnStops  []string
	learned     *device.IRCode
	remotes     []device.RemoteEntity
	remoteCmds  []string

	dockDetail  device.DockDetail
	dockCmds    []string
	dockPatches []string

	updateInfo  *device.UpdateInfo
	installErr  error
	progress    *device.UpdateProgress
	progressErr error

	battery *device.BatteryStats
	ambient *device.AmbientLight
	usage   *device.ResourceUsage

	sysCmds []string
}

func (f *fakeAPI) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeAPI) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAPI) GetInfo(ctx context.Context) (*device.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetInfo")
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := f.info
	if info.DeviceName == "" {
		info = device.Info{DeviceName: "Living Room Remote", Model: "R3", OS: "2.4.1"}
	}
	return &info, nil
}

func (f *fakeAPI) Reachable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Reachable")
	return f.reachableErr
}

func (f *fakeAPI) WSEndpoint() string { return "ws://device.test/ws" }

func (f *fakeAPI) ExchangePIN(ctx context.Context, pin, name string) (*device.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ExchangePIN")
	if f.pinErr != nil {
		return nil, f.pinErr
	}
	f.keyCounter++
	key := &device.APIKey{
		ID:   fmt.Sprintf("key-%d", f.keyCounter),
		Name: name,
		Key:  fmt.Sprintf("device-secret-%d", f.keyCounter),
	}
	f.apiKey = key.Key
	return key, nil
}

func (f *fakeAPI) RevokeAPIKey(ctx context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RevokeAPIKey")
	f.revokedKeys = append(f.revokedKeys, keyID)
	return nil
}

func (f *fakeAPI) SetAPIKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKey = key
}

func (f *fakeAPI) SetExternalSystemToken(ctx context.Context, system string, tok device.ExternalToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetExternalSystemToken")
	f.externalTokens = append(f.externalTokens, tok)
	return nil
}

func (f *fakeAPI) GetDriver(ctx context.Context, driverID string) (*device.DriverInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetDriver")
	return &device.DriverInstance{DriverID: driverID}, nil
}

func (f *fakeAPI) RegisterDriver(ctx context.Context, reg device.DriverRegistration) (*device.DriverInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RegisterDriver")
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &device.DriverInstance{DriverID: reg.DriverID, Version: reg.Version}, nil
}

func (f *fakeAPI) StartDriver(ctx context.Context, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartDriver")
	return nil
}

func (f *fakeAPI) GetIntegrationByDriver(ctx context.Context, driverID string) (*device.IntegrationInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetIntegrationByDriver")
	if f.integrationErr != nil {
		return nil, f.integrationErr
	}
	if f.integrationMisses > 0 {
		f.integrationMisses--
		return nil, device.ErrNotFound
	}
	return &device.IntegrationInstance{IntegrationID: "intg.main", DriverID: driverID, State: "CONNECTED"}, nil
}

func (f *fakeAPI) ConnectIntegration(ctx context.Context, integrationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ConnectIntegration")
	return nil
}

func (f *fakeAPI) ReloadEntities(ctx context.Context, integrationID string) ([]device.EntityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReloadEntities")
	return append([]device.EntityRecord(nil), f.entities...), nil
}

func (f *fakeAPI) PushAvailableEntities(ctx context.Context, integrationID string, entities []device.AvailableEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PushAvailableEntities")
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, append([]device.AvailableEntity(nil), entities...))
	return nil
}

// GetSubscribedEntities pops the scripted reply queue; once drained it echoes
// the last pushed set, which makes negotiation converge.
func (f *fakeAPI) GetSubscribedEntities(ctx context.Context, integrationID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetSubscribedEntities")
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	if len(f.subscribeQueue) > 0 {
		reply := f.subscribeQueue[0]
		f.subscribeQueue = f.subscribeQueue[1:]
		return reply, nil
	}
	if len(f.pushed) == 0 {
		return nil, nil
	}
	lastPush := f.pushed[len(f.pushed)-1]
	ids := make([]string, 0, len(lastPush))
	for _, e := range lastPush {
		ids = append(ids, e.EntityID)
	}
	return ids, nil
}

func (f *fakeAPI) GetActivities(ctx context.Context) ([]device.ActivityInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetActivities")
	return append([]device.ActivityInfo(nil), f.activities...), nil
}

func (f *fakeAPI) GetActivity(ctx context.Context, activityID string) (*device.ActivityDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetActivity")
	if d, ok := f.details[activityID]; ok {
		detail := *d
		return &detail, nil
	}
	return &device.ActivityDetail{EntityID: activityID}, nil
}

func (f *fakeAPI) GetActivityGroups(ctx context.Context) ([]device.ActivityGroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetActivityGroups")
	return append([]device.ActivityGroupInfo(nil), f.groups...), nil
}

func (f *fakeAPI) UpdateActivityOptions(ctx context.Context, activityID string, options map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateActivityOptions")
	f.optionSets = append(f.optionSets, options)
	return nil
}

// SendEntityCommand fails once cmdErr is set, after cmdErrAfter successful
// calls; cmdErrPerm keeps it failing instead of consuming the error.
func (f *fakeAPI) SendEntityCommand(ctx context.Context, cmd device.EntityCommandRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendEntityCommand")
	if f.cmdErr != nil {
		if f.cmdErrAfter > 0 {
			f.cmdErrAfter--
		} else {
			err := f.cmdErr
			if !f.cmdErrPerm {
				f.cmdErr = nil
			}
			return err
		}
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeAPI) GetDocks(ctx context.Context) ([]device.DockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetDocks")
	return append([]device.DockInfo(nil), f.docks...), nil
}

func (f *fakeAPI) SendIR(ctx context.Context, emitterID string, send device.IRSend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendIR")
	if f.irErr != nil {
		if f.irErrAfter > 0 {
			f.irErrAfter--
		} else {
			return f.irErr
		}
	}
	f.irSends = append(f.irSends, fakeIRSend{emitter: emitterID, send: send})
	return nil
}

func (f *fakeAPI) StartIRLearning(ctx context.Context, emitterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartIRLearning")
	if f.learnErr != nil {
		return f.learnErr
	}
	f.learnStarts = append(f.learnStarts, emitterID)
	return nil
}

func (f *fakeAPI) StopIRLearning(ctx context.Context, emitterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopIRLearning")
	f.learnStops = append(f.learnStops, emitterID)
	return nil
}

func (f *fakeAPI) GetLearnedCode(ctx context.Context, emitterID string) (*device.IRCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetLearnedCode")
	if f.learned == nil {
		return nil, nil
	}
	code := *f.learned
	return &code, nil
}

func (f *fakeAPI) GetRemotes(ctx context.Context) ([]device.RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetRemotes")
	return append([]device.RemoteEntity(nil), f.remotes...), nil
}

func (f *fakeAPI) CreateRemote(ctx context.Context, name, deviceName, description string) (*device.RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateRemote")
	r := device.RemoteEntity{EntityID: "remote." + deviceName, Name: map[string]string{"en": name}}
	f.remotes = append(f.remotes, r)
	return &r, nil
}

func (f *fakeAPI) SetRemoteCommand(ctx context.Context, remoteID, commandID, value, format string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetRemoteCommand")
	f.remoteCmds = append(f.remoteCmds, fmt.Sprintf("%s/%s/%s/%s", remoteID, commandID, value, format))
	return nil
}

func (f *fakeAPI) GetCustomCodesets(ctx context.Context) ([]device.CodesetRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetCustomCodesets")
	return nil, nil
}

func (f *fakeAPI) GetDockInfo(ctx context.Context, dockID string) (*device.DockDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetDockInfo")
	detail := f.dockDetail
	if detail.WSEndpoint == "" {
		detail.WSEndpoint = "ws://dock.test/ws"
	}
	return &detail, nil
}

func (f *fakeAPI) SendDockCommand(ctx context.Context, dockID, command, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendDockCommand")
	f.dockCmds = append(f.dockCmds, fmt.Sprintf("%s/%s/%s", dockID, command, value))
	return nil
}

func (f *fakeAPI) UpdateDockPassword(ctx context.Context, dockID, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpdateDockPassword")
	f.dockPatches = append(f.dockPatches, dockID+"/"+password)
	return nil
}

func (f *fakeAPI) GetUpdateInfo(ctx context.Context) (*device.UpdateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetUpdateInfo")
	if f.updateInfo == nil {
		return &device.UpdateInfo{CurrentVersion: "2.4.1", LatestVersion: "2.4.1"}, nil
	}
	info := *f.updateInfo
	return &info, nil
}

func (f *fakeAPI) InstallUpdate(ctx context.Context) (*device.UpdateProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("InstallUpdate")
	if f.installErr != nil {
		return nil, f.installErr
	}
	if f.progress == nil {
		return &device.UpdateProgress{State: "DOWNLOAD"}, nil
	}
	p := *f.progress
	return &p, nil
}

func (f *fakeAPI) GetUpdateProgress(ctx context.Context, updateID string) (*device.UpdateProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetUpdateProgress")
	if f.progressErr != nil {
		return nil, f.progressErr
	}
	if f.progress == nil {
		return &device.UpdateProgress{State: "DOWNLOAD"}, nil
	}
	p := *f.progress
	return &p, nil
}

func (f *fakeAPI) setProgress(p device.UpdateProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = &p
}

func (f *fakeAPI) GetBatteryStats(ctx context.Context) (*device.BatteryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetBatteryStats")
	if f.battery == nil {
		return &device.BatteryStats{Capacity: 80, Status: "DISCHARGING"}, nil
	}
	b := *f.battery
	return &b, nil
}

func (f *fakeAPI) GetAmbientLight(ctx context.Context) (*device.AmbientLight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetAmbientLight")
	if f.ambient == nil {
		return &device.AmbientLight{Intensity: 120}, nil
	}
	a := *f.ambient
	return &a, nil
}

func (f *fakeAPI) GetResourceUsage(ctx context.Context) (*device.ResourceUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetResourceUsage")
	if f.usage == nil {
		return &device.ResourceUsage{}, nil
	}
	u := *f.usage
	return &u, nil
}

func (f *fakeAPI) SendSystemCommand(ctx context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendSystemCommand")
	f.sysCmds = append(f.sysCmds, cmd)
	return nil
}

// ---- driver token tracking ----

// tokenTracker mirrors driver-token writes so tests can count live tokens;
// the Store interface has no token listing.
type tokenTracker struct {
	storage.Store
	mu   sync.Mutex
	rows map[string]*models.DriverToken
}

func newTokenTracker(s storage.Store) *tokenTracker {
	return &tokenTracker{Store: s, rows: make(map[string]*models.DriverToken)}
}

func (t *tokenTracker) CreateDriverToken(ctx context.Context, token *models.DriverToken) error {
	if err := t.Store.CreateDriverToken(ctx, token); err != nil {
		return err
	}
	t.mu.Lock()
	cp := *token
	t.rows[token.ID] = &cp
	t.mu.Unlock()
	return nil
}

func (t *tokenTracker) RevokeDriverTokens(ctx context.Context, deviceID uuid.UUID) error {
	if err := t.Store.RevokeDriverTokens(ctx, deviceID); err != nil {
		return err
	}
	t.mu.Lock()
	now := time.Now()
	for _, row := range t.rows {
		if row.DeviceID == deviceID && row.RevokedAt == nil {
			at := now
			row.RevokedAt = &at
		}
	}
	t.mu.Unlock()
	return nil
}

// live counts the device's unrevoked driver tokens.
func (t *tokenTracker) live(deviceID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, row := range t.rows {
		if row.DeviceID == deviceID && row.RevokedAt == nil {
			n++
		}
	}
	return n
}

// ---- engine test rig ----

// testRig bundles an engine over the in-memory store with all transports
// faked out.
type testRig struct {
	eng    *Engine
	store  *storage.MemoryStore
	tokens *tokenTracker
	api    *fakeAPI
	bus    *fakeBus
	cfg    *config.Config

	mu       sync.Mutex
	channels []*fakeChannel
	docks    []*fakeDockStream
	dialErr  error
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	cfg := testConfig()
	rig := &testRig{
		store: storage.NewMemoryStore(),
		api:   &fakeAPI{},
		bus:   &fakeBus{},
		cfg:   cfg,
	}
	rig.tokens = newTokenTracker(rig.store)
	rig.eng = NewEngine(cfg, rig.tokens, auth.NewJWTManager(&cfg.JWT), rig.bus, opts...)
	rig.eng.newClient = func(host, override string) DeviceAPI { return rig.api }
	rig.eng.dialChannel = func(ctx context.Context, endpoint, apiKey string) (EventChannel, error) {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		if rig.dialErr != nil {
			return nil, rig.dialErr
		}
		ch := newFakeChannel()
		rig.channels = append(rig.channels, ch)
		return ch, nil
	}
	rig.eng.dialDock = func(ctx context.Context, endpoint, dockID, password string) (DockStream, error) {
		rig.mu.Lock()
		defer rig.mu.Unlock()
		if rig.dialErr != nil {
			return nil, rig.dialErr
		}
		d := newFakeDockStream(dockID)
		rig.docks = append(rig.docks, d)
		return d, nil
	}
	t.Cleanup(rig.eng.stopAll)
	return rig
}

func (r *testRig) lastChannel() *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.channels) == 0 {
		return nil
	}
	return r.channels[len(r.channels)-1]
}

func (r *testRig) channelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func (r *testRig) seedDevice(t *testing.T) *models.Device {
	t.Helper()
	dev := &models.Device{Name: "Living Room Remote", Host: "192.168.1.50"}
	if err := r.store.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return dev
}

// sealToken seals a device API key with the rig's token key.
func (r *testRig) sealToken(t *testing.T, token string) string {
	t.Helper()
	sealed, err := crypto.EncryptToken(r.cfg.JWT.TokenKey, token)
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	return sealed
}

// seedPairedDevice stores a device that already holds a sealed token, as if
// a PIN exchange had happened in an earlier run.
func (r *testRig) seedPairedDevice(t *testing.T) *models.Device {
	t.Helper()
	dev := r.seedDevice(t)
	dev.SealedToken = r.sealToken(t, "device-secret-seeded")
	dev.TokenID = "key-seeded"
	dev.ConnectionState = models.StateDeviceTokenIssued
	if err := r.store.UpdateDevice(context.Background(), dev); err != nil {
		t.Fatalf("update device: %v", err)
	}
	return dev
}

// connect pairs the device and drives the handshake to CONNECTED, feeding
// the driver-subscribed signal the way the bus subscriber would.
func (r *testRig) connect(t *testing.T, dev *models.Device) {
	t.Helper()
	if err := r.eng.Connect(context.Background(), dev.ID, "1234"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.sync(t, dev)
}

// sync waits for a spawned session to reach CONNECTED.
func (r *testRig) sync(t *testing.T, dev *models.Device) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		r.eng.HandleDriverSubscribed(dev.ID)
		st, err := r.eng.SessionState(context.Background(), dev.ID)
		return err == nil && st == models.StateConnected
	}, "session never reached CONNECTED")
}

func (r *testRig) session(t *testing.T, dev *models.Device) *session {
	t.Helper()
	s, err := r.eng.session(dev.ID)
	if err != nil {
		t.Fatalf("no session for device: %v", err)
	}
	return s
}

func (r *testRig) deviceRow(t *testing.T, id uuid.UUID) *models.Device {
	t.Helper()
	dev, err := r.store.GetDevice(context.Background(), id)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	return dev
}
