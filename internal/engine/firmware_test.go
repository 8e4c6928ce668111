package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

type monitorFixture struct {
	m     *monitor
	api   *fakeAPI
	store *storage.MemoryStore
	clock *fakeClock
	dev   *models.Device
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	dev := &models.Device{Name: "Living Room Remote", Host: "10.0.0.9", Version: "2.4.1"}
	if err := store.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	api := &fakeAPI{
		updateInfo: &device.UpdateInfo{
			UpdateID:        "fw-1",
			CurrentVersion:  "2.4.1",
			LatestVersion:   "2.5.0",
			UpdateAvailable: true,
		},
	}
	clock := newFakeClock()
	m := newMonitor(dev.ID, api, store, clock, 60*time.Second, 10*time.Second)
	t.Cleanup(m.stop)
	return &monitorFixture{m: m, api: api, store: store, clock: clock, dev: dev}
}

func (f *monitorFixture) install(t *testing.T) *models.FirmwareUpdateState {
	t.Helper()
	st, err := f.m.install(context.Background())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	return st
}

func (f *monitorFixture) push(state string, download, install int, version string) {
	f.m.onSoftwareUpdate(protocol.SoftwareUpdate{
		State:           state,
		DownloadPercent: download,
		InstallPercent:  install,
		Version:         version,
	})
}

func (f *monitorFixture) awaitPhase(t *testing.T, phase models.UpdatePhase) *models.FirmwareUpdateState {
	t.Helper()
	var st *models.FirmwareUpdateState
	waitFor(t, 2*time.Second, func() bool {
		var err error
		st, err = f.m.current()
		return err == nil && st.Phase == phase
	}, fmt.Sprintf("update never reached %s", phase))
	return st
}

func (f *monitorFixture) awaitProgress(t *testing.T, want int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		st, err := f.m.current()
		return err == nil && st.Progress == want
	}, fmt.Sprintf("progress never reached %d", want))
}

// advanceTick waits for the watch loop to park on its poll timer, then fires
// it and waits for the resulting REST poll to be issued, so a later
// setProgress cannot be observed by this tick's poll. One call is one REST
// poll.
func (f *monitorFixture) advanceTick(t *testing.T) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return f.clock.pending() >= 1 },
		"watch loop never armed its poll timer")
	before := f.api.callCount("GetUpdateProgress")
	f.clock.advance(10 * time.Second)
	waitFor(t, 2*time.Second, func() bool { return f.api.callCount("GetUpdateProgress") > before },
		"fired poll timer never produced a REST poll")
}

func TestFirmwareInstallCompletesFromPushEvents(t *testing.T) {
	f := newMonitorFixture(t)

	st := f.install(t)
	if st.Phase != models.UpdateDownloading || st.Progress != 0 {
		t.Fatalf("initial state = %s/%d, want DOWNLOADING/0", st.Phase, st.Progress)
	}
	if st.CurrentVersion != "2.4.1" || st.LatestVersion != "2.5.0" {
		t.Fatalf("versions = %s -> %s", st.CurrentVersion, st.LatestVersion)
	}

	f.push("DOWNLOAD", 40, 0, "")
	f.awaitProgress(t, 4)
	f.push("DOWNLOAD", 100, 0, "")
	f.awaitProgress(t, 10)
	f.push("INSTALL", 100, 20, "")
	f.awaitProgress(t, 28)

	snap, err := f.m.current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	snap.Progress = -1
	again, _ := f.m.current()
	if again.Progress == -1 {
		t.Error("current handed out the internal state pointer")
	}

	f.push("INSTALL", 100, 100, "2.5.0")
	final := f.awaitPhase(t, models.UpdateDone)
	if final.Progress != 100 {
		t.Errorf("final progress = %d, want 100", final.Progress)
	}
	if final.Error != "" {
		t.Errorf("completed install carries error %q", final.Error)
	}

	waitFor(t, 2*time.Second, func() bool {
		dev, err := f.store.GetDevice(context.Background(), f.dev.ID)
		return err == nil && dev.Version == "2.5.0"
	}, "installed version never stamped onto the device row")

	if n := f.api.callCount("InstallUpdate"); n != 1 {
		t.Errorf("InstallUpdate called %d times, want 1", n)
	}
}

// A download that reports the same percentage poll after poll fails once the
// stall window elapses. A progress bump restarts the window.
func TestFirmwareDownloadStallFails(t *testing.T) {
	f := newMonitorFixture(t)
	f.api.setProgress(device.UpdateProgress{State: "DOWNLOAD", DownloadPercent: 0})
	f.install(t)

	// Three frozen polls: 30s elapsed, window not yet hit.
	for i := 0; i < 3; i++ {
		f.advanceTick(t)
	}

	// The download moves once, restarting the window at t+40s.
	f.api.setProgress(device.UpdateProgress{State: "DOWNLOAD", DownloadPercent: 50})
	f.advanceTick(t)
	f.awaitProgress(t, 5)

	// Six more frozen polls reach the 60s window measured from the bump.
	for i := 0; i < 6; i++ {
		f.advanceTick(t)
	}

	st := f.awaitPhase(t, models.UpdateFailed)
	if !strings.Contains(st.Error, "stalled") {
		t.Errorf("failure reason = %q, want a stall", st.Error)
	}
	if st.Progress != 5 {
		t.Errorf("progress at failure = %d, want 5", st.Progress)
	}

	dev, err := f.store.GetDevice(context.Background(), f.dev.ID)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if dev.Version != "2.4.1" {
		t.Errorf("failed install stamped version %s", dev.Version)
	}

	// The slot frees on failure; a fresh install starts clean.
	waitFor(t, 2*time.Second, func() bool {
		st, err := f.m.install(context.Background())
		return err == nil && st.Phase == models.UpdateDownloading && st.Error == ""
	}, "monitor never accepted a new install after the failure")
}

func TestFirmwareInstallRequiresAvailableUpdate(t *testing.T) {
	f := newMonitorFixture(t)
	f.api.mu.Lock()
	f.api.updateInfo = &device.UpdateInfo{CurrentVersion: "2.4.1", LatestVersion: "2.4.1"}
	f.api.mu.Unlock()

	_, err := f.m.install(context.Background())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("install without update = %v, want ValidationError", err)
	}
	if n := f.api.callCount("InstallUpdate"); n != 0 {
		t.Errorf("InstallUpdate called %d times for an unavailable update", n)
	}
	if _, err := f.m.current(); !errors.Is(err, ErrNoUpdate) {
		t.Errorf("current after rejected install = %v, want ErrNoUpdate", err)
	}
}

func TestFirmwareCheckDoesNotStartInstall(t *testing.T) {
	f := newMonitorFixture(t)
	f.api.mu.Lock()
	f.api.updateInfo = &device.UpdateInfo{UpdateAvailable: true, CurrentVersion: "2.4.1", LatestVersion: "2.5.0"}
	f.api.mu.Unlock()

	state, err := f.m.check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if state.Phase != models.UpdateIdle || state.CurrentVersion != "2.4.1" || state.LatestVersion != "2.5.0" {
		t.Fatalf("check state = %+v", state)
	}
	if n := f.api.callCount("InstallUpdate"); n != 0 {
		t.Errorf("check started an install (%d calls)", n)
	}
	if _, err := f.m.current(); !errors.Is(err, ErrNoUpdate) {
		t.Errorf("check must not seed install state, current = %v", err)
	}
}

func TestFirmwareInstallSingleFlight(t *testing.T) {
	f := newMonitorFixture(t)
	f.install(t)

	if _, err := f.m.install(context.Background()); !errors.Is(err, ErrUpdateActive) {
		t.Fatalf("second install = %v, want ErrUpdateActive", err)
	}

	f.m.stop()
	waitFor(t, 2*time.Second, func() bool {
		_, err := f.m.install(context.Background())
		return err == nil
	}, "slot never freed after stop")
}

func TestFirmwareInstallStartFailureReleasesSlot(t *testing.T) {
	f := newMonitorFixture(t)
	f.api.mu.Lock()
	f.api.installErr = errors.New("device rebooting")
	f.api.mu.Unlock()

	_, err := f.m.install(context.Background())
	var cerr *ConnectivityError
	if !errors.As(err, &cerr) || cerr.Op != "start install" {
		t.Fatalf("install = %v, want ConnectivityError from the start call", err)
	}

	f.api.mu.Lock()
	f.api.installErr = nil
	f.api.mu.Unlock()
	if _, err := f.m.install(context.Background()); err != nil {
		t.Fatalf("retry after transport failure: %v", err)
	}
}

// Folding rules, applied directly: blended progress never regresses, the
// stamp moves only with it, INSTALLING at 100 completes, and terminal state
// is frozen.
func TestFirmwareProgressFolding(t *testing.T) {
	f := newMonitorFixture(t)
	start := f.clock.Now()
	f.m.state = &models.FirmwareUpdateState{
		DeviceID:       f.dev.ID,
		CurrentVersion: "2.4.1",
		LatestVersion:  "2.5.0",
		Phase:          models.UpdateDownloading,
		LastProgressAt: start,
	}

	f.clock.advance(5 * time.Second)
	f.m.apply(models.UpdateDownloading, 40, "")
	st, _ := f.m.current()
	if st.Progress != 4 {
		t.Fatalf("progress = %d, want 4", st.Progress)
	}
	if !st.LastProgressAt.Equal(start.Add(5 * time.Second)) {
		t.Error("stamp did not move with the increase")
	}

	f.clock.advance(5 * time.Second)
	f.m.apply(models.UpdateDownloading, 40, "")
	st, _ = f.m.current()
	if !st.LastProgressAt.Equal(start.Add(5 * time.Second)) {
		t.Error("stamp moved without progress")
	}

	f.m.apply(models.UpdateInstalling, 20, "")
	st, _ = f.m.current()
	if st.Phase != models.UpdateInstalling || st.Progress != 28 {
		t.Fatalf("state = %s/%d, want INSTALLING/28", st.Phase, st.Progress)
	}

	// A stale download report arrives out of order.
	f.m.apply(models.UpdateDownloading, 50, "")
	st, _ = f.m.current()
	if st.Progress != 28 {
		t.Errorf("progress regressed to %d", st.Progress)
	}

	f.m.apply(models.UpdateInstalling, 100, "2.5.0")
	st, _ = f.m.current()
	if st.Phase != models.UpdateDone || st.Progress != 100 {
		t.Fatalf("state = %s/%d, want DONE/100", st.Phase, st.Progress)
	}
	if st.LatestVersion != "2.5.0" {
		t.Errorf("latest version = %s", st.LatestVersion)
	}

	f.m.apply(models.UpdateDownloading, 10, "")
	st, _ = f.m.current()
	if st.Phase != models.UpdateDone || st.Progress != 100 {
		t.Error("terminal state was overwritten by a late report")
	}
}

func TestFirmwareUpdatePhaseMapping(t *testing.T) {
	cases := []struct {
		in   string
		want models.UpdatePhase
	}{
		{"DOWNLOAD", models.UpdateDownloading},
		{"DOWNLOADING", models.UpdateDownloading},
		{" download ", models.UpdateDownloading},
		{"INSTALL", models.UpdateInstalling},
		{"INSTALLING", models.UpdateInstalling},
		{"DONE", models.UpdateDone},
		{"SUCCESS", models.UpdateDone},
		{"ERROR", models.UpdateFailed},
		{"FAILED", models.UpdateFailed},
		{"", models.UpdateIdle},
		{"REBOOT", models.UpdateIdle},
	}
	for _, c := range cases {
		if got := updatePhase(c.in); got != c.want {
			t.Errorf("updatePhase(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}
