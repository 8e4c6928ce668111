package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

func TestMemoryStoreDeviceCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	device := &models.Device{
		Name: "Living Room Remote",
		Host: "192.168.1.50",
	}
	if err := store.CreateDevice(ctx, device); err != nil {
		t.Fatalf("create device: %v", err)
	}
	if device.ID == uuid.Nil {
		t.Fatal("expected generated device id")
	}
	if device.ConnectionState != models.StateUnauthenticated {
		t.Fatalf("expected initial state UNAUTHENTICATED, got %s", device.ConnectionState)
	}

	dup := &models.Device{Name: "Other", Host: "192.168.1.50"}
	if err := store.CreateDevice(ctx, dup); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey for reused host, got %v", err)
	}

	got, err := store.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}

	got.ConnectionState = models.StateConnected
	if err := store.UpdateDevice(ctx, got); err != nil {
		t.Fatalf("update device: %v", err)
	}

	// The stored copy must not alias the caller's struct.
	got.Name = "mutated after update"
	reread, err := store.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if reread.Name != "Living Room Remote" {
		t.Fatalf("store aliased caller memory: name = %q", reread.Name)
	}
	if reread.ConnectionState != models.StateConnected {
		t.Fatalf("expected CONNECTED, got %s", reread.ConnectionState)
	}

	if err := store.DeleteDevice(ctx, device.ID); err != nil {
		t.Fatalf("delete device: %v", err)
	}
	if _, err := store.GetDevice(ctx, device.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreListDevicesPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		device := &models.Device{
			Name: "remote",
			Host: "10.0.0." + string(rune('1'+i)),
		}
		if err := store.CreateDevice(ctx, device); err != nil {
			t.Fatalf("create device %d: %v", i, err)
		}
		// created_at ordering needs distinct timestamps
		time.Sleep(time.Millisecond)
	}

	devices, total, err := store.ListDevices(ctx, 2, 2)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
}

func TestMemoryStoreCodesetLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deviceID := uuid.New()

	cs := &models.Codeset{
		DeviceID: deviceID,
		Name:     "custom",
		Custom:   true,
		Commands: models.IRCommands{{Name: "power", Code: "0000 006C 0022", Format: "PRONTO"}},
	}
	if err := store.CreateCodeset(ctx, cs); err != nil {
		t.Fatalf("create codeset: %v", err)
	}
	if err := store.CreateCodeset(ctx, &models.Codeset{DeviceID: deviceID, Name: "custom"}); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey for duplicate name, got %v", err)
	}

	got, err := store.GetCodesetByName(ctx, deviceID, "custom")
	if err != nil {
		t.Fatalf("get codeset: %v", err)
	}
	got.Commands = append(got.Commands, models.IRCommand{Name: "mute", Code: "1;0x10;32;1", Format: "HEX"})
	if err := store.UpdateCodeset(ctx, got); err != nil {
		t.Fatalf("update codeset: %v", err)
	}

	reread, err := store.GetCodesetByName(ctx, deviceID, "custom")
	if err != nil {
		t.Fatalf("get codeset after update: %v", err)
	}
	if len(reread.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(reread.Commands))
	}
	if _, ok := reread.Commands.Find("mute"); !ok {
		t.Fatal("expected appended mute command")
	}
}

func TestMemoryStoreRevokeDriverTokens(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deviceID := uuid.New()

	for _, id := range []string{"token-a", "token-b"} {
		token := &models.DriverToken{
			ID:        id,
			DeviceID:  deviceID,
			ExpiresAt: time.Now().Add(time.Hour),
		}
		if err := store.CreateDriverToken(ctx, token); err != nil {
			t.Fatalf("create token %s: %v", id, err)
		}
	}

	if err := store.RevokeDriverTokens(ctx, deviceID); err != nil {
		t.Fatalf("revoke tokens: %v", err)
	}

	for _, id := range []string{"token-a", "token-b"} {
		token, err := store.GetDriverToken(ctx, id)
		if err != nil {
			t.Fatalf("get token %s: %v", id, err)
		}
		if !token.Revoked() {
			t.Fatalf("expected token %s revoked", id)
		}
	}
}

func TestMemoryStoreSubscriptions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deviceID := uuid.New()

	for _, entityID := range []string{"light.kitchen", "media_player.tv", "switch.fan"} {
		sub := &models.EntitySubscription{
			DeviceID: deviceID,
			EntityID: entityID,
			Exposed:  true,
		}
		if err := store.UpsertSubscription(ctx, sub); err != nil {
			t.Fatalf("upsert %s: %v", entityID, err)
		}
	}

	subs, err := store.ListSubscriptions(ctx, deviceID)
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", len(subs))
	}
	if subs[0].EntityID != "light.kitchen" {
		t.Fatalf("expected sorted order, got %s first", subs[0].EntityID)
	}

	if err := store.DeleteSubscription(ctx, deviceID, "switch.fan"); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	if err := store.DeleteSubscription(ctx, deviceID, "switch.fan"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemoryStoreEventLogFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	deviceA := uuid.New()
	deviceB := uuid.New()

	entries := []*models.EventLog{
		{DeviceID: &deviceA, Type: models.EventTypeConnect, Level: models.EventLevelInfo},
		{DeviceID: &deviceA, Type: models.EventTypeCommand, Level: models.EventLevelInfo},
		{DeviceID: &deviceB, Type: models.EventTypeConnect, Level: models.EventLevelInfo},
		{DeviceID: &deviceA, Type: models.EventTypeError, Level: models.EventLevelError},
	}
	for i, entry := range entries {
		if err := store.CreateEventLog(ctx, entry); err != nil {
			t.Fatalf("create event %d: %v", i, err)
		}
	}

	events, total, err := store.ListEventLogs(ctx, EventLogFilters{DeviceID: &deviceA}, 10, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 events for device A, got %d", total)
	}
	for _, event := range events {
		if *event.DeviceID != deviceA {
			t.Fatalf("filter leaked device %s", *event.DeviceID)
		}
	}

	level := models.EventLevelError
	events, _, err = store.ListEventLogs(ctx, EventLogFilters{Level: &level}, 10, 0)
	if err != nil {
		t.Fatalf("list by level: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventTypeError {
		t.Fatalf("expected single ERROR entry, got %d", len(events))
	}
}
