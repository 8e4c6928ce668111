package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

type resolverFixture struct {
	res   *resolver
	store *storage.MemoryStore
	bus   *fakeBus
	clock *fakeClock
	dev   *models.Device
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	dev := &models.Device{Name: "Living Room Remote", Host: "10.0.0.9"}
	if err := store.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	clock := newFakeClock()
	bus := &fakeBus{}
	return &resolverFixture{
		res:   newResolver(dev.ID, store, bus, clock),
		store: store,
		bus:   bus,
		clock: clock,
		dev:   dev,
	}
}

// addActivity stores an activity; activeAgo places its last OFF→ON edge in
// the past relative to the fixture clock.
func (f *resolverFixture) addActivity(t *testing.T, id string, state models.ActivityState, activeAgo time.Duration) {
	t.Helper()
	act := &models.Activity{
		ActivityID: id,
		DeviceID:   f.dev.ID,
		Name:       id,
		State:      state,
	}
	if state == models.ActivityOn {
		at := f.clock.Now().Add(-activeAgo)
		act.LastActiveAt = &at
	}
	if err := f.store.UpsertActivity(context.Background(), act); err != nil {
		t.Fatalf("seed activity %s: %v", id, err)
	}
}

func (f *resolverFixture) play(entityID, state string) {
	f.res.onEntityChange(context.Background(), protocol.EntityChange{
		EntityID:   entityID,
		EntityType: "media_player",
		NewState:   state,
	})
}

func (f *resolverFixture) subject() string {
	return fmt.Sprintf("device.%s.media.selected", f.dev.ID)
}

func (f *resolverFixture) selectedEntity(t *testing.T) string {
	t.Helper()
	data, ok := f.bus.last(f.subject())
	if !ok {
		t.Fatal("no media selection published")
	}
	var msg struct {
		EntityID string `json:"entity_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad selection payload: %v", err)
	}
	return msg.EntityID
}

func TestResolverPicksMostRecentActivity(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Hour)
	f.addActivity(t, "act.listen_music", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{
		"media_player.tv":      "act.watch_tv",
		"media_player.spotify": "act.listen_music",
	})

	f.play("media_player.tv", "PLAYING")
	f.play("media_player.spotify", "PAUSED")

	// Recency of the activity outranks playback state.
	if got := f.selectedEntity(t); got != "media_player.spotify" {
		t.Errorf("selected = %s, want media_player.spotify", got)
	}
	src, ok := f.res.selection()
	if !ok || src.EntityID != "media_player.spotify" || src.ActivityID != "act.listen_music" {
		t.Errorf("selection() = %+v ok=%v", src, ok)
	}
}

func TestResolverPrefersPlayingThenLexical(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{
		"media_player.tv":    "act.watch_tv",
		"media_player.vinyl": "act.watch_tv",
	})

	f.play("media_player.tv", "PAUSED")
	f.play("media_player.vinyl", "PLAYING")
	if got := f.selectedEntity(t); got != "media_player.vinyl" {
		t.Errorf("selected = %s, want the playing source", got)
	}

	// Same activity, same playback state: lexically smallest id wins.
	f.play("media_player.vinyl", "PAUSED")
	if got := f.selectedEntity(t); got != "media_player.tv" {
		t.Errorf("selected = %s, want media_player.tv on the tie", got)
	}
}

func TestResolverDropsCandidatesOfStoppedActivities(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOff, 0)
	f.res.setBindings(map[string]string{"media_player.tv": "act.watch_tv"})

	f.play("media_player.tv", "PLAYING")

	if _, ok := f.res.selection(); ok {
		t.Error("selection exists although its activity is off")
	}
	if n := f.bus.count(f.subject()); n != 0 {
		t.Errorf("selection publishes = %d, want 0", n)
	}
}

func TestResolverOverride(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Hour)
	f.addActivity(t, "act.listen_music", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{
		"media_player.tv":      "act.watch_tv",
		"media_player.spotify": "act.listen_music",
	})
	f.play("media_player.tv", "PLAYING")
	f.play("media_player.spotify", "PLAYING")

	f.dev.MediaOverride = "media_player.tv"
	if err := f.store.UpdateDevice(context.Background(), f.dev); err != nil {
		t.Fatalf("update device: %v", err)
	}
	f.res.recompute(context.Background())
	if got := f.selectedEntity(t); got != "media_player.tv" {
		t.Errorf("selected = %s, want the override", got)
	}

	// An override whose activity stopped is ignored.
	f.addActivity(t, "act.watch_tv", models.ActivityOff, 0)
	f.res.onActivityChange(context.Background())
	if got := f.selectedEntity(t); got != "media_player.spotify" {
		t.Errorf("selected = %s, want ranking to resume past a stale override", got)
	}
}

// Replaying the same observation must not re-announce the winner.
func TestResolverRecomputeIsIdempotent(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{"media_player.tv": "act.watch_tv"})

	f.play("media_player.tv", "PLAYING")
	if n := f.bus.count(f.subject()); n != 1 {
		t.Fatalf("selection publishes = %d, want 1", n)
	}

	f.play("media_player.tv", "PLAYING")
	f.res.onActivityChange(context.Background())
	f.res.recompute(context.Background())
	if n := f.bus.count(f.subject()); n != 1 {
		t.Errorf("selection publishes after replays = %d, want still 1", n)
	}
}

func TestResolverClearsSelectionWhenSourceTurnsOff(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{"media_player.tv": "act.watch_tv"})

	f.play("media_player.tv", "PLAYING")
	f.play("media_player.tv", "OFF")

	if _, ok := f.res.selection(); ok {
		t.Error("selection survived the source going away")
	}
	if got := f.selectedEntity(t); got != "" {
		t.Errorf("last published selection = %q, want empty", got)
	}
	if n := f.bus.count(f.subject()); n != 2 {
		t.Errorf("selection publishes = %d, want 2 (elect, clear)", n)
	}
}

func TestResolverIgnoresNonMediaEntities(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{"light.kitchen": "act.watch_tv"})

	f.res.onEntityChange(context.Background(), protocol.EntityChange{
		EntityID:   "light.kitchen",
		EntityType: "light",
		NewState:   "ON",
	})
	if _, ok := f.res.selection(); ok {
		t.Error("non-media entity became a media source")
	}
}

func TestResolverCapturesArtwork(t *testing.T) {
	f := newResolverFixture(t)
	f.addActivity(t, "act.watch_tv", models.ActivityOn, time.Minute)
	f.res.setBindings(map[string]string{"media_player.tv": "act.watch_tv"})

	f.res.onEntityChange(context.Background(), protocol.EntityChange{
		EntityID:   "media_player.tv",
		EntityType: "media_player",
		NewState:   "PLAYING",
		Attributes: map[string]interface{}{"media_image_url": "http://art.example/cover.jpg"},
	})
	src, ok := f.res.selection()
	if !ok || src.ArtworkURL != "http://art.example/cover.jpg" {
		t.Errorf("selection = %+v ok=%v, want artwork url", src, ok)
	}
}
