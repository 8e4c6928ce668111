package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
	"github.com/remotesync/remotesync-server/pkg/protocol"
)

// resolver elects the media source a device group is "about". Selection never
// guesses across power states: candidates whose activity is off are dropped
// before ranking.
//
// Ranking: persisted user override while valid, then the most recently
// activated activity's candidate, then PLAYING over paused/idle, then the
// lexically smallest entity id. Recomputation is idempotent; an unchanged
// winner emits nothing.
type resolver struct {
	deviceID uuid.UUID
	store    storage.Store
	bus      Publisher
	clock    Clock

	mu             sync.Mutex
	sources        map[string]*models.MediaSource
	entityActivity map[string]string
	selected       string
}

func newResolver(deviceID uuid.UUID, store storage.Store, bus Publisher, clock Clock) *resolver {
	return &resolver{
		deviceID:       deviceID,
		store:          store,
		bus:            bus,
		clock:          clock,
		sources:        make(map[string]*models.MediaSource),
		entityActivity: make(map[string]string),
	}
}

// setBindings installs the entity → activity map learned from activity
// definitions, rebinding any live sources.
func (r *resolver) setBindings(bindings map[string]string) {
	r.mu.Lock()
	r.entityActivity = bindings
	for id, src := range r.sources {
		src.ActivityID = bindings[id]
	}
	r.mu.Unlock()
}

// onEntityChange folds a media entity state change into the candidate set.
func (r *resolver) onEntityChange(ctx context.Context, change protocol.EntityChange) {
	if change.EntityType != "" && change.EntityType != "media_player" {
		return
	}

	r.mu.Lock()
	state := strings.ToUpper(change.NewState)
	switch state {
	case "OFF", "UNAVAILABLE", "UNKNOWN":
		delete(r.sources, change.EntityID)
	default:
		src, ok := r.sources[change.EntityID]
		if !ok {
			src = &models.MediaSource{EntityID: change.EntityID}
			r.sources[change.EntityID] = src
		}
		src.State = playbackState(state)
		src.ActivityID = r.entityActivity[change.EntityID]
		if artwork, ok := change.Attributes["media_image_url"].(string); ok {
			src.ArtworkURL = artwork
		}
		src.UpdatedAt = r.clock.Now()
	}
	r.mu.Unlock()

	r.recompute(ctx)
}

// onActivityChange re-ranks after an activity run-state transition. The
// session glue persists the activity row before calling in.
func (r *resolver) onActivityChange(ctx context.Context) {
	r.recompute(ctx)
}

// selection returns the current winner, if any.
func (r *resolver) selection() (models.MediaSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[r.selected]
	if !ok {
		return models.MediaSource{}, false
	}
	return *src, true
}

// recompute re-ranks candidates and emits a selection update only when the
// winner changed.
func (r *resolver) recompute(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	winner := r.pickLocked(ctx)
	if winner == r.selected {
		return
	}
	r.selected = winner

	payload, _ := json.Marshal(map[string]string{
		"entity_id":   winner,
		"activity_id": r.activityOfLocked(winner),
	})
	if r.bus != nil {
		subject := fmt.Sprintf("device.%s.media.selected", r.deviceID)
		if err := r.bus.Publish(subject, payload); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("media selection publish failed")
		}
	}
	log.Debug().
		Str("device", r.deviceID.String()).
		Str("entity", winner).
		Msg("media selection changed")
}

func (r *resolver) activityOfLocked(entityID string) string {
	if src, ok := r.sources[entityID]; ok {
		return src.ActivityID
	}
	return ""
}

func (r *resolver) pickLocked(ctx context.Context) string {
	activities, err := r.store.ListActivities(ctx, r.deviceID)
	if err != nil {
		log.Warn().Err(err).Str("device", r.deviceID.String()).Msg("resolver could not list activities")
		return r.selected
	}
	on := make(map[string]*models.Activity, len(activities))
	for _, a := range activities {
		if a.On() {
			on[a.ActivityID] = a
		}
	}

	if dev, err := r.store.GetDevice(ctx, r.deviceID); err == nil && dev.MediaOverride != "" {
		if src, ok := r.sources[dev.MediaOverride]; ok {
			if _, running := on[src.ActivityID]; running {
				return dev.MediaOverride
			}
		}
	}

	var candidates []*models.MediaSource
	for _, src := range r.sources {
		if _, running := on[src.ActivityID]; running {
			candidates = append(candidates, src)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := on[candidates[i].ActivityID], on[candidates[j].ActivityID]
		ti, tj := activatedAt(ai), activatedAt(aj)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		pi, pj := candidates[i].State == models.PlaybackPlaying, candidates[j].State == models.PlaybackPlaying
		if pi != pj {
			return pi
		}
		return candidates[i].EntityID < candidates[j].EntityID
	})
	return candidates[0].EntityID
}

func activatedAt(a *models.Activity) time.Time {
	if a == nil || a.LastActiveAt == nil {
		return time.Time{}
	}
	return *a.LastActiveAt
}

func playbackState(state string) models.PlaybackState {
	switch state {
	case "PLAYING":
		return models.PlaybackPlaying
	case "PAUSED":
		return models.PlaybackPaused
	default:
		return models.PlaybackIdle
	}
}
