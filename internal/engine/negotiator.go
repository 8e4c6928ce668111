package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/remotesync/remotesync-server/internal/device"
	"github.com/remotesync/remotesync-server/internal/metrics"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/internal/storage"
)

// negotiator drives entity subscription rounds against a device. The device
// treats the pushed list as authoritative but applies it asynchronously, so a
// round is push, reload, settle, read back. The resulting delta is surfaced,
// never auto-converged: a persistent mismatch needs a human decision.
type negotiator struct {
	deviceID uuid.UUID
	api      DeviceAPI
	store    storage.Store
	clock    Clock

	settle  time.Duration
	retries int
}

func newNegotiator(deviceID uuid.UUID, api DeviceAPI, store storage.Store, clock Clock, settle time.Duration, retries int) *negotiator {
	return &negotiator{
		deviceID: deviceID,
		api:      api,
		store:    store,
		clock:    clock,
		settle:   settle,
		retries:  retries,
	}
}

// run executes a negotiation: desired = (add ∪ exposed) − remove, pushed and
// read back. A communication failure is retried a bounded number of times
// before NegotiationTimeout; a non-empty delta gets exactly one extra round
// before being returned to the caller.
func (n *negotiator) run(ctx context.Context, integrationID string, add, remove []string) (models.SubscriptionDelta, error) {
	desired, err := n.desired(ctx, add, remove)
	if err != nil {
		return models.SubscriptionDelta{}, err
	}

	got, err := n.roundWithRetry(ctx, integrationID, desired)
	if err != nil {
		metrics.IncNegotiation(metrics.ResultTimeout)
		return models.SubscriptionDelta{}, err
	}

	delta := diffSubscriptions(desired, got)
	if !delta.Empty() {
		log.Debug().
			Str("device", n.deviceID.String()).
			Strs("missing", delta.Missing).
			Strs("extra", delta.Extra).
			Msg("subscription delta after first round, retrying")
		got, err = n.roundWithRetry(ctx, integrationID, desired)
		if err != nil {
			metrics.IncNegotiation(metrics.ResultTimeout)
			return models.SubscriptionDelta{}, err
		}
		delta = diffSubscriptions(desired, got)
	}

	if err := n.persist(ctx, desired, got); err != nil {
		return delta, err
	}

	if delta.Empty() {
		metrics.IncNegotiation(metrics.ResultSuccess)
		log.Info().
			Str("device", n.deviceID.String()).
			Int("entities", len(desired)).
			Msg("entity subscriptions converged")
	} else {
		metrics.IncNegotiation(metrics.ResultError)
		log.Warn().
			Str("device", n.deviceID.String()).
			Strs("missing", delta.Missing).
			Strs("extra", delta.Extra).
			Msg("entity subscriptions did not converge")
	}
	return delta, nil
}

// desired folds the requested edits into the currently exposed set.
func (n *negotiator) desired(ctx context.Context, add, remove []string) ([]string, error) {
	subs, err := n.store.ListSubscriptions(ctx, n.deviceID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, s := range subs {
		if s.Exposed {
			set[s.EntityID] = struct{}{}
		}
	}
	for _, id := range add {
		set[id] = struct{}{}
	}
	for _, id := range remove {
		delete(set, id)
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (n *negotiator) roundWithRetry(ctx context.Context, integrationID string, desired []string) ([]string, error) {
	attempts := n.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		got, err := n.round(ctx, integrationID, desired)
		if err == nil {
			return got, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		log.Warn().Err(err).
			Str("device", n.deviceID.String()).
			Int("attempt", attempt).
			Msg("negotiation round failed")
	}
	return nil, &NegotiationTimeout{Attempts: attempts, Err: lastErr}
}

// round is one push → reload → settle → read-back pass.
func (n *negotiator) round(ctx context.Context, integrationID string, desired []string) ([]string, error) {
	entities := make([]device.AvailableEntity, len(desired))
	for i, id := range desired {
		entities[i] = describeEntity(id)
	}
	if err := n.api.PushAvailableEntities(ctx, integrationID, entities); err != nil {
		return nil, err
	}
	if _, err := n.api.ReloadEntities(ctx, integrationID); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.clock.After(n.settle):
	}
	return n.api.GetSubscribedEntities(ctx, integrationID)
}

// persist records the outcome: desired rows keep Exposed with the echoed
// Subscribed flag, extra device-held rows stay visible as unexposed, and rows
// on neither side are dropped.
func (n *negotiator) persist(ctx context.Context, desired, got []string) error {
	desiredSet := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		desiredSet[id] = struct{}{}
	}
	gotSet := make(map[string]struct{}, len(got))
	for _, id := range got {
		gotSet[id] = struct{}{}
	}
	now := n.clock.Now()

	for _, id := range desired {
		_, subscribed := gotSet[id]
		sub := &models.EntitySubscription{
			DeviceID:   n.deviceID,
			EntityID:   id,
			Exposed:    true,
			Subscribed: subscribed,
			UpdatedAt:  now,
		}
		if err := n.store.UpsertSubscription(ctx, sub); err != nil {
			return err
		}
	}
	for _, id := range got {
		if _, ok := desiredSet[id]; ok {
			continue
		}
		sub := &models.EntitySubscription{
			DeviceID:   n.deviceID,
			EntityID:   id,
			Exposed:    false,
			Subscribed: true,
			UpdatedAt:  now,
		}
		if err := n.store.UpsertSubscription(ctx, sub); err != nil {
			return err
		}
	}

	existing, err := n.store.ListSubscriptions(ctx, n.deviceID)
	if err != nil {
		return err
	}
	for _, sub := range existing {
		_, wantIt := desiredSet[sub.EntityID]
		_, hasIt := gotSet[sub.EntityID]
		if !wantIt && !hasIt {
			if err := n.store.DeleteSubscription(ctx, n.deviceID, sub.EntityID); err != nil {
				return err
			}
		}
	}
	return nil
}

func diffSubscriptions(desired, got []string) models.SubscriptionDelta {
	desiredSet := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		desiredSet[id] = struct{}{}
	}
	gotSet := make(map[string]struct{}, len(got))
	for _, id := range got {
		gotSet[id] = struct{}{}
	}

	var delta models.SubscriptionDelta
	for _, id := range desired {
		if _, ok := gotSet[id]; !ok {
			delta.Missing = append(delta.Missing, id)
		}
	}
	for _, id := range got {
		if _, ok := desiredSet[id]; !ok {
			delta.Extra = append(delta.Extra, id)
		}
	}
	sort.Strings(delta.Missing)
	sort.Strings(delta.Extra)
	return delta
}

// describeEntity derives the pushed descriptor from a host entity id of the
// form "<domain>.<object>", e.g. "media_player.living_room".
func describeEntity(id string) device.AvailableEntity {
	domain, object := id, ""
	if i := strings.IndexByte(id, '.'); i >= 0 {
		domain, object = id[:i], id[i+1:]
	}
	name := strings.ReplaceAll(object, "_", " ")
	if name == "" {
		name = id
	}
	return device.AvailableEntity{
		EntityID:   id,
		EntityType: domain,
		Name:       map[string]string{"en": name},
	}
}
