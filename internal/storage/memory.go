package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/models"
)

// MemoryStore is an in-memory Store used for tests and single-node setups
// without Postgres. Selected by an empty database URL.
type MemoryStore struct {
	mu sync.RWMutex

	devices       map[uuid.UUID]*models.Device
	activities    map[uuid.UUID]map[string]*models.Activity
	groups        map[uuid.UUID]map[string]*models.ActivityGroup
	docks         map[uuid.UUID]map[string]*models.Dock
	subscriptions map[uuid.UUID]map[string]*models.EntitySubscription
	codesets      map[uuid.UUID]*models.Codeset
	tokens        map[string]*models.DriverToken
	events        []*models.EventLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:       make(map[uuid.UUID]*models.Device),
		activities:    make(map[uuid.UUID]map[string]*models.Activity),
		groups:        make(map[uuid.UUID]map[string]*models.ActivityGroup),
		docks:         make(map[uuid.UUID]map[string]*models.Dock),
		subscriptions: make(map[uuid.UUID]map[string]*models.EntitySubscription),
		codesets:      make(map[uuid.UUID]*models.Codeset),
		tokens:        make(map[string]*models.DriverToken),
	}
}

// BeginTx returns the store itself; writes are already atomic under the mutex
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	return s, nil
}

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// ========== Device Methods ==========

func (s *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if _, ok := s.devices[device.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range s.devices {
		if existing.Host == device.Host {
			return ErrDuplicateKey
		}
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	if device.ConnectionState == "" {
		device.ConnectionState = models.StateUnauthenticated
	}

	clone := *device
	s.devices[device.ID] = &clone
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[device.ID]; !ok {
		return ErrNotFound
	}
	device.UpdatedAt = time.Now()
	clone := *device
	s.devices[device.ID] = &clone
	return nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return ErrNotFound
	}
	delete(s.devices, id)
	delete(s.activities, id)
	delete(s.groups, id)
	delete(s.docks, id)
	delete(s.subscriptions, id)
	for csID, cs := range s.codesets {
		if cs.DeviceID == id {
			delete(s.codesets, csID)
		}
	}
	for tokenID, token := range s.tokens {
		if token.DeviceID == id {
			delete(s.tokens, tokenID)
		}
	}
	return nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.Device, 0, len(s.devices))
	for _, device := range s.devices {
		clone := *device
		all = append(all, &clone)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// ========== Activity Methods ==========

func (s *MemoryStore) UpsertActivity(ctx context.Context, activity *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.activities[activity.DeviceID]
	if !ok {
		byID = make(map[string]*models.Activity)
		s.activities[activity.DeviceID] = byID
	}
	clone := *activity
	byID[activity.ActivityID] = &clone
	return nil
}

func (s *MemoryStore) GetActivity(ctx context.Context, deviceID uuid.UUID, activityID string) (*models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activity, ok := s.activities[deviceID][activityID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *activity
	return &clone, nil
}

func (s *MemoryStore) ListActivities(ctx context.Context, deviceID uuid.UUID) ([]*models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var activities []*models.Activity
	for _, activity := range s.activities[deviceID] {
		clone := *activity
		activities = append(activities, &clone)
	}
	sort.Slice(activities, func(i, j int) bool { return activities[i].ActivityID < activities[j].ActivityID })
	return activities, nil
}

func (s *MemoryStore) DeleteActivities(ctx context.Context, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activities, deviceID)
	return nil
}

func (s *MemoryStore) UpsertActivityGroup(ctx context.Context, group *models.ActivityGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.groups[group.DeviceID]
	if !ok {
		byID = make(map[string]*models.ActivityGroup)
		s.groups[group.DeviceID] = byID
	}
	clone := *group
	byID[group.GroupID] = &clone
	return nil
}

func (s *MemoryStore) ListActivityGroups(ctx context.Context, deviceID uuid.UUID) ([]*models.ActivityGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []*models.ActivityGroup
	for _, group := range s.groups[deviceID] {
		clone := *group
		groups = append(groups, &clone)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
	return groups, nil
}

// ========== Dock Methods ==========

func (s *MemoryStore) UpsertDock(ctx context.Context, dock *models.Dock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.docks[dock.DeviceID]
	if !ok {
		byID = make(map[string]*models.Dock)
		s.docks[dock.DeviceID] = byID
	}
	clone := *dock
	byID[dock.DockID] = &clone
	return nil
}

func (s *MemoryStore) GetDock(ctx context.Context, deviceID uuid.UUID, dockID string) (*models.Dock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dock, ok := s.docks[deviceID][dockID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *dock
	return &clone, nil
}

func (s *MemoryStore) ListDocks(ctx context.Context, deviceID uuid.UUID) ([]*models.Dock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docks []*models.Dock
	for _, dock := range s.docks[deviceID] {
		clone := *dock
		docks = append(docks, &clone)
	}
	sort.Slice(docks, func(i, j int) bool { return docks[i].DockID < docks[j].DockID })
	return docks, nil
}

// ========== Entity Subscription Methods ==========

func (s *MemoryStore) UpsertSubscription(ctx context.Context, sub *models.EntitySubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.subscriptions[sub.DeviceID]
	if !ok {
		byID = make(map[string]*models.EntitySubscription)
		s.subscriptions[sub.DeviceID] = byID
	}
	clone := *sub
	byID[sub.EntityID] = &clone
	return nil
}

func (s *MemoryStore) ListSubscriptions(ctx context.Context, deviceID uuid.UUID) ([]*models.EntitySubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*models.EntitySubscription
	for _, sub := range s.subscriptions[deviceID] {
		clone := *sub
		subs = append(subs, &clone)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].EntityID < subs[j].EntityID })
	return subs, nil
}

func (s *MemoryStore) DeleteSubscription(ctx context.Context, deviceID uuid.UUID, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[deviceID][entityID]; !ok {
		return ErrNotFound
	}
	delete(s.subscriptions[deviceID], entityID)
	return nil
}

// ========== Codeset Methods ==========

func (s *MemoryStore) CreateCodeset(ctx context.Context, cs *models.Codeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	for _, existing := range s.codesets {
		if existing.DeviceID == cs.DeviceID && existing.Name == cs.Name {
			return ErrDuplicateKey
		}
	}

	now := time.Now()
	cs.CreatedAt = now
	cs.UpdatedAt = now

	clone := *cs
	s.codesets[cs.ID] = &clone
	return nil
}

func (s *MemoryStore) GetCodesetByName(ctx context.Context, deviceID uuid.UUID, name string) (*models.Codeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cs := range s.codesets {
		if cs.DeviceID == deviceID && cs.Name == name {
			clone := *cs
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateCodeset(ctx context.Context, cs *models.Codeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codesets[cs.ID]; !ok {
		return ErrNotFound
	}
	cs.UpdatedAt = time.Now()
	clone := *cs
	s.codesets[cs.ID] = &clone
	return nil
}

func (s *MemoryStore) ListCodesets(ctx context.Context, deviceID uuid.UUID) ([]*models.Codeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var codesets []*models.Codeset
	for _, cs := range s.codesets {
		if cs.DeviceID == deviceID {
			clone := *cs
			codesets = append(codesets, &clone)
		}
	}
	sort.Slice(codesets, func(i, j int) bool { return codesets[i].Name < codesets[j].Name })
	return codesets, nil
}

// ========== Driver Token Methods ==========

func (s *MemoryStore) CreateDriverToken(ctx context.Context, token *models.DriverToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.ID]; ok {
		return ErrDuplicateKey
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now()
	}

	clone := *token
	s.tokens[token.ID] = &clone
	return nil
}

func (s *MemoryStore) GetDriverToken(ctx context.Context, id string) (*models.DriverToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *token
	return &clone, nil
}

func (s *MemoryStore) RevokeDriverTokens(ctx context.Context, deviceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, token := range s.tokens {
		if token.DeviceID == deviceID && token.RevokedAt == nil {
			revoked := now
			token.RevokedAt = &revoked
		}
	}
	return nil
}

// ========== Event Log Methods ==========

func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	clone := *event
	s.events = append(s.events, &clone)
	return nil
}

func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.EventLog
	for _, event := range s.events {
		if filters.DeviceID != nil && (event.DeviceID == nil || *event.DeviceID != *filters.DeviceID) {
			continue
		}
		if filters.DockID != nil && (event.DockID == nil || *event.DockID != *filters.DockID) {
			continue
		}
		if filters.Type != nil && event.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && event.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && event.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && event.CreatedAt.After(*filters.EndTime) {
			continue
		}
		clone := *event
		matched = append(matched, &clone)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}
