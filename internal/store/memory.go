package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/util"
)

// InMemoryStore is a process-local Store used by tests and by `serve --store memory`.
// Stored values are cloned on the way in and out, so callers never alias internal state.
type InMemoryStore struct {
	mu         sync.Mutex
	messages   map[string]*models.ScheduledMessage
	people     map[string]*models.Person
	locations  map[string]*models.Location
	deliveries map[string]*Delivery
	order      []string // delivery IDs in publish order
	now        func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:   make(map[string]*models.ScheduledMessage),
		people:     make(map[string]*models.Person),
		locations:  make(map[string]*models.Location),
		deliveries: make(map[string]*Delivery),
		now:        time.Now,
	}
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, m *models.ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = util.NewMessageID()
	}
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	s.messages[m.ID] = m.Clone()
	slog.Debug("InMemoryStore.CreateMessage", "id", m.ID, "person", m.PersonName)
	return nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, models.ErrUnknownMessage
	}
	return m.Clone(), nil
}

func (s *InMemoryStore) LoadDueMessages(ctx context.Context, now time.Time) ([]*models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.ScheduledMessage
	for _, m := range s.messages {
		if m.IsDue(now) {
			due = append(due, m.Clone())
		}
	}
	sortMessages(due)
	return due, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScheduledMessage
	for _, m := range s.messages {
		if filter.PersonName != "" && m.PersonName != filter.PersonName {
			continue
		}
		if filter.QueuedLocation != "" && (!m.IsQueued || m.QueuedLocation != filter.QueuedLocation) {
			continue
		}
		if m.IsExhausted && !filter.IncludeExhausted {
			continue
		}
		out = append(out, m.Clone())
	}
	sortMessages(out)
	return out, nil
}

func (s *InMemoryStore) SaveMessage(ctx context.Context, m *models.ScheduledMessage, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.messages[m.ID]
	if !ok {
		return models.ErrUnknownMessage
	}
	if current.Version != expectedVersion {
		slog.Debug("InMemoryStore.SaveMessage: version conflict", "id", m.ID, "expected", expectedVersion, "actual", current.Version)
		return models.ErrConflict
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = s.now().UTC()
	m.CreatedAt = current.CreatedAt
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *InMemoryStore) LoadPerson(ctx context.Context, name string) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[name]
	if !ok {
		return nil, models.ErrUnknownPerson
	}
	return clonePerson(p), nil
}

func (s *InMemoryStore) UpsertPerson(ctx context.Context, p *models.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.people[p.Name] = clonePerson(p)
	return nil
}

func (s *InMemoryStore) ListPeople(ctx context.Context) ([]*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Person, 0, len(s.people))
	for _, p := range s.people {
		out = append(out, clonePerson(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) DeletePerson(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.people[name]; !ok {
		return models.ErrUnknownPerson
	}
	delete(s.people, name)
	return nil
}

func (s *InMemoryStore) GetLocation(ctx context.Context, name string) (*models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[name]
	if !ok {
		return nil, models.ErrUnknownLocation
	}
	return cloneLocation(l), nil
}

func (s *InMemoryStore) UpsertLocation(ctx context.Context, l *models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.Name] = cloneLocation(l)
	return nil
}

func (s *InMemoryStore) ListLocations(ctx context.Context) ([]*models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, cloneLocation(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) DeleteLocation(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[name]; !ok {
		return models.ErrUnknownLocation
	}
	delete(s.locations, name)
	return nil
}

func (s *InMemoryStore) SetMotion(ctx context.Context, name string, detected bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locations[name]
	if !ok {
		return models.ErrUnknownLocation
	}
	l.MotionDetected = detected
	at = at.UTC()
	l.MotionAt = &at
	return nil
}

func (s *InMemoryStore) Publish(ctx context.Context, location string, payload models.DeliveryPayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := DedupeKey(payload)
	for _, d := range s.deliveries {
		if d.DedupeKey == key && !d.Status.terminal() {
			slog.Debug("InMemoryStore.Publish: dedupe hit", "dedupeKey", key, "existingID", d.ID)
			return d.ID, nil
		}
	}
	now := s.now().UTC()
	d := &Delivery{
		ID:        util.NewDeliveryID(),
		Location:  location,
		Payload:   payload,
		Status:    DeliveryStatusQueued,
		DedupeKey: key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.deliveries[d.ID] = d
	s.order = append(s.order, d.ID)
	slog.Debug("InMemoryStore.Publish", "id", d.ID, "location", location, "message_id", payload.MessageID)
	return d.ID, nil
}

func (s *InMemoryStore) Consume(ctx context.Context, location string, limit int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var ready []*Delivery
	for _, id := range s.order {
		d := s.deliveries[id]
		if d.Location != location || d.Status != DeliveryStatusQueued {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		ready = append(ready, d)
	}
	if limit <= 0 {
		limit = 1
	}
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]Delivery, 0, len(ready))
	for _, d := range ready {
		d.Status = DeliveryStatusDelivering
		lockedAt := now
		d.LockedAt = &lockedAt
		d.UpdatedAt = now
		out = append(out, *d)
	}
	return out, nil
}

func (s *InMemoryStore) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrUnknownDelivery
	}
	d.Status = DeliveryStatusDone
	d.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryStore) Nack(ctx context.Context, id string, retryAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return ErrUnknownDelivery
	}
	if d.Status.terminal() {
		return nil
	}
	retryAt = retryAt.UTC()
	d.Status = DeliveryStatusQueued
	d.Attempts++
	d.LastError = reason
	d.NextAttemptAt = &retryAt
	d.LockedAt = nil
	d.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryStore) RequeueStale(ctx context.Context, location string, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.Location == location && d.Status == DeliveryStatusDelivering && d.LockedAt != nil && d.LockedAt.Before(staleBefore) {
			d.Status = DeliveryStatusQueued
			d.LockedAt = nil
			d.UpdatedAt = s.now().UTC()
			n++
		}
	}
	if n > 0 {
		slog.Info("InMemoryStore.RequeueStale", "location", location, "requeued", n)
	}
	return n, nil
}

func (s *InMemoryStore) Purge(ctx context.Context, location string) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged []Delivery
	for _, id := range s.order {
		d := s.deliveries[id]
		if d.Location != location || d.Status.terminal() {
			continue
		}
		d.Status = DeliveryStatusCanceled
		d.UpdatedAt = s.now().UTC()
		purged = append(purged, *d)
	}
	return purged, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func sortMessages(ms []*models.ScheduledMessage) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

func clonePerson(p *models.Person) *models.Person {
	c := *p
	c.AvailabilityWindows = append([]models.AvailabilityWindow(nil), p.AvailabilityWindows...)
	return &c
}

func cloneLocation(l *models.Location) *models.Location {
	c := *l
	if l.MotionAt != nil {
		t := *l.MotionAt
		c.MotionAt = &t
	}
	return &c
}
