// Package store provides storage backends for Pollexy.
//
// It defines the persistence boundaries used by the scheduler (messages with conditional,
// version-checked saves), the reference data it reads (people and locations) and the
// per-location delivery queue, with in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// MessageFilter narrows ListMessages results.
type MessageFilter struct {
	PersonName       string
	QueuedLocation   string
	IncludeExhausted bool
}

// MessageStore is the durable record of scheduled messages.
type MessageStore interface {
	// CreateMessage inserts a new message with version 1.
	CreateMessage(ctx context.Context, m *models.ScheduledMessage) error

	// GetMessage returns the message or models.ErrUnknownMessage.
	GetMessage(ctx context.Context, id string) (*models.ScheduledMessage, error)

	// LoadDueMessages returns every message with !IsQueued && !IsExhausted && NextOccurrence <= now.
	LoadDueMessages(ctx context.Context, now time.Time) ([]*models.ScheduledMessage, error)

	// ListMessages returns messages matching filter ordered by creation time.
	ListMessages(ctx context.Context, filter MessageFilter) ([]*models.ScheduledMessage, error)

	// SaveMessage writes m only if the stored version still equals expectedVersion.
	// On success m.Version becomes expectedVersion+1; otherwise models.ErrConflict
	// (or models.ErrUnknownMessage) is returned and nothing is written.
	SaveMessage(ctx context.Context, m *models.ScheduledMessage, expectedVersion int64) error
}

// PersonStore holds people reference data.
type PersonStore interface {
	// LoadPerson returns the person or models.ErrUnknownPerson.
	LoadPerson(ctx context.Context, name string) (*models.Person, error)
	UpsertPerson(ctx context.Context, p *models.Person) error
	ListPeople(ctx context.Context) ([]*models.Person, error)
	DeletePerson(ctx context.Context, name string) error
}

// LocationStore holds location reference data and the motion sensor flag.
type LocationStore interface {
	// GetLocation returns the location or models.ErrUnknownLocation.
	GetLocation(ctx context.Context, name string) (*models.Location, error)
	UpsertLocation(ctx context.Context, l *models.Location) error
	ListLocations(ctx context.Context) ([]*models.Location, error)
	DeleteLocation(ctx context.Context, name string) error
	SetMotion(ctx context.Context, name string, detected bool, at time.Time) error
}

// Store is everything a Pollexy process needs from its backend.
type Store interface {
	MessageStore
	PersonStore
	LocationStore
	DeliveryQueue
	Close() error
}

// Compile-time checks that all backends implement Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
