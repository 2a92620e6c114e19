// Package store provides the DeliveryQueue interface and model for restart-safe, per-location hand-off.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// DeliveryStatus represents the lifecycle state of a queued delivery.
type DeliveryStatus string

const (
	DeliveryStatusQueued     DeliveryStatus = "queued"
	DeliveryStatusDelivering DeliveryStatus = "delivering"
	DeliveryStatusDone       DeliveryStatus = "done"
	DeliveryStatusCanceled   DeliveryStatus = "canceled"
)

// ErrUnknownDelivery is returned when an ack handle does not match any delivery.
var ErrUnknownDelivery = errors.New("unknown delivery")

func (s DeliveryStatus) terminal() bool {
	return s == DeliveryStatusDone || s == DeliveryStatusCanceled
}

// Delivery is one payload waiting for, or held by, a location worker.
type Delivery struct {
	ID            string                 `json:"id"`
	Location      string                 `json:"location"`
	Payload       models.DeliveryPayload `json:"payload"`
	Status        DeliveryStatus         `json:"status"`
	Attempts      int                    `json:"attempts"`
	NextAttemptAt *time.Time             `json:"next_attempt_at"`
	DedupeKey     string                 `json:"dedupe_key"`
	LockedAt      *time.Time             `json:"locked_at"`
	LastError     string                 `json:"last_error"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// DedupeKey identifies one occurrence of one message.
func DedupeKey(p models.DeliveryPayload) string {
	return p.MessageID + "@" + p.Occurrence.UTC().Format(time.RFC3339)
}

// DeliveryQueue is an at-least-once queue keyed by location name.
type DeliveryQueue interface {
	// Publish enqueues payload for location. If a non-terminal delivery for the same
	// message occurrence exists, its ID is returned and nothing is inserted.
	Publish(ctx context.Context, location string, payload models.DeliveryPayload) (string, error)

	// Consume claims up to limit queued deliveries for location whose next attempt is
	// due and marks them delivering. Each returned ID is the ack handle.
	Consume(ctx context.Context, location string, limit int) ([]Delivery, error)

	// Ack marks a delivery as done.
	Ack(ctx context.Context, id string) error

	// Nack releases a delivery back to the queue, to be retried at retryAt.
	Nack(ctx context.Context, id string, retryAt time.Time, reason string) error

	// RequeueStale resets location's deliveries held since before staleBefore back to queued
	// (crash recovery). Other locations' in-flight deliveries are left alone.
	RequeueStale(ctx context.Context, location string, staleBefore time.Time) (int, error)

	// Purge cancels every non-terminal delivery for location and returns them.
	Purge(ctx context.Context, location string) ([]Delivery, error)
}
