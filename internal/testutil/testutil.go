// Package testutil provides common test fixtures and helpers for Pollexy tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/Pollexy/internal/availability"
	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/recurrence"
	"github.com/BTreeMap/Pollexy/internal/scheduler"
	"github.com/BTreeMap/Pollexy/internal/store"
)

// FixedClock is a scheduler.Clock that always reports the same instant.
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }

var _ scheduler.Clock = FixedClock{}

// Core is the scheduling core built over a store, the way the server wires it.
type Core struct {
	Recurrence *recurrence.Engine
	Resolver   *availability.Resolver
	Engine     *scheduler.Engine
}

// NewCore builds a recurrence engine, resolver and scheduling engine over st.
// Failed outcomes consume the occurrence, matching the default configuration.
func NewCore(t *testing.T, st scheduler.Store, queue store.DeliveryQueue, clock scheduler.Clock) *Core {
	t.Helper()
	rec := recurrence.NewEngine()
	resolver := availability.NewResolver(rec)
	engine, err := scheduler.NewEngine(scheduler.Config{
		Store:            st,
		Queue:            queue,
		Recurrence:       rec,
		Resolver:         resolver,
		Clock:            clock,
		AdvanceOnFailure: true,
	})
	if err != nil {
		t.Fatalf("failed to create scheduling engine: %v", err)
	}
	return &Core{Recurrence: rec, Resolver: resolver, Engine: engine}
}

// AllDayWindow covers every instant since 2022 at location.
func AllDayWindow(location string) models.AvailabilityWindow {
	return models.AvailabilityWindow{
		LocationName: location,
		Rule:         "DTSTART:20220101T000000Z\nRRULE:FREQ=DAILY",
		Duration:     24 * time.Hour,
	}
}

// Household is the reference data SeedHousehold writes.
type Household struct {
	Person    *models.Person
	Locations []*models.Location
}

// SeedHousehold adds a kitchen and a bedroom speaker and a person named dana who is
// always available in the kitchen.
func SeedHousehold(t *testing.T, st interface {
	store.PersonStore
	store.LocationStore
}) Household {
	t.Helper()
	ctx := context.Background()
	h := Household{
		Person: &models.Person{
			Name:                "dana",
			AvailabilityWindows: []models.AvailabilityWindow{AllDayWindow("kitchen")},
		},
		Locations: []*models.Location{
			{Name: "kitchen", Channel: models.ChannelSpeaker},
			{Name: "bedroom", Channel: models.ChannelSpeaker},
		},
	}
	for _, l := range h.Locations {
		if err := st.UpsertLocation(ctx, l); err != nil {
			t.Fatalf("failed to seed location %s: %v", l.Name, err)
		}
	}
	if err := st.UpsertPerson(ctx, h.Person); err != nil {
		t.Fatalf("failed to seed person: %v", err)
	}
	return h
}

// Reporter is the part of testing.TB the assertions need.
type Reporter interface {
	Helper()
	Errorf(format string, args ...any)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t Reporter, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v\n%s", err, data)
	}
}
