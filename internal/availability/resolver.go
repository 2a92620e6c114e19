// Package availability resolves where a person can currently be reached.
package availability

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// WindowEvaluator tests whether a presence window covers an instant.
// *recurrence.Engine satisfies it.
type WindowEvaluator interface {
	AvailableOn(window models.AvailabilityWindow, instant time.Time) (bool, error)
}

// Resolver filters a person's availability windows against an instant.
type Resolver struct {
	windows WindowEvaluator
}

// NewResolver creates a Resolver backed by the given evaluator.
func NewResolver(windows WindowEvaluator) *Resolver {
	return &Resolver{windows: windows}
}

// Resolve returns the locations whose window covers instant, in the person's declared
// order. The order is the rotation contract, so it is never re-sorted; a location listed
// by several windows keeps its first position. An empty result is not an error.
func (r *Resolver) Resolve(person *models.Person, instant time.Time) []string {
	if person == nil {
		return nil
	}
	var available []string
	seen := make(map[string]struct{}, len(person.AvailabilityWindows))
	for _, w := range person.AvailabilityWindows {
		if _, dup := seen[w.LocationName]; dup {
			continue
		}
		ok, err := r.windows.AvailableOn(w, instant)
		if err != nil {
			slog.Warn("Resolver.Resolve: skipping invalid availability window",
				"person", person.Name, "location", w.LocationName, "error", err)
			continue
		}
		if !ok {
			continue
		}
		seen[w.LocationName] = struct{}{}
		available = append(available, w.LocationName)
	}
	slog.Debug("Resolver.Resolve", "person", person.Name, "instant", instant, "available", available)
	return available
}

// Validate checks every window's fields and rule. It returns the first problem found.
func (r *Resolver) Validate(person *models.Person) error {
	if err := person.Validate(); err != nil {
		return err
	}
	for i, w := range person.AvailabilityWindows {
		if _, err := r.windows.AvailableOn(w, time.Time{}); err != nil {
			return fmt.Errorf("availability window %d: %w", i, err)
		}
	}
	return nil
}
