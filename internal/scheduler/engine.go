// Package scheduler selects due messages, hands them to location queues and applies delivery
// outcomes. Engine is the only writer of ScheduledMessage lifecycle state; Runner triggers its
// cycles from a cron spec.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/recurrence"
	"github.com/BTreeMap/Pollexy/internal/store"
)

const (
	// DefaultMessageExpiry is how long after its occurrence a delivery stays deliverable.
	DefaultMessageExpiry = time.Hour
	// MaxOutcomeAttempts bounds conditional-save retries when applying an outcome.
	MaxOutcomeAttempts = 3

	dateLayout = "2006-01-02"
)

var timeLayouts = []string{"15:04", "15:04:05"}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Resolver returns the ordered locations a person is available at.
type Resolver interface {
	Resolve(person *models.Person, instant time.Time) []string
}

// Store is the persistence the engine needs.
type Store interface {
	store.MessageStore
	LoadPerson(ctx context.Context, name string) (*models.Person, error)
}

// Config wires the engine's collaborators. Store, Queue, Recurrence and Resolver are required.
type Config struct {
	Store         Store
	Queue         store.DeliveryQueue
	Recurrence    *recurrence.Engine
	Resolver      Resolver
	Clock         Clock
	MessageExpiry time.Duration
	// AdvanceOnFailure consumes the occurrence on a Failed outcome. When false, a failed
	// occurrence stays due and is retried on the next cycle. Expired always advances.
	AdvanceOnFailure bool
}

// Engine is the scheduling and delivery-orchestration core.
type Engine struct {
	cfg Config
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Due              int `json:"due"`
	Published        int `json:"published"`
	UnknownPerson    int `json:"unknown_person"`
	NoAvailability   int `json:"no_availability"`
	Conflicts        int `json:"conflicts"`
	PublishFailures  int `json:"publish_failures"`
	ProcessingErrors int `json:"processing_errors"`
}

// Skipped returns the number of due messages that were not published.
func (r CycleReport) Skipped() int {
	return r.Due - r.Published
}

// OutcomeResult describes the message after an outcome was applied.
type OutcomeResult struct {
	MessageID            string     `json:"message_id"`
	Applied              bool       `json:"applied"`
	NextOccurrence       *time.Time `json:"next_occurrence,omitempty"`
	OccurrencesRemaining *int       `json:"occurrences_remaining,omitempty"`
	IsExhausted          bool       `json:"is_exhausted"`
}

// NewEngine validates cfg and fills defaults.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("scheduler: store is required")
	case cfg.Queue == nil:
		return nil, errors.New("scheduler: queue is required")
	case cfg.Recurrence == nil:
		return nil, errors.New("scheduler: recurrence engine is required")
	case cfg.Resolver == nil:
		return nil, errors.New("scheduler: resolver is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.MessageExpiry <= 0 {
		cfg.MessageExpiry = DefaultMessageExpiry
	}
	return &Engine{cfg: cfg}, nil
}

// Now returns the engine clock's current instant.
func (e *Engine) Now() time.Time {
	return e.cfg.Clock.Now()
}

// Schedule validates req, computes the first occurrence and stores a new message.
func (e *Engine) Schedule(ctx context.Context, req models.ScheduleRequest) (models.ScheduleResult, error) {
	if err := req.Validate(); err != nil {
		return models.ScheduleResult{}, err
	}
	loc, err := e.cfg.Recurrence.LoadLocation(req.TimeZone)
	if err != nil {
		return models.ScheduleResult{}, err
	}
	tz := req.TimeZone
	if strings.TrimSpace(tz) == "" {
		tz = loc.String()
	}

	now := e.cfg.Clock.Now().In(loc)
	start, err := parseStart(req.StartDate, req.StartTime, now, loc)
	if err != nil {
		return models.ScheduleResult{}, err
	}
	end, err := parseEnd(req.EndDate, req.EndTime, start, loc)
	if err != nil {
		return models.ScheduleResult{}, err
	}
	if !end.After(start) {
		return models.ScheduleResult{}, models.ErrWindowEndBeforeStart
	}

	rule := models.RecurrenceRule{Interval: req.Interval, Count: req.Count, Text: strings.TrimSpace(req.RuleText)}
	if req.Frequency != "" {
		if rule.Frequency, err = models.ParseFrequency(req.Frequency); err != nil {
			return models.ScheduleResult{}, err
		}
	}
	if err := rule.Validate(); err != nil {
		return models.ScheduleResult{}, err
	}

	spec := recurrence.Spec{Rule: rule, TimeZone: tz, Start: start.UTC()}
	if rule.Count == nil {
		if rule.Count, err = e.cfg.Recurrence.RuleCount(spec); err != nil {
			return models.ScheduleResult{}, err
		}
		spec.Rule = rule
	}
	first, ok, err := e.cfg.Recurrence.First(spec, end.UTC())
	if err != nil {
		return models.ScheduleResult{}, err
	}
	if !ok {
		return models.ScheduleResult{}, &models.InvalidRuleError{Rule: rule.Text, Err: errors.New("no occurrence inside the schedule window")}
	}
	text, err := e.cfg.Recurrence.Text(spec)
	if err != nil {
		return models.ScheduleResult{}, err
	}

	m := &models.ScheduledMessage{
		PersonName:        strings.TrimSpace(req.PersonName),
		Body:              req.Body,
		Bot:               req.Bot,
		Rule:              rule,
		RuleText:          text,
		TimeZone:          tz,
		WindowStart:       start.UTC(),
		WindowEnd:         end.UTC(),
		NextOccurrence:    &first,
		LastLocationIndex: -1,
	}
	if rule.Count != nil {
		n := *rule.Count
		m.OccurrencesRemaining = &n
	}
	if err := e.cfg.Store.CreateMessage(ctx, m); err != nil {
		return models.ScheduleResult{}, fmt.Errorf("failed to store scheduled message: %w", err)
	}
	slog.Info("Engine.Schedule: message scheduled", "id", m.ID, "person", m.PersonName, "next", first, "rule", text)
	return models.ScheduleResult{ID: m.ID, NextOccurrence: m.NextOccurrence, RuleText: text}, nil
}

// RunCycle publishes every due message to one of its person's available locations.
// Only a failure to load due messages aborts the cycle; per-message problems are counted and skipped.
func (e *Engine) RunCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	var report CycleReport
	due, err := e.cfg.Store.LoadDueMessages(ctx, now)
	if err != nil {
		slog.Error("Engine.RunCycle: failed to load due messages", "error", err)
		return report, fmt.Errorf("failed to load due messages: %w", err)
	}
	report.Due = len(due)

	for _, m := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		err := e.dispatch(ctx, m, now)
		switch {
		case err == nil:
			report.Published++
		case errors.Is(err, models.ErrUnknownPerson):
			report.UnknownPerson++
			slog.Warn("Engine.RunCycle: skipping message for unknown person", "id", m.ID, "person", m.PersonName)
		case errors.Is(err, errNoAvailability):
			report.NoAvailability++
			slog.Debug("Engine.RunCycle: no available location", "id", m.ID, "person", m.PersonName)
		case errors.Is(err, models.ErrConflict):
			report.Conflicts++
			slog.Debug("Engine.RunCycle: message claimed elsewhere", "id", m.ID)
		case errors.Is(err, models.ErrPublish):
			report.PublishFailures++
			slog.Error("Engine.RunCycle: publish failed", "id", m.ID, "error", err)
		default:
			report.ProcessingErrors++
			slog.Error("Engine.RunCycle: failed to process message", "id", m.ID, "error", err)
		}
	}
	if report.Due > 0 {
		slog.Info("Engine.RunCycle: cycle complete", "due", report.Due, "published", report.Published, "skipped", report.Skipped())
	}
	return report, nil
}

var errNoAvailability = errors.New("no available location")

// dispatch claims m with a conditional save, then publishes it. A failed publish reverts the claim.
func (e *Engine) dispatch(ctx context.Context, m *models.ScheduledMessage, now time.Time) error {
	person, err := e.cfg.Store.LoadPerson(ctx, m.PersonName)
	if err != nil {
		return err
	}
	available := e.cfg.Resolver.Resolve(person, now)
	if len(available) == 0 {
		return errNoAvailability
	}
	target := nextLocationIndex(m.LastLocationIndex, len(available))
	location := available[target]

	claimed := m.Clone()
	claimed.IsQueued = true
	claimed.QueuedLocation = location
	claimed.LastLocationIndex = target
	if err := e.cfg.Store.SaveMessage(ctx, claimed, m.Version); err != nil {
		return err
	}

	occurrence := *m.NextOccurrence
	payload := models.DeliveryPayload{
		MessageID:  m.ID,
		PersonName: m.PersonName,
		Location:   location,
		Body:       m.Body,
		Bot:        m.Bot,
		Occurrence: occurrence,
		ExpiresAt:  occurrence.Add(e.cfg.MessageExpiry),
	}
	if _, err := e.cfg.Queue.Publish(ctx, location, payload); err != nil {
		reverted := m.Clone()
		if rerr := e.cfg.Store.SaveMessage(ctx, reverted, claimed.Version); rerr != nil {
			slog.Error("Engine.dispatch: failed to revert claim after publish failure", "id", m.ID, "error", rerr)
		}
		return fmt.Errorf("%w: location %s: %v", models.ErrPublish, location, err)
	}
	slog.Info("Engine.dispatch: message queued", "id", m.ID, "person", m.PersonName, "location", location, "index", target)
	return nil
}

// nextLocationIndex implements round-robin rotation over the currently available locations.
// When the list shrank below the last index, the target is clamped to its final entry.
func nextLocationIndex(last, n int) int {
	if last == n-1 {
		return 0
	}
	target := last + 1
	if target < 0 {
		return 0
	}
	if target >= n {
		return n - 1
	}
	return target
}

// OnDeliveryOutcome ends the queued state of a message and advances its recurrence by one
// occurrence. occurrence names the delivery being reported; a zero occurrence means whatever
// is queued now (operator reports). Reports for a message that is not queued, or that is
// queued for a different occurrence, are ignored, so duplicates and redeliveries are harmless.
func (e *Engine) OnDeliveryOutcome(ctx context.Context, messageID string, occurrence time.Time, outcome models.DeliveryOutcome, reason string) (OutcomeResult, error) {
	if !outcome.IsValid() {
		return OutcomeResult{}, models.ErrInvalidOutcome
	}
	for attempt := 1; ; attempt++ {
		m, err := e.cfg.Store.GetMessage(ctx, messageID)
		if err != nil {
			return OutcomeResult{}, err
		}
		if !m.IsQueued {
			slog.Debug("Engine.OnDeliveryOutcome: message not queued, ignoring", "id", messageID, "outcome", outcome)
			return resultFor(m, false), nil
		}
		if !occurrence.IsZero() && (m.NextOccurrence == nil || !m.NextOccurrence.Equal(occurrence)) {
			slog.Info("Engine.OnDeliveryOutcome: outcome for a settled occurrence, ignoring",
				"id", messageID, "occurrence", occurrence, "queued_occurrence", m.NextOccurrence, "outcome", outcome)
			return resultFor(m, false), nil
		}

		version := m.Version
		if err := e.applyOutcome(m, outcome, reason); err != nil {
			return OutcomeResult{}, err
		}
		err = e.cfg.Store.SaveMessage(ctx, m, version)
		if err == nil {
			slog.Info("Engine.OnDeliveryOutcome: outcome applied", "id", m.ID, "outcome", outcome,
				"next", m.NextOccurrence, "remaining", m.OccurrencesRemaining, "exhausted", m.IsExhausted)
			return resultFor(m, true), nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt >= MaxOutcomeAttempts {
			return OutcomeResult{}, fmt.Errorf("failed to apply outcome to %s: %w", messageID, err)
		}
		slog.Debug("Engine.OnDeliveryOutcome: conflict, retrying", "id", messageID, "attempt", attempt)
	}
}

// applyOutcome consumes exactly one occurrence. An occurrence already in the past stays due
// and its payload expires at the worker if it is too late to deliver.
func (e *Engine) applyOutcome(m *models.ScheduledMessage, outcome models.DeliveryOutcome, reason string) error {
	m.IsQueued = false
	m.QueuedLocation = ""
	m.LastOutcome = outcome
	m.LastOutcomeReason = reason

	if outcome == models.OutcomeFailed && !e.cfg.AdvanceOnFailure {
		return nil
	}
	if m.IsExhausted || m.NextOccurrence == nil {
		m.Exhaust()
		return nil
	}

	if m.OccurrencesRemaining != nil {
		n := *m.OccurrencesRemaining - 1
		m.OccurrencesRemaining = &n
		if n <= 0 {
			m.Exhaust()
			return nil
		}
	}
	next, ok, err := e.cfg.Recurrence.Next(recurrence.SpecFor(m), *m.NextOccurrence, m.WindowEnd)
	if err != nil {
		return fmt.Errorf("failed to advance recurrence of %s: %w", m.ID, err)
	}
	if !ok {
		m.Exhaust()
		return nil
	}
	m.NextOccurrence = &next
	return nil
}

func resultFor(m *models.ScheduledMessage, applied bool) OutcomeResult {
	return OutcomeResult{
		MessageID:            m.ID,
		Applied:              applied,
		NextOccurrence:       m.NextOccurrence,
		OccurrencesRemaining: m.OccurrencesRemaining,
		IsExhausted:          m.IsExhausted,
	}
}

// ResetLocation cancels pending deliveries for location and expires the messages queued there.
// It returns the number of messages whose queued state was cleared.
func (e *Engine) ResetLocation(ctx context.Context, location string) (int, error) {
	purged, err := e.cfg.Queue.Purge(ctx, location)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue for %s: %w", location, err)
	}
	occurrences := make(map[string]time.Time, len(purged))
	for _, d := range purged {
		occurrences[d.Payload.MessageID] = d.Payload.Occurrence
	}
	queued, err := e.cfg.Store.ListMessages(ctx, store.MessageFilter{QueuedLocation: location})
	if err != nil {
		return 0, fmt.Errorf("failed to list messages queued at %s: %w", location, err)
	}
	for _, m := range queued {
		if m.NextOccurrence != nil {
			occurrences[m.ID] = *m.NextOccurrence
		}
	}

	reset := 0
	for id, occurrence := range occurrences {
		res, err := e.OnDeliveryOutcome(ctx, id, occurrence, models.OutcomeExpired, "location reset")
		if err != nil {
			slog.Error("Engine.ResetLocation: failed to expire message", "id", id, "location", location, "error", err)
			continue
		}
		if res.Applied {
			reset++
		}
	}
	slog.Info("Engine.ResetLocation", "location", location, "canceled_deliveries", len(purged), "reset_messages", reset)
	return reset, nil
}

// GetMessage returns a single scheduled message.
func (e *Engine) GetMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	return e.cfg.Store.GetMessage(ctx, id)
}

// ListMessages returns a person's messages, or everyone's when personName is empty.
func (e *Engine) ListMessages(ctx context.Context, personName string, includeExhausted bool) ([]*models.ScheduledMessage, error) {
	return e.cfg.Store.ListMessages(ctx, store.MessageFilter{PersonName: personName, IncludeExhausted: includeExhausted})
}

// parseStart fills a missing date or time of day from now.
func parseStart(date, clock string, now time.Time, loc *time.Location) (time.Time, error) {
	if date == "" {
		date = now.Format(dateLayout)
	}
	if clock == "" {
		clock = now.Format(timeLayouts[0])
	}
	t, err := parseDateTime(date, clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", models.ErrInvalidStartDateTime, err)
	}
	return t, nil
}

// parseEnd defaults to the start's time of day, DefaultWindowYears after the start.
func parseEnd(date, clock string, start time.Time, loc *time.Location) (time.Time, error) {
	start = start.In(loc)
	if date == "" {
		date = start.AddDate(models.DefaultWindowYears, 0, 0).Format(dateLayout)
	}
	if clock == "" {
		clock = start.Format(timeLayouts[0])
	}
	t, err := parseDateTime(date, clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", models.ErrInvalidEndDateTime, err)
	}
	return t, nil
}

func parseDateTime(date, clock string, loc *time.Location) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(dateLayout+" "+layout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
