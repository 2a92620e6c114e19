package models

import (
	"strings"
	"time"
)

// Frequency is the base unit a recurrence rule repeats on.
type Frequency string

const (
	FrequencyMinute Frequency = "minute"
	FrequencyHour   Frequency = "hour"
	FrequencyDay    Frequency = "day"
	FrequencyWeek   Frequency = "week"
	FrequencyMonth  Frequency = "month"
	FrequencyYear   Frequency = "year"
)

// IsValidFrequency checks if the given frequency is supported.
func IsValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyMinute, FrequencyHour, FrequencyDay, FrequencyWeek, FrequencyMonth, FrequencyYear:
		return true
	default:
		return false
	}
}

// ParseFrequency accepts the unit names and their common adverb forms (daily, weekly...).
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "minutely", "min":
		return FrequencyMinute, nil
	case "hour", "hourly":
		return FrequencyHour, nil
	case "day", "daily":
		return FrequencyDay, nil
	case "week", "weekly":
		return FrequencyWeek, nil
	case "month", "monthly":
		return FrequencyMonth, nil
	case "year", "yearly", "annually":
		return FrequencyYear, nil
	default:
		return "", ErrInvalidFrequency
	}
}

// RecurrenceRule describes when a scheduled message repeats.
// When Text is set it is an RFC 5545 RRULE and takes precedence over the structured fields.
type RecurrenceRule struct {
	Frequency Frequency `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Interval  int       `json:"interval,omitempty" yaml:"interval,omitempty"`
	Count     *int      `json:"count,omitempty" yaml:"count,omitempty"`
	Text      string    `json:"text,omitempty" yaml:"text,omitempty"`
}

// Validate checks the structured part of the rule. Rule text is validated by the recurrence engine.
func (r RecurrenceRule) Validate() error {
	if r.Count != nil && *r.Count <= 0 {
		return ErrInvalidCount
	}
	if strings.TrimSpace(r.Text) != "" {
		return nil
	}
	if r.Frequency == "" {
		return ErrMissingRecurrenceInput
	}
	if !IsValidFrequency(r.Frequency) {
		return ErrInvalidFrequency
	}
	if r.Interval < 0 {
		return ErrInvalidInterval
	}
	return nil
}

// EffectiveInterval returns the interval multiplier, defaulting to 1.
func (r RecurrenceRule) EffectiveInterval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

// BotMetadata carries conversational-bot settings. It is opaque to the scheduler.
type BotMetadata struct {
	BotNames     []string `json:"bot_names" yaml:"bot_names"`
	RequiredBots []string `json:"required_bots,omitempty" yaml:"required_bots,omitempty"`
	Introduction string   `json:"introduction,omitempty" yaml:"introduction,omitempty"`
	IceBreaker   string   `json:"ice_breaker,omitempty" yaml:"ice_breaker,omitempty"`
}

// Validate checks that bot names are present and required bots are a subset.
func (b *BotMetadata) Validate() error {
	if b == nil {
		return nil
	}
	if len(b.BotNames) > MaxBotNamesCount {
		return ErrTooManyBots
	}
	set := make(map[string]struct{}, len(b.BotNames))
	for _, name := range b.BotNames {
		if strings.TrimSpace(name) == "" {
			return ErrEmptyBotName
		}
		set[name] = struct{}{}
	}
	for _, name := range b.RequiredBots {
		if _, ok := set[name]; !ok {
			return ErrRequiredBotNotListed
		}
	}
	return nil
}

// IsRequired reports whether the named bot must succeed for the delivery to succeed.
func (b *BotMetadata) IsRequired(name string) bool {
	if b == nil {
		return false
	}
	for _, r := range b.RequiredBots {
		if r == name {
			return true
		}
	}
	return false
}

// IsConversational reports whether the metadata asks for a bot dialog.
func (b *BotMetadata) IsConversational() bool {
	return b != nil && len(b.BotNames) > 0
}

// DeliveryOutcome is the terminal result of one delivery attempt.
type DeliveryOutcome string

const (
	OutcomeSuccess DeliveryOutcome = "success"
	OutcomeFailed  DeliveryOutcome = "failed"
	OutcomeExpired DeliveryOutcome = "expired"
)

// IsValid checks if the outcome is one of the known values.
func (o DeliveryOutcome) IsValid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeExpired:
		return true
	default:
		return false
	}
}

// ScheduledMessage is a message bound to a person and a recurrence rule.
type ScheduledMessage struct {
	ID                   string          `json:"id"`
	PersonName           string          `json:"person_name"`
	Body                 string          `json:"body"`
	Bot                  *BotMetadata    `json:"bot,omitempty"`
	Rule                 RecurrenceRule  `json:"rule"`
	RuleText             string          `json:"rule_text"`
	TimeZone             string          `json:"time_zone"`
	WindowStart          time.Time       `json:"window_start"`
	WindowEnd            time.Time       `json:"window_end"`
	NextOccurrence       *time.Time      `json:"next_occurrence,omitempty"`
	OccurrencesRemaining *int            `json:"occurrences_remaining,omitempty"`
	LastLocationIndex    int             `json:"last_location_index"`
	QueuedLocation       string          `json:"queued_location,omitempty"`
	IsQueued             bool            `json:"is_queued"`
	IsExhausted          bool            `json:"is_exhausted"`
	LastOutcome          DeliveryOutcome `json:"last_outcome,omitempty"`
	LastOutcomeReason    string          `json:"last_outcome_reason,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IsDue reports whether the scheduler may select the message at now.
func (m *ScheduledMessage) IsDue(now time.Time) bool {
	if m.IsQueued || m.IsExhausted || m.NextOccurrence == nil {
		return false
	}
	return !m.NextOccurrence.After(now)
}

// Exhaust moves the message into its terminal state.
func (m *ScheduledMessage) Exhaust() {
	m.IsExhausted = true
	m.NextOccurrence = nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (m *ScheduledMessage) Clone() *ScheduledMessage {
	if m == nil {
		return nil
	}
	c := *m
	if m.NextOccurrence != nil {
		t := *m.NextOccurrence
		c.NextOccurrence = &t
	}
	if m.OccurrencesRemaining != nil {
		n := *m.OccurrencesRemaining
		c.OccurrencesRemaining = &n
	}
	if m.Rule.Count != nil {
		n := *m.Rule.Count
		c.Rule.Count = &n
	}
	if m.Bot != nil {
		b := *m.Bot
		b.BotNames = append([]string(nil), m.Bot.BotNames...)
		b.RequiredBots = append([]string(nil), m.Bot.RequiredBots...)
		c.Bot = &b
	}
	return &c
}

// ScheduleRequest is the external input for scheduling a message.
// Dates use YYYY-MM-DD and times HH:MM, both interpreted in TimeZone.
type ScheduleRequest struct {
	PersonName string       `json:"person_name" yaml:"person_name"`
	Body       string       `json:"body" yaml:"body"`
	Frequency  string       `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Interval   int          `json:"interval,omitempty" yaml:"interval,omitempty"`
	Count      *int         `json:"count,omitempty" yaml:"count,omitempty"`
	RuleText   string       `json:"rule_text,omitempty" yaml:"rule_text,omitempty"`
	StartDate  string       `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	StartTime  string       `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndDate    string       `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	EndTime    string       `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	TimeZone   string       `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
	Bot        *BotMetadata `json:"bot,omitempty" yaml:"bot,omitempty"`
}

// Validate performs the request-level checks that do not need a clock or the recurrence engine.
func (r *ScheduleRequest) Validate() error {
	if strings.TrimSpace(r.PersonName) == "" {
		return ErrEmptyPersonName
	}
	if strings.TrimSpace(r.Body) == "" {
		return ErrEmptyBody
	}
	if len(r.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	if r.Count != nil && *r.Count <= 0 {
		return ErrInvalidCount
	}
	if r.Interval < 0 {
		return ErrInvalidInterval
	}
	if strings.TrimSpace(r.RuleText) == "" && strings.TrimSpace(r.Frequency) == "" {
		return ErrMissingRecurrenceInput
	}
	if r.Frequency != "" {
		if _, err := ParseFrequency(r.Frequency); err != nil {
			return err
		}
	}
	return r.Bot.Validate()
}

// ScheduleResult is returned after a message was scheduled.
type ScheduleResult struct {
	ID             string     `json:"id"`
	NextOccurrence *time.Time `json:"next_occurrence"`
	RuleText       string     `json:"rule_text"`
}

// DeliveryPayload is what the scheduler hands to a location-bound worker.
type DeliveryPayload struct {
	MessageID  string       `json:"message_id"`
	PersonName string       `json:"person_name"`
	Location   string       `json:"location"`
	Body       string       `json:"body"`
	Bot        *BotMetadata `json:"bot,omitempty"`
	Occurrence time.Time    `json:"occurrence"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// IsExpired reports whether the delivery window has passed.
func (p DeliveryPayload) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}
