package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func encodeMessage(m *models.ScheduledMessage) (botJSON interface{}, ruleJSON string, err error) {
	rule, err := json.Marshal(m.Rule)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode rule for message %s: %w", m.ID, err)
	}
	if m.Bot == nil {
		return nil, string(rule), nil
	}
	bot, err := json.Marshal(m.Bot)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode bot metadata for message %s: %w", m.ID, err)
	}
	return string(bot), string(rule), nil
}

// scanMessage scans a ScheduledMessage in messageColumns order.
func scanMessage(row rowScanner) (*models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	var botJSON, queuedLocation, lastOutcome, lastOutcomeReason sql.NullString
	var ruleJSON string
	var nextOccurrence sql.NullTime
	var remaining sql.NullInt64
	err := row.Scan(
		&m.ID, &m.PersonName, &m.Body, &botJSON, &ruleJSON, &m.RuleText, &m.TimeZone, &m.WindowStart, &m.WindowEnd,
		&nextOccurrence, &remaining, &m.LastLocationIndex, &queuedLocation, &m.IsQueued, &m.IsExhausted,
		&lastOutcome, &lastOutcomeReason, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ruleJSON), &m.Rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule for message %s: %w", m.ID, err)
	}
	if botJSON.Valid && botJSON.String != "" {
		m.Bot = &models.BotMetadata{}
		if err := json.Unmarshal([]byte(botJSON.String), m.Bot); err != nil {
			return nil, fmt.Errorf("failed to decode bot metadata for message %s: %w", m.ID, err)
		}
	}
	if nextOccurrence.Valid {
		t := nextOccurrence.Time.UTC()
		m.NextOccurrence = &t
	}
	if remaining.Valid {
		n := int(remaining.Int64)
		m.OccurrencesRemaining = &n
	}
	m.WindowStart = m.WindowStart.UTC()
	m.WindowEnd = m.WindowEnd.UTC()
	m.QueuedLocation = queuedLocation.String
	m.LastOutcome = models.DeliveryOutcome(lastOutcome.String)
	m.LastOutcomeReason = lastOutcomeReason.String
	return &m, nil
}

func scanPerson(row rowScanner) (*models.Person, error) {
	var p models.Person
	var windowsJSON string
	var voiceID, phone sql.NullString
	if err := row.Scan(&p.Name, &p.RequirePhysicalConfirmation, &windowsJSON, &voiceID, &phone); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(windowsJSON), &p.AvailabilityWindows); err != nil {
		return nil, fmt.Errorf("failed to decode availability windows for %s: %w", p.Name, err)
	}
	p.VoiceID = voiceID.String
	p.Phone = phone.String
	return &p, nil
}

func scanLocation(row rowScanner) (*models.Location, error) {
	var l models.Location
	var channel string
	var motionAt sql.NullTime
	if err := row.Scan(&l.Name, &channel, &l.MotionDetected, &motionAt); err != nil {
		return nil, err
	}
	l.Channel = models.ChannelKind(channel)
	if motionAt.Valid {
		t := motionAt.Time.UTC()
		l.MotionAt = &t
	}
	return &l, nil
}

const deliveryColumns = `id, location, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanDelivery scans a Delivery in deliveryColumns order.
func scanDelivery(row rowScanner) (Delivery, error) {
	var d Delivery
	var payloadJSON string
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.Location, &payloadJSON, &d.Status, &d.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return d, fmt.Errorf("scan delivery failed: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &d.Payload); err != nil {
		return d, fmt.Errorf("failed to decode payload for delivery %s: %w", d.ID, err)
	}
	d.DedupeKey = dedupeKey.String
	d.LastError = lastError.String
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time.UTC()
		d.NextAttemptAt = &t
	}
	if lockedAt.Valid {
		t := lockedAt.Time.UTC()
		d.LockedAt = &t
	}
	return d, nil
}
