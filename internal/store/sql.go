package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/util"
)

// sqlStore implements Store over database/sql. Queries are written with '?' placeholders
// and rebound for drivers that use numbered parameters.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Close closes the underlying database.
func (s *sqlStore) Close() error {
	if s.db != nil {
		slog.Debug(s.name + ".Close: closing database")
		return s.db.Close()
	}
	return nil
}

const messageColumns = `id, person_name, body, bot_json, rule_json, rule_text, time_zone, window_start, window_end,
	next_occurrence, occurrences_remaining, last_location_index, queued_location, is_queued, is_exhausted,
	last_outcome, last_outcome_reason, version, created_at, updated_at`

func (s *sqlStore) CreateMessage(ctx context.Context, m *models.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = util.NewMessageID()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1

	botJSON, ruleJSON, err := encodeMessage(m)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PersonName, m.Body, botJSON, ruleJSON, m.RuleText, m.TimeZone, utc(m.WindowStart), utc(m.WindowEnd),
		utcPtr(m.NextOccurrence), m.OccurrencesRemaining, m.LastLocationIndex, nilIfEmpty(m.QueuedLocation), m.IsQueued, m.IsExhausted,
		nilIfEmpty(string(m.LastOutcome)), nilIfEmpty(m.LastOutcomeReason), m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		slog.Error(s.name+".CreateMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	slog.Debug(s.name+".CreateMessage succeeded", "id", m.ID, "person", m.PersonName)
	return nil
}

func (s *sqlStore) GetMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	row := s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUnknownMessage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return m, nil
}

func (s *sqlStore) LoadDueMessages(ctx context.Context, now time.Time) ([]*models.ScheduledMessage, error) {
	return s.listMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE is_queued = ? AND is_exhausted = ? AND next_occurrence IS NOT NULL AND next_occurrence <= ?
		 ORDER BY created_at ASC, id ASC`,
		false, false, now.UTC(),
	)
}

func (s *sqlStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*models.ScheduledMessage, error) {
	var where []string
	var args []any
	if filter.PersonName != "" {
		where = append(where, "person_name = ?")
		args = append(args, filter.PersonName)
	}
	if filter.QueuedLocation != "" {
		where = append(where, "is_queued = ? AND queued_location = ?")
		args = append(args, true, filter.QueuedLocation)
	}
	if !filter.IncludeExhausted {
		where = append(where, "is_exhausted = ?")
		args = append(args, false)
	}
	q := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	return s.listMessages(ctx, q, args...)
}

func (s *sqlStore) listMessages(ctx context.Context, q string, args ...any) ([]*models.ScheduledMessage, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		slog.Error(s.name+".listMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveMessage(ctx context.Context, m *models.ScheduledMessage, expectedVersion int64) error {
	botJSON, ruleJSON, err := encodeMessage(m)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE messages SET person_name = ?, body = ?, bot_json = ?, rule_json = ?, rule_text = ?, time_zone = ?,
		 window_start = ?, window_end = ?, next_occurrence = ?, occurrences_remaining = ?, last_location_index = ?,
		 queued_location = ?, is_queued = ?, is_exhausted = ?, last_outcome = ?, last_outcome_reason = ?,
		 version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		m.PersonName, m.Body, botJSON, ruleJSON, m.RuleText, m.TimeZone,
		utc(m.WindowStart), utc(m.WindowEnd), utcPtr(m.NextOccurrence), m.OccurrencesRemaining, m.LastLocationIndex,
		nilIfEmpty(m.QueuedLocation), m.IsQueued, m.IsExhausted, nilIfEmpty(string(m.LastOutcome)), nilIfEmpty(m.LastOutcomeReason),
		expectedVersion+1, now,
		m.ID, expectedVersion,
	)
	if err != nil {
		slog.Error(s.name+".SaveMessage failed", "error", err, "id", m.ID)
		return fmt.Errorf("failed to save message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for message %s: %w", m.ID, err)
	}
	if n == 0 {
		var exists int
		err := s.queryRow(ctx, `SELECT 1 FROM messages WHERE id = ?`, m.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrUnknownMessage
		}
		if err != nil {
			return fmt.Errorf("failed to check message %s: %w", m.ID, err)
		}
		slog.Debug(s.name+".SaveMessage: version conflict", "id", m.ID, "expected", expectedVersion)
		return models.ErrConflict
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = now
	return nil
}

func (s *sqlStore) LoadPerson(ctx context.Context, name string) (*models.Person, error) {
	row := s.queryRow(ctx, `SELECT name, require_physical_confirmation, windows_json, voice_id, phone FROM people WHERE name = ?`, name)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUnknownPerson
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load person %s: %w", name, err)
	}
	return p, nil
}

func (s *sqlStore) UpsertPerson(ctx context.Context, p *models.Person) error {
	windows := p.AvailabilityWindows
	if windows == nil {
		windows = []models.AvailabilityWindow{}
	}
	windowsJSON, err := json.Marshal(windows)
	if err != nil {
		return fmt.Errorf("failed to encode availability windows for %s: %w", p.Name, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO people (name, require_physical_confirmation, windows_json, voice_id, phone, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET require_physical_confirmation = excluded.require_physical_confirmation,
		 windows_json = excluded.windows_json, voice_id = excluded.voice_id, phone = excluded.phone, updated_at = excluded.updated_at`,
		p.Name, p.RequirePhysicalConfirmation, string(windowsJSON), nilIfEmpty(p.VoiceID), nilIfEmpty(p.Phone), time.Now().UTC(),
	)
	if err != nil {
		slog.Error(s.name+".UpsertPerson failed", "error", err, "name", p.Name)
		return fmt.Errorf("failed to upsert person %s: %w", p.Name, err)
	}
	slog.Debug(s.name+".UpsertPerson succeeded", "name", p.Name, "windows", len(windows))
	return nil
}

func (s *sqlStore) ListPeople(ctx context.Context) ([]*models.Person, error) {
	rows, err := s.query(ctx, `SELECT name, require_physical_confirmation, windows_json, voice_id, phone FROM people ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query people: %w", err)
	}
	defer rows.Close()

	var out []*models.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate people rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeletePerson(ctx context.Context, name string) error {
	return s.deleteByName(ctx, "people", name, models.ErrUnknownPerson)
}

func (s *sqlStore) GetLocation(ctx context.Context, name string) (*models.Location, error) {
	row := s.queryRow(ctx, `SELECT name, channel, motion_detected, motion_at FROM locations WHERE name = ?`, name)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUnknownLocation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location %s: %w", name, err)
	}
	return l, nil
}

func (s *sqlStore) UpsertLocation(ctx context.Context, l *models.Location) error {
	channel := l.Channel
	if channel == "" {
		channel = models.ChannelSpeaker
	}
	_, err := s.exec(ctx,
		`INSERT INTO locations (name, channel, motion_detected, motion_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET channel = excluded.channel, motion_detected = excluded.motion_detected,
		 motion_at = excluded.motion_at, updated_at = excluded.updated_at`,
		l.Name, string(channel), l.MotionDetected, utcPtr(l.MotionAt), time.Now().UTC(),
	)
	if err != nil {
		slog.Error(s.name+".UpsertLocation failed", "error", err, "name", l.Name)
		return fmt.Errorf("failed to upsert location %s: %w", l.Name, err)
	}
	return nil
}

func (s *sqlStore) ListLocations(ctx context.Context) ([]*models.Location, error) {
	rows, err := s.query(ctx, `SELECT name, channel, motion_detected, motion_at FROM locations ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var out []*models.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate location rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeleteLocation(ctx context.Context, name string) error {
	return s.deleteByName(ctx, "locations", name, models.ErrUnknownLocation)
}

func (s *sqlStore) SetMotion(ctx context.Context, name string, detected bool, at time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE locations SET motion_detected = ?, motion_at = ?, updated_at = ? WHERE name = ?`,
		detected, at.UTC(), time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("failed to set motion for %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrUnknownLocation
	}
	return nil
}

func (s *sqlStore) deleteByName(ctx context.Context, table, name string, notFound error) error {
	res, err := s.exec(ctx, `DELETE FROM `+table+` WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete %s from %s: %w", name, table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound
	}
	slog.Debug(s.name+".deleteByName succeeded", "table", table, "name", name)
	return nil
}
