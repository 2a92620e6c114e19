// Package recurrence evaluates recurrence rules for scheduled messages and presence windows.
//
// Rules are either structured (frequency, interval, count) or RFC 5545 RRULE text; both are
// compiled into rrule-go rules anchored at the message's window start in its own time zone,
// so a "daily at 09:00" rule keeps its wall-clock time across DST changes.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/teambition/rrule-go"
)

// DefaultPresenceAnchor anchors presence rules that carry no DTSTART line.
var DefaultPresenceAnchor = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Spec binds a rule to the instant it is anchored at and the zone it is evaluated in.
type Spec struct {
	Rule     models.RecurrenceRule
	TimeZone string
	Start    time.Time
}

// SpecFor returns the evaluation spec of a scheduled message.
func SpecFor(m *models.ScheduledMessage) Spec {
	return Spec{Rule: m.Rule, TimeZone: m.TimeZone, Start: m.WindowStart}
}

// Opts holds configuration options for the Engine.
type Opts struct {
	DefaultLocation *time.Location
	PresenceAnchor  time.Time
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithDefaultLocation sets the zone used when a spec has no time zone.
func WithDefaultLocation(loc *time.Location) Option {
	return func(o *Opts) { o.DefaultLocation = loc }
}

// WithPresenceAnchor sets the DTSTART used for presence rules without one.
func WithPresenceAnchor(t time.Time) Option {
	return func(o *Opts) { o.PresenceAnchor = t }
}

// Engine is stateless: it never tracks occurrence counts, callers do.
type Engine struct {
	defaultLocation *time.Location
	presenceAnchor  time.Time
}

// NewEngine constructs an Engine. Without options it evaluates in UTC.
func NewEngine(opts ...Option) *Engine {
	cfg := Opts{DefaultLocation: time.UTC, PresenceAnchor: DefaultPresenceAnchor}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	return &Engine{defaultLocation: cfg.DefaultLocation, presenceAnchor: cfg.PresenceAnchor}
}

// LoadLocation resolves an IANA zone name, falling back to the engine default for "".
func (e *Engine) LoadLocation(tz string) (*time.Location, error) {
	if strings.TrimSpace(tz) == "" {
		return e.defaultLocation, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", models.ErrInvalidTimeZone, tz, err)
	}
	return loc, nil
}

// Validate compiles the rule and reports any InvalidRuleError.
func (e *Engine) Validate(spec Spec) error {
	_, err := e.compile(spec, false)
	return err
}

// First returns the first occurrence at or after spec.Start, never past windowEnd.
// The boolean is false when the rule produces no occurrence inside the window.
func (e *Engine) First(spec Spec, windowEnd time.Time) (time.Time, bool, error) {
	r, err := e.compile(spec, false)
	if err != nil {
		return time.Time{}, false, err
	}
	return clip(r.After(spec.Start, true), windowEnd)
}

// Next returns the earliest occurrence strictly after after, never past windowEnd.
// The boolean is false when no further occurrence exists; that is the exhaustion signal.
func (e *Engine) Next(spec Spec, after, windowEnd time.Time) (time.Time, bool, error) {
	r, err := e.compile(spec, false)
	if err != nil {
		return time.Time{}, false, err
	}
	return clip(r.After(after, false), windowEnd)
}

// Text renders the canonical RRULE form of the rule for audit and display.
func (e *Engine) Text(spec Spec) (string, error) {
	r, err := e.compile(spec, true)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// RuleCount returns the COUNT carried by explicit rule text, if any.
func (e *Engine) RuleCount(spec Spec) (*int, error) {
	if strings.TrimSpace(spec.Rule.Text) == "" {
		return nil, nil
	}
	loc, err := e.LoadLocation(spec.TimeZone)
	if err != nil {
		return nil, &models.InvalidRuleError{Rule: spec.Rule.Text, Err: err}
	}
	opt, err := rrule.StrToROptionInLocation(normalizeRuleText(spec.Rule.Text), loc)
	if err != nil {
		return nil, &models.InvalidRuleError{Rule: spec.Rule.Text, Err: err}
	}
	if opt.Count <= 0 {
		return nil, nil
	}
	n := opt.Count
	return &n, nil
}

// AvailableOn reports whether a presence window covers instant: some occurrence of the
// window rule starts at or before instant and instant falls before start + Duration.
func (e *Engine) AvailableOn(window models.AvailabilityWindow, instant time.Time) (bool, error) {
	if window.Duration <= 0 {
		return false, &models.InvalidRuleError{Rule: window.Rule, Err: models.ErrInvalidWindowDuration}
	}
	opt, err := rrule.StrToROptionInLocation(normalizeRuleText(window.Rule), e.defaultLocation)
	if err != nil {
		return false, &models.InvalidRuleError{Rule: window.Rule, Err: err}
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = e.presenceAnchor.In(e.defaultLocation)
	}
	opt.Dtstart = nearAnchor(opt, instant.Add(-window.Duration))
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return false, &models.InvalidRuleError{Rule: window.Rule, Err: err}
	}
	start := r.Before(instant, true)
	if start.IsZero() {
		return false, nil
	}
	return instant.Before(start.Add(window.Duration)), nil
}

// nearAnchor moves opt's DTSTART forward by whole periods of the rule so that it lands
// shortly before notAfter. Occurrences from there on are unchanged, and Before no longer
// walks every occurrence since an old anchor. Rules with COUNT keep their anchor.
func nearAnchor(opt *rrule.ROption, notAfter time.Time) time.Time {
	anchor := opt.Dtstart
	if opt.Count > 0 || !anchor.Before(notAfter) {
		return anchor
	}
	interval := opt.Interval
	if interval < 1 {
		interval = 1
	}
	loc := anchor.Location()
	notAfter = notAfter.In(loc)

	switch opt.Freq {
	case rrule.YEARLY:
		if anchor.Month() == time.February && anchor.Day() == 29 {
			return anchor
		}
		k := (notAfter.Year()-anchor.Year())/interval - 1
		if k > 0 {
			return anchor.AddDate(k*interval, 0, 0)
		}
	case rrule.MONTHLY:
		if anchor.Day() > 28 {
			return anchor
		}
		months := (notAfter.Year()-anchor.Year())*12 + int(notAfter.Month()-anchor.Month())
		k := months/interval - 1
		if k > 0 {
			return anchor.AddDate(0, k*interval, 0)
		}
	case rrule.WEEKLY, rrule.DAILY:
		step := interval
		if opt.Freq == rrule.WEEKLY {
			step *= 7
		}
		days := int(wallClock(notAfter).Sub(wallClock(anchor)) / (24 * time.Hour))
		k := days/step - 1
		if k > 0 {
			return anchor.AddDate(0, 0, k*step)
		}
	case rrule.HOURLY, rrule.MINUTELY, rrule.SECONDLY:
		unit := time.Second
		switch opt.Freq {
		case rrule.HOURLY:
			unit = time.Hour
		case rrule.MINUTELY:
			unit = time.Minute
		}
		step := time.Duration(interval) * unit
		w := wallClock(anchor)
		k := wallClock(notAfter).Sub(w)/step - 1
		if k > 0 {
			w = w.Add(k * step)
			return time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), 0, loc)
		}
	}
	return anchor
}

// wallClock reads t's calendar fields as if they were UTC, so differences count wall-clock units.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func (e *Engine) compile(spec Spec, withCount bool) (*rrule.RRule, error) {
	if err := spec.Rule.Validate(); err != nil {
		return nil, &models.InvalidRuleError{Rule: spec.Rule.Text, Err: err}
	}
	loc, err := e.LoadLocation(spec.TimeZone)
	if err != nil {
		return nil, &models.InvalidRuleError{Rule: spec.Rule.Text, Err: err}
	}
	if spec.Start.IsZero() {
		return nil, &models.InvalidRuleError{Rule: spec.Rule.Text, Err: errors.New("rule has no start instant")}
	}
	start := spec.Start.In(loc).Truncate(time.Second)

	var opt rrule.ROption
	if text := strings.TrimSpace(spec.Rule.Text); text != "" {
		parsed, err := rrule.StrToROptionInLocation(normalizeRuleText(text), loc)
		if err != nil {
			return nil, &models.InvalidRuleError{Rule: text, Err: err}
		}
		opt = *parsed
		// The message window owns the anchor; a DTSTART inside the text is ignored.
		opt.Dtstart = start
	} else {
		freq, err := toRRuleFrequency(spec.Rule.Frequency)
		if err != nil {
			return nil, &models.InvalidRuleError{Err: err}
		}
		opt = rrule.ROption{
			Freq:     freq,
			Interval: spec.Rule.EffectiveInterval(),
			Dtstart:  start,
		}
		if withCount && spec.Rule.Count != nil {
			opt.Count = *spec.Rule.Count
		}
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, &models.InvalidRuleError{Rule: spec.Rule.Text, Err: err}
	}
	return r, nil
}

func clip(t, windowEnd time.Time) (time.Time, bool, error) {
	if t.IsZero() {
		return time.Time{}, false, nil
	}
	if !windowEnd.IsZero() && t.After(windowEnd) {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

// normalizeRuleText drops blank lines, CRLF endings and indentation so a rule pasted
// from an iCalendar file parses the same as a single-line one.
func normalizeRuleText(text string) string {
	lines := strings.FieldsFunc(strings.TrimSpace(text), func(r rune) bool { return r == '\n' || r == '\r' })
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func toRRuleFrequency(f models.Frequency) (rrule.Frequency, error) {
	switch f {
	case models.FrequencyMinute:
		return rrule.MINUTELY, nil
	case models.FrequencyHour:
		return rrule.HOURLY, nil
	case models.FrequencyDay:
		return rrule.DAILY, nil
	case models.FrequencyWeek:
		return rrule.WEEKLY, nil
	case models.FrequencyMonth:
		return rrule.MONTHLY, nil
	case models.FrequencyYear:
		return rrule.YEARLY, nil
	default:
		return 0, models.ErrInvalidFrequency
	}
}
