package recurrence

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/teambition/rrule-go"
)

var farFuture = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEngine_NextIsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	start := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)

	frequencies := []models.Frequency{
		models.FrequencyMinute, models.FrequencyHour, models.FrequencyDay,
		models.FrequencyWeek, models.FrequencyMonth, models.FrequencyYear,
	}
	for _, freq := range frequencies {
		freq := freq
		t.Run(string(freq), func(t *testing.T) {
			t.Parallel()
			spec := Spec{Rule: models.RecurrenceRule{Frequency: freq, Interval: 2}, TimeZone: "UTC", Start: start}
			after := start
			for i := 0; i < 10; i++ {
				next, ok, err := engine.Next(spec, after, farFuture)
				if err != nil {
					t.Fatalf("Next failed: %v", err)
				}
				if !ok {
					t.Fatalf("expected an occurrence after %v", after)
				}
				if !next.After(after) {
					t.Fatalf("Next(%v) = %v, want strictly later", after, next)
				}
				after = next
			}
		})
	}
}

func TestEngine_DailyIntervalAndWindowEnd(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	start := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	spec := Spec{Rule: models.RecurrenceRule{Frequency: models.FrequencyDay}, TimeZone: "UTC", Start: start}

	first, ok, err := engine.First(spec, farFuture)
	if err != nil || !ok || !first.Equal(start) {
		t.Fatalf("First = %v, %v, %v; want %v", first, ok, err, start)
	}

	next, ok, err := engine.Next(spec, start, farFuture)
	want := time.Date(2023, 1, 2, 9, 0, 0, 0, time.UTC)
	if err != nil || !ok || !next.Equal(want) {
		t.Fatalf("Next = %v, %v, %v; want %v", next, ok, err, want)
	}

	windowEnd := time.Date(2023, 1, 2, 8, 59, 0, 0, time.UTC)
	if _, ok, err := engine.Next(spec, start, windowEnd); err != nil || ok {
		t.Fatalf("expected exhaustion before window end, got ok=%v err=%v", ok, err)
	}

	// The window end itself is inclusive.
	if got, ok, _ := engine.Next(spec, start, want); !ok || !got.Equal(want) {
		t.Fatalf("occurrence exactly at window end should be returned, got %v ok=%v", got, ok)
	}
}

func TestEngine_MidSeriesAfterReturnsNextSlot(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	start := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	spec := Spec{Rule: models.RecurrenceRule{Frequency: models.FrequencyHour, Interval: 3}, TimeZone: "UTC", Start: start}

	next, ok, err := engine.Next(spec, time.Date(2023, 1, 1, 10, 30, 0, 0, time.UTC), farFuture)
	want := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	if err != nil || !ok || !next.Equal(want) {
		t.Fatalf("Next = %v, %v, %v; want %v", next, ok, err, want)
	}
}

func TestEngine_KeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2023, 3, 10, 9, 0, 0, 0, ny)
	spec := Spec{Rule: models.RecurrenceRule{Frequency: models.FrequencyDay}, TimeZone: "America/New_York", Start: start.UTC()}

	beforeShift := time.Date(2023, 3, 11, 14, 0, 0, 0, time.UTC) // 09:00 EST
	next, ok, err := engine.Next(spec, beforeShift, farFuture)
	if err != nil || !ok {
		t.Fatalf("Next failed: ok=%v err=%v", ok, err)
	}
	want := time.Date(2023, 3, 12, 13, 0, 0, 0, time.UTC) // 09:00 EDT
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Errorf("expected UTC result, got %v", next.Location())
	}
}

func TestEngine_RuleTextTakesPrecedence(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	start := time.Date(2023, 1, 2, 9, 0, 0, 0, time.UTC) // Monday
	spec := Spec{
		Rule:     models.RecurrenceRule{Frequency: models.FrequencyMinute, Text: "RRULE:FREQ=WEEKLY;BYDAY=MO,WE"},
		TimeZone: "UTC",
		Start:    start,
	}
	next, ok, err := engine.Next(spec, start, farFuture)
	want := time.Date(2023, 1, 4, 9, 0, 0, 0, time.UTC)
	if err != nil || !ok || !next.Equal(want) {
		t.Fatalf("Next = %v, %v, %v; want %v", next, ok, err, want)
	}
}

func TestEngine_RuleTextCount(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	spec := Spec{Rule: models.RecurrenceRule{Text: "FREQ=DAILY;COUNT=5"}, TimeZone: "UTC", Start: time.Now()}
	n, err := engine.RuleCount(spec)
	if err != nil || n == nil || *n != 5 {
		t.Fatalf("RuleCount = %v, %v; want 5", n, err)
	}
	spec.Rule.Text = "FREQ=DAILY"
	if n, err := engine.RuleCount(spec); err != nil || n != nil {
		t.Fatalf("RuleCount without COUNT = %v, %v; want nil", n, err)
	}
}

func TestEngine_InvalidRules(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	start := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	specs := map[string]Spec{
		"garbage text":   {Rule: models.RecurrenceRule{Text: "every other tuesday"}, TimeZone: "UTC", Start: start},
		"bad frequency":  {Rule: models.RecurrenceRule{Frequency: "fortnight"}, TimeZone: "UTC", Start: start},
		"missing freq":   {Rule: models.RecurrenceRule{}, TimeZone: "UTC", Start: start},
		"bad time zone":  {Rule: models.RecurrenceRule{Frequency: models.FrequencyDay}, TimeZone: "Mars/Olympus", Start: start},
		"missing anchor": {Rule: models.RecurrenceRule{Frequency: models.FrequencyDay}, TimeZone: "UTC"},
	}
	for name, spec := range specs {
		if _, _, err := engine.Next(spec, start, farFuture); !errors.Is(err, models.ErrInvalidRule) {
			t.Errorf("%s: expected ErrInvalidRule, got %v", name, err)
		}
	}
}

func TestEngine_Text(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	count := 2
	spec := Spec{
		Rule:     models.RecurrenceRule{Frequency: models.FrequencyDay, Count: &count},
		TimeZone: "UTC",
		Start:    time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	text, err := engine.Text(spec)
	if err != nil {
		t.Fatalf("Text failed: %v", err)
	}
	for _, part := range []string{"FREQ=DAILY", "COUNT=2", "20230101T090000"} {
		if !strings.Contains(text, part) {
			t.Errorf("Text() = %q, missing %q", text, part)
		}
	}
}

func TestEngine_AvailableOn(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	window := models.AvailabilityWindow{
		LocationName: "kitchen",
		Rule:         "DTSTART:20230101T080000Z\nRRULE:FREQ=DAILY",
		Duration:     2 * time.Hour,
	}
	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2023, 1, 5, 8, 0, 0, 0, time.UTC), true},
		{time.Date(2023, 1, 5, 9, 59, 0, 0, time.UTC), true},
		{time.Date(2023, 1, 5, 10, 0, 0, 0, time.UTC), false},
		{time.Date(2023, 1, 5, 7, 59, 0, 0, time.UTC), false},
		{time.Date(2022, 12, 31, 9, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		got, err := engine.AvailableOn(window, tt.at)
		if err != nil {
			t.Fatalf("AvailableOn(%v) failed: %v", tt.at, err)
		}
		if got != tt.want {
			t.Errorf("AvailableOn(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestEngine_AvailableOnDefaultAnchor(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	window := models.AvailabilityWindow{LocationName: "den", Rule: "FREQ=DAILY;BYHOUR=18", Duration: time.Hour}

	got, err := engine.AvailableOn(window, time.Date(2023, 1, 5, 18, 30, 0, 0, time.UTC))
	if err != nil || !got {
		t.Fatalf("expected evening window to be open, got %v, %v", got, err)
	}
	got, err = engine.AvailableOn(window, time.Date(2023, 1, 5, 12, 0, 0, 0, time.UTC))
	if err != nil || got {
		t.Fatalf("expected window to be closed at noon, got %v, %v", got, err)
	}
}

func TestEngine_AvailableOnFarFromAnchor(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	// Occurrences every 7 minutes since the default anchor; three million of them before slot.
	window := models.AvailabilityWindow{LocationName: "hall", Rule: "FREQ=MINUTELY;INTERVAL=7", Duration: time.Minute}
	slot := DefaultPresenceAnchor.Add(7 * 3000000 * time.Minute)

	tests := []struct {
		at   time.Time
		want bool
	}{
		{slot, true},
		{slot.Add(30 * time.Second), true},
		{slot.Add(90 * time.Second), false},
		{slot.Add(7 * time.Minute), true},
		{slot.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		got, err := engine.AvailableOn(window, tt.at)
		if err != nil {
			t.Fatalf("AvailableOn(%v) failed: %v", tt.at, err)
		}
		if got != tt.want {
			t.Errorf("AvailableOn(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestEngine_AvailableOnKeepsIntervalPhase(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	// Every other day at 07:00, counted from 2000-01-01.
	window := models.AvailabilityWindow{LocationName: "gym", Rule: "FREQ=DAILY;INTERVAL=2;BYHOUR=7", Duration: time.Hour}
	onDay := DefaultPresenceAnchor.AddDate(0, 0, 2*4000).Add(7*time.Hour + 30*time.Minute)

	if got, err := engine.AvailableOn(window, onDay); err != nil || !got {
		t.Errorf("expected window open on an even day, got %v, %v", got, err)
	}
	if got, err := engine.AvailableOn(window, onDay.AddDate(0, 0, 1)); err != nil || got {
		t.Errorf("expected window closed on an odd day, got %v, %v", got, err)
	}
}

func TestNearAnchor(t *testing.T) {
	t.Parallel()
	notAfter := time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)
	every := func(step time.Duration) func(time.Time) bool {
		return func(got time.Time) bool { return got.Sub(DefaultPresenceAnchor)%step == 0 }
	}
	tests := []struct {
		name    string
		opt     rrule.ROption
		aligned func(time.Time) bool // nil: the anchor must not move
	}{
		{"minutely", rrule.ROption{Freq: rrule.MINUTELY, Interval: 7, Dtstart: DefaultPresenceAnchor}, every(7 * time.Minute)},
		{"daily", rrule.ROption{Freq: rrule.DAILY, Interval: 3, Dtstart: DefaultPresenceAnchor}, every(72 * time.Hour)},
		{"weekly", rrule.ROption{Freq: rrule.WEEKLY, Dtstart: DefaultPresenceAnchor}, every(7 * 24 * time.Hour)},
		{"monthly", rrule.ROption{Freq: rrule.MONTHLY, Interval: 5, Dtstart: DefaultPresenceAnchor}, func(got time.Time) bool {
			months := (got.Year()-2000)*12 + int(got.Month()-time.January)
			return months%5 == 0 && got.Day() == 1 && got.Hour() == 0
		}},
		{"count keeps anchor", rrule.ROption{Freq: rrule.DAILY, Count: 3, Dtstart: DefaultPresenceAnchor}, nil},
		{"month end keeps anchor", rrule.ROption{Freq: rrule.MONTHLY, Dtstart: time.Date(2000, 1, 31, 0, 0, 0, 0, time.UTC)}, nil},
		{"anchor after target", rrule.ROption{Freq: rrule.DAILY, Dtstart: notAfter.AddDate(0, 0, 1)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt := tt.opt
			got := nearAnchor(&opt, notAfter)
			if tt.aligned == nil {
				if !got.Equal(tt.opt.Dtstart) {
					t.Errorf("anchor moved to %v", got)
				}
				return
			}
			if got.After(notAfter) || notAfter.Sub(got) > 3*365*24*time.Hour {
				t.Errorf("anchor %v not shortly before %v", got, notAfter)
			}
			if !tt.aligned(got) {
				t.Errorf("anchor %v is off the rule's phase", got)
			}
		})
	}
}

func TestEngine_AvailableOnInvalid(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	if _, err := engine.AvailableOn(models.AvailabilityWindow{Rule: "nonsense", Duration: time.Hour}, time.Now()); !errors.Is(err, models.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}
	if _, err := engine.AvailableOn(models.AvailabilityWindow{Rule: "FREQ=DAILY"}, time.Now()); !errors.Is(err, models.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for zero duration, got %v", err)
	}
}

func BenchmarkEngineNext(b *testing.B) {
	engine := NewEngine()
	start := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	spec := Spec{Rule: models.RecurrenceRule{Frequency: models.FrequencyHour}, TimeZone: "UTC", Start: start}
	after := start.AddDate(0, 6, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok, err := engine.Next(spec, after, farFuture); err != nil || !ok {
			b.Fatalf("unexpected result: ok=%v err=%v", ok, err)
		}
	}
}
