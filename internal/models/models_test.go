package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestScheduleRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  ScheduleRequest
		want error
	}{
		{"valid daily", ScheduleRequest{PersonName: "Dana", Body: "hi", Frequency: "daily"}, nil},
		{"valid rule text", ScheduleRequest{PersonName: "Dana", Body: "hi", RuleText: "FREQ=DAILY"}, nil},
		{"missing person", ScheduleRequest{Body: "hi", Frequency: "day"}, ErrEmptyPersonName},
		{"missing body", ScheduleRequest{PersonName: "Dana", Frequency: "day"}, ErrEmptyBody},
		{"missing recurrence", ScheduleRequest{PersonName: "Dana", Body: "hi"}, ErrMissingRecurrenceInput},
		{"bad frequency", ScheduleRequest{PersonName: "Dana", Body: "hi", Frequency: "fortnightly"}, ErrInvalidFrequency},
		{"zero count", ScheduleRequest{PersonName: "Dana", Body: "hi", Frequency: "day", Count: intPtr(0)}, ErrInvalidCount},
		{"negative interval", ScheduleRequest{PersonName: "Dana", Body: "hi", Frequency: "day", Interval: -1}, ErrInvalidInterval},
		{
			"required bot not listed",
			ScheduleRequest{PersonName: "Dana", Body: "hi", Frequency: "day", Bot: &BotMetadata{BotNames: []string{"a"}, RequiredBots: []string{"b"}}},
			ErrRequiredBotNotListed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseFrequency(t *testing.T) {
	cases := map[string]Frequency{
		"daily": FrequencyDay, "Week": FrequencyWeek, "hourly": FrequencyHour,
		"minute": FrequencyMinute, "monthly": FrequencyMonth, "annually": FrequencyYear,
	}
	for in, want := range cases {
		got, err := ParseFrequency(in)
		if err != nil || got != want {
			t.Errorf("ParseFrequency(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFrequency("sometimes"); !errors.Is(err, ErrInvalidFrequency) {
		t.Errorf("expected ErrInvalidFrequency, got %v", err)
	}
}

func TestScheduledMessageIsDue(t *testing.T) {
	now := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	m := &ScheduledMessage{NextOccurrence: &past}
	if !m.IsDue(now) {
		t.Error("message with past occurrence should be due")
	}
	m.NextOccurrence = &now
	if !m.IsDue(now) {
		t.Error("message with occurrence at now should be due")
	}
	m.NextOccurrence = &future
	if m.IsDue(now) {
		t.Error("message with future occurrence should not be due")
	}
	m.NextOccurrence = &past
	m.IsQueued = true
	if m.IsDue(now) {
		t.Error("queued message should not be due")
	}
	m.IsQueued = false
	m.Exhaust()
	if m.IsDue(now) || m.NextOccurrence != nil {
		t.Error("exhausted message should not be due and must have no next occurrence")
	}
}

func TestScheduledMessageCloneIsDeep(t *testing.T) {
	next := time.Now()
	m := &ScheduledMessage{
		NextOccurrence:       &next,
		OccurrencesRemaining: intPtr(2),
		Bot:                  &BotMetadata{BotNames: []string{"a"}},
	}
	c := m.Clone()
	*c.OccurrencesRemaining = 1
	c.Bot.BotNames[0] = "b"
	*c.NextOccurrence = next.Add(time.Hour)

	if *m.OccurrencesRemaining != 2 || m.Bot.BotNames[0] != "a" || !m.NextOccurrence.Equal(next) {
		t.Error("Clone shares state with the original")
	}
}

func TestInvalidRuleErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("schedule: %w", &InvalidRuleError{Rule: "FREQ=NEVER", Err: errors.New("bad freq")})
	if !errors.Is(err, ErrInvalidRule) {
		t.Error("InvalidRuleError should match ErrInvalidRule")
	}
	var ire *InvalidRuleError
	if !errors.As(err, &ire) || ire.Rule != "FREQ=NEVER" {
		t.Error("errors.As should extract the InvalidRuleError")
	}
}

func TestAvailabilityWindowJSONDuration(t *testing.T) {
	w := AvailabilityWindow{LocationName: "kitchen", Rule: "FREQ=DAILY", Duration: 90 * time.Minute}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back AvailabilityWindow
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != w {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, w)
	}

	if err := json.Unmarshal([]byte(`{"location_name":"x","rule":"r","duration":"soon"}`), &back); err == nil {
		t.Error("expected error for invalid duration string")
	}
}

func TestPersonValidate(t *testing.T) {
	p := Person{Name: "Dana", AvailabilityWindows: []AvailabilityWindow{{LocationName: "kitchen", Rule: "FREQ=DAILY"}}}
	if err := p.Validate(); !errors.Is(err, ErrInvalidWindowDuration) {
		t.Errorf("expected ErrInvalidWindowDuration, got %v", err)
	}
	if p.Voice() != DefaultVoiceID {
		t.Errorf("expected default voice, got %q", p.Voice())
	}
}

func TestLocationValidateDefaultsChannel(t *testing.T) {
	l := Location{Name: "kitchen"}
	if err := l.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if l.Channel != ChannelSpeaker || !l.AudioCapable() {
		t.Errorf("expected speaker channel with audio, got %q", l.Channel)
	}
	wa := Location{Name: "phone", Channel: ChannelWhatsApp}
	if wa.AudioCapable() {
		t.Error("whatsapp channel must not be audio capable")
	}
	bad := Location{Name: "x", Channel: "pager"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}
}
