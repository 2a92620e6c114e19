package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChannelKind defines how a location delivers messages.
type ChannelKind string

const (
	// ChannelSpeaker is a location-bound speaker process.
	ChannelSpeaker ChannelKind = "speaker"
	// ChannelVoiceCall rings the person's phone and speaks the message.
	ChannelVoiceCall ChannelKind = "voice_call"
	// ChannelWhatsApp sends the message as WhatsApp text; it cannot play audio.
	ChannelWhatsApp ChannelKind = "whatsapp"
)

// IsValidChannel checks if the channel kind is supported.
func IsValidChannel(c ChannelKind) bool {
	switch c {
	case ChannelSpeaker, ChannelVoiceCall, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// AvailabilityWindow says when a person is present at a location.
// Rule is an RRULE (optionally preceded by a DTSTART line); each occurrence
// opens a presence window lasting Duration.
type AvailabilityWindow struct {
	LocationName string        `json:"location_name" yaml:"location_name"`
	Rule         string        `json:"rule" yaml:"rule"`
	Duration     time.Duration `json:"-" yaml:"duration"`
}

type availabilityWindowJSON struct {
	LocationName string `json:"location_name"`
	Rule         string `json:"rule"`
	Duration     string `json:"duration"`
}

// MarshalJSON encodes Duration in time.Duration string form ("8h0m0s").
func (w AvailabilityWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(availabilityWindowJSON{
		LocationName: w.LocationName,
		Rule:         w.Rule,
		Duration:     w.Duration.String(),
	})
}

// UnmarshalJSON accepts Duration as a Go duration string.
func (w *AvailabilityWindow) UnmarshalJSON(data []byte) error {
	var raw availabilityWindowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	w.LocationName = raw.LocationName
	w.Rule = raw.Rule
	w.Duration = 0
	if raw.Duration != "" {
		d, err := time.ParseDuration(raw.Duration)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw.Duration, err)
		}
		w.Duration = d
	}
	return nil
}

// Validate checks the window fields. The rule grammar is checked by the recurrence engine.
func (w AvailabilityWindow) Validate() error {
	if strings.TrimSpace(w.LocationName) == "" {
		return ErrEmptyLocationName
	}
	if strings.TrimSpace(w.Rule) == "" {
		return ErrEmptyWindowRule
	}
	if w.Duration <= 0 {
		return ErrInvalidWindowDuration
	}
	return nil
}

// Person is reference data: who receives messages and where they can be reached.
type Person struct {
	Name                        string               `json:"name" yaml:"name"`
	RequirePhysicalConfirmation bool                 `json:"require_physical_confirmation" yaml:"require_physical_confirmation"`
	AvailabilityWindows         []AvailabilityWindow `json:"availability_windows" yaml:"availability_windows"`
	VoiceID                     string               `json:"voice_id,omitempty" yaml:"voice_id,omitempty"`
	Phone                       string               `json:"phone,omitempty" yaml:"phone,omitempty"`
}

// Validate performs validation on a Person structure.
func (p *Person) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyPersonName
	}
	for i, w := range p.AvailabilityWindows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("availability window %d: %w", i, err)
		}
	}
	return nil
}

// Voice returns the configured voice profile or the default one.
func (p *Person) Voice() string {
	if p.VoiceID == "" {
		return DefaultVoiceID
	}
	return p.VoiceID
}

// Location is reference data for a physical place messages are delivered to.
type Location struct {
	Name           string      `json:"name" yaml:"name"`
	Channel        ChannelKind `json:"channel" yaml:"channel"`
	MotionDetected bool        `json:"motion_detected" yaml:"-"`
	MotionAt       *time.Time  `json:"motion_at,omitempty" yaml:"-"`
}

// Validate performs validation on a Location structure.
func (l *Location) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return ErrEmptyLocationName
	}
	if l.Channel == "" {
		l.Channel = ChannelSpeaker
	}
	if !IsValidChannel(l.Channel) {
		return ErrInvalidChannel
	}
	return nil
}

// AudioCapable reports whether the location's channel can play speech.
func (l *Location) AudioCapable() bool {
	return l.Channel != ChannelWhatsApp
}
