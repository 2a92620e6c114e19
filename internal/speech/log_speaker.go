package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// LogSpeaker stands in for a local speaker: it logs each utterance and, when given a
// writer, prints it there.
type LogSpeaker struct {
	mu    sync.Mutex
	out   io.Writer
	chime string
}

// LogSpeakerOption configures a LogSpeaker.
type LogSpeakerOption func(*LogSpeaker)

// WithOutput also writes utterances to w.
func WithOutput(w io.Writer) LogSpeakerOption {
	return func(s *LogSpeaker) { s.out = w }
}

// WithChime prefixes every utterance with the given chime marker.
func WithChime(chime string) LogSpeakerOption {
	return func(s *LogSpeaker) { s.chime = chime }
}

// NewLogSpeaker creates a LogSpeaker.
func NewLogSpeaker(opts ...LogSpeakerOption) *LogSpeaker {
	s := &LogSpeaker{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LogSpeaker) Render(ctx context.Context, text, voice string) (Audio, error) {
	return Audio{Text: text, Voice: voice, Data: []byte(text)}, nil
}

func (s *LogSpeaker) Play(ctx context.Context, location string, person *models.Person, audio Audio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := ""
	if person != nil {
		name = person.Name
	}
	slog.Info("LogSpeaker.Play", "location", location, "person", name, "voice", audio.Voice, "text", audio.Text)
	if s.out == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chime != "" {
		if _, err := fmt.Fprintf(s.out, "[%s] %s\n", location, s.chime); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(s.out, "[%s] (%s) %s\n", location, audio.Voice, audio.Text)
	return err
}

func (s *LogSpeaker) AudioCapable() bool { return true }
