package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/speech"
)

// ErrNoPhone is returned when a person bound to a WhatsApp location has no phone number.
var ErrNoPhone = errors.New("person has no phone number")

// Channel delivers utterances as WhatsApp text. It cannot play audio.
type Channel struct {
	sender Sender
}

var _ speech.Channel = (*Channel)(nil)

// NewChannel creates a text channel sending through sender.
func NewChannel(sender Sender) *Channel {
	return &Channel{sender: sender}
}

// Render keeps the text as-is.
func (c *Channel) Render(ctx context.Context, text, voice string) (speech.Audio, error) {
	return speech.Audio{Text: text, Voice: voice, Data: []byte(text)}, nil
}

// Play sends the text to the person's phone.
func (c *Channel) Play(ctx context.Context, location string, person *models.Person, audio speech.Audio) error {
	if person == nil || person.Phone == "" {
		return ErrNoPhone
	}
	slog.Debug("Channel.Play: sending WhatsApp text", "location", location, "person", person.Name)
	return c.sender.SendMessage(ctx, person.Phone, audio.Text)
}

// AudioCapable is false; confirmation is bypassed on WhatsApp locations.
func (c *Channel) AudioCapable() bool { return false }

// ReplySink accepts replies on behalf of a person.
type ReplySink interface {
	SubmitFromPerson(person, text string) int
}

// PeopleLister lists the people whose phones can answer.
type PeopleLister interface {
	ListPeople(ctx context.Context) ([]*models.Person, error)
}

// ReplyRouter maps inbound WhatsApp text to the person who sent it.
type ReplyRouter struct {
	people PeopleLister
	sink   ReplySink

	mu      sync.Mutex
	byPhone map[string]string
}

// NewReplyRouter creates a router; call Refresh after people change.
func NewReplyRouter(people PeopleLister, sink ReplySink) *ReplyRouter {
	return &ReplyRouter{people: people, sink: sink, byPhone: make(map[string]string)}
}

// Refresh rebuilds the phone index.
func (r *ReplyRouter) Refresh(ctx context.Context) error {
	people, err := r.people.ListPeople(ctx)
	if err != nil {
		return err
	}
	index := make(map[string]string, len(people))
	for _, p := range people {
		if p.Phone == "" {
			continue
		}
		phone, err := CanonicalPhone(p.Phone)
		if err != nil {
			slog.Warn("ReplyRouter.Refresh: skipping invalid phone", "person", p.Name, "error", err)
			continue
		}
		index[phone] = p.Name
	}
	r.mu.Lock()
	r.byPhone = index
	r.mu.Unlock()
	return nil
}

// HandleText forwards text from a known phone; it reports how many waiters received it.
func (r *ReplyRouter) HandleText(from, text string) int {
	phone, err := CanonicalPhone(from)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	person, ok := r.byPhone[phone]
	r.mu.Unlock()
	if !ok {
		slog.Debug("ReplyRouter.HandleText: unknown sender", "from", phone)
		return 0
	}
	n := r.sink.SubmitFromPerson(person, text)
	slog.Debug("ReplyRouter.HandleText: reply forwarded", "person", person, "waiters", n)
	return n
}
