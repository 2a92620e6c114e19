// Package speech turns message text into something a location can play and plays it there.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// Audio is a rendered utterance. Channels decide what Data holds (TwiML, plain text...).
type Audio struct {
	Text  string
	Voice string
	Data  []byte
}

// Channel renders and plays utterances at a location.
type Channel interface {
	Render(ctx context.Context, text, voice string) (Audio, error)
	Play(ctx context.Context, location string, person *models.Person, audio Audio) error
	// AudioCapable is false for text-only channels; confirmation is bypassed on those.
	AudioCapable() bool
}

// Say renders text in the person's voice and plays it.
func Say(ctx context.Context, ch Channel, location string, person *models.Person, text string) error {
	audio, err := ch.Render(ctx, text, person.Voice())
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}
	if err := ch.Play(ctx, location, person, audio); err != nil {
		return fmt.Errorf("play failed: %w", err)
	}
	return nil
}

// Router picks the channel bound to a location's ChannelKind.
type Router struct {
	mu       sync.RWMutex
	channels map[models.ChannelKind]Channel
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{channels: make(map[models.ChannelKind]Channel)}
}

// Register binds kind to ch, replacing any previous binding.
func (r *Router) Register(kind models.ChannelKind, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[kind] = ch
	slog.Debug("Router.Register", "kind", kind)
}

// For returns the channel for kind (speaker when empty).
func (r *Router) For(kind models.ChannelKind) (Channel, error) {
	if kind == "" {
		kind = models.ChannelSpeaker
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no channel registered for %q", models.ErrInvalidChannel, kind)
	}
	return ch, nil
}
