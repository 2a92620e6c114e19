// Package bots runs the conversational lines attached to a scheduled message.
//
// An Agent speaks to the person through the location's speech channel before the
// message body is delivered. Agents are looked up by name in a Registry.
package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/speech"
)

// ErrUnknownBot is returned when a message names a bot nobody registered.
var ErrUnknownBot = errors.New("unknown bot")

// Conversation is everything an agent needs for one delivery.
type Conversation struct {
	BotName  string
	Location string
	Person   *models.Person
	Payload  models.DeliveryPayload
	Channel  speech.Channel
}

// Agent holds a conversation with the person.
type Agent interface {
	Converse(ctx context.Context, conv Conversation) error
}

// Registry maps bot names to agents. Names without an entry use the fallback agent when set.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	fallback Agent
}

// NewRegistry creates a registry; fallback may be nil.
func NewRegistry(fallback Agent) *Registry {
	return &Registry{agents: make(map[string]Agent), fallback: fallback}
}

// Register associates name with agent.
func (r *Registry) Register(name string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = agent
}

// Get returns the agent for name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBot, name)
}

// Run converses with every bot named in meta, in order. A failing required bot
// stops the run and is returned; other failures are logged and skipped.
func (r *Registry) Run(ctx context.Context, meta *models.BotMetadata, conv Conversation) error {
	if !meta.IsConversational() {
		return nil
	}
	for _, name := range meta.BotNames {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := conv
		c.BotName = name
		agent, err := r.Get(name)
		if err == nil {
			err = agent.Converse(ctx, c)
		}
		if err == nil {
			slog.Debug("Registry.Run: bot finished", "bot", name, "message_id", conv.Payload.MessageID)
			continue
		}
		if meta.IsRequired(name) {
			slog.Warn("Registry.Run: required bot failed", "bot", name, "message_id", conv.Payload.MessageID, "error", err)
			return fmt.Errorf("required bot %s failed: %w", name, err)
		}
		slog.Info("Registry.Run: optional bot failed", "bot", name, "message_id", conv.Payload.MessageID, "error", err)
	}
	return nil
}
