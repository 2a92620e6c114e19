package bots

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Pollexy/internal/genai"
	"github.com/BTreeMap/Pollexy/internal/speech"
)

// StaticAgent speaks the message's introduction and ice breaker as written.
type StaticAgent struct{}

// Converse says the configured lines; a bot with no lines says nothing.
func (StaticAgent) Converse(ctx context.Context, conv Conversation) error {
	for _, line := range staticLines(conv) {
		if err := speech.Say(ctx, conv.Channel, conv.Location, conv.Person, line); err != nil {
			return err
		}
	}
	return nil
}

func staticLines(conv Conversation) []string {
	if conv.Payload.Bot == nil {
		return nil
	}
	var lines []string
	for _, l := range []string{conv.Payload.Bot.Introduction, conv.Payload.Bot.IceBreaker} {
		if s := strings.TrimSpace(l); s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

// DefaultSystemPrompt frames the generated line.
const DefaultSystemPrompt = "You are %s, a friendly household assistant speaking out loud to %s. " +
	"Reply with one or two short spoken sentences and no formatting."

// OpenAIAgent generates an opening line with a chat model and speaks it.
type OpenAIAgent struct {
	client       genai.ClientInterface
	systemPrompt string
}

// NewOpenAIAgent creates an agent; an empty systemPrompt uses DefaultSystemPrompt.
func NewOpenAIAgent(client genai.ClientInterface, systemPrompt string) *OpenAIAgent {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &OpenAIAgent{client: client, systemPrompt: systemPrompt}
}

// Converse asks the model for a line that leads into the reminder, then says it.
func (a *OpenAIAgent) Converse(ctx context.Context, conv Conversation) error {
	system := fmt.Sprintf(a.systemPrompt, conv.BotName, conv.Person.Name)
	var user strings.Builder
	fmt.Fprintf(&user, "You are about to remind %s: %q.", conv.Person.Name, conv.Payload.Body)
	for _, l := range staticLines(conv) {
		fmt.Fprintf(&user, " Work in: %q.", l)
	}
	user.WriteString(" Greet them and lead into the reminder without repeating it.")

	line, err := a.client.GeneratePrompt(ctx, system, user.String())
	if err != nil {
		return fmt.Errorf("generate line: %w", err)
	}
	if line == "" {
		slog.Debug("OpenAIAgent.Converse: empty line", "bot", conv.BotName)
		return nil
	}
	return speech.Say(ctx, conv.Channel, conv.Location, conv.Person, line)
}
