package bots

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/speech"
)

type recordingChannel struct {
	said []string
}

func (c *recordingChannel) Render(ctx context.Context, text, voice string) (speech.Audio, error) {
	return speech.Audio{Text: text, Voice: voice}, nil
}

func (c *recordingChannel) Play(ctx context.Context, location string, person *models.Person, audio speech.Audio) error {
	c.said = append(c.said, audio.Text)
	return nil
}

func (c *recordingChannel) AudioCapable() bool { return true }

type failingAgent struct{ calls int }

func (a *failingAgent) Converse(ctx context.Context, conv Conversation) error {
	a.calls++
	return errors.New("bot crashed")
}

type mockGenAI struct {
	reply  string
	err    error
	system string
	user   string
}

func (m *mockGenAI) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.system, m.user = systemPrompt, userPrompt
	return m.reply, m.err
}

func newConversation(ch speech.Channel, meta *models.BotMetadata) Conversation {
	return Conversation{
		Location: "kitchen",
		Person:   &models.Person{Name: "Dana"},
		Payload:  models.DeliveryPayload{MessageID: "msg_1", Body: "Take your vitamins", Bot: meta},
		Channel:  ch,
	}
}

func TestStaticAgent_SaysConfiguredLines(t *testing.T) {
	ch := &recordingChannel{}
	meta := &models.BotMetadata{BotNames: []string{"buddy"}, Introduction: "Hi Dana", IceBreaker: " "}
	if err := (StaticAgent{}).Converse(context.Background(), newConversation(ch, meta)); err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	if len(ch.said) != 1 || ch.said[0] != "Hi Dana" {
		t.Errorf("said = %v", ch.said)
	}
}

func TestRegistry_RunOptionalFailureContinues(t *testing.T) {
	ch := &recordingChannel{}
	failing := &failingAgent{}
	r := NewRegistry(StaticAgent{})
	r.Register("flaky", failing)
	meta := &models.BotMetadata{BotNames: []string{"flaky", "buddy"}, Introduction: "Hello"}

	if err := r.Run(context.Background(), meta, newConversation(ch, meta)); err != nil {
		t.Fatalf("optional bot failure must not fail the run: %v", err)
	}
	if failing.calls != 1 || len(ch.said) != 1 {
		t.Errorf("calls = %d said = %v", failing.calls, ch.said)
	}
}

func TestRegistry_RunRequiredFailure(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("flaky", &failingAgent{})
	meta := &models.BotMetadata{BotNames: []string{"flaky"}, RequiredBots: []string{"flaky"}}
	err := r.Run(context.Background(), meta, newConversation(&recordingChannel{}, meta))
	if err == nil || !strings.Contains(err.Error(), "bot crashed") {
		t.Errorf("expected required bot error, got %v", err)
	}
}

func TestRegistry_UnknownRequiredBot(t *testing.T) {
	r := NewRegistry(nil)
	meta := &models.BotMetadata{BotNames: []string{"ghost"}, RequiredBots: []string{"ghost"}}
	err := r.Run(context.Background(), meta, newConversation(&recordingChannel{}, meta))
	if !errors.Is(err, ErrUnknownBot) {
		t.Errorf("expected ErrUnknownBot, got %v", err)
	}
	if err := r.Run(context.Background(), nil, newConversation(&recordingChannel{}, nil)); err != nil {
		t.Errorf("nil metadata must be a no-op: %v", err)
	}
}

func TestOpenAIAgent_SpeaksGeneratedLine(t *testing.T) {
	ch := &recordingChannel{}
	gen := &mockGenAI{reply: "Morning Dana, quick health check!"}
	agent := NewOpenAIAgent(gen, "")
	conv := newConversation(ch, &models.BotMetadata{BotNames: []string{"Pollexy"}})
	conv.BotName = "Pollexy"

	if err := agent.Converse(context.Background(), conv); err != nil {
		t.Fatalf("Converse failed: %v", err)
	}
	if len(ch.said) != 1 || ch.said[0] != gen.reply {
		t.Errorf("said = %v", ch.said)
	}
	if !strings.Contains(gen.system, "Pollexy") || !strings.Contains(gen.user, "Take your vitamins") {
		t.Errorf("prompts missing context: system=%q user=%q", gen.system, gen.user)
	}

	gen.err = errors.New("rate limited")
	if err := agent.Converse(context.Background(), conv); err == nil {
		t.Error("expected generation error")
	}
}
