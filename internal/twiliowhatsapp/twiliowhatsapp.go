// Package twiliowhatsapp sends WhatsApp reminders through the Twilio Messaging API.
//
// It is the hosted alternative to the whatsmeow session in package whatsapp: no phone
// has to stay paired, but inbound replies arrive through Twilio webhooks rather than
// the client, so confirmations are posted to the API instead.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/Pollexy/internal/whatsapp"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageCreator is the part of the Twilio API used to send messages.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	Messages   MessageCreator
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number; the "whatsapp:" prefix is optional.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithMessageCreator replaces the Twilio REST client, mainly for tests.
func WithMessageCreator(m MessageCreator) Option {
	return func(o *Opts) { o.Messages = m }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	messages  MessageCreator
	fromWhats string // "whatsapp:+1234567890"
}

var _ whatsapp.Sender = (*Client)(nil)

// NewClient builds the client, falling back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_WHATSAPP_FROM")
	}
	slog.Debug("Twilio WhatsApp config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.FromWhats == "" {
		return nil, errors.New("fromWhats number must be provided")
	}
	if cfg.Messages == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, errors.New("account SID and auth token must be provided")
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		cfg.Messages = client.Api
	}
	return &Client{messages: cfg.Messages, fromWhats: whatsAppAddress(cfg.FromWhats)}, nil
}

func whatsAppAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// SendMessage sends body to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	digits, err := whatsapp.CanonicalPhone(to)
	if err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsAppAddress("+" + digits))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	msg, err := c.messages.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", digits, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", digits, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", digits, "sid", sid)
	return nil
}
