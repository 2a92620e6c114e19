// Package whatsapp wraps the Whatsmeow client so a location can deliver reminders as
// WhatsApp text and so replies can answer a pending presence confirmation.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/Pollexy/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is the default path for the whatsmeow session database
	DefaultSQLitePath = "/var/lib/pollexy/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends WhatsApp text messages.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TextHandler receives inbound text; from is a canonical phone number.
type TextHandler func(from, text string)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

var _ Sender = (*Client)(nil)

// NewClient opens the session store, logs in when needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
	}
	dbDriver := driverFor(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("WhatsApp session database does not enable foreign keys; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("whatsapp.NewClient: initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func driverFor(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// SendMessage sends a text message to a phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	number, err := CanonicalPhone(to)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(number, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		slog.Error("Client.SendMessage: send failed", "error", err, "to", number)
		return fmt.Errorf("failed to send message to %s: %w", number, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", number, "body_length", len(body))
	return nil
}

// OnText registers handler for inbound text messages.
func (c *Client) OnText(handler TextHandler) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			if from, text, ok := textOf(msg); ok {
				handler(from, text)
			}
		}
	})
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// textOf extracts the sender and text of a plain or extended text message.
func textOf(evt *events.Message) (string, string, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return "", "", false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return "", "", false
	}
	from, err := CanonicalPhone(evt.Info.Sender.User)
	if err != nil {
		return "", "", false
	}
	return from, text, true
}

// CanonicalPhone strips everything but digits and rejects numbers shorter than 6 digits.
func CanonicalPhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	canonical := b.String()
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", phone)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
