package speech

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNoPhone is returned when a voice call target has no phone number.
var ErrNoPhone = errors.New("person has no phone number")

// CallCreator is the part of the Twilio API used to place calls.
type CallCreator interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// TwilioOpts holds configuration for the Twilio voice channel.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	ChimeURL   string
	Calls      CallCreator
}

// TwilioOption defines a configuration option for the Twilio voice channel.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithChimeURL plays the audio at url before each utterance.
func WithChimeURL(url string) TwilioOption {
	return func(o *TwilioOpts) { o.ChimeURL = url }
}

// WithCallCreator replaces the Twilio REST client, mainly for tests.
func WithCallCreator(c CallCreator) TwilioOption {
	return func(o *TwilioOpts) { o.Calls = c }
}

// TwilioVoice delivers utterances as outbound phone calls using TwiML <Say>.
type TwilioVoice struct {
	calls    CallCreator
	from     string
	chimeURL string
}

// NewTwilioVoice builds the channel, falling back to TWILIO_* environment variables.
func NewTwilioVoice(opts ...TwilioOption) (*TwilioVoice, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio voice config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.Calls == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, fmt.Errorf("account SID and auth token must be provided")
		}
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		cfg.Calls = client.Api
	}
	return &TwilioVoice{calls: cfg.Calls, from: cfg.FromNumber, chimeURL: cfg.ChimeURL}, nil
}

// Render produces a TwiML document speaking text with an Amazon Polly voice.
func (v *TwilioVoice) Render(ctx context.Context, text, voice string) (Audio, error) {
	if voice == "" {
		voice = models.DefaultVoiceID
	}
	var buf bytes.Buffer
	buf.WriteString("<Response>")
	if v.chimeURL != "" {
		buf.WriteString("<Play>")
		if err := xml.EscapeText(&buf, []byte(v.chimeURL)); err != nil {
			return Audio{}, err
		}
		buf.WriteString("</Play>")
	}
	fmt.Fprintf(&buf, `<Say voice="Polly.%s">`, voice)
	if err := xml.EscapeText(&buf, []byte(text)); err != nil {
		return Audio{}, err
	}
	buf.WriteString("</Say></Response>")
	return Audio{Text: text, Voice: voice, Data: buf.Bytes()}, nil
}

// Play calls the person's phone and speaks the rendered TwiML.
func (v *TwilioVoice) Play(ctx context.Context, location string, person *models.Person, audio Audio) error {
	if person == nil || person.Phone == "" {
		return ErrNoPhone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(person.Phone)
	params.SetFrom(v.from)
	params.SetTwiml(string(audio.Data))

	resp, err := v.calls.CreateCall(params)
	if err != nil {
		slog.Error("TwilioVoice.Play: call failed", "error", err, "location", location, "person", person.Name)
		return fmt.Errorf("twilio call to %s failed: %w", person.Name, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Info("TwilioVoice.Play: call placed", "location", location, "person", person.Name, "sid", sid)
	return nil
}

func (v *TwilioVoice) AudioCapable() bool { return true }
