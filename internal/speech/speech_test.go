package speech

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/Pollexy/internal/models"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCalls struct {
	params []*twilioApi.CreateCallParams
	err    error
}

func (f *fakeCalls) CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "CA123"
	return &twilioApi.ApiV2010Call{Sid: &sid}, nil
}

func TestTwilioVoice_RenderEscapesText(t *testing.T) {
	v, err := NewTwilioVoice(WithFromNumber("+15550000000"), WithCallCreator(&fakeCalls{}), WithChimeURL("https://example.com/chime.mp3"))
	if err != nil {
		t.Fatalf("NewTwilioVoice failed: %v", err)
	}
	audio, err := v.Render(context.Background(), "Pills & <water>", "")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := string(audio.Data)
	for _, want := range []string{
		"<Play>https://example.com/chime.mp3</Play>",
		`<Say voice="Polly.Joanna">`,
		"Pills &amp; &lt;water&gt;",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("TwiML %q missing %q", got, want)
		}
	}
}

func TestTwilioVoice_Play(t *testing.T) {
	calls := &fakeCalls{}
	v, err := NewTwilioVoice(WithFromNumber("+15550000000"), WithCallCreator(calls))
	if err != nil {
		t.Fatalf("NewTwilioVoice failed: %v", err)
	}
	ctx := context.Background()
	dana := &models.Person{Name: "Dana", Phone: "+15551234567", VoiceID: "Salli"}

	if err := Say(ctx, v, "phone", dana, "Time for your walk"); err != nil {
		t.Fatalf("Say failed: %v", err)
	}
	if len(calls.params) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls.params))
	}
	p := calls.params[0]
	if *p.To != "+15551234567" || *p.From != "+15550000000" {
		t.Errorf("unexpected call endpoints: to=%s from=%s", *p.To, *p.From)
	}
	if !strings.Contains(*p.Twiml, "Polly.Salli") {
		t.Errorf("expected person's voice in TwiML, got %s", *p.Twiml)
	}

	if err := v.Play(ctx, "phone", &models.Person{Name: "NoPhone"}, Audio{}); !errors.Is(err, ErrNoPhone) {
		t.Errorf("expected ErrNoPhone, got %v", err)
	}
	calls.err = errors.New("twilio down")
	if err := Say(ctx, v, "phone", dana, "hello"); err == nil {
		t.Error("expected error when the call fails")
	}
}

func TestNewTwilioVoice_RequiresConfig(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioVoice(); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewTwilioVoice(WithFromNumber("+1555")); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestLogSpeaker_WritesUtterances(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSpeaker(WithOutput(&buf), WithChime("*ding*"))
	if err := Say(context.Background(), s, "kitchen", &models.Person{Name: "Dana"}, "Hello"); err != nil {
		t.Fatalf("Say failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[kitchen] *ding*") || !strings.Contains(out, "(Joanna) Hello") {
		t.Errorf("unexpected speaker output %q", out)
	}
	if !s.AudioCapable() {
		t.Error("LogSpeaker should be audio capable")
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	speaker := NewLogSpeaker()
	r.Register(models.ChannelSpeaker, speaker)

	ch, err := r.For("")
	if err != nil || ch != speaker {
		t.Fatalf("For(\"\") = %v, %v; want speaker", ch, err)
	}
	if _, err := r.For(models.ChannelWhatsApp); !errors.Is(err, models.ErrInvalidChannel) {
		t.Errorf("expected ErrInvalidChannel, got %v", err)
	}
}
