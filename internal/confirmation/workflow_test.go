package confirmation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/speech"
)

type recordingChannel struct {
	mu      sync.Mutex
	spoken  []string
	noAudio bool
	fail    error
}

func (c *recordingChannel) Render(ctx context.Context, text, voice string) (speech.Audio, error) {
	return speech.Audio{Text: text, Voice: voice}, nil
}

func (c *recordingChannel) Play(ctx context.Context, location string, person *models.Person, audio speech.Audio) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spoken = append(c.spoken, audio.Text)
	return c.fail
}

func (c *recordingChannel) AudioCapable() bool { return !c.noAudio }

func (c *recordingChannel) prompts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spoken)
}

// scriptedSource returns queued replies in order, then silence.
type scriptedSource struct {
	mu      sync.Mutex
	replies []string
	awaits  int
}

func (s *scriptedSource) Await(ctx context.Context, location, person string, timeout time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaits++
	if len(s.replies) == 0 {
		return "", false, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, true, nil
}

var dana = &models.Person{Name: "Dana", RequirePhysicalConfirmation: true}

func TestWorkflow_TimesOutAfterRetryBudget(t *testing.T) {
	ch := &recordingChannel{}
	w := NewWorkflow(&scriptedSource{}, WithRetryBudget(3), WithResponseTimeout(time.Second))

	res, err := w.Run(context.Background(), Request{Location: "kitchen", Person: dana, Channel: ch})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != StateTimedOut || res.Attempts != 3 {
		t.Errorf("Run = %+v, want timed_out after 3 attempts", res)
	}
	if ch.prompts() != 3 {
		t.Errorf("prompts spoken = %d, want 3", ch.prompts())
	}
	if res.State.Outcome() != models.OutcomeFailed {
		t.Errorf("timed out must map to failed, got %s", res.State.Outcome())
	}
}

func TestWorkflow_ConfirmedAndDenied(t *testing.T) {
	tests := []struct {
		name     string
		replies  []string
		want     State
		attempts int
	}{
		{"immediate yes", []string{"Yes, I'm here"}, StateConfirmed, 1},
		{"explicit no", []string{"no thanks"}, StateDenied, 1},
		{"noise then yes", []string{"what was that", "yep"}, StateConfirmed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &recordingChannel{}
			w := NewWorkflow(&scriptedSource{replies: tt.replies}, WithResponseTimeout(time.Second))
			res, err := w.Run(context.Background(), Request{Location: "kitchen", Person: dana, Channel: ch})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.State != tt.want || res.Attempts != tt.attempts {
				t.Errorf("Run = %+v, want %s after %d attempts", res, tt.want, tt.attempts)
			}
		})
	}
}

func TestWorkflow_Bypass(t *testing.T) {
	src := &scriptedSource{}
	w := NewWorkflow(src)
	ctx := context.Background()

	relaxed := &models.Person{Name: "Sam"}
	res, err := w.Run(ctx, Request{Location: "kitchen", Person: relaxed, Channel: &recordingChannel{}})
	if err != nil || res.State != StateBypassed {
		t.Errorf("expected bypass when confirmation not required, got %+v %v", res, err)
	}

	textOnly := &recordingChannel{noAudio: true}
	res, err = w.Run(ctx, Request{Location: "phone", Person: dana, Channel: textOnly})
	if err != nil || res.State != StateBypassed {
		t.Errorf("expected bypass on text-only channel, got %+v %v", res, err)
	}
	if textOnly.prompts() != 0 || src.awaits != 0 {
		t.Errorf("bypass must not prompt or wait")
	}
	if res.State.Outcome() != models.OutcomeSuccess {
		t.Errorf("bypassed must map to success")
	}
}

func TestWorkflow_PromptFailureUsesAttempt(t *testing.T) {
	ch := &recordingChannel{fail: errors.New("speaker unplugged")}
	src := &scriptedSource{}
	w := NewWorkflow(src, WithRetryBudget(2))
	res, err := w.Run(context.Background(), Request{Location: "kitchen", Person: dana, Channel: ch})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != StateTimedOut || res.Attempts != 2 || src.awaits != 0 {
		t.Errorf("Run = %+v awaits=%d", res, src.awaits)
	}
}

func TestWorkflow_CancelWhileWaiting(t *testing.T) {
	broker := NewBroker()
	w := NewWorkflow(broker, WithResponseTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := w.Run(ctx, Request{Location: "kitchen", Person: dana, Channel: &recordingChannel{}})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestWorkflow_WithBroker(t *testing.T) {
	broker := NewBroker()
	w := NewWorkflow(broker, WithResponseTimeout(2*time.Second))

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if broker.SubmitAtLocation("kitchen", "yes") > 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	res, err := w.Run(context.Background(), Request{Location: "kitchen", Person: dana, Channel: &recordingChannel{}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State != StateConfirmed {
		t.Errorf("State = %s, want confirmed", res.State)
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]Response{
		"Yes":                 Affirmative,
		"yeah I'm here":       Affirmative,
		"OK!":                 Affirmative,
		"no":                  Negative,
		"not now":             Negative,
		"maybe later":         Negative,
		"not now, yes later":  Negative,
		"what?":               Unrecognized,
		"":                    Unrecognized,
		"yesterday":           Unrecognized,
	}
	for text, want := range tests {
		if got := Classify(text); got != want {
			t.Errorf("Classify(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestBroker_SubmitFromPerson(t *testing.T) {
	b := NewBroker()
	if n := b.SubmitFromPerson("Dana", "yes"); n != 0 {
		t.Errorf("expected no waiters, got %d", n)
	}

	got := make(chan string, 1)
	go func() {
		text, ok, _ := b.Await(context.Background(), "phone", "Dana", time.Second)
		if ok {
			got <- text
		}
		close(got)
	}()
	deadline := time.Now().Add(time.Second)
	for b.SubmitFromPerson("Dana", "yes") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if text := <-got; text != "yes" {
		t.Errorf("Await received %q, want yes", text)
	}

	if _, ok, err := b.Await(context.Background(), "kitchen", "Dana", 10*time.Millisecond); ok || err != nil {
		t.Errorf("expected timeout, got ok=%v err=%v", ok, err)
	}
}
