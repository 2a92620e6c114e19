// Package confirmation implements the spoken presence check that gates delivery success.
//
// A Workflow prompts the person through a speech channel, waits for a spoken (or typed)
// reply on a ResponseSource and retries the prompt a bounded number of times.
package confirmation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/speech"
)

// State is a confirmation state.
type State string

const (
	StateIdle             State = "idle"
	StatePrompting        State = "prompting"
	StateAwaitingResponse State = "awaiting_response"
	StateConfirmed        State = "confirmed"
	StateDenied           State = "denied"
	StateTimedOut         State = "timed_out"
	StateBypassed         State = "bypassed"
)

// Outcome maps a final state to a delivery outcome.
func (s State) Outcome() models.DeliveryOutcome {
	switch s {
	case StateConfirmed, StateBypassed:
		return models.OutcomeSuccess
	default:
		return models.OutcomeFailed
	}
}

const (
	DefaultRetryBudget     = 3
	DefaultResponseTimeout = 30 * time.Second
	DefaultPrompt          = "%s, if you are here please say yes."
)

// ResponseSource delivers replies heard (or typed) at a location.
type ResponseSource interface {
	// Await blocks until a reply arrives, the timeout elapses (ok=false) or ctx is done.
	Await(ctx context.Context, location, person string, timeout time.Duration) (text string, ok bool, err error)
}

// Request describes one confirmation run.
type Request struct {
	Location string
	Person   *models.Person
	Channel  speech.Channel
}

// Result is the final state plus the number of prompts spoken.
type Result struct {
	State    State
	Attempts int
}

// Opts holds Workflow configuration.
type Opts struct {
	RetryBudget     int
	ResponseTimeout time.Duration
	Prompt          string
}

// Option configures a Workflow.
type Option func(*Opts)

// WithRetryBudget sets how many prompts are spoken before timing out.
func WithRetryBudget(n int) Option {
	return func(o *Opts) { o.RetryBudget = n }
}

// WithResponseTimeout sets how long each prompt waits for a reply.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ResponseTimeout = d }
}

// WithPrompt sets the prompt format; %s is replaced by the person's name.
func WithPrompt(format string) Option {
	return func(o *Opts) { o.Prompt = format }
}

// Workflow runs the confirmation state machine. It holds no per-run state and is safe
// for concurrent use by several location workers.
type Workflow struct {
	responses ResponseSource
	budget    int
	timeout   time.Duration
	prompt    string
}

// NewWorkflow creates a Workflow reading replies from responses.
func NewWorkflow(responses ResponseSource, opts ...Option) *Workflow {
	cfg := Opts{RetryBudget: DefaultRetryBudget, ResponseTimeout: DefaultResponseTimeout, Prompt: DefaultPrompt}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	return &Workflow{responses: responses, budget: cfg.RetryBudget, timeout: cfg.ResponseTimeout, prompt: cfg.Prompt}
}

// Run executes the workflow. People who do not require confirmation, and text-only
// channels, are bypassed. Cancellation returns ctx.Err().
func (w *Workflow) Run(ctx context.Context, req Request) (Result, error) {
	if req.Person == nil || !req.Person.RequirePhysicalConfirmation || req.Channel == nil || !req.Channel.AudioCapable() {
		return Result{State: StateBypassed}, nil
	}

	state := StateIdle
	res := Result{}
	for res.Attempts < w.budget {
		state = w.transition(req, state, StatePrompting)
		res.Attempts++
		if err := speech.Say(ctx, req.Channel, req.Location, req.Person, fmt.Sprintf(w.prompt, req.Person.Name)); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			// A prompt that could not be spoken still uses up an attempt.
			slog.Warn("Workflow.Run: prompt failed", "location", req.Location, "person", req.Person.Name, "attempt", res.Attempts, "error", err)
			continue
		}

		state = w.transition(req, state, StateAwaitingResponse)
		final, err := w.await(ctx, req)
		if err != nil {
			return res, err
		}
		if final != "" {
			res.State = w.transition(req, state, final)
			return res, nil
		}
	}
	res.State = w.transition(req, state, StateTimedOut)
	return res, nil
}

// await waits out one response window. Replies that are neither yes nor no are ignored.
func (w *Workflow) await(ctx context.Context, req Request) (State, error) {
	deadline := time.Now().Add(w.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		text, ok, err := w.responses.Await(ctx, req.Location, req.Person.Name, remaining)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		switch Classify(text) {
		case Affirmative:
			return StateConfirmed, nil
		case Negative:
			return StateDenied, nil
		default:
			slog.Debug("Workflow.await: ignoring unrecognized reply", "location", req.Location, "text", text)
		}
	}
}

func (w *Workflow) transition(req Request, from, to State) State {
	slog.Debug("Workflow transition", "location", req.Location, "person", req.Person.Name, "from", from, "to", to)
	return to
}
