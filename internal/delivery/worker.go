// Package delivery runs the location-bound workers that turn queued payloads into
// spoken (or sent) reminders and report the outcome back to the scheduler.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Pollexy/internal/bots"
	"github.com/BTreeMap/Pollexy/internal/confirmation"
	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/scheduler"
	"github.com/BTreeMap/Pollexy/internal/speech"
	"github.com/BTreeMap/Pollexy/internal/store"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
	DefaultMotionRetry    = time.Minute
)

// Directory resolves the message and reference data a delivery needs.
type Directory interface {
	GetMessage(ctx context.Context, id string) (*models.ScheduledMessage, error)
	LoadPerson(ctx context.Context, name string) (*models.Person, error)
	GetLocation(ctx context.Context, name string) (*models.Location, error)
}

// OutcomeReporter receives the terminal result of each delivery.
type OutcomeReporter interface {
	OnDeliveryOutcome(ctx context.Context, messageID string, occurrence time.Time, outcome models.DeliveryOutcome, reason string) (scheduler.OutcomeResult, error)
}

// ChannelRouter picks the speech channel for a location's channel kind.
type ChannelRouter interface {
	For(kind models.ChannelKind) (speech.Channel, error)
}

// Conversationalist runs the bots attached to a message.
type Conversationalist interface {
	Run(ctx context.Context, meta *models.BotMetadata, conv bots.Conversation) error
}

// Confirmer runs the presence check.
type Confirmer interface {
	Run(ctx context.Context, req confirmation.Request) (confirmation.Result, error)
}

// Config wires a worker's collaborators. Bots and Presence are optional.
type Config struct {
	Queue          store.DeliveryQueue
	Directory      Directory
	Outcomes       OutcomeReporter
	Channels       ChannelRouter
	Confirmer      Confirmer
	Bots           Conversationalist
	Presence       PresenceSensor
	RequireMotion  bool
	MotionRetry    time.Duration
	PollInterval   time.Duration
	StaleThreshold time.Duration
	Clock          func() time.Time
}

func (c *Config) validate() error {
	switch {
	case c.Queue == nil:
		return errors.New("delivery: queue is required")
	case c.Directory == nil:
		return errors.New("delivery: directory is required")
	case c.Outcomes == nil:
		return errors.New("delivery: outcome reporter is required")
	case c.Channels == nil:
		return errors.New("delivery: channel router is required")
	case c.Confirmer == nil:
		return errors.New("delivery: confirmer is required")
	case c.RequireMotion && c.Presence == nil:
		return errors.New("delivery: presence sensor is required when motion is required")
	}
	if c.MotionRetry <= 0 {
		c.MotionRetry = DefaultMotionRetry
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return nil
}

// Worker consumes the queue of a single location, one payload at a time.
type Worker struct {
	location string
	cfg      Config
}

// NewWorker creates a worker for location.
func NewWorker(location string, cfg Config) (*Worker, error) {
	if location == "" {
		return nil, models.ErrEmptyLocationName
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Worker{location: location, cfg: cfg}, nil
}

// RecoverStale requeues this location's deliveries stuck in delivering state (crash recovery).
// Should be called once at startup.
func (w *Worker) RecoverStale(ctx context.Context) error {
	n, err := w.cfg.Queue.RequeueStale(ctx, w.location, w.cfg.Clock().Add(-w.cfg.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Worker.RecoverStale: requeued stale deliveries", "location", w.location, "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("Worker.Run: starting location worker", "location", w.location, "pollInterval", w.cfg.PollInterval)
	if err := w.RecoverStale(ctx); err != nil {
		slog.Error("Worker.Run: stale recovery failed", "location", w.location, "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Worker.Run: stopping", "location", w.location)
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	for ctx.Err() == nil {
		ds, err := w.cfg.Queue.Consume(ctx, w.location, 1)
		if err != nil {
			slog.Error("Worker.poll: consume failed", "location", w.location, "error", err)
			return
		}
		if len(ds) == 0 {
			return
		}
		w.process(ctx, ds[0])
	}
}

// process handles one claimed delivery. Every path ends in Ack or Nack, except
// cancellation, which leaves the claim for RequeueStale.
func (w *Worker) process(ctx context.Context, d store.Delivery) {
	p := d.Payload
	now := w.cfg.Clock()
	slog.Debug("Worker.process: delivering", "location", w.location, "delivery_id", d.ID, "message_id", p.MessageID, "person", p.PersonName)

	pending, err := w.stillPending(ctx, p)
	if err != nil {
		w.retry(ctx, d, now.Add(backoff(d.Attempts)), err.Error())
		return
	}
	if !pending {
		slog.Info("Worker.process: dropping delivery for a settled occurrence", "location", w.location,
			"delivery_id", d.ID, "message_id", p.MessageID, "occurrence", p.Occurrence)
		if err := w.cfg.Queue.Ack(ctx, d.ID); err != nil {
			slog.Error("Worker.process: ack failed", "location", w.location, "delivery_id", d.ID, "error", err)
		}
		return
	}

	if p.IsExpired(now) {
		w.finish(ctx, d, models.OutcomeExpired, "expired before delivery")
		return
	}

	if w.cfg.RequireMotion {
		present, err := w.cfg.Presence.MotionDetected(ctx, w.location)
		if err != nil || !present {
			reason := "no motion detected"
			if err != nil {
				reason = fmt.Sprintf("motion check failed: %v", err)
			}
			w.retry(ctx, d, now.Add(w.cfg.MotionRetry), reason)
			return
		}
	}

	person, err := w.cfg.Directory.LoadPerson(ctx, p.PersonName)
	if err != nil {
		w.referenceError(ctx, d, now, err)
		return
	}
	loc, err := w.cfg.Directory.GetLocation(ctx, w.location)
	if err != nil {
		w.referenceError(ctx, d, now, err)
		return
	}
	ch, err := w.cfg.Channels.For(loc.Channel)
	if err != nil {
		w.finish(ctx, d, models.OutcomeFailed, err.Error())
		return
	}

	if w.cfg.Bots != nil && p.Bot.IsConversational() {
		conv := bots.Conversation{Location: w.location, Person: person, Payload: p, Channel: ch}
		if err := w.cfg.Bots.Run(ctx, p.Bot, conv); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.finish(ctx, d, models.OutcomeFailed, err.Error())
			return
		}
	}

	res, err := w.cfg.Confirmer.Run(ctx, confirmation.Request{Location: w.location, Person: person, Channel: ch})
	if err != nil {
		slog.Info("Worker.process: confirmation interrupted", "location", w.location, "delivery_id", d.ID, "error", err)
		return
	}
	if res.State.Outcome() != models.OutcomeSuccess {
		w.finish(ctx, d, models.OutcomeFailed, fmt.Sprintf("confirmation %s after %d prompts", res.State, res.Attempts))
		return
	}

	if err := speech.Say(ctx, ch, w.location, person, p.Body); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.finish(ctx, d, models.OutcomeFailed, err.Error())
		return
	}
	w.finish(ctx, d, models.OutcomeSuccess, "")
}

// stillPending reports whether the message is still queued here for the payload's occurrence.
// Redelivered payloads of settled occurrences are neither spoken nor reported.
func (w *Worker) stillPending(ctx context.Context, p models.DeliveryPayload) (bool, error) {
	m, err := w.cfg.Directory.GetMessage(ctx, p.MessageID)
	if errors.Is(err, models.ErrUnknownMessage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.IsQueued && m.QueuedLocation == w.location &&
		m.NextOccurrence != nil && m.NextOccurrence.Equal(p.Occurrence), nil
}

func (w *Worker) referenceError(ctx context.Context, d store.Delivery, now time.Time, err error) {
	if errors.Is(err, models.ErrUnknownPerson) || errors.Is(err, models.ErrUnknownLocation) {
		w.finish(ctx, d, models.OutcomeFailed, err.Error())
		return
	}
	w.retry(ctx, d, now.Add(backoff(d.Attempts)), err.Error())
}

// finish reports the outcome and acks. A report that does not land is retried later;
// the scheduler ignores duplicate outcomes.
func (w *Worker) finish(ctx context.Context, d store.Delivery, outcome models.DeliveryOutcome, reason string) {
	res, err := w.cfg.Outcomes.OnDeliveryOutcome(ctx, d.Payload.MessageID, d.Payload.Occurrence, outcome, reason)
	if err != nil {
		slog.Error("Worker.finish: outcome report failed", "location", w.location, "delivery_id", d.ID, "outcome", outcome, "error", err)
		w.retry(ctx, d, w.cfg.Clock().Add(backoff(d.Attempts)), err.Error())
		return
	}
	if err := w.cfg.Queue.Ack(ctx, d.ID); err != nil {
		slog.Error("Worker.finish: ack failed", "location", w.location, "delivery_id", d.ID, "error", err)
		return
	}
	slog.Info("Worker.finish: delivery finished", "location", w.location, "message_id", d.Payload.MessageID,
		"outcome", outcome, "reason", reason, "applied", res.Applied, "exhausted", res.IsExhausted)
}

func (w *Worker) retry(ctx context.Context, d store.Delivery, at time.Time, reason string) {
	slog.Debug("Worker.retry: delivery deferred", "location", w.location, "delivery_id", d.ID, "retry_at", at, "reason", reason)
	if err := w.cfg.Queue.Nack(ctx, d.ID, at, reason); err != nil {
		slog.Error("Worker.retry: nack failed", "location", w.location, "delivery_id", d.ID, "error", err)
	}
}

// backoff is exponential: 10s, 20s, 40s... capped at 10 minutes.
func backoff(attempts int) time.Duration {
	if attempts > 6 {
		return 10 * time.Minute
	}
	d := time.Duration(10*(1<<attempts)) * time.Second
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}
