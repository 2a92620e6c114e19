package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCycleSpec runs a scheduling cycle every minute.
const DefaultCycleSpec = "@every 1m"

// Cycler runs one scheduling cycle. *Engine satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context, now time.Time) (CycleReport, error)
}

// Runner triggers scheduling cycles from a cron spec. A failed cycle is logged and left
// to the next tick; overlapping ticks are skipped while a cycle is still running.
type Runner struct {
	cron    *cron.Cron
	cycler  Cycler
	clock   Clock
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithClock sets the clock used to stamp cycles.
func WithClock(c Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithCycleTimeout bounds a single cycle.
func WithCycleTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner creates a Runner for spec, which may be a 5-field cron expression or a
// descriptor such as "@every 30s". An empty spec uses DefaultCycleSpec.
func NewRunner(cycler Cycler, spec string, opts ...RunnerOption) (*Runner, error) {
	if spec == "" {
		spec = DefaultCycleSpec
	}
	// Standard 5-field parser (min, hour, dom, month, dow) plus @every/@hourly descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.DefaultLogger
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{cron: c, cycler: cycler, clock: SystemClock{}, ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := c.AddFunc(spec, r.Tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid cycle spec %q: %w", spec, err)
	}
	slog.Debug("Runner created", "spec", spec)
	return r, nil
}

// Start begins running cycles in the background.
func (r *Runner) Start() {
	slog.Info("Runner.Start: scheduling cycles started")
	r.cron.Start()
}

// Tick runs one cycle immediately.
func (r *Runner) Tick() {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	report, err := r.cycler.RunCycle(ctx, r.clock.Now())
	if err != nil {
		slog.Error("Runner.Tick: cycle failed", "error", err)
		return
	}
	slog.Debug("Runner.Tick: cycle finished", "due", report.Due, "published", report.Published,
		"unknown_person", report.UnknownPerson, "no_availability", report.NoAvailability,
		"conflicts", report.Conflicts, "publish_failures", report.PublishFailures)
}

// Stop stops the cron scheduler, cancels an in-flight cycle and waits for it to finish.
func (r *Runner) Stop() {
	stopped := r.cron.Stop()
	r.cancel()
	<-stopped.Done()
	slog.Info("Runner.Stop: scheduling cycles stopped")
}
