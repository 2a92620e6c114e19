package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/store"
)

// PresenceSensor reports whether someone is moving around a location.
type PresenceSensor interface {
	MotionDetected(ctx context.Context, location string) (bool, error)
}

// StorePresence reads the motion flag kept on the location record.
// When MaxAge is positive, older motion readings count as no motion.
type StorePresence struct {
	Locations store.LocationStore
	MaxAge    time.Duration
	Clock     func() time.Time
}

// MotionDetected implements PresenceSensor.
func (s StorePresence) MotionDetected(ctx context.Context, location string) (bool, error) {
	l, err := s.Locations.GetLocation(ctx, location)
	if err != nil {
		return false, err
	}
	if !l.MotionDetected {
		return false, nil
	}
	if s.MaxAge > 0 && l.MotionAt != nil {
		now := time.Now
		if s.Clock != nil {
			now = s.Clock
		}
		return now().Sub(*l.MotionAt) <= s.MaxAge, nil
	}
	return true, nil
}

// Pool runs one Worker per location.
type Pool struct {
	ctx     context.Context
	cfg     Config
	mu      sync.Mutex
	workers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool whose workers live until ctx is done or Stop is called.
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pool{ctx: ctx, cfg: cfg, workers: make(map[string]context.CancelFunc)}, nil
}

// Ensure starts a worker for location unless one is running. It reports whether a worker was started.
func (p *Pool) Ensure(location string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[location]; ok || p.ctx.Err() != nil {
		return false
	}
	w, err := NewWorker(location, p.cfg)
	if err != nil {
		slog.Error("Pool.Ensure: worker not started", "location", location, "error", err)
		return false
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.workers[location] = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Run(ctx)
	}()
	return true
}

// EnsureAll starts workers for every location.
func (p *Pool) EnsureAll(locations []*models.Location) {
	for _, l := range locations {
		p.Ensure(l.Name)
	}
}

// Remove stops the worker for location, if any.
func (p *Pool) Remove(location string) {
	p.mu.Lock()
	cancel, ok := p.workers[location]
	delete(p.workers, location)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Locations returns the locations with a running worker.
func (p *Pool) Locations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.workers))
	for l := range p.workers {
		out = append(out, l)
	}
	return out
}

// Stop cancels every worker and waits for them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	for l, cancel := range p.workers {
		cancel()
		delete(p.workers, l)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
