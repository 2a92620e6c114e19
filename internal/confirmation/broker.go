package confirmation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Broker is an in-process ResponseSource. Replies are submitted by the HTTP API (a
// location's microphone) or by inbound text messages from a person.
type Broker struct {
	mu      sync.Mutex
	waiters map[*waiter]struct{}
}

type waiter struct {
	location string
	person   string
	ch       chan string
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{waiters: make(map[*waiter]struct{})}
}

// Await implements ResponseSource. The broker lock is only held while registering.
func (b *Broker) Await(ctx context.Context, location, person string, timeout time.Duration) (string, bool, error) {
	w := &waiter{location: location, person: person, ch: make(chan string, 1)}
	b.mu.Lock()
	b.waiters[w] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, w)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-w.ch:
		return text, true, nil
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// SubmitAtLocation hands text to everyone waiting at location and reports how many received it.
func (b *Broker) SubmitAtLocation(location, text string) int {
	return b.submit(text, func(w *waiter) bool { return w.location == location })
}

// SubmitFromPerson hands text to every wait for person, whatever the location.
func (b *Broker) SubmitFromPerson(person, text string) int {
	return b.submit(text, func(w *waiter) bool { return w.person == person })
}

func (b *Broker) submit(text string, match func(*waiter) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for w := range b.waiters {
		if !match(w) {
			continue
		}
		select {
		case w.ch <- text:
			n++
		default:
		}
	}
	slog.Debug("Broker.submit", "delivered", n, "text", text)
	return n
}
