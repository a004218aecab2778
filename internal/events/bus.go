// Package events broadcasts poller activity (device transitions and
// poll failures) to live observers such as the /events WebSocket feed.
// Publishing never blocks: a subscriber that falls behind misses events.
// A nil *Bus is valid and discards everything.
package events

import (
	"sync"
	"time"
)

// Kind values describe what happened.
const (
	// KindDiscovered is published the first time a device is seen.
	KindDiscovered = "discovered"
	// KindConnected is published when a known device reappears.
	KindConnected = "connected"
	// KindDisconnected is published when a device drops off.
	KindDisconnected = "disconnected"
	// KindPollFailed is published for every failed listing attempt.
	KindPollFailed = "poll_failed"
)

// Event is a single observation published on the bus.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Device    string    `json:"mac,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a registered receiver. Read from [Subscription.C]
// until it is closed.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// Publish delivers e to every subscriber with room in its buffer. A
// zero Timestamp is set to the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers a new receiver with the given buffer size. The
// caller must Close the subscription when done.
func (b *Bus) Subscribe(buffer int) *Subscription {
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes its channel. Closing
// twice is a no-op.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
