// Package notify carries sync events to operators and subscribers without
// ever blocking or failing the publisher.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventStatusUpdate = "sync_status_update"
	EventCompleted    = "sync_completed"
	EventError        = "sync_error"
)

// Publisher is the fire-and-forget event sink the sync engine writes to.
// Implementations must not block and must not panic.
type Publisher interface {
	Publish(name string, payload any, ownerID string)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, any, string) {}

// Event is one published notification.
type Event struct {
	Name      string    `json:"event"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers through bounded buffers. A full buffer
// drops the event; errors here are swallowed.
type Bus struct {
	in      chan Event
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

type subscription struct {
	ch    chan Event
	owner string
}

// NewBus starts the dispatcher. buffer bounds the inbound queue; values below
// 1 default to 256.
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 256
	}
	b := &Bus{
		in:     make(chan Event, buffer),
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event. It never blocks.
func (b *Bus) Publish(name string, payload any, ownerID string) {
	defer func() {
		// Publishing after Close sends on a closed channel.
		if r := recover(); r != nil {
			b.dropped.Add(1)
		}
	}()
	ev := Event{Name: name, OwnerID: ownerID, Payload: payload, Timestamp: time.Now().UTC()}
	select {
	case b.in <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event bus full, dropping events", "event", name, "dropped_total", n)
		}
	}
}

// Subscribe registers a listener. An empty ownerID receives every event.
// The returned cancel function must be called to release the subscription.
func (b *Bus) Subscribe(ownerID string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	s := &subscription{ch: make(chan Event, buffer), owner: ownerID}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Dropped returns how many events were discarded because a buffer was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops the dispatcher and closes every subscriber channel.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.in)
		<-b.done
	})
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for ev := range b.in {
		b.mu.RLock()
		for s := range b.subs {
			if s.owner != "" && ev.OwnerID != "" && s.owner != ev.OwnerID {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				b.dropped.Add(1)
			}
		}
		b.mu.RUnlock()
	}

	b.mu.Lock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}
