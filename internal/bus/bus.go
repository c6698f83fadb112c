// Package bus is the in-process event bus that connects task state
// transitions (published by internal/manager) to every consumer that
// needs to observe them; the IPC signal stream is the one consumer in
// this module. It never crosses a process boundary — internal/ipc is the
// thing that re-publishes these events onto the wire.
package bus

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// EventKind identifies the shape of an Event's Payload.
type EventKind string

const (
	// KindTaskStateChanged fires on every Task state transition. Payload is task.Snapshot.
	KindTaskStateChanged EventKind = "TaskStateChanged"
)

// Event is the envelope published on the Bus.
type Event struct {
	Kind    EventKind
	Payload any
}

// Bus is the observable event bus. TaskManager is the sole publisher;
// the IPC signal stream (one Subscribe channel per client session) is
// the consumer.
// Multiple consumers can each register their own tap via NewTap.
type Bus struct {
	log         hclog.Logger
	mu          sync.RWMutex
	subscribers map[EventKind][]chan Event
	taps        []chan Event
}

// New creates a new Bus. log may be nil, in which case a no-op logger is used.
func New(log hclog.Logger) *Bus {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Bus{
		log:         log.Named("bus"),
		subscribers: make(map[EventKind][]chan Event),
	}
}

// Publish fans out evt to all subscribers of evt.Kind and to every tap.
// Non-blocking: if a consumer's channel is full, the event is dropped
// with a warning rather than stalling the publisher (a task's execution
// goroutine or a caller of TaskManager; TaskManager never holds its own
// lock while publishing).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Kind]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			b.log.Warn("subscriber channel full, dropping event", "kind", evt.Kind)
		}
	}
	for _, tap := range taps {
		select {
		case tap <- evt:
		default:
			b.log.Warn("tap channel full, dropping event", "kind", evt.Kind)
		}
	}
}

// Subscribe returns a receive-only channel that delivers events of kind k.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(k EventKind) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event regardless of kind.
func (b *Bus) NewTap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
