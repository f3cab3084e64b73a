package events

import (
	"sync"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

// Event is a flat map carrying at least "type" and "timestamp".
type Event = map[string]any

// New builds an event with the type and timestamp already set.
func New(eventType string, fields map[string]any) Event {
	evt := Event{
		"type":      eventType,
		"timestamp": schema.UTCNow(),
	}
	for k, v := range fields {
		evt[k] = v
	}
	return evt
}

const DefaultQueueSize = 200

// Bus fans events out to independent bounded subscriber queues. Publishing
// never blocks: a full queue loses its oldest event to make room. Slow
// consumers fall behind, the publisher never does.
type Bus struct {
	mu          sync.Mutex
	queueSize   int
	subscribers map[chan Event]struct{}
}

func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize:   queueSize,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe registers and returns a new bounded queue.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.queueSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a queue; calling it twice is safe.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber. Per-subscriber FIFO order
// is preserved because delivery happens under the bus lock; there is no
// ordering guarantee across subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		for {
			select {
			case ch <- evt:
			default:
				// Queue full: drop the oldest entry and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
