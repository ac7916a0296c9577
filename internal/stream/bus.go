package stream

import (
	"sync"

	"github.com/adamryczkowski/updateall/internal/logging"
)

// DefaultCapacity is the recommended per-consumer buffer size from the
// streaming channel design (spec.md 4.2).
const DefaultCapacity = 1024

// slowConsumerThreshold is how many consecutive drops for a consumer before
// the bus emits a diagnostic Error event instead of silently discarding
// further Output lines.
const slowConsumerThreshold = 64

// Bus is a single-producer, multi-consumer fan-out of Events for one
// plugin's execution. Consumers each get their own bounded channel so a
// slow consumer's Output backlog does not hold up the others. Modeled on the webui's
// map[*conn]chan interface{} fan-out, generalized from websocket.Conn
// clients to arbitrary named sinks.
type Bus struct {
	mu        sync.RWMutex
	consumers map[string]*consumer
	capacity  int
	log       *logging.Logger
	closed    bool
}

type consumer struct {
	ch      chan Event
	dropped int
	warned  bool
}

// NewBus creates a Bus with the given per-consumer capacity (DefaultCapacity
// if zero or negative).
func NewBus(capacity int, log *logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		consumers: make(map[string]*consumer),
		capacity:  capacity,
		log:       log.WithComponent("stream.bus"),
	}
}

// Subscribe registers a new consumer and returns its receive-only channel.
// The channel is closed once the Completion event has been delivered to it.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &consumer{ch: make(chan Event, b.capacity)}
	b.consumers[name] = c
	return c.ch
}

// Unsubscribe removes and closes a consumer's channel without waiting for a
// Completion event; used when a sink detaches early (e.g. cancellation).
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[name]; ok {
		close(c.ch)
		delete(b.consumers, name)
	}
}

// Publish delivers ev to every consumer, applying the priority drop policy:
// Output is dropped first when a consumer's buffer is full; Progress,
// PhaseStart, PhaseEnd, Error, and Completion are never dropped — Publish
// blocks on those until the consumer drains (bounded by the consumer
// eventually being read, which is the producer's only non-child-I/O
// suspension point per spec.md 5).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	protected := ev.Kind() != KindOutput
	for name, c := range b.consumers {
		b.deliver(name, c, ev, protected)
	}
}

func (b *Bus) deliver(name string, c *consumer, ev Event, mustDeliver bool) {
	if mustDeliver {
		c.ch <- ev
		c.dropped = 0
		c.warned = false
		return
	}
	select {
	case c.ch <- ev:
		c.dropped = 0
		c.warned = false
	default:
		c.dropped++
		if c.dropped >= slowConsumerThreshold && !c.warned {
			c.warned = true
			b.log.Warn("slow consumer dropping output events", map[string]interface{}{
				"consumer": name,
				"dropped":  c.dropped,
			})
			// Error is protected, so force it through even though Output
			// is being shed for this consumer.
			c.ch <- Error{base: base{Timestamp: ev.At()}, Message: "slow-consumer"}
		}
	}
}

// Close delivers nothing further and closes every consumer channel. Called
// once the Completion event has already been published to all consumers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, c := range b.consumers {
		close(c.ch)
		delete(b.consumers, name)
	}
}
