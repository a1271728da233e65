// Package bus provides the in-process event bus used by triggers, the task
// store, and API observers.
//
// Delivery is per-subscriber ordered and best-effort: a subscriber that
// cannot keep up has events dropped rather than blocking publishers.
package bus

import (
	"sync"
	"time"

	"ember/internal/logging"
)

// Event is one published message on a topic.
type Event struct {
	Topic     string
	ID        string
	Payload   any
	Timestamp time.Time
}

// Filter decides whether a subscriber receives an event. A nil filter
// accepts everything.
type Filter func(Event) bool

// Subscription is a live feed of matching events. Close it when done.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	cancel func()
	once   sync.Once
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	nextID int
	logger logging.Logger
	closed bool
}

type subscriber struct {
	id     int
	filter Filter

	// mu serializes sends against shutdown so a publish that snapshotted
	// this subscriber before an unsubscribe never hits a closed channel.
	mu     sync.Mutex
	closed bool
	ch     chan Event
}

// send delivers the event without blocking. The false return means the
// buffer was full and the event was dropped.
func (s *subscriber) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// shutdown marks the subscriber dead and closes its channel. Idempotent.
func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// New creates an event bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*subscriber),
		logger: logging.OrNop(logger),
	}
}

// Publish delivers the event to every subscriber of its topic whose filter
// accepts it. Publish never blocks; full subscriber buffers drop the event.
func (b *Bus) Publish(topic string, payload any) {
	b.PublishEvent(Event{Topic: topic, Payload: payload, Timestamp: time.Now()})
}

// PublishEvent delivers a fully formed event.
func (b *Bus) PublishEvent(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		if !sub.send(event) {
			b.logger.Warn("bus: dropping event on topic %q, subscriber %d full", event.Topic, sub.id)
		}
	}
}

// Subscribe returns a subscription for the topic. The filter may be nil.
func (b *Bus) Subscribe(topic string, filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:     b.nextID,
		filter: filter,
		ch:     make(chan Event, 64),
	}
	if !b.closed {
		b.subs[topic] = append(b.subs[topic], sub)
	}

	return &Subscription{
		C:  sub.ch,
		ch: sub.ch,
		cancel: func() {
			b.unsubscribe(topic, sub.id)
			sub.shutdown()
		},
	}
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close detaches and shuts down all subscribers. Events published afterwards
// go nowhere.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, topicSubs := range subs {
		for _, sub := range topicSubs {
			sub.shutdown()
		}
	}
}
