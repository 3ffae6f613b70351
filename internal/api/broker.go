package api

import (
	"sync"

	"fleettrack/internal/logging"
	"fleettrack/internal/model"
)

// EventBroker fans events out to per-topic subscribers. Publish never blocks:
// a subscriber whose buffer is full loses its oldest queued event so the
// newest one is always delivered.
type EventBroker interface {
	Subscribe(topic string) chan model.Event
	Unsubscribe(topic string, ch chan model.Event)
	Publish(topic string, evt model.Event)
}

const subscriberBuffer = 64

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.Event]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.Event]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Calling it twice for the same channel
// is a no-op.
func (b *Broker) Unsubscribe(topic string, ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

func (b *Broker) Publish(topic string, evt model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		if offerLatest(ch, evt) {
			logging.Debug().Str("topic", topic).Str("type", string(evt.Type)).Msg("subscriber buffer full, oldest event dropped")
		}
	}
}

// offerLatest queues v on ch without blocking, discarding the oldest queued
// values until it fits. It reports whether anything was discarded.
func offerLatest[T any](ch chan T, v T) (dropped bool) {
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

// Subscribers reports the number of subscribers on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
