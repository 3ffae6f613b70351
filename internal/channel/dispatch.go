package channel

import (
	"sync"

	"github.com/rs/zerolog"

	"fleettrack/internal/model"
)

// Handler receives one decoded event. Data holds the pointer type returned
// by model.DecodePayload.
type Handler func(model.Event)

// queue is an unbounded FIFO drained by a single goroutine, so items pushed
// from one producer are consumed in order without blocking the producer.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// run hands items to fn until done closes, then drains what is left.
func (q *queue[T]) run(done <-chan struct{}, fn func(T)) {
	for {
		select {
		case <-q.wake:
		case <-done:
			for v, ok := q.pop(); ok; v, ok = q.pop() {
				fn(v)
			}
			return
		}
		for v, ok := q.pop(); ok; v, ok = q.pop() {
			fn(v)
		}
	}
}

// dispatcher fans events out to registered handlers with one ordered queue
// per event type. Handlers for different types run independently.
type dispatcher struct {
	log  zerolog.Logger
	done <-chan struct{}

	mu       sync.Mutex
	handlers map[model.EventType][]Handler
	queues   map[model.EventType]*queue[model.Event]
}

func newDispatcher(log zerolog.Logger, done <-chan struct{}) *dispatcher {
	return &dispatcher{
		log:      log,
		done:     done,
		handlers: map[model.EventType][]Handler{},
		queues:   map[model.EventType]*queue[model.Event]{},
	}
}

func (d *dispatcher) on(t model.EventType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], h)
	d.mu.Unlock()
}

// dispatch queues evt for its type. Events with no handler are dropped.
func (d *dispatcher) dispatch(evt model.Event) {
	d.mu.Lock()
	if len(d.handlers[evt.Type]) == 0 {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[evt.Type]
	if !ok {
		q = newQueue[model.Event]()
		d.queues[evt.Type] = q
		go q.run(d.done, d.deliver)
	}
	d.mu.Unlock()
	q.push(evt)
}

func (d *dispatcher) deliver(evt model.Event) {
	d.mu.Lock()
	hs := append([]Handler(nil), d.handlers[evt.Type]...)
	d.mu.Unlock()
	for _, h := range hs {
		d.call(h, evt)
	}
}

func (d *dispatcher) call(h Handler, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event", string(evt.Type)).Msg("event handler panicked")
		}
	}()
	h(evt)
}
