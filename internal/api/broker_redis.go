package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"

	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
)

// RedisBroker fans events out across server instances over Redis pub/sub.
// Events always reach this instance's subscribers directly; Redis carries
// them to the other instances, and messages this instance published are
// skipped on receipt.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	origin string
	local  *Broker
	cb     *gobreaker.CircuitBreaker[any]

	mu     sync.Mutex
	topics map[string]*redisTopic
}

type redisTopic struct {
	ps   *redis.PubSub
	refs int
	done chan struct{}
}

type redisMessage struct {
	Origin  string          `json:"origin"`
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewRedisBroker(url, prefix string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisBroker(redis.NewClient(opt), prefix), nil
}

func newRedisBroker(rdb *redis.Client, prefix string) *RedisBroker {
	log := logging.WithComponent("redis_broker")
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &RedisBroker{
		rdb:    rdb,
		prefix: prefix,
		origin: uuid.NewString(),
		local:  NewBroker(),
		cb:     cb,
		topics: map[string]*redisTopic{},
	}
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) channel(topic string) string { return b.prefix + topic }

func (b *RedisBroker) Subscribe(topic string) chan model.Event {
	ch := b.local.Subscribe(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		t.refs++
		return ch
	}
	ps := b.rdb.Subscribe(context.Background(), b.channel(topic))
	t := &redisTopic{ps: ps, refs: 1, done: make(chan struct{})}
	b.topics[topic] = t
	go b.relay(topic, t)
	return ch
}

// relay delivers messages from other instances to local subscribers until
// the topic's subscription is closed.
func (b *RedisBroker) relay(topic string, t *redisTopic) {
	defer close(t.done)
	for msg := range t.ps.Channel() {
		var m redisMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			logging.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed broker message")
			continue
		}
		if m.Origin == b.origin {
			continue
		}
		data, err := model.DecodePayload(model.Envelope{Type: m.Type, Payload: m.Payload})
		if err != nil {
			logging.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding undecodable broker message")
			continue
		}
		b.local.Publish(topic, model.Event{Type: m.Type, Data: data})
	}
}

func (b *RedisBroker) Unsubscribe(topic string, ch chan model.Event) {
	b.local.Unsubscribe(topic, ch)
	b.mu.Lock()
	t, ok := b.topics[topic]
	if ok {
		t.refs--
		if t.refs <= 0 {
			delete(b.topics, topic)
		} else {
			ok = false
		}
	}
	b.mu.Unlock()
	if ok {
		_ = t.ps.Close()
		<-t.done
	}
}

func (b *RedisBroker) Publish(topic string, evt model.Event) {
	b.local.Publish(topic, evt)

	payload, err := json.Marshal(evt.Data)
	if err != nil {
		logging.Error().Err(err).Str("type", string(evt.Type)).Msg("encode broker event")
		return
	}
	data, err := json.Marshal(redisMessage{Origin: b.origin, Type: evt.Type, Payload: payload})
	if err != nil {
		logging.Error().Err(err).Str("type", string(evt.Type)).Msg("encode broker message")
		return
	}
	_, err = b.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return nil, b.rdb.Publish(ctx, b.channel(topic), data).Err()
	})
	if err != nil {
		metrics.BrokerPublishErrors.Inc()
		logging.Warn().Err(err).Str("topic", topic).Msg("redis publish failed, delivered locally only")
	}
}
