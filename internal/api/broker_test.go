package api

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("fleet")
	other := b.Subscribe("elsewhere")

	evt := model.Event{Type: model.EventVehicleArriving, Data: model.VehicleArrivingPayload{VehicleID: "B1"}}
	b.Publish("fleet", evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type || got.Data.(model.VehicleArrivingPayload).VehicleID != "B1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-other:
		t.Fatalf("event leaked to another topic: %+v", got)
	default:
	}

	b.Unsubscribe("fleet", ch)
	b.Unsubscribe("fleet", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if b.Subscribers("fleet") != 0 || b.Subscribers("elsewhere") != 1 {
		t.Fatalf("subscribers = %d/%d", b.Subscribers("fleet"), b.Subscribers("elsewhere"))
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	slow := b.Subscribe("fleet")
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish("fleet", model.Event{Type: model.EventHeartbeat})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(slow) != subscriberBuffer {
		t.Fatalf("buffered = %d", len(slow))
	}
}

func TestBrokerLaggingSubscriberKeepsNewest(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("fleet")
	const n = subscriberBuffer + 5
	for i := 0; i < n; i++ {
		b.Publish("fleet", model.Event{Type: model.EventLocationUpdate, Data: i})
	}
	var got []int
	for len(ch) > 0 {
		got = append(got, (<-ch).Data.(int))
	}
	if len(got) != subscriberBuffer {
		t.Fatalf("delivered %d events", len(got))
	}
	if got[0] != n-subscriberBuffer || got[len(got)-1] != n-1 {
		t.Fatalf("first = %d last = %d", got[0], got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestOfferLatest(t *testing.T) {
	ch := make(chan int, 2)
	if offerLatest(ch, 1) || offerLatest(ch, 2) {
		t.Fatal("dropped with room to spare")
	}
	if !offerLatest(ch, 3) {
		t.Fatal("full channel should drop")
	}
	if a, b := <-ch, <-ch; a != 2 || b != 3 {
		t.Fatalf("got %d %d", a, b)
	}
}

func TestRedisBrokerDeliversLocallyWhenRedisDown(t *testing.T) {
	metrics.RegisterDefault()
	b, err := NewRedisBroker("redis://127.0.0.1:1/0", "test:")
	if err != nil {
		t.Fatalf("NewRedisBroker: %v", err)
	}
	defer b.Close()

	before := testutil.ToFloat64(metrics.BrokerPublishErrors)
	ch := b.Subscribe("fleet")
	b.Publish("fleet", model.Event{Type: model.EventOperatorConnected, Data: model.OperatorPresencePayload{OperatorID: "op1"}})
	select {
	case got := <-ch:
		if got.Type != model.EventOperatorConnected {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("local subscriber missed the event")
	}
	if testutil.ToFloat64(metrics.BrokerPublishErrors) <= before {
		t.Fatal("publish failure not counted")
	}
	b.Unsubscribe("fleet", ch)
}

func TestRedisBrokerBadURL(t *testing.T) {
	if _, err := NewRedisBroker("not a url", "x:"); err == nil {
		t.Fatal("expected parse error")
	}
}
