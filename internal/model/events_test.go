package model

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestEventTypeValid(t *testing.T) {
	if !EventLocationUpdate.Valid() || !EventPong.Valid() {
		t.Fatal("known event types must be valid")
	}
	if EventType("subscribe").Valid() {
		t.Fatal("unknown event type reported valid")
	}
	if _, err := NewEnvelope("subscribe", nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDecodePayloadTyped(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(EventVehicleArriving, VehicleArrivingPayload{VehicleID: "B1", RouteID: "R1", Location: GeoPoint{Lat: 23, Lng: 72.5}, Timestamp: ts})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	v, err := DecodePayload(env)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	p, ok := v.(*VehicleArrivingPayload)
	if !ok {
		t.Fatalf("got %T, want *VehicleArrivingPayload", v)
	}
	if p.VehicleID != "B1" || p.RouteID != "R1" || !p.Timestamp.Equal(ts) {
		t.Fatalf("bad payload: %+v", p)
	}
}

func TestDecodePayloadEmptyAndUnknown(t *testing.T) {
	v, err := DecodePayload(Envelope{Type: EventPing})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, ok := v.(*Empty); !ok {
		t.Fatalf("ping decoded to %T", v)
	}
	if _, err := DecodePayload(Envelope{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := DecodePayload(Envelope{Type: EventError, Payload: []byte(`{"code":`)}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestLocationUpdateSample(t *testing.T) {
	p := Location("V1", 1, 2, time.Unix(10, 0))
	p.Heading = Float64(90)
	s, err := p.Sample("op1")
	if err != nil {
		t.Fatal(err)
	}
	if s.OperatorID != "op1" || s.VehicleID != "V1" || *s.Heading != 90 {
		t.Fatalf("bad sample: %+v", s)
	}
	if s.Point() != (GeoPoint{Lat: 1, Lng: 2}) {
		t.Fatalf("bad point: %+v", s.Point())
	}
}

func TestLocationUpdateRequiresCoordinates(t *testing.T) {
	var p LocationUpdatePayload
	if err := json.Unmarshal([]byte(`{"vehicleId":"B1","latitude":0,"timestamp":"2024-06-01T08:00:00Z"}`), &p); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Sample("op1"); !errors.Is(err, ErrMissingCoordinates) {
		t.Fatalf("missing longitude: err = %v", err)
	}
	p.Longitude = Float64(0)
	s, err := p.Sample("op1")
	if err != nil {
		t.Fatalf("explicit zero coordinates: %v", err)
	}
	if s.Point() != (GeoPoint{}) {
		t.Fatalf("point = %+v", s.Point())
	}
}
