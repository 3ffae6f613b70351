package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventType is the closed set of frames carried over the real-time channel.
type EventType string

const (
	EventAuthenticate         EventType = "authenticate"
	EventAuthenticated        EventType = "authenticated"
	EventAuthError            EventType = "auth_error"
	EventLocationUpdate       EventType = "location_update"
	EventLocationAck          EventType = "location_ack"
	EventOperatorConnected    EventType = "operator_connected"
	EventOperatorDisconnected EventType = "operator_disconnected"
	EventViewerConnect        EventType = "viewer_connect"
	EventViewerConnected      EventType = "viewer_connected"
	EventVehicleArriving      EventType = "vehicle_arriving"
	EventPing                 EventType = "ping"
	EventPong                 EventType = "pong"
	EventError                EventType = "error"
	EventHeartbeat            EventType = "heartbeat"
)

var eventTypes = map[EventType]struct{}{
	EventAuthenticate: {}, EventAuthenticated: {}, EventAuthError: {},
	EventLocationUpdate: {}, EventLocationAck: {},
	EventOperatorConnected: {}, EventOperatorDisconnected: {},
	EventViewerConnect: {}, EventViewerConnected: {},
	EventVehicleArriving: {}, EventPing: {}, EventPong: {},
	EventError: {}, EventHeartbeat: {},
}

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Envelope is the single JSON frame exchanged on the channel.
type Envelope struct {
	Type    EventType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the unit the broker fans out to subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type Empty struct{}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type AuthResultPayload struct {
	OperatorID string `json:"operatorId,omitempty"`
	VehicleID  string `json:"vehicleId,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ErrMissingCoordinates is returned by LocationUpdatePayload.Sample when the
// payload omits latitude or longitude.
var ErrMissingCoordinates = errors.New("latitude and longitude are required")

// LocationUpdatePayload is what an operator sends; OperatorID is filled in by the server
// from the authenticated principal. Coordinates are pointers so an omitted
// field is told apart from 0.
type LocationUpdatePayload struct {
	VehicleID string    `json:"vehicleId"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
}

// Sample converts the payload into a PositionSample for operatorID.
func (p LocationUpdatePayload) Sample(operatorID string) (PositionSample, error) {
	if p.Latitude == nil || p.Longitude == nil {
		return PositionSample{}, ErrMissingCoordinates
	}
	return PositionSample{
		VehicleID:  p.VehicleID,
		OperatorID: operatorID,
		Latitude:   *p.Latitude,
		Longitude:  *p.Longitude,
		Timestamp:  p.Timestamp,
		Speed:      p.Speed,
		Heading:    p.Heading,
	}, nil
}

// Location builds an update for the given coordinates.
func Location(vehicleID string, lat, lng float64, ts time.Time) LocationUpdatePayload {
	return LocationUpdatePayload{VehicleID: vehicleID, Latitude: &lat, Longitude: &lng, Timestamp: ts}
}

type LocationAckPayload struct {
	VehicleID string    `json:"vehicleId"`
	Timestamp time.Time `json:"timestamp"`
}

type OperatorPresencePayload struct {
	OperatorID string    `json:"operatorId"`
	VehicleID  string    `json:"vehicleId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type VehicleArrivingPayload struct {
	VehicleID string    `json:"vehicleId"`
	RouteID   string    `json:"routeId"`
	Location  GeoPoint  `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HeartbeatPayload struct {
	Timestamp time.Time `json:"ts"`
}

// NewEnvelope encodes payload under type t.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, fmt.Errorf("unknown event type %q", t)
	}
	env := Envelope{Type: t}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = b
	}
	return env, nil
}

// DecodePayload returns the typed payload for env. Every event type maps to exactly one shape.
func DecodePayload(env Envelope) (any, error) {
	var out any
	switch env.Type {
	case EventAuthenticate:
		out = &AuthenticatePayload{}
	case EventAuthenticated, EventAuthError:
		out = &AuthResultPayload{}
	case EventLocationUpdate:
		// Operators send LocationUpdatePayload; the server broadcasts EnrichedSample.
		// EnrichedSample is a superset so it decodes both.
		out = &EnrichedSample{}
	case EventLocationAck:
		out = &LocationAckPayload{}
	case EventOperatorConnected, EventOperatorDisconnected:
		out = &OperatorPresencePayload{}
	case EventVehicleArriving:
		out = &VehicleArrivingPayload{}
	case EventError:
		out = &ErrorPayload{}
	case EventHeartbeat:
		out = &HeartbeatPayload{}
	case EventViewerConnect, EventViewerConnected, EventPing, EventPong:
		out = &Empty{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return out, nil
}
