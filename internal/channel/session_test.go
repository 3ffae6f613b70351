package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"fleettrack/internal/logging"
	"fleettrack/internal/model"
)

func init() {
	logging.Init(logging.Config{Output: io.Discard})
}

// fakeServer speaks just enough of the channel protocol to drive a Session.
type fakeServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	dials      int
	conns      []*websocket.Conn
	handshakes []model.EventType

	refuse   atomic.Bool
	silentOn int // connection number whose pings go unanswered
	onViewer func(conn *websocket.Conn)
}

func newFakeServer(t *testing.T, opts ...func(*fakeServer)) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	for _, o := range opts {
		o(f)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) endpoint() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	if f.refuse.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	n := len(f.conns)
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		switch env.Type {
		case model.EventAuthenticate:
			f.record(env.Type)
			var p model.AuthenticatePayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Token == "bad" {
				write(conn, env.ID, model.EventAuthError, model.AuthResultPayload{Message: "invalid token"})
			} else {
				write(conn, env.ID, model.EventAuthenticated, model.AuthResultPayload{OperatorID: "op1", VehicleID: "B1"})
			}
		case model.EventViewerConnect:
			f.record(env.Type)
			write(conn, env.ID, model.EventViewerConnected, model.Empty{})
			if f.onViewer != nil {
				f.onViewer(conn)
			}
		case model.EventLocationUpdate:
			var p model.LocationUpdatePayload
			_ = json.Unmarshal(env.Payload, &p)
			write(conn, env.ID, model.EventLocationAck, model.LocationAckPayload{VehicleID: p.VehicleID, Timestamp: p.Timestamp})
		case model.EventPing:
			if n != f.silentOn {
				write(conn, env.ID, model.EventPong, model.Empty{})
			}
		}
	}
}

func write(conn *websocket.Conn, id string, t model.EventType, payload any) {
	env, _ := model.NewEnvelope(t, payload)
	env.ID = id
	b, _ := json.Marshal(env)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func (f *fakeServer) record(t model.EventType) {
	f.mu.Lock()
	f.handshakes = append(f.handshakes, t)
	f.mu.Unlock()
}

func (f *fakeServer) counts() (dials, conns, handshakes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, len(f.conns), len(f.handshakes)
}

// dropAll closes every server-side connection, simulating transport loss.
func (f *fakeServer) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stateLog collects transitions delivered through OnStateChange.
type stateLog struct {
	mu  sync.Mutex
	log []State
}

func (l *stateLog) add(_, to State) {
	l.mu.Lock()
	l.log = append(l.log, to)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.log...)
}

func (l *stateLog) count(s State) int {
	n := 0
	for _, v := range l.snapshot() {
		if v == s {
			n++
		}
	}
	return n
}

func fastConfig(f *fakeServer, role Role) Config {
	return Config{
		Endpoint:    f.endpoint(),
		Role:        role,
		Token:       "op1:B1",
		VehicleID:   "B1",
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		MaxAttempts: 3,
		AuthTimeout: 2 * time.Second,
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := BackoffDelay(cfg, i+1); got != w*time.Second {
			t.Errorf("attempt %d: got %v want %v", i+1, got, w*time.Second)
		}
	}
	if got := BackoffDelay(cfg, 0); got != time.Second {
		t.Errorf("attempt 0: got %v", got)
	}
}

func TestStateTransitions(t *testing.T) {
	s := New(Config{Endpoint: "ws://unused"})
	defer s.Stop()

	s.mu.Lock()
	err := s.setState(StateReconnecting)
	s.mu.Unlock()
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("disconnected -> reconnecting: %v", err)
	}
	s.mu.Lock()
	err = s.setState(StateConnecting)
	s.mu.Unlock()
	if err != nil {
		t.Fatalf("disconnected -> connecting: %v", err)
	}
	if StateReconnecting.String() != "reconnecting" {
		t.Fatalf("String() = %q", StateReconnecting)
	}
}

func TestSendWhenNotConnected(t *testing.T) {
	s := New(Config{Endpoint: "ws://unused", Role: RoleOperator})
	defer s.Stop()
	if err := s.Send(model.EventPing, model.Empty{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send: %v", err)
	}
	if err := s.SendLocation(model.LocationUpdatePayload{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendLocation: %v", err)
	}
	if err := s.WaitAuthenticated(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("WaitAuthenticated: %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	f := newFakeServer(t)
	f.refuse.Store(true)
	s, err := Connect(context.Background(), fastConfig(f, RoleViewer))
	if err == nil || s != nil {
		t.Fatalf("Connect to a refusing server: s=%v err=%v", s, err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestOperatorAuthAndSend(t *testing.T) {
	f := newFakeServer(t)
	s, err := Connect(context.Background(), fastConfig(f, RoleOperator))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	acks := make(chan *model.LocationAckPayload, 1)
	s.On(model.EventLocationAck, func(e model.Event) {
		acks <- e.Data.(*model.LocationAckPayload)
	})

	if err := s.WaitAuthenticated(context.Background()); err != nil {
		t.Fatalf("WaitAuthenticated: %v", err)
	}
	info := s.Snapshot()
	if !info.Authenticated || info.State != StateConnected || info.Role != RoleOperator {
		t.Fatalf("snapshot = %+v", info)
	}

	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	if err := s.SendLocation(model.Location("", 23, 72.5, ts)); err != nil {
		t.Fatalf("SendLocation: %v", err)
	}
	select {
	case ack := <-acks:
		if ack.VehicleID != "B1" || !ack.Timestamp.Equal(ts) {
			t.Fatalf("ack = %+v", ack)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no ack")
	}
}

func TestAuthFailureKeepsTransportOpen(t *testing.T) {
	f := newFakeServer(t)
	cfg := fastConfig(f, RoleOperator)
	cfg.Token = "bad"
	s, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	err = s.WaitAuthenticated(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) || !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("WaitAuthenticated: %v", err)
	}
	if s.State() != StateConnected || s.Authenticated() {
		t.Fatalf("state=%s authenticated=%v", s.State(), s.Authenticated())
	}
	err = s.SendLocation(model.Location("", 1, 1, time.Now()))
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("SendLocation: %v", err)
	}
	if err := s.Send(model.EventPing, model.Empty{}); err != nil {
		t.Fatalf("transport should stay usable: %v", err)
	}
}

func TestReconnectReissuesHandshake(t *testing.T) {
	f := newFakeServer(t)
	s := New(fastConfig(f, RoleOperator))
	states := &stateLog{}
	s.OnStateChange(states.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.WaitAuthenticated(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.dropAll()
	waitFor(t, "second handshake", func() bool {
		_, _, hs := f.counts()
		return hs == 2 && s.State() == StateConnected && s.Authenticated()
	})
	waitFor(t, "state notifications", func() bool { return len(states.snapshot()) == 4 })
	want := []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}
	for i, st := range states.snapshot() {
		if st != want[i] {
			t.Fatalf("transitions = %v", states.snapshot())
		}
	}
	if s.Snapshot().ReconnectAttempt != 0 {
		t.Fatalf("attempt not reset: %+v", s.Snapshot())
	}
}

func TestUnrecoverableAfterMaxAttempts(t *testing.T) {
	f := newFakeServer(t)
	s, err := Connect(context.Background(), fastConfig(f, RoleViewer))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WaitAuthenticated(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.refuse.Store(true)
	f.dropAll()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session never gave up")
	}
	if !errors.Is(s.Err(), ErrConnectionUnrecoverable) {
		t.Fatalf("Err() = %v", s.Err())
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}
	if dials, _, _ := f.counts(); dials != 4 {
		t.Fatalf("dials = %d, want 1 + 3 attempts", dials)
	}
	if err := s.Send(model.EventPing, model.Empty{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after give-up: %v", err)
	}
}

func TestMissedHeartbeatsForceReconnect(t *testing.T) {
	f := newFakeServer(t, func(f *fakeServer) { f.silentOn = 1 })
	cfg := fastConfig(f, RoleViewer)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	s := New(cfg)
	states := &stateLog{}
	s.OnStateChange(states.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "reconnect after silent pings", func() bool {
		_, conns, _ := f.counts()
		return conns == 2 && s.State() == StateConnected
	})
	waitFor(t, "reconnecting notification", func() bool { return states.count(StateReconnecting) == 1 })

	// the second connection answers, so the session settles
	time.Sleep(150 * time.Millisecond)
	if _, conns, _ := f.counts(); conns != 2 {
		t.Fatalf("conns = %d", conns)
	}
	if s.Snapshot().LastHeartbeatAt.IsZero() {
		t.Fatal("no heartbeat recorded")
	}
}

func TestReconnectIsNotReentrant(t *testing.T) {
	f := newFakeServer(t)
	cfg := fastConfig(f, RoleViewer)
	cfg.BaseDelay = 50 * time.Millisecond
	s := New(cfg)
	states := &stateLog{}
	s.OnStateChange(states.add)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	s.Reconnect()
	if s.State() != StateReconnecting {
		t.Fatalf("state = %s", s.State())
	}
	s.Reconnect()
	s.Reconnect()

	waitFor(t, "reconnected", func() bool { return s.State() == StateConnected })
	time.Sleep(100 * time.Millisecond)
	if _, conns, _ := f.counts(); conns != 2 {
		t.Fatalf("conns = %d, want 2", conns)
	}
	if n := states.count(StateReconnecting); n != 1 {
		t.Fatalf("reconnecting transitions = %d", n)
	}
}

func TestHandlersOrderedPerType(t *testing.T) {
	const n = 50
	f := newFakeServer(t, func(f *fakeServer) {
		f.onViewer = func(conn *websocket.Conn) {
			write(conn, "", model.EventOperatorConnected, model.OperatorPresencePayload{OperatorID: "op1"})
			for i := 0; i < n; i++ {
				write(conn, "", model.EventLocationUpdate, model.EnrichedSample{
					PositionSample: model.PositionSample{VehicleID: "B1", Latitude: float64(i), Timestamp: time.Now()},
				})
			}
		}
	})
	s := New(fastConfig(f, RoleViewer))
	defer s.Stop()

	release := make(chan struct{})
	defer close(release)
	s.On(model.EventOperatorConnected, func(model.Event) { <-release })

	var mu sync.Mutex
	var got []float64
	s.On(model.EventLocationUpdate, func(e model.Event) {
		mu.Lock()
		got = append(got, e.Data.(*model.EnrichedSample).Latitude)
		mu.Unlock()
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a blocked presence handler must not hold up location handlers
	waitFor(t, "all location events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != float64(i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestStopDisconnects(t *testing.T) {
	f := newFakeServer(t)
	s := New(fastConfig(f, RoleViewer))
	states := &stateLog{}
	s.OnStateChange(states.add)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not disconnect")
	}
	s.Disconnect()
	if s.Err() != nil || s.State() != StateDisconnected {
		t.Fatalf("err=%v state=%s", s.Err(), s.State())
	}
	waitFor(t, "disconnected notification", func() bool { return states.count(StateDisconnected) == 1 })
}
