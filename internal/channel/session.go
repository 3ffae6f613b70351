// Package channel is the client side of the real-time channel. A Session
// owns one logical connection for an operator or a viewer: it dials,
// performs the role handshake, keeps a heartbeat, reconnects with
// exponential backoff and dispatches typed events to registered handlers.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

const writeWait = 10 * time.Second

// Config for a Session. Zero durations and counts take the defaults from
// DefaultConfig.
type Config struct {
	Endpoint  string
	Role      Role
	Token     string
	VehicleID string

	BaseDelay           time.Duration
	MaxDelay            time.Duration
	MaxAttempts         int
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	ConnectTimeout      time.Duration
	AuthTimeout         time.Duration
	SendBuffer          int

	Dialer *websocket.Dialer
	Header http.Header
}

func DefaultConfig() Config {
	return Config{
		Role:                RoleViewer,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		MaxAttempts:         5,
		HeartbeatInterval:   30 * time.Second,
		MaxMissedHeartbeats: 3,
		ConnectTimeout:      10 * time.Second,
		AuthTimeout:         10 * time.Second,
		SendBuffer:          64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Info is a point-in-time view of a session.
type Info struct {
	Role             Role      `json:"role"`
	State            State     `json:"state"`
	ReconnectAttempt int       `json:"reconnectAttempt"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeatAt"`
	Authenticated    bool      `json:"authenticated"`
}

type stateChange struct{ from, to State }

// link is one transport connection. A reconnect replaces it wholesale.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// handshake result, guarded by Session.mu
	ack    chan struct{}
	acked  bool
	ackErr error
}

func (l *link) close(graceful bool) {
	l.once.Do(func() {
		close(l.done)
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = l.conn.Close()
	})
}

type Session struct {
	cfg  Config
	log  zerolog.Logger
	done chan struct{}

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	started       bool
	state         State
	link          *link
	attempt       int
	reconnecting  bool
	missed        int
	awaitingPong  bool
	lastHeartbeat time.Time
	authenticated bool
	err           error
	finishOnce    sync.Once

	events  *dispatcher
	changes *queue[stateChange]
	fnMu    sync.RWMutex
	stateFn []func(from, to State)
}

// New builds a disconnected session. Call Start to dial.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		log:     logging.WithComponent("channel").With().Str("role", string(cfg.Role)).Logger(),
		done:    make(chan struct{}),
		state:   StateDisconnected,
		changes: newQueue[stateChange](),
	}
	s.events = newDispatcher(s.log, s.done)
	go s.changes.run(s.done, s.notify)
	return s
}

// Connect builds a session and starts it.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	s := New(cfg)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start dials the endpoint and begins the handshake. A session can be
// started once; cancelling ctx disconnects it. A failed initial dial is not
// retried and leaves the session finished with the returned error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("channel: session already started")
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrNotConnected
	default:
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.setState(StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	ctx = s.ctx
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		err = fmt.Errorf("channel: connect %s: %w", s.cfg.Endpoint, err)
		s.finish(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	s.install(conn)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.finish(nil)
		case <-s.done:
		}
	}()
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.Endpoint, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// install makes conn the current link and queues the role handshake.
// Caller holds s.mu.
func (s *Session) install(conn *websocket.Conn) {
	l := &link{
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
		ack:  make(chan struct{}),
	}
	s.link = l
	s.attempt = 0
	s.reconnecting = false
	s.missed = 0
	s.awaitingPong = false
	s.authenticated = false
	s.lastHeartbeat = time.Now()
	if err := s.setState(StateConnected); err != nil {
		s.log.Error().Err(err).Msg("install")
	}

	go s.readLoop(l)
	go s.writeLoop(l)
	go s.heartbeatLoop(l)

	var env model.Envelope
	var err error
	if s.cfg.Role == RoleOperator {
		env, err = model.NewEnvelope(model.EventAuthenticate, model.AuthenticatePayload{Token: s.cfg.Token})
	} else {
		env, err = model.NewEnvelope(model.EventViewerConnect, model.Empty{})
	}
	if err == nil {
		err = s.enqueue(l, env)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("queue handshake")
	}
	s.log.Info().Str("endpoint", s.cfg.Endpoint).Msg("channel connected")
}

// teardown drops the current link. Caller holds s.mu.
func (s *Session) teardown(graceful bool) {
	l := s.link
	if l == nil {
		return
	}
	s.link = nil
	s.authenticated = false
	s.resolve(l, ErrNotConnected)
	l.close(graceful)
}

// resolve settles the handshake on l once. Caller holds s.mu.
func (s *Session) resolve(l *link, err error) {
	if l.acked {
		return
	}
	l.acked = true
	l.ackErr = err
	close(l.ack)
}

// setState moves along the lifecycle and queues a change notification.
// Caller holds s.mu.
func (s *Session) setState(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.changes.push(stateChange{from: from, to: to})
	return nil
}

func (s *Session) notify(c stateChange) {
	s.fnMu.RLock()
	fns := append(([]func(State, State))(nil), s.stateFn...)
	s.fnMu.RUnlock()
	for _, fn := range fns {
		fn(c.from, c.to)
	}
}

// lost reports that l failed. Only the current, connected link triggers a
// reconnect; late reports from replaced links are ignored.
func (s *Session) lost(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l || s.state != StateConnected {
		return
	}
	s.log.Warn().Msg("channel transport lost")
	s.teardown(false)
	if err := s.setState(StateReconnecting); err != nil {
		s.log.Error().Err(err).Msg("lost")
		return
	}
	s.startReconnect()
}

// Reconnect drops the current transport and reconnects. It is a no-op
// while a reconnect is already running or the session is not connected.
func (s *Session) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting || s.state != StateConnected {
		return
	}
	s.teardown(true)
	if err := s.setState(StateReconnecting); err != nil {
		return
	}
	s.startReconnect()
}

// startReconnect runs at most one reconnect loop. Caller holds s.mu.
func (s *Session) startReconnect() {
	if s.reconnecting {
		return
	}
	s.reconnecting = true
	go s.reconnectLoop(s.ctx)
}

func (s *Session) reconnectLoop(ctx context.Context) {
	role := string(s.cfg.Role)
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()

		delay := BackoffDelay(s.cfg, attempt)
		s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			metrics.SessionReconnects.WithLabelValues(role, "failure").Inc()
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		s.mu.Lock()
		if ctx.Err() != nil || s.state != StateReconnecting {
			s.reconnecting = false
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		metrics.SessionReconnects.WithLabelValues(role, "success").Inc()
		s.install(conn)
		s.mu.Unlock()
		return
	}
	s.log.Error().Int("attempts", s.cfg.MaxAttempts).Msg("giving up on channel")
	s.finish(fmt.Errorf("%w after %d attempts", ErrConnectionUnrecoverable, s.cfg.MaxAttempts))
}

func (s *Session) readLoop(l *link) {
	defer s.lost(l)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
			default:
				s.log.Debug().Err(err).Msg("channel read")
			}
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Warn().Err(err).Msg("malformed frame")
			continue
		}
		payload, err := model.DecodePayload(env)
		if err != nil {
			s.log.Warn().Err(err).Str("type", string(env.Type)).Msg("undecodable frame")
			continue
		}
		s.receive(l, env.Type, payload)
	}
}

// receive applies session-level frames before handing the event to handlers.
func (s *Session) receive(l *link, t model.EventType, payload any) {
	s.mu.Lock()
	if s.link == l {
		switch t {
		case model.EventAuthenticated:
			s.authenticated = true
			s.resolve(l, nil)
		case model.EventViewerConnected:
			s.resolve(l, nil)
		case model.EventAuthError:
			s.authenticated = false
			msg := "rejected"
			if p, ok := payload.(*model.AuthResultPayload); ok && p.Message != "" {
				msg = p.Message
			}
			s.log.Warn().Str("reason", msg).Msg("authentication failed")
			s.resolve(l, fmt.Errorf("%w: %s", ErrAuthenticationFailed, msg))
		case model.EventPong:
			s.missed = 0
			s.awaitingPong = false
			s.lastHeartbeat = time.Now()
		}
	}
	s.mu.Unlock()
	s.events.dispatch(model.Event{Type: t, Data: payload})
}

func (s *Session) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case b := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debug().Err(err).Msg("channel write")
				s.lost(l)
				return
			}
		}
	}
}

// heartbeatLoop pings every interval. A tick that finds the previous ping
// unanswered counts as a miss; MaxMissedHeartbeats misses in a row drop
// the link.
func (s *Session) heartbeatLoop(l *link) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
		}
		s.mu.Lock()
		if s.link != l {
			s.mu.Unlock()
			return
		}
		if s.awaitingPong {
			s.missed++
		}
		missed := s.missed
		s.awaitingPong = true
		s.mu.Unlock()

		if missed >= s.cfg.MaxMissedHeartbeats {
			s.log.Warn().Int("missed", missed).Msg("heartbeat timeout")
			s.lost(l)
			return
		}
		env, _ := model.NewEnvelope(model.EventPing, model.Empty{})
		env.ID = uuid.NewString()
		s.mu.Lock()
		err := s.enqueue(l, env)
		s.mu.Unlock()
		if err != nil {
			s.log.Debug().Err(err).Msg("heartbeat not queued")
		}
	}
}

// enqueue hands env to l's writer without blocking. Caller holds s.mu.
func (s *Session) enqueue(l *link, env model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	select {
	case <-l.done:
		return ErrNotConnected
	case l.send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Send queues an event on the current connection. It never blocks: it fails
// with ErrNotConnected outside the connected state and ErrSendBufferFull
// when the writer is behind.
func (s *Session) Send(t model.EventType, payload any) error {
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	env.ID = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.link == nil {
		return ErrNotConnected
	}
	return s.enqueue(s.link, env)
}

// SendLocation sends a position update. It requires an authenticated
// operator session; an empty VehicleID defaults to the configured one.
func (s *Session) SendLocation(p model.LocationUpdatePayload) error {
	if p.VehicleID == "" {
		p.VehicleID = s.cfg.VehicleID
	}
	s.mu.Lock()
	connected := s.state == StateConnected && s.link != nil
	authed := s.authenticated
	s.mu.Unlock()
	switch {
	case !connected:
		return ErrNotConnected
	case s.cfg.Role != RoleOperator || !authed:
		return ErrUnauthorized
	}
	return s.Send(model.EventLocationUpdate, p)
}

// On registers h for events of type t. Handlers for one type run in arrival
// order on their own goroutine.
func (s *Session) On(t model.EventType, h Handler) {
	s.events.on(t, h)
}

// OnStateChange registers fn for every lifecycle transition, delivered in order.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.fnMu.Lock()
	s.stateFn = append(s.stateFn, fn)
	s.fnMu.Unlock()
}

// WaitAuthenticated blocks until the current connection's handshake is
// answered or AuthTimeout passes. Viewer sessions resolve on
// viewer_connected.
func (s *Session) WaitAuthenticated(ctx context.Context) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()
	select {
	case <-l.ack:
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return fmt.Errorf("channel: waiting for handshake: %w", ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.ackErr
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Role:             s.cfg.Role,
		State:            s.state,
		ReconnectAttempt: s.attempt,
		LastHeartbeatAt:  s.lastHeartbeat,
		Authenticated:    s.authenticated,
	}
}

// Done is closed once the session is disconnected for good.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the terminal error, nil after a requested disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop disconnects and releases the session.
func (s *Session) Stop() { s.finish(nil) }

// Disconnect is Stop.
func (s *Session) Disconnect() { s.Stop() }

func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.reconnecting = false
		s.teardown(err == nil)
		if s.state != StateDisconnected {
			_ = s.setState(StateDisconnected)
		}
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(s.done)
		if err != nil {
			s.log.Error().Err(err).Msg("channel closed")
		} else {
			s.log.Info().Msg("channel closed")
		}
	})
}
