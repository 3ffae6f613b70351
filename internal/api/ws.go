package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleettrack/internal/auth"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/model"
	"fleettrack/internal/pool"
)

// Error codes carried in error frames.
const (
	CodeUnauthorized     = "unauthorized"
	CodeInvalidSample    = "invalid_sample"
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "unavailable"
	CodeBadRequest       = "bad_request"
	CodeUnsupportedEvent = "unsupported_event"
	CodeInternal         = "internal"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 << 10
	wsSendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is one server-side channel connection. The read loop owns
// principal and viewer; only the write loop writes to conn.
type wsConn struct {
	s    *Server
	conn *websocket.Conn
	ctx  context.Context
	log  zerolog.Logger
	send chan model.Envelope
	done chan struct{}

	principal *auth.Principal
	viewer    chan model.Event
	wg        sync.WaitGroup
}

// ChannelHandler upgrades to the bidirectional channel. The connection's role
// is decided by its handshake: authenticate makes it an operator,
// viewer_connect a viewer.
func (s *Server) ChannelHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{
		s:    s,
		conn: conn,
		ctx:  r.Context(),
		log:  logging.Ctx(r.Context()).With().Str("conn_id", uuid.NewString()).Logger(),
		send: make(chan model.Envelope, wsSendBuffer),
		done: make(chan struct{}),
	}
	c.log.Debug().Str("remote", r.RemoteAddr).Msg("channel connected")

	c.wg.Add(1)
	go c.writeLoop()
	c.readLoop()
	c.close()
}

func (c *wsConn) readLoop() {
	pongWait := c.s.Config.WSPongWait
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("channel read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.replyError("", CodeBadRequest, "malformed frame")
			continue
		}
		c.handle(env)
	}
}

func (c *wsConn) handle(env model.Envelope) {
	switch env.Type {
	case model.EventAuthenticate:
		c.authenticate(env)
	case model.EventLocationUpdate:
		c.locationUpdate(env)
	case model.EventViewerConnect:
		c.viewerConnect(env)
	case model.EventPing:
		c.reply(env.ID, model.EventPong, nil)
	default:
		c.replyError(env.ID, CodeUnsupportedEvent, "unsupported event "+string(env.Type))
	}
}

// authenticate verifies the token. A failed attempt leaves the connection
// open and unauthenticated.
func (c *wsConn) authenticate(env model.Envelope) {
	var in model.AuthenticatePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			c.replyError(env.ID, CodeBadRequest, "malformed authenticate payload")
			return
		}
	}
	p, err := c.s.Auth.Verify(in.Token)
	if err != nil {
		c.log.Info().Err(err).Msg("operator authentication failed")
		c.dropPrincipal()
		c.reply(env.ID, model.EventAuthError, model.AuthResultPayload{Message: err.Error()})
		return
	}
	if c.principal != nil && *c.principal != p {
		c.dropPrincipal()
	}
	first := c.principal == nil
	c.principal = &p
	c.reply(env.ID, model.EventAuthenticated, model.AuthResultPayload{OperatorID: p.OperatorID, VehicleID: p.VehicleID})
	if first {
		metrics.ChannelConnections.WithLabelValues("operator").Inc()
		c.s.Broadcast.OperatorConnected(p.OperatorID, p.VehicleID)
	}
}

func (c *wsConn) dropPrincipal() {
	if c.principal == nil {
		return
	}
	metrics.ChannelConnections.WithLabelValues("operator").Dec()
	c.s.Broadcast.OperatorDisconnected(c.principal.OperatorID, c.principal.VehicleID)
	c.principal = nil
}

func (c *wsConn) locationUpdate(env model.Envelope) {
	if c.principal == nil {
		c.replyError(env.ID, CodeUnauthorized, "authenticate before sending locations")
		return
	}
	var in model.LocationUpdatePayload
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		c.replyError(env.ID, CodeInvalidSample, "malformed location payload")
		return
	}
	if in.VehicleID == "" {
		in.VehicleID = c.principal.VehicleID
	}
	if err := authorizeVehicle(*c.principal, in.VehicleID); err != nil {
		c.replyError(env.ID, CodeUnauthorized, err.Error())
		return
	}
	if !c.s.Limiter.Allow(c.principal.OperatorID) {
		metrics.RateLimited.WithLabelValues("channel").Inc()
		c.replyError(env.ID, CodeRateLimited, errRateLimited.Error())
		return
	}
	sample, err := broadcast.SampleFrom(in, c.principal.OperatorID)
	if err != nil {
		c.replyError(env.ID, CodeInvalidSample, err.Error())
		return
	}
	es, err := c.s.Broadcast.Ingest(c.ctx, sample)
	switch {
	case err == nil:
		c.reply(env.ID, model.EventLocationAck, model.LocationAckPayload{VehicleID: es.VehicleID, Timestamp: es.Timestamp})
	case errors.Is(err, broadcast.ErrInvalidSample):
		c.replyError(env.ID, CodeInvalidSample, err.Error())
	case errors.Is(err, pool.ErrConnectionTimeout):
		c.replyError(env.ID, CodeUnavailable, "storage busy, retry later")
	default:
		c.log.Error().Err(err).Str("operator_id", c.principal.OperatorID).Str("vehicle_id", in.VehicleID).Msg("ingest failed")
		c.replyError(env.ID, CodeInternal, "ingest failed")
	}
}

// viewerConnect subscribes the connection to the fleet topic. Repeated
// requests are acknowledged without a second subscription.
func (c *wsConn) viewerConnect(env model.Envelope) {
	if c.viewer == nil {
		c.viewer = c.s.Broker.Subscribe(broadcast.FleetTopic)
		metrics.ChannelConnections.WithLabelValues("viewer").Inc()
		c.wg.Add(1)
		go c.forward(c.viewer)
	}
	c.reply(env.ID, model.EventViewerConnected, model.Empty{})
}

func (c *wsConn) forward(events chan model.Event) {
	defer c.wg.Done()
	for evt := range events {
		env, err := model.NewEnvelope(evt.Type, evt.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping unencodable event")
			continue
		}
		c.enqueue(env)
	}
}

func (c *wsConn) reply(id string, t model.EventType, payload any) {
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		c.log.Error().Err(err).Msg("encode reply")
		return
	}
	env.ID = id
	c.enqueue(env)
}

func (c *wsConn) replyError(id, code, msg string) {
	c.reply(id, model.EventError, model.ErrorPayload{Code: code, Message: msg})
}

func (c *wsConn) enqueue(env model.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	if offerLatest(c.send, env) {
		c.log.Warn().Str("type", string(env.Type)).Msg("send buffer full, oldest frame dropped")
	}
}

func (c *wsConn) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.s.Config.WSPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case env := <-c.send:
			b, err := json.Marshal(env)
			if err != nil {
				c.log.Error().Err(err).Msg("encode frame")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("channel write failed")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) close() {
	if c.viewer != nil {
		c.s.Broker.Unsubscribe(broadcast.FleetTopic, c.viewer)
		metrics.ChannelConnections.WithLabelValues("viewer").Dec()
	}
	c.dropPrincipal()
	close(c.done)
	c.wg.Wait()
	_ = c.conn.Close()
	c.log.Debug().Msg("channel closed")
}
