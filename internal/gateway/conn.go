package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/metrics"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/room"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

const (
	// sendQueueDepth bounds the per-connection outbound queue. A consumer
	// that falls this far behind is evicted rather than allowed to stall
	// room broadcasts.
	sendQueueDepth = 256

	// readIdleTimeout is refreshed on every inbound frame; a silent
	// connection is closed when it expires.
	readIdleTimeout = 60 * time.Second

	writeWait = 10 * time.Second

	// pingInterval is the application-level keepalive cadence. The client
	// must answer each ping with a pong frame.
	pingInterval = 25 * time.Second

	maxMissedPings = 3
)

// wsConnection is the subset of *websocket.Conn the gateway uses. Tests
// substitute a scripted implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// envelopeRouter is the slice of the Gateway a connection calls back into:
// one method per decoded inbound envelope, one for teardown. Implemented by
// Gateway; tests substitute a recorder.
type envelopeRouter interface {
	handleEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope)
	connectionClosed(c *Conn)
}

// Conn is one authenticated client connection. It owns the read and write
// pumps and the bounded send queue; all game logic lives behind the router.
type Conn struct {
	ws       wsConnection
	identity *types.Claims
	router   envelopeRouter
	limiter  ConnectLimiter
	newMsgID func() types.MsgIDType

	send chan *protocol.Envelope
	done chan struct{}

	closeOnce   sync.Once
	closeReason atomic.Value
	missedPings atomic.Int32

	mu         sync.Mutex
	room       *room.Room
	lastSeenMs int64
}

func newConn(ws wsConnection, identity *types.Claims, router envelopeRouter, limiter ConnectLimiter, newMsgID func() types.MsgIDType) *Conn {
	return &Conn{
		ws:       ws,
		identity: identity,
		router:   router,
		limiter:  limiter,
		newMsgID: newMsgID,
		send:     make(chan *protocol.Envelope, sendQueueDepth),
		done:     make(chan struct{}),
	}
}

// UserID implements hub.Connection.
func (c *Conn) UserID() types.UserIDType { return c.identity.UserID }

// Identity returns the claims cached from the session token.
func (c *Conn) Identity() *types.Claims { return c.identity }

// Send enqueues env for delivery, implementing hub.Connection. A full
// queue means the consumer is stuck: the connection is closed with
// going-away and the enqueue fails.
func (c *Conn) Send(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("gateway: connection for %s is closed", c.identity.UserID)
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.Close("send queue overflow")
		return fmt.Errorf("gateway: send queue full for %s", c.identity.UserID)
	}
}

// Close implements hub.Connection. The write pump observes done and sends
// a going-away close frame before tearing down the socket; safe to call
// multiple times.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.done)
	})
}

// Done is closed once the connection has been told to shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) reason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return ""
}

// CurrentRoom returns the room this connection has joined, if any.
func (c *Conn) CurrentRoom() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Conn) setRoom(r *room.Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

// readPump consumes inbound frames until the socket errors or the
// connection is closed. It refreshes the idle deadline on every frame and
// hands decoded envelopes to the router.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.Close("read loop exited")
		c.router.connectionClosed(c)
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		c.mu.Lock()
		c.lastSeenMs = time.Now().UnixMilli()
		c.mu.Unlock()

		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, data)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues("invalid", "error").Inc()
		c.sendError(protocol.ErrValidation, err.Error())
		return
	}

	switch env.Type {
	case protocol.TagPong:
		c.missedPings.Store(0)
		return
	case protocol.TagPing:
		p, err := protocol.DecodePing(env)
		if err != nil {
			c.sendError(protocol.ErrValidation, err.Error())
			return
		}
		c.sendPayload(protocol.TagPong, "", protocol.PongPayload{Timestamp: p.Timestamp})
		return
	}

	if c.limiter != nil {
		if err := c.limiter.CheckWebSocketUser(ctx, string(c.identity.UserID)); err != nil {
			metrics.WebsocketEvents.WithLabelValues(string(env.Type), "rate_limited").Inc()
			c.sendError(protocol.ErrRateLimit, "message rate exceeded")
			return
		}
	}

	start := time.Now()
	c.router.handleEnvelope(ctx, c, env)
	metrics.MessageProcessingDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
}

// writePump serializes all writes to the socket: queued envelopes, the
// keepalive ping, and finally a close frame once the connection is done.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env := <-c.send:
			if !c.writeEnvelope(env) {
				return
			}
		case <-ticker.C:
			if c.missedPings.Add(1) > maxMissedPings {
				logging.Warn(context.Background(), "keepalive timeout, closing connection", zap.String("user_id", string(c.identity.UserID)))
				c.Close("keepalive timeout")
				return
			}
			ping, err := protocol.NewEnvelope(c.newMsgID, protocol.TagPing, "", protocol.PingPayload{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if !c.writeEnvelope(ping) {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, c.reason()))
			return
		}
	}
}

func (c *Conn) writeEnvelope(env *protocol.Envelope) bool {
	data, err := env.Bytes()
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound envelope", zap.String("tag", string(env.Type)), zap.Error(err))
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.Close("write failed")
		return false
	}
	return true
}

func (c *Conn) sendError(code protocol.ErrorCode, msg string) {
	c.sendPayload(protocol.TagError, "", protocol.ErrorPayload{Code: code, Msg: msg})
}

func (c *Conn) sendPayload(tag protocol.Tag, roomID types.RoomIDType, data any) {
	env, err := protocol.NewEnvelope(c.newMsgID, tag, roomID, data)
	if err != nil {
		logging.Error(context.Background(), "failed to build payload", zap.String("tag", string(tag)), zap.Error(err))
		return
	}
	_ = c.Send(env)
}
