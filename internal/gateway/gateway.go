// Package gateway terminates client WebSocket connections: it upgrades
// the HTTP handshake, authenticates the session token, enforces the wire
// protocol, and routes decoded messages to the Hub and Rooms. It is the
// only package that talks to clients.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quizroom/backend/internal/auth"
	"github.com/quizroom/backend/internal/catalog"
	"github.com/quizroom/backend/internal/hub"
	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/metrics"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/room"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

// Subprotocol is the WebSocket subprotocol identifier clients request.
const Subprotocol = "quiz-protocol"

// authHandshakeTimeout bounds the HTTP upgrade handshake; the token is
// verified during the handshake, so an unauthenticated connection never
// lives past it.
const authHandshakeTimeout = 5 * time.Second

// TokenValidator verifies the bearer token presented on the handshake.
// Implemented by auth.Validator in production and auth.MockValidator in
// development.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ConnectLimiter is the slice of internal/ratelimit the gateway uses: a
// per-IP connect check before the upgrade and a per-user message check on
// every inbound frame. May be nil to disable limiting.
type ConnectLimiter interface {
	CheckWebSocket(c *gin.Context) bool
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// Coordinator is the slice of the Hub the gateway depends on. *hub.Hub
// implements it; tests substitute fakes.
type Coordinator interface {
	RegisterConnection(ctx context.Context, conn hub.Connection)
	UnregisterConnection(userID types.UserIDType, conn hub.Connection)
	IsConnected(userID types.UserIDType) bool
	CreateRoom(ctx context.Context, hostUserID types.UserIDType, hostName types.DisplayNameType, quizID types.QuizIDType, settings types.Settings) (*room.Room, error)
	GetOrLoadRoom(ctx context.Context, roomID types.RoomIDType) (*room.Room, error)
}

// Config carries the Gateway's dependencies.
type Config struct {
	Coordinator    Coordinator
	Repo           repository.Repository
	Validator      TokenValidator
	Limiter        ConnectLimiter
	AllowedOrigins []string
	NewMsgID       func() types.MsgIDType
}

// Gateway owns the WebSocket endpoint.
type Gateway struct {
	coord     Coordinator
	repo      repository.Repository
	validator TokenValidator
	limiter   ConnectLimiter
	newMsgID  func() types.MsgIDType
	upgrader  websocket.Upgrader
}

// New constructs a Gateway.
func New(cfg Config) *Gateway {
	g := &Gateway{
		coord:     cfg.Coordinator,
		repo:      cfg.Repo,
		validator: cfg.Validator,
		limiter:   cfg.Limiter,
		newMsgID:  cfg.NewMsgID,
	}
	if g.newMsgID == nil {
		g.newMsgID = func() types.MsgIDType { return types.MsgIDType(uuid.NewString()) }
	}
	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: authHandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	return g
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			allowedURL, err := url.Parse(a)
			if err != nil {
				continue
			}
			if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
				return true
			}
		}
		return false
	}
}

// ServeWs handles GET /ws?token=…. It authenticates the token, upgrades
// the connection, registers it with the Hub (superseding any prior
// connection for the user), and starts the read/write pumps. A failed
// authentication closes the socket with policy-violation before any
// application message is exchanged.
func (g *Gateway) ServeWs(c *gin.Context) {
	if g.limiter != nil && !g.limiter.CheckWebSocket(c) {
		return
	}

	claims, authErr := g.authenticate(c)

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	if authErr != nil {
		logging.Warn(c.Request.Context(), "websocket auth failed", zap.Error(authErr))
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
		_ = conn.Close()
		return
	}

	identity := claims.Identity()
	ctx := pumpContext(c, identity)

	wsc := newConn(conn, identity, g, g.limiter, g.newMsgID)
	g.coord.RegisterConnection(ctx, wsc)

	logging.Info(ctx, "websocket connection established", zap.String("user_id", string(identity.UserID)))

	go wsc.writePump()
	go wsc.readPump(ctx)
}

func (g *Gateway) authenticate(c *gin.Context) (*auth.CustomClaims, error) {
	token := c.Query("token")
	if token == "" {
		return nil, errors.New("token not provided")
	}
	return g.validator.ValidateToken(token)
}

// pumpContext builds the long-lived context for a connection's pumps. The
// request context dies with the handshake, so correlation and user IDs are
// carried over onto a fresh background context.
func pumpContext(c *gin.Context, identity *types.Claims) context.Context {
	ctx := context.Background()
	if cid := c.GetString(string(logging.CorrelationIDKey)); cid != "" {
		ctx = context.WithValue(ctx, logging.CorrelationIDKey, cid)
	}
	return context.WithValue(ctx, logging.UserIDKey, string(identity.UserID))
}

// handleEnvelope implements envelopeRouter: one dispatch per decoded
// inbound envelope. Errors never close the connection — they are mapped
// onto an error frame and the client decides what to retry.
func (g *Gateway) handleEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.TagCreateRoom:
		err = g.handleCreateRoom(ctx, c, env)
	case protocol.TagJoin:
		err = g.handleJoin(ctx, c, env)
	case protocol.TagStart:
		err = g.handleStart(c)
	case protocol.TagAnswer:
		err = g.handleAnswer(c, env)
	case protocol.TagLeave:
		err = g.handleLeave(c)
	case protocol.TagKick:
		err = g.handleKick(c, env)
	}

	if err != nil {
		metrics.WebsocketEvents.WithLabelValues(string(env.Type), "error").Inc()
		payload := errorPayloadFor(ctx, err)
		c.sendPayload(protocol.TagError, env.RoomID, payload)
		return
	}
	metrics.WebsocketEvents.WithLabelValues(string(env.Type), "ok").Inc()
}

// connectionClosed implements envelopeRouter: the read pump has exited.
// The member is not removed from their room — presence flips offline and
// the room reacts only to an explicit leave or grace expiry. The presence
// flip is skipped when a newer connection for the same user is already
// registered (this one was superseded).
func (g *Gateway) connectionClosed(c *Conn) {
	userID := c.UserID()
	g.coord.UnregisterConnection(userID, c)
	if r := c.CurrentRoom(); r != nil && !g.coord.IsConnected(userID) {
		r.SubmitPresence(userID, false)
	}
}

func (g *Gateway) handleCreateRoom(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	p, err := protocol.DecodeCreateRoom(env)
	if err != nil {
		return err
	}
	if c.CurrentRoom() != nil {
		return &room.CommandError{Code: protocol.ErrState, Msg: "already in a room"}
	}

	r, err := g.coord.CreateRoom(ctx, c.UserID(), types.DisplayNameType(c.identity.DisplayName), p.QuizID, p.Settings.ToDomain())
	if err != nil {
		return err
	}
	c.setRoom(r)

	// The creator is already the room's host member; joining as an
	// existing member just pushes the initial lobby state to them.
	return r.SubmitJoin(c.UserID(), types.DisplayNameType(c.identity.DisplayName))
}

func (g *Gateway) handleJoin(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	p, err := protocol.DecodeJoin(env)
	if err != nil {
		return err
	}

	row, err := g.repo.LookupRoomByPIN(ctx, p.PIN)
	if err != nil {
		return err
	}
	if cur := c.CurrentRoom(); cur != nil && cur.ID() != row.ID {
		return &room.CommandError{Code: protocol.ErrState, Msg: "already in a room"}
	}

	r, err := g.coord.GetOrLoadRoom(ctx, row.ID)
	if err != nil {
		return err
	}
	if err := r.SubmitJoin(c.UserID(), p.DisplayName); err != nil {
		return err
	}
	c.setRoom(r)
	return nil
}

func (g *Gateway) handleStart(c *Conn) error {
	r := c.CurrentRoom()
	if r == nil {
		return &room.CommandError{Code: protocol.ErrState, Msg: "not in a room"}
	}
	return r.SubmitStart(c.UserID())
}

func (g *Gateway) handleAnswer(c *Conn, env *protocol.Envelope) error {
	p, err := protocol.DecodeAnswer(env)
	if err != nil {
		return err
	}
	r := c.CurrentRoom()
	if r == nil {
		return &room.CommandError{Code: protocol.ErrState, Msg: "not in a room"}
	}
	return r.SubmitAnswer(c.UserID(), p.QuestionIndex, p.Choice)
}

func (g *Gateway) handleLeave(c *Conn) error {
	r := c.CurrentRoom()
	if r == nil {
		return &room.CommandError{Code: protocol.ErrState, Msg: "not in a room"}
	}
	r.SubmitLeave(c.UserID(), "left")
	c.setRoom(nil)
	return nil
}

func (g *Gateway) handleKick(c *Conn, env *protocol.Envelope) error {
	p, err := protocol.DecodeKick(env)
	if err != nil {
		return err
	}
	r := c.CurrentRoom()
	if r == nil {
		return &room.CommandError{Code: protocol.ErrState, Msg: "not in a room"}
	}
	return r.SubmitKick(c.UserID(), p.UserID, p.Reason)
}

// errorPayloadFor maps internal errors onto the wire error taxonomy.
// Infrastructure details stay in the server log; the client sees only the
// machine code and a terse message.
func errorPayloadFor(ctx context.Context, err error) protocol.ErrorPayload {
	var cmdErr *room.CommandError
	if errors.As(err, &cmdErr) {
		return protocol.ErrorPayload{Code: cmdErr.Code, Msg: cmdErr.Msg}
	}
	var valErr *protocol.ValidationError
	if errors.As(err, &valErr) {
		return protocol.ErrorPayload{Code: protocol.ErrValidation, Msg: valErr.Reason}
	}
	if errors.Is(err, catalog.ErrQuizNotFound) {
		return protocol.ErrorPayload{Code: protocol.ErrNotFound, Msg: "quiz not found"}
	}
	if repository.IsNotFound(err) {
		return protocol.ErrorPayload{Code: protocol.ErrNotFound, Msg: "room not found"}
	}
	if errors.Is(err, room.ErrRoomClosed) {
		return protocol.ErrorPayload{Code: protocol.ErrState, Msg: "room is no longer available"}
	}
	logging.Error(ctx, "unclassified gateway error", zap.Error(err))
	return protocol.ErrorPayload{Code: protocol.ErrState, Msg: "operation failed"}
}
