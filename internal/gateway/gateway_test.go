package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/quizroom/backend/internal/auth"
	"github.com/quizroom/backend/internal/hub"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/room"
	"github.com/quizroom/backend/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, *hub.Hub, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	content := &fakeContentProvider{quiz: testQuiz()}
	h := hub.New(repo, content, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	g := New(Config{
		Coordinator: h,
		Repo:        repo,
		Validator:   &auth.MockValidator{},
	})
	return g, h, repo
}

func mustDecode(t *testing.T, raw []byte) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func decodePayload[T any](t *testing.T, env *protocol.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func createRoomEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	return mustDecode(t, clientEnvelope(t, protocol.TagCreateRoom, protocol.CreateRoomPayload{
		QuizID: "quiz-1",
		Settings: protocol.RoomSettings{
			QuestionDurationMs: 10_000,
			ShowCorrectness:    true,
			ShowLeaderboard:    true,
			AllowReconnect:     true,
		},
	}))
}

func TestGateway_CreateRoom_SendsLobbyStateToCreator(t *testing.T) {
	g, h, _ := newTestGateway(t)
	ctx := context.Background()

	c, _ := newTestConn(g, nil)
	h.RegisterConnection(ctx, c)

	g.handleEnvelope(ctx, c, createRoomEnvelope(t))

	require.NotNil(t, c.CurrentRoom())

	env := drainEnvelope(t, c)
	require.Equal(t, protocol.TagState, env.Type)

	state := decodePayload[protocol.StatePayload](t, env)
	assert.Equal(t, types.PhaseLobby, state.Phase)
	assert.Equal(t, types.UserIDType("u1"), state.HostID)
	require.Len(t, state.Members, 1)
	assert.Equal(t, types.RoleHost, state.Members[0].Role)
	assert.Equal(t, 2, state.TotalQuestions)
}

func TestGateway_CreateRoom_WhileInRoomIsStateError(t *testing.T) {
	g, h, _ := newTestGateway(t)
	ctx := context.Background()

	c, _ := newTestConn(g, nil)
	h.RegisterConnection(ctx, c)

	g.handleEnvelope(ctx, c, createRoomEnvelope(t))
	drainEnvelope(t, c) // initial state

	g.handleEnvelope(ctx, c, createRoomEnvelope(t))
	env := drainEnvelope(t, c)
	require.Equal(t, protocol.TagError, env.Type)
	assert.Equal(t, protocol.ErrState, decodePayload[protocol.ErrorPayload](t, env).Code)
}

func TestGateway_JoinByPIN_BroadcastsJoinedThenState(t *testing.T) {
	g, h, _ := newTestGateway(t)
	ctx := context.Background()

	host, _ := newTestConn(g, nil)
	h.RegisterConnection(ctx, host)
	g.handleEnvelope(ctx, host, createRoomEnvelope(t))
	drainEnvelope(t, host)

	pin := host.CurrentRoom().PIN()

	player := newConn(newFakeWsConn(), testIdentity("u2"), g, nil, seq())
	h.RegisterConnection(ctx, player)

	g.handleEnvelope(ctx, player, mustDecode(t, clientEnvelope(t, protocol.TagJoin, protocol.JoinPayload{
		PIN:         pin,
		DisplayName: "Player Two",
	})))

	require.NotNil(t, player.CurrentRoom())

	// Every recipient sees joined immediately followed by the state that
	// contains the new member.
	for _, c := range []*Conn{host, player} {
		joined := drainEnvelope(t, c)
		require.Equal(t, protocol.TagJoined, joined.Type)
		assert.Equal(t, types.UserIDType("u2"), decodePayload[protocol.JoinedPayload](t, joined).User.UserID)

		state := drainEnvelope(t, c)
		require.Equal(t, protocol.TagState, state.Type)
		assert.Len(t, decodePayload[protocol.StatePayload](t, state).Members, 2)
	}
}

func TestGateway_JoinUnknownPIN_NotFound(t *testing.T) {
	g, h, _ := newTestGateway(t)
	ctx := context.Background()

	c, _ := newTestConn(g, nil)
	h.RegisterConnection(ctx, c)

	g.handleEnvelope(ctx, c, mustDecode(t, clientEnvelope(t, protocol.TagJoin, protocol.JoinPayload{
		PIN:         "999999",
		DisplayName: "Nobody",
	})))

	env := drainEnvelope(t, c)
	require.Equal(t, protocol.TagError, env.Type)
	assert.Equal(t, protocol.ErrNotFound, decodePayload[protocol.ErrorPayload](t, env).Code)
}

func TestGateway_StartWithoutRoom_StateError(t *testing.T) {
	g, h, _ := newTestGateway(t)
	ctx := context.Background()

	c, _ := newTestConn(g, nil)
	h.RegisterConnection(ctx, c)

	g.handleEnvelope(ctx, c, mustDecode(t, clientEnvelope(t, protocol.TagStart, protocol.StartPayload{})))

	env := drainEnvelope(t, c)
	require.Equal(t, protocol.TagError, env.Type)
	assert.Equal(t, protocol.ErrState, decodePayload[protocol.ErrorPayload](t, env).Code)
}

func TestGateway_LeaveClearsCurrentRoom(t *testing.T) {
	g, h, _ := newTestGateway(t)
	ctx := context.Background()

	host, _ := newTestConn(g, nil)
	h.RegisterConnection(ctx, host)
	g.handleEnvelope(ctx, host, createRoomEnvelope(t))
	drainEnvelope(t, host)

	player := newConn(newFakeWsConn(), testIdentity("u2"), g, nil, seq())
	h.RegisterConnection(ctx, player)
	g.handleEnvelope(ctx, player, mustDecode(t, clientEnvelope(t, protocol.TagJoin, protocol.JoinPayload{
		PIN: host.CurrentRoom().PIN(), DisplayName: "Player Two",
	})))
	drainEnvelope(t, player) // joined
	drainEnvelope(t, player) // state

	g.handleEnvelope(ctx, player, mustDecode(t, clientEnvelope(t, protocol.TagLeave, protocol.LeavePayload{})))
	assert.Nil(t, player.CurrentRoom())

	// The host observes the departure; leave is fire-and-forget so the
	// broadcast may land a moment later.
	drainEnvelope(t, host) // joined{u2}
	drainEnvelope(t, host) // state
	left := drainEnvelope(t, host)
	require.Equal(t, protocol.TagLeft, left.Type)
	assert.Equal(t, types.UserIDType("u2"), decodePayload[protocol.LeftPayload](t, left).UserID)
}

func TestGateway_ErrorPayloadMapping(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		err  error
		code protocol.ErrorCode
	}{
		{"command error passes through", &room.CommandError{Code: protocol.ErrForbidden, Msg: "nope"}, protocol.ErrForbidden},
		{"validation error", &protocol.ValidationError{Reason: "bad"}, protocol.ErrValidation},
		{"repository not found", &repository.Error{Kind: repository.KindNotFound, Op: "LookupRoomByPIN"}, protocol.ErrNotFound},
		{"room closed", room.ErrRoomClosed, protocol.ErrState},
		{"unknown error is generic state", assert.AnError, protocol.ErrState},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := errorPayloadFor(ctx, tc.err)
			assert.Equal(t, tc.code, p.Code)
		})
	}
}

func signSessionToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := &auth.CustomClaims{Name: "E2E User"}
	claims.Subject = subject
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newWsTestServer(t *testing.T, g *Gateway) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", g.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestGateway_ServeWs_RejectsInvalidTokenWithPolicyViolation(t *testing.T) {
	secret := "this-is-a-very-long-secret-key-for-testing-purposes"
	validator, err := auth.NewValidator(secret)
	require.NoError(t, err)

	repo := newFakeRepo()
	h := hub.New(repo, &fakeContentProvider{quiz: testQuiz()}, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	g := New(Config{Coordinator: h, Repo: repo, Validator: validator})

	url := newWsTestServer(t, g) + "?token=not-a-token"

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestGateway_ServeWs_AuthenticatedPingPong(t *testing.T) {
	secret := "this-is-a-very-long-secret-key-for-testing-purposes"
	validator, err := auth.NewValidator(secret)
	require.NoError(t, err)

	repo := newFakeRepo()
	h := hub.New(repo, &fakeContentProvider{quiz: testQuiz()}, nil)
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	g := New(Config{Coordinator: h, Repo: repo, Validator: validator})

	url := newWsTestServer(t, g) + "?token=" + signSessionToken(t, secret, "e2e-user")

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		clientEnvelope(t, protocol.TagPing, protocol.PingPayload{Timestamp: 99})))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, protocol.TagPong, env.Type)
	assert.Equal(t, int64(99), decodePayload[protocol.PongPayload](t, &env).Timestamp)
}
