package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/types"
	"github.com/stretchr/testify/require"
)

// fakeWsConn scripts inbound frames and records written ones.
type fakeWsConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
}

func newFakeWsConn() *fakeWsConn {
	return &fakeWsConn{inbound: make(chan []byte, 16)}
}

func (f *fakeWsConn) queueFrame(data []byte) { f.inbound <- data }

func (f *fakeWsConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeWsConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeWsConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeWsConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeWsConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWsConn) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// recordingRouter captures dispatched envelopes.
type recordingRouter struct {
	mu        sync.Mutex
	envelopes []*protocol.Envelope
	closed    bool
}

func (r *recordingRouter) handleEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
}

func (r *recordingRouter) connectionClosed(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingRouter) dispatched() []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

func (r *recordingRouter) wasClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// rejectingLimiter fails every message-rate check.
type rejectingLimiter struct{}

func (rejectingLimiter) CheckWebSocket(c *gin.Context) bool { return true }

func (rejectingLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	return errors.New("rate limit exceeded for user")
}

func testIdentity(id string) *types.Claims {
	return &types.Claims{
		UserID:      types.UserIDType(id),
		DisplayName: "User " + id,
		Email:       id + "@example.com",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func seq() func() types.MsgIDType {
	n := 0
	return func() types.MsgIDType {
		n++
		return types.MsgIDType("msg-" + string(rune('a'+n)))
	}
}

func clientEnvelope(t *testing.T, tag protocol.Tag, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	env := protocol.Envelope{V: protocol.Version, Type: tag, MsgID: "client-1", Data: raw}
	out, err := json.Marshal(env)
	require.NoError(t, err)
	return out
}

// drainEnvelope reads the next queued outbound envelope or fails.
func drainEnvelope(t *testing.T, c *Conn) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.send:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound envelope")
		return nil
	}
}

// fakeRepo is an in-memory repository.Repository for gateway tests.
type fakeRepo struct {
	mu      sync.Mutex
	nextID  int
	rooms   map[types.RoomIDType]*repository.RoomRow
	members map[types.RoomIDType][]repository.MemberRow
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rooms:   make(map[types.RoomIDType]*repository.RoomRow),
		members: make(map[types.RoomIDType][]repository.MemberRow),
	}
}

func (f *fakeRepo) CreateRoom(ctx context.Context, hostUserID types.UserIDType, quizID types.QuizIDType, settings types.Settings) (*repository.RoomRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := types.RoomIDType("room-" + string(rune('0'+f.nextID)))
	pin := types.PINType("10000" + string(rune('0'+f.nextID)))
	row := &repository.RoomRow{ID: id, PIN: pin, QuizID: quizID, HostUserID: hostUserID, Status: types.RoomStatusLobby, Settings: settings}
	f.rooms[id] = row
	f.members[id] = []repository.MemberRow{{RoomID: id, UserID: hostUserID, DisplayName: "Host", Role: types.RoleHost}}
	return row, nil
}

func (f *fakeRepo) LookupRoomByPIN(ctx context.Context, pin types.PINType) (*repository.RoomRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.PIN == pin {
			return r, nil
		}
	}
	return nil, &repository.Error{Kind: repository.KindNotFound, Op: "LookupRoomByPIN"}
}

func (f *fakeRepo) LoadRoom(ctx context.Context, roomID types.RoomIDType) (*repository.RoomRow, []repository.MemberRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rooms[roomID]
	if !ok {
		return nil, nil, &repository.Error{Kind: repository.KindNotFound, Op: "LoadRoom"}
	}
	return row, f.members[roomID], nil
}

func (f *fakeRepo) AddMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, displayName types.DisplayNameType, role types.Role) error {
	return nil
}

func (f *fakeRepo) RemoveMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, reason string) error {
	return nil
}

func (f *fakeRepo) TransferHost(ctx context.Context, roomID types.RoomIDType, oldHost, newHost types.UserIDType) error {
	return nil
}

func (f *fakeRepo) DeleteRoom(ctx context.Context, roomID types.RoomIDType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, roomID)
	return nil
}

func (f *fakeRepo) PersistFinalResults(ctx context.Context, roomID types.RoomIDType, results []repository.SessionResult) error {
	return nil
}

func (f *fakeRepo) UpdateRoomStatus(ctx context.Context, roomID types.RoomIDType, status types.RoomStatus) error {
	return nil
}

type fakeContentProvider struct {
	quiz *types.Quiz
}

func (f *fakeContentProvider) GetQuizContent(ctx context.Context, quizID types.QuizIDType) (*types.Quiz, error) {
	return f.quiz, nil
}

func testQuiz() *types.Quiz {
	return &types.Quiz{
		ID:    "quiz-1",
		Title: "Capitals",
		Questions: []types.Question{
			{Index: 0, Prompt: "Capital of France?", Options: []string{"Paris", "Lyon"}, CorrectIndex: 0},
			{Index: 1, Prompt: "Capital of Japan?", Options: []string{"Osaka", "Tokyo"}, CorrectIndex: 1},
		},
	}
}
