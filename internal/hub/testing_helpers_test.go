package hub

import (
	"context"
	"sync"

	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/types"
)

type fakeConn struct {
	mu          sync.Mutex
	id          types.UserIDType
	sent        []*protocol.Envelope
	closed      bool
	closeReason string
	// events records sends and closes in call order, so tests can assert
	// the supersede sequence (error frame first, then close).
	events []string
}

func newFakeConn(id types.UserIDType) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) UserID() types.UserIDType { return c.id }

func (c *fakeConn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	c.events = append(c.events, "send:"+string(env.Type))
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
	c.events = append(c.events, "close")
}

func (c *fakeConn) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) sentTags() []protocol.Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]protocol.Tag, len(c.sent))
	for i, e := range c.sent {
		tags[i] = e.Type
	}
	return tags
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
		Title: "Test",
		Questions: []types.Question{
			{Index: 0, Prompt: "Q0", Options: []string{"a", "b"}, CorrectIndex: 0},
		},
	}
}

// fakeRepo is an in-memory repository.Repository for hub tests.
type fakeRepo struct {
	mu       sync.Mutex
	nextID   int
	rooms    map[types.RoomIDType]*repository.RoomRow
	members  map[types.RoomIDType][]repository.MemberRow
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
	id := types.RoomIDType("room-1")
	row := &repository.RoomRow{ID: id, PIN: "123456", QuizID: quizID, HostUserID: hostUserID, Status: types.RoomStatusLobby, Settings: settings}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[roomID]; ok {
		r.Status = status
	}
	return nil
}
