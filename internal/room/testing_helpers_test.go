package room

import (
	"context"
	"sync"
	"time"

	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/types"
)

// fakeClock lets tests advance time deterministically instead of sleeping;
// AfterFunc callbacks fire synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    int64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	fireAt  int64
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	already := t.stopped
	t.stopped = true
	return !already
}

func newFakeClock() *fakeClock { return &fakeClock{} }

func (c *fakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fireAt: c.now + d.Milliseconds(), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires any timers whose deadline has
// passed, in the order they were armed.
func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	c.now += ms
	due := make([]*fakeTimer, 0)
	now := c.now
	for _, t := range c.timers {
		if !t.stopped && t.fireAt <= now {
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.stopAndFire()
	}
}

func (t *fakeTimer) stopAndFire() {
	t.clock.mu.Lock()
	already := t.stopped
	t.stopped = true
	t.clock.mu.Unlock()
	if !already {
		t.fn()
	}
}

// fakeRepo is an in-memory repository.Repository for room driver tests.
type fakeRepo struct {
	mu            sync.Mutex
	members       map[types.RoomIDType]map[types.UserIDType]repository.MemberRow
	removeErr     error
	addErr        error
	deletedRooms  []types.RoomIDType
	finalResults  []repository.SessionResult
	transferCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{members: make(map[types.RoomIDType]map[types.UserIDType]repository.MemberRow)}
}

func (f *fakeRepo) CreateRoom(ctx context.Context, hostUserID types.UserIDType, quizID types.QuizIDType, settings types.Settings) (*repository.RoomRow, error) {
	return nil, nil
}

func (f *fakeRepo) LookupRoomByPIN(ctx context.Context, pin types.PINType) (*repository.RoomRow, error) {
	return nil, nil
}

func (f *fakeRepo) LoadRoom(ctx context.Context, roomID types.RoomIDType) (*repository.RoomRow, []repository.MemberRow, error) {
	return nil, nil, nil
}

func (f *fakeRepo) AddMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, displayName types.DisplayNameType, role types.Role) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[types.UserIDType]repository.MemberRow)
	}
	f.members[roomID][userID] = repository.MemberRow{RoomID: roomID, UserID: userID, DisplayName: displayName, Role: role}
	return nil
}

func (f *fakeRepo) RemoveMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, reason string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[roomID], userID)
	return nil
}

func (f *fakeRepo) TransferHost(ctx context.Context, roomID types.RoomIDType, oldHost, newHost types.UserIDType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	return nil
}

func (f *fakeRepo) DeleteRoom(ctx context.Context, roomID types.RoomIDType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRooms = append(f.deletedRooms, roomID)
	return nil
}

func (f *fakeRepo) PersistFinalResults(ctx context.Context, roomID types.RoomIDType, results []repository.SessionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalResults = results
	return nil
}

func (f *fakeRepo) UpdateRoomStatus(ctx context.Context, roomID types.RoomIDType, status types.RoomStatus) error {
	return nil
}

// fakeBroadcaster records every envelope sent: room-wide broadcasts in
// toRoom, point-to-point sends in toUser keyed by recipient.
type fakeBroadcaster struct {
	mu        sync.Mutex
	toRoom    []*protocol.Envelope
	toUser    map[types.UserIDType][]*protocol.Envelope
	closedIDs []types.RoomIDType
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{toUser: make(map[types.UserIDType][]*protocol.Envelope)}
}

func (b *fakeBroadcaster) BroadcastToRoom(ctx context.Context, roomID types.RoomIDType, env *protocol.Envelope, exclude ...types.UserIDType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toRoom = append(b.toRoom, env)
}

func (b *fakeBroadcaster) SendToUser(ctx context.Context, userID types.UserIDType, env *protocol.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toUser[userID] = append(b.toUser[userID], env)
}

func (b *fakeBroadcaster) RoomClosed(ctx context.Context, roomID types.RoomIDType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closedIDs = append(b.closedIDs, roomID)
}

func (b *fakeBroadcaster) roomTags() []protocol.Tag {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]protocol.Tag, len(b.toRoom))
	for i, e := range b.toRoom {
		tags[i] = e.Type
	}
	return tags
}

func testQuiz() *types.Quiz {
	return &types.Quiz{
		ID:    "quiz-1",
		Title: "Test Quiz",
		Questions: []types.Question{
			{Index: 0, Prompt: "Q0", Options: []string{"a", "b"}, CorrectIndex: 1},
			{Index: 1, Prompt: "Q1", Options: []string{"x", "y"}, CorrectIndex: 0},
		},
	}
}

func newTestRoom(clock Clock, repo repository.Repository, bc Broadcaster) *Room {
	msgCounter := 0
	settings := types.DefaultSettings()
	settings.QuestionDurationMs = 10_000
	settings.RevealDurationMs = 3_000

	return New(Config{
		ID:          "room-1",
		PIN:         "482910",
		HostUserID:  "H",
		HostName:    "Host",
		Quiz:        testQuiz(),
		Settings:    settings,
		Repo:        repo,
		Broadcaster: bc,
		Clock:       clock,
		NewMsgID: func() types.MsgIDType {
			msgCounter++
			return types.MsgIDType("m")
		},
	})
}
