// Package hub holds the process-wide connection registry and room registry.
// It owns no game logic: a Room's driver task is the only thing allowed to
// mutate quiz state. The Hub's job is routing — which connection belongs to
// which user, which Room a user's messages should reach, and which live
// connections should receive a Room's broadcasts.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/set"

	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/metrics"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/room"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

// Connection is the narrow slice of a live WebSocket connection the Hub
// needs. The Gateway's connection wrapper implements this; the Hub never
// touches net/http or gorilla/websocket directly.
type Connection interface {
	UserID() types.UserIDType
	Send(env *protocol.Envelope) error
	Close(reason string)
}

// residentRoomsKey is the bus set tracking which room IDs are resident on
// some shard, so a second shard asked to load the same room can see the
// conflict before constructing a duplicate instance.
const residentRoomsKey = "quizroom:rooms:resident"

// roomEntry pairs a live Room with the cancel func for its driver task.
type roomEntry struct {
	r      *room.Room
	cancel context.CancelFunc
}

// Hub is the central coordinator: one per process (or per shard, when the
// bus is wired for cross-shard presence).
type Hub struct {
	mu    sync.Mutex
	conns map[types.UserIDType]Connection
	rooms map[types.RoomIDType]*roomEntry

	// buildLocks serializes concurrent GetOrLoadRoom calls for the same
	// room ID so two racing joins never construct two Room instances for
	// one durable room.
	buildLocks map[types.RoomIDType]*sync.Mutex

	repo     repository.Repository
	content  types.ContentProvider
	bus      types.BusService
	clock    room.Clock
	newMsgID func() types.MsgIDType

	// shardID tags every message this process publishes to the bus, so its
	// own Subscribe handler can ignore the echo of its own broadcasts.
	shardID types.UserIDType
}

// New constructs a Hub. bus may be nil for single-shard deployments.
func New(repo repository.Repository, content types.ContentProvider, bus types.BusService) *Hub {
	return &Hub{
		conns:      make(map[types.UserIDType]Connection),
		rooms:      make(map[types.RoomIDType]*roomEntry),
		buildLocks: make(map[types.RoomIDType]*sync.Mutex),
		repo:       repo,
		content:    content,
		bus:        bus,
		clock:      room.RealClock(),
		newMsgID:   func() types.MsgIDType { return types.MsgIDType(uuid.NewString()) },
		shardID:    types.UserIDType("shard-" + uuid.NewString()),
	}
}

// RegisterConnection installs conn as the live connection for its user. A
// prior connection for the same user is told it was superseded and closed
// before the new connection is inserted, so no observer ever sees two live
// connections for one user ID.
func (h *Hub) RegisterConnection(ctx context.Context, conn Connection) {
	userID := conn.UserID()

	h.mu.Lock()
	prior, exists := h.conns[userID]
	if exists {
		// Send only enqueues onto the prior connection's own queue and
		// Close only flips its shutdown flag, so both stay inside the
		// critical section without putting a network or DB call there.
		env, err := protocol.NewEnvelope(h.newMsgID, protocol.TagError, "", protocol.ErrorPayload{
			Code: protocol.ErrState,
			Msg:  "superseded",
		})
		if err == nil {
			_ = prior.Send(env)
		}
		prior.Close("superseded by newer connection")
	}
	h.conns[userID] = conn
	h.mu.Unlock()

	if exists {
		logging.Info(ctx, "connection superseded", zap.String("user_id", string(userID)))
	}
	metrics.IncConnection()
}

// UnregisterConnection removes the stored connection for userID only if it
// is still the same identity — this stops a slow-closing old connection
// from evicting the new one that superseded it.
func (h *Hub) UnregisterConnection(userID types.UserIDType, conn Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[userID]; ok && cur == conn {
		delete(h.conns, userID)
		metrics.DecConnection()
	}
}

// IsConnected reports whether a live connection is registered for userID.
// The gateway uses it to tell a real disconnect apart from a superseded
// connection closing after its replacement registered.
func (h *Hub) IsConnected(userID types.UserIDType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}

// CreateRoom allocates a new durable room via the Repository, loads its
// quiz content, and starts its driver task. The caller becomes host.
func (h *Hub) CreateRoom(ctx context.Context, hostUserID types.UserIDType, hostName types.DisplayNameType, quizID types.QuizIDType, settings types.Settings) (*room.Room, error) {
	quiz, err := h.content.GetQuizContent(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("load quiz content: %w", err)
	}

	row, err := h.repo.CreateRoom(ctx, hostUserID, quizID, settings)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	r := room.New(room.Config{
		ID:          row.ID,
		PIN:         row.PIN,
		HostUserID:  hostUserID,
		HostName:    hostName,
		Quiz:        quiz,
		Settings:    settings,
		Repo:        h.repo,
		Broadcaster: h,
		Clock:       h.clock,
		NewMsgID:    h.newMsgID,
	})

	h.startRoom(r)
	logging.Info(ctx, "room created", zap.String("room_id", string(r.ID())), zap.String("pin", string(r.PIN())))
	metrics.ActiveRooms.Inc()
	return r, nil
}

// GetOrLoadRoom returns the in-memory Room for roomID, loading it from the
// Repository and starting its driver task if it is not already resident.
func (h *Hub) GetOrLoadRoom(ctx context.Context, roomID types.RoomIDType) (*room.Room, error) {
	h.mu.Lock()
	if entry, ok := h.rooms[roomID]; ok {
		h.mu.Unlock()
		return entry.r, nil
	}
	lock, ok := h.buildLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		h.buildLocks[roomID] = lock
	}
	h.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have finished construction while we
	// waited for the build lock.
	h.mu.Lock()
	if entry, ok := h.rooms[roomID]; ok {
		h.mu.Unlock()
		return entry.r, nil
	}
	h.mu.Unlock()

	// Split-brain guard: a room already resident on another shard must not
	// be instantiated here too, or the two instances would each run their
	// own clock and diverge.
	if h.bus != nil {
		resident, err := h.bus.SetMembers(ctx, residentRoomsKey)
		if err == nil && set.New(resident...).Has(string(roomID)) {
			return nil, &repository.Error{Kind: repository.KindConflict, Op: "GetOrLoadRoom", Err: fmt.Errorf("room %s is resident on another shard", roomID)}
		}
	}

	row, members, err := h.repo.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if row.Status != types.RoomStatusLobby {
		return nil, &repository.Error{Kind: repository.KindNotFound, Op: "GetOrLoadRoom", Err: fmt.Errorf("room %s is past lobby and cannot be rehydrated after a restart", roomID)}
	}

	quiz, err := h.content.GetQuizContent(ctx, row.QuizID)
	if err != nil {
		return nil, fmt.Errorf("load quiz content: %w", err)
	}

	r := room.Restore(room.Config{
		ID:          row.ID,
		PIN:         row.PIN,
		HostUserID:  row.HostUserID,
		Quiz:        quiz,
		Settings:    row.Settings,
		Repo:        h.repo,
		Broadcaster: h,
		Clock:       h.clock,
		NewMsgID:    h.newMsgID,
	}, members)

	h.startRoom(r)
	logging.Info(ctx, "room restored from durable state", zap.String("room_id", string(r.ID())))
	metrics.ActiveRooms.Inc()
	return r, nil
}

func (h *Hub) startRoom(r *room.Room) {
	runCtx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	h.rooms[r.ID()] = &roomEntry{r: r, cancel: cancel}
	delete(h.buildLocks, r.ID())
	h.mu.Unlock()

	go r.Run(runCtx)

	if h.bus != nil {
		h.bus.Subscribe(runCtx, r.ID(), h.handleRemoteMessage(r.ID()))
		if err := h.bus.SetAdd(context.Background(), residentRoomsKey, string(r.ID())); err != nil {
			logging.Warn(context.Background(), "failed to record room residency on bus", zap.String("room_id", string(r.ID())), zap.Error(err))
		}
	}
}

// Shutdown stops every resident room's driver task and closes every live
// connection. Intended for graceful process shutdown.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	entries := make([]*roomEntry, 0, len(h.rooms))
	for _, e := range h.rooms {
		entries = append(entries, e)
	}
	conns := make([]Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, e := range entries {
		e.r.Stop()
		<-e.r.Done()
		e.cancel()
	}
	for _, c := range conns {
		c.Close("server shutting down")
	}

	logging.Info(ctx, "hub shutdown complete", zap.Int("rooms_closed", len(entries)), zap.Int("connections_closed", len(conns)))
}
