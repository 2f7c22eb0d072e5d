// Package room implements the per-room authoritative state machine: phase,
// question index, timers, members, and scores. Every mutation happens on
// one driver goroutine per Room, which consumes commands from a channel;
// the single-writer discipline is what keeps the ordering of broadcasts
// consistent without fine-grained locking.
package room

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/quizroom/backend/internal/metrics"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/types"
)

// inactivityGraceAfterEnded is how long a room stays registered after
// reaching `ended` before it is closed and deleted.
const inactivityGraceAfterEnded = 5 * time.Minute

// commandQueueDepth bounds the driver's command inbox. The Gateway/Hub
// enqueue commands faster than the driver could possibly starve this —
// every command handler is in-memory except the Repository calls, which
// are the only blocking point in the loop.
const commandQueueDepth = 128

// Config is everything needed to construct a Room.
type Config struct {
	ID          types.RoomIDType
	PIN         types.PINType
	HostUserID  types.UserIDType
	HostName    types.DisplayNameType
	Quiz        *types.Quiz
	Settings    types.Settings
	Repo        repository.Repository
	Broadcaster Broadcaster
	Clock       Clock
	NewMsgID    func() types.MsgIDType
}

// Room is the live, in-memory authority for one quiz session.
type Room struct {
	id         types.RoomIDType
	pin        types.PINType
	quiz       *types.Quiz
	settings   types.Settings
	repo       repository.Repository
	broadcast  Broadcaster
	clock      Clock
	newMsgID   func() types.MsgIDType

	commands chan command
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// driver-owned state; touched only on the driver goroutine.
	phase             types.Phase
	hostUserID        types.UserIDType
	members           map[types.UserIDType]*types.Member
	joinOrder         []types.UserIDType
	currentIndex      int
	deadlineMs        int64
	questionStartedMs int64
	startedAtMs       int64
	endedAtMs         int64
	timer             Timer
	timerGen          uint64

	// hostTimer is armed independently of the phase timer: it fires the
	// host-offline grace (settings.HostOfflineGraceMs) without disturbing
	// a running question/reveal deadline.
	hostTimer    Timer
	hostTimerGen uint64

	// mu guards the published snapshot below and writes to phase, so the
	// Hub can read current membership and phase without a round-trip
	// through the command channel; it is never held across a Repository
	// call.
	mu        sync.RWMutex
	memberIDs set.Set[types.UserIDType]
}

// New constructs a Room in the `lobby` phase with the host as its first
// member. It does not start the driver goroutine: the caller runs Run in
// its own goroutine (kept separate from New so tests can inspect a
// freshly constructed Room before the driver begins consuming commands).
func New(cfg Config) *Room {
	host := &types.Member{
		UserID:      cfg.HostUserID,
		DisplayName: cfg.HostName,
		Role:        types.RoleHost,
		IsOnline:    true,
		Answers:     make(map[int]types.AnswerRecord),
	}

	r := &Room{
		id:         cfg.ID,
		pin:        cfg.PIN,
		quiz:       cfg.Quiz,
		settings:   cfg.Settings,
		repo:       cfg.Repo,
		broadcast:  cfg.Broadcaster,
		clock:      cfg.Clock,
		newMsgID:   cfg.NewMsgID,
		commands:   make(chan command, commandQueueDepth),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		phase:      types.PhaseLobby,
		hostUserID: cfg.HostUserID,
		members:    map[types.UserIDType]*types.Member{cfg.HostUserID: host},
		joinOrder:  []types.UserIDType{cfg.HostUserID},
	}
	if r.clock == nil {
		r.clock = RealClock()
	}
	host.JoinedAt = time.UnixMilli(r.clock.NowMs())
	r.refreshSnapshot()
	return r
}

// Restore reconstructs a Room from durable member rows after a process
// restart. Only a room whose durable status is still `lobby` can be
// faithfully rehydrated this way: mid-quiz state (current question,
// per-question answers, streaks) is never persisted, so a crash mid-quiz
// is not recoverable in place — the caller is expected to refuse to
// restore any room whose status has advanced past lobby.
func Restore(cfg Config, memberRows []repository.MemberRow) *Room {
	r := &Room{
		id:         cfg.ID,
		pin:        cfg.PIN,
		quiz:       cfg.Quiz,
		settings:   cfg.Settings,
		repo:       cfg.Repo,
		broadcast:  cfg.Broadcaster,
		clock:      cfg.Clock,
		newMsgID:   cfg.NewMsgID,
		commands:   make(chan command, commandQueueDepth),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		phase:      types.PhaseLobby,
		hostUserID: cfg.HostUserID,
		members:    make(map[types.UserIDType]*types.Member, len(memberRows)),
		joinOrder:  make([]types.UserIDType, 0, len(memberRows)),
	}
	if r.clock == nil {
		r.clock = RealClock()
	}
	for _, row := range memberRows {
		r.members[row.UserID] = &types.Member{
			UserID:      row.UserID,
			DisplayName: row.DisplayName,
			Role:        row.Role,
			IsOnline:    false,
			JoinedAt:    time.UnixMilli(row.JoinedAt),
			Answers:     make(map[int]types.AnswerRecord),
		}
		r.joinOrder = append(r.joinOrder, row.UserID)
	}
	r.refreshSnapshot()
	return r
}

// ID returns the room's opaque identifier. Immutable after construction.
func (r *Room) ID() types.RoomIDType { return r.id }

// PIN returns the room's display PIN. Immutable after construction.
func (r *Room) PIN() types.PINType { return r.pin }

// Run is the driver loop. Call it in its own goroutine; it returns when
// Stop is called or the room transitions to closed.
func (r *Room) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case cmd := <-r.commands:
			r.dispatch(ctx, cmd)
			if r.phase == types.PhaseClosed {
				return
			}
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop requests the driver to exit; safe to call multiple times. The quit
// channel bypasses the command inbox so shutdown cannot be starved by a
// full queue.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// Done is closed once the driver goroutine has returned.
func (r *Room) Done() <-chan struct{} { return r.done }

// CurrentMemberIDs returns the most recently published set of member user
// IDs, safe to call from any goroutine. Used by the Hub to enumerate
// broadcast recipients without serializing through the command channel.
func (r *Room) CurrentMemberIDs() []types.UserIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberIDs.UnsortedList()
}

// Phase returns the room's last-published phase; safe from any goroutine.
func (r *Room) Phase() types.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// setPhase is the only way the driver mutates phase: the write is taken
// under mu so Phase() is safe from other goroutines, while the driver's own
// reads stay lock-free (single writer).
func (r *Room) setPhase(p types.Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Room) refreshSnapshot() {
	ids := set.New[types.UserIDType]()
	for id := range r.members {
		ids.Insert(id)
	}
	r.mu.Lock()
	r.memberIDs = ids
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(r.id)).Set(float64(ids.Len()))
}

// removeFromJoinOrder drops a departed member's slot so a later rejoin gets
// a fresh position instead of a duplicate entry.
func (r *Room) removeFromJoinOrder(id types.UserIDType) {
	for i, v := range r.joinOrder {
		if v == id {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			return
		}
	}
}

// nonHostMembers lists the players eligible to trigger early-reveal-on-all-
// answered and the completion_rate denominator, honoring HostPlays.
func (r *Room) nonHostMembers() []*types.Member {
	var out []*types.Member
	for _, id := range r.joinOrder {
		m, ok := r.members[id]
		if !ok {
			continue
		}
		if m.Role == types.RoleHost && !r.settings.HostPlays {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Room) allAnswered(index int) bool {
	for _, m := range r.nonHostMembers() {
		if _, answered := m.Answers[index]; !answered {
			return false
		}
	}
	return true
}

func (r *Room) membersSortedForScoring() []types.Member {
	out := make([]types.Member, 0, len(r.members))
	for _, id := range r.joinOrder {
		if m, ok := r.members[id]; ok {
			out = append(out, *m)
		}
	}
	return out
}
