// Package repository is the durable persistence layer: rooms, members, and
// final quiz results, backed by Postgres. A single Repository interface
// fronts the storage so internal/room depends on a contract, never on
// database/sql directly.
package repository

import (
	"context"
	"errors"

	"github.com/quizroom/backend/internal/types"
)

// Kind classifies a repository error so callers can branch without string
// matching driver errors.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindConflict
)

// Error is the tagged error every Repository method returns on failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a repository not-found error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsConflict reports whether err is a repository conflict error (e.g. PIN
// collision).
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConflict
}

// RoomRow is the durable shape of a room.
type RoomRow struct {
	ID         types.RoomIDType
	PIN        types.PINType
	QuizID     types.QuizIDType
	HostUserID types.UserIDType
	Status     types.RoomStatus
	Settings   types.Settings
	CreatedAt  int64
	StartedAt  *int64
	EndedAt    *int64
}

// MemberRow is the durable shape of a member.
type MemberRow struct {
	RoomID      types.RoomIDType
	UserID      types.UserIDType
	DisplayName types.DisplayNameType
	Role        types.Role
	JoinedAt    int64
}

// SessionResult is the durable shape of a finished quiz's per-user outcome,
// persisted alongside the final leaderboard.
type SessionResult struct {
	RoomID         types.RoomIDType
	UserID         types.UserIDType
	Score          int
	CorrectAnswers int
	TotalAnswered  int
	Rank           int
}

// Repository is the full persistence contract used by internal/room and
// internal/hub. A single concrete implementation, Postgres, backs it.
type Repository interface {
	// CreateRoom allocates a unique PIN and inserts the room row. It
	// retries internally on PIN collision (see generatePIN) up to the
	// documented retry budget before surfacing a conflict.
	CreateRoom(ctx context.Context, hostUserID types.UserIDType, quizID types.QuizIDType, settings types.Settings) (*RoomRow, error)
	LookupRoomByPIN(ctx context.Context, pin types.PINType) (*RoomRow, error)
	LoadRoom(ctx context.Context, roomID types.RoomIDType) (*RoomRow, []MemberRow, error)
	AddMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, displayName types.DisplayNameType, role types.Role) error
	RemoveMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, reason string) error
	TransferHost(ctx context.Context, roomID types.RoomIDType, oldHost, newHost types.UserIDType) error
	DeleteRoom(ctx context.Context, roomID types.RoomIDType) error
	PersistFinalResults(ctx context.Context, roomID types.RoomIDType, results []SessionResult) error
	UpdateRoomStatus(ctx context.Context, roomID types.RoomIDType, status types.RoomStatus) error
}
