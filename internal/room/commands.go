package room

import "github.com/quizroom/backend/internal/types"

type commandKind int

const (
	kindJoin commandKind = iota
	kindLeave
	kindStart
	kindAnswer
	kindKick
	kindSetPresence
	kindTick
	kindHostOfflineTimeout
)

type command interface {
	kind() commandKind
}

// joinCommand is submitted on every `join` message, including reconnects.
type joinCommand struct {
	UserID      types.UserIDType
	DisplayName types.DisplayNameType
	ReplyTo     chan error
}

func (joinCommand) kind() commandKind { return kindJoin }

// leaveCommand is submitted on an explicit `leave` message or connection
// teardown once the Gateway has decided the member truly left (as opposed
// to a transient disconnect awaiting reconnect).
type leaveCommand struct {
	UserID types.UserIDType
	Reason string
}

func (leaveCommand) kind() commandKind { return kindLeave }

// startCommand is submitted on a `start` message.
type startCommand struct {
	UserID  types.UserIDType
	ReplyTo chan error
}

func (startCommand) kind() commandKind { return kindStart }

// answerCommand is submitted on an `answer` message.
type answerCommand struct {
	UserID        types.UserIDType
	QuestionIndex int
	Choice        string
	ReplyTo       chan error
}

func (answerCommand) kind() commandKind { return kindAnswer }

// kickCommand is submitted on a `kick` message; host only.
type kickCommand struct {
	ByUserID     types.UserIDType
	TargetUserID types.UserIDType
	Reason       string
	ReplyTo      chan error
}

func (kickCommand) kind() commandKind { return kindKick }

// setPresenceCommand marks a member online/offline without removing them,
// submitted by the Hub when a connection registers or is superseded/closed
// without an explicit leave.
type setPresenceCommand struct {
	UserID types.UserIDType
	Online bool
}

func (setPresenceCommand) kind() commandKind { return kindSetPresence }

// tickCommand is the internal signal that the armed phase timer fired.
// The early reveal once all eligible members have answered does not go
// through a tick: advanceIfAllAnswered moves to reveal directly. gen must
// match the driver's current timerGen or the tick is stale and ignored.
type tickCommand struct {
	gen uint64
}

func (tickCommand) kind() commandKind { return kindTick }

// hostOfflineTimeoutCommand fires when a host has been offline for the
// whole grace window (settings.HostOfflineGraceMs; 0 disables it). Like
// tickCommand it is internal: the driver arms the timer in
// handleSetPresence and the timer callback is the only producer. gen must
// match the driver's current hostTimerGen or the command is stale.
type hostOfflineTimeoutCommand struct {
	UserID types.UserIDType
	gen    uint64
}

func (hostOfflineTimeoutCommand) kind() commandKind { return kindHostOfflineTimeout }

// ErrRoomClosed is returned by Submit* calls made after the driver has
// already stopped.
var ErrRoomClosed = &roomClosedError{}

type roomClosedError struct{}

func (*roomClosedError) Error() string { return "room: driver has stopped" }

// Submit* helpers below are the only way external goroutines (Gateway, Hub,
// timers) reach into a Room; all of them just enqueue onto the command
// channel and the corresponding reply channel, if any, is read by the
// caller after dispatch. Every send races against r.done so a Submit made
// after the driver stops returns ErrRoomClosed instead of blocking forever.

func (r *Room) SubmitJoin(userID types.UserIDType, displayName types.DisplayNameType) error {
	reply := make(chan error, 1)
	select {
	case r.commands <- joinCommand{UserID: userID, DisplayName: displayName, ReplyTo: reply}:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) SubmitLeave(userID types.UserIDType, reason string) {
	select {
	case r.commands <- leaveCommand{UserID: userID, Reason: reason}:
	case <-r.done:
	}
}

func (r *Room) SubmitStart(userID types.UserIDType) error {
	reply := make(chan error, 1)
	select {
	case r.commands <- startCommand{UserID: userID, ReplyTo: reply}:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) SubmitAnswer(userID types.UserIDType, questionIndex int, choice string) error {
	reply := make(chan error, 1)
	select {
	case r.commands <- answerCommand{UserID: userID, QuestionIndex: questionIndex, Choice: choice, ReplyTo: reply}:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) SubmitKick(byUserID, targetUserID types.UserIDType, reason string) error {
	reply := make(chan error, 1)
	select {
	case r.commands <- kickCommand{ByUserID: byUserID, TargetUserID: targetUserID, Reason: reason, ReplyTo: reply}:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) SubmitPresence(userID types.UserIDType, online bool) {
	select {
	case r.commands <- setPresenceCommand{UserID: userID, Online: online}:
	case <-r.done:
	}
}
