package room

import "github.com/quizroom/backend/internal/protocol"

// CommandError is the error shape every Submit* call returns on rejection;
// the Gateway maps Code directly onto protocol.ErrorPayload.Code.
type CommandError struct {
	Code protocol.ErrorCode
	Msg  string
}

func (e *CommandError) Error() string { return e.Msg }

func stateErr(msg string) *CommandError {
	return &CommandError{Code: protocol.ErrState, Msg: msg}
}

func forbiddenErr(msg string) *CommandError {
	return &CommandError{Code: protocol.ErrForbidden, Msg: msg}
}

func roomFullErr(msg string) *CommandError {
	return &CommandError{Code: protocol.ErrRoomFull, Msg: msg}
}

func notFoundErr(msg string) *CommandError {
	return &CommandError{Code: protocol.ErrNotFound, Msg: msg}
}
