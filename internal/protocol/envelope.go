// Package protocol defines the wire format for the quiz room service: the
// envelope every frame is wrapped in, and one concrete Go struct per
// message tag. Decoding goes through a closed, type-switch-based union —
// an unrecognized tag never reaches room or hub as an unchecked cast.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/quizroom/backend/internal/types"
)

// Version is the only envelope version this server accepts.
const Version = 1

// Tag identifies the shape of an envelope's Data field.
type Tag string

// Client -> server tags.
const (
	TagCreateRoom Tag = "create_room"
	TagJoin       Tag = "join"
	TagStart      Tag = "start"
	TagAnswer     Tag = "answer"
	TagLeave      Tag = "leave"
	TagKick       Tag = "kick"
	TagPing       Tag = "ping"
)

// Server -> client tags.
const (
	TagState    Tag = "state"
	TagJoined   Tag = "joined"
	TagLeft     Tag = "left"
	TagKicked   Tag = "kicked"
	TagQuestion Tag = "question"
	TagReveal   Tag = "reveal"
	TagScore    Tag = "score"
	TagEnd      Tag = "end"
	TagError    Tag = "error"
	TagPong     Tag = "pong"
)

// Envelope is the wire struct carried by every frame in both directions.
type Envelope struct {
	V      int              `json:"v"`
	Type   Tag              `json:"type"`
	MsgID  types.MsgIDType  `json:"msg_id"`
	RoomID types.RoomIDType `json:"room_id,omitempty"`
	Data   json.RawMessage  `json:"data"`
}

// Bytes marshals the envelope, satisfying types.Sendable.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// NewEnvelope builds a server-originated envelope with a fresh message ID.
// The server never echoes a caller's msg_id back verbatim.
func NewEnvelope(newMsgID func() types.MsgIDType, tag Tag, roomID types.RoomIDType, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", tag, err)
	}
	return &Envelope{
		V:      Version,
		Type:   tag,
		MsgID:  newMsgID(),
		RoomID: roomID,
		Data:   raw,
	}, nil
}

// Decode parses a raw inbound frame into an envelope and validates the
// envelope-level schema (version, presence of msg_id, known type). It does
// not validate the type-specific Data payload; callers follow with the
// per-tag decoder (DecodeCreateRoom, DecodeJoin, DecodeAnswer, DecodeKick,
// DecodePing) for the matching Tag.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Reason: "malformed envelope JSON"}
	}
	if env.V != Version {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported protocol version %d", env.V)}
	}
	if env.MsgID == "" {
		return nil, &ValidationError{Reason: "msg_id is required"}
	}
	if !isKnownClientTag(env.Type) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
	return &env, nil
}

func isKnownClientTag(t Tag) bool {
	switch t {
	case TagCreateRoom, TagJoin, TagStart, TagAnswer, TagLeave, TagKick, TagPing:
		return true
	case TagPong:
		// Clients answer the server's keepalive ping with a pong frame.
		return true
	default:
		return false
	}
}

// ValidationError is returned for any envelope or payload that fails the
// inbound schema check; the Gateway maps it onto error{code:VALIDATION}.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
