package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/quizroom/backend/internal/types"
)

// --- Client -> server payloads ---

// CreateRoomPayload is the data for TagCreateRoom. The caller becomes host.
type CreateRoomPayload struct {
	QuizID   types.QuizIDType `json:"quiz_id"`
	Settings RoomSettings     `json:"settings"`
}

// RoomSettings mirrors types.Settings on the wire; MaxParticipants is a
// pointer so the Gateway can tell "omitted" (use the default) apart from
// an explicit zero, which would otherwise lock everyone out.
type RoomSettings struct {
	QuestionDurationMs     int64 `json:"question_duration_ms"`
	IntermissionDurationMs int64 `json:"intermission_duration_ms,omitempty"`
	ShowCorrectness        bool  `json:"show_correctness"`
	ShowLeaderboard        bool  `json:"show_leaderboard"`
	AllowReconnect         bool  `json:"allow_reconnect"`
	MaxParticipants        *int  `json:"max_participants,omitempty"`
	HostOfflineGraceMs     int64 `json:"host_offline_grace_ms,omitempty"`
}

// ToDomain merges the caller-supplied settings onto the documented defaults.
func (s RoomSettings) ToDomain() types.Settings {
	out := types.DefaultSettings()
	if s.QuestionDurationMs > 0 {
		out.QuestionDurationMs = s.QuestionDurationMs
	}
	if s.IntermissionDurationMs > 0 {
		out.IntermissionDurationMs = s.IntermissionDurationMs
	}
	out.ShowCorrectness = s.ShowCorrectness
	out.ShowLeaderboard = s.ShowLeaderboard
	out.AllowReconnect = s.AllowReconnect
	if s.MaxParticipants != nil && *s.MaxParticipants > 0 {
		out.MaxParticipants = *s.MaxParticipants
	}
	if s.HostOfflineGraceMs > 0 {
		out.HostOfflineGraceMs = s.HostOfflineGraceMs
	}
	return out
}

// JoinPayload is the data for TagJoin.
type JoinPayload struct {
	PIN         types.PINType         `json:"pin"`
	DisplayName types.DisplayNameType `json:"display_name"`
}

// StartPayload is the data for TagStart; it carries no fields.
type StartPayload struct{}

// AnswerPayload is the data for TagAnswer. Choice is accepted as either the
// option text or its stringified index; the room resolves either form
// consistently against the loaded question.
type AnswerPayload struct {
	QuestionIndex int    `json:"question_index"`
	Choice        string `json:"choice"`
}

// LeavePayload is the data for TagLeave; it carries no fields.
type LeavePayload struct{}

// KickPayload is the data for TagKick; host only.
type KickPayload struct {
	UserID types.UserIDType `json:"user_id"`
	Reason string           `json:"reason,omitempty"`
}

// PingPayload is the data for TagPing.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// --- Server -> client payloads ---

// StatePayload is the full current snapshot, sent on every state change and
// on reconnect.
type StatePayload struct {
	Phase           types.Phase      `json:"phase"`
	RoomID          types.RoomIDType `json:"room_id"`
	PIN             types.PINType    `json:"pin"`
	HostID          types.UserIDType `json:"host_id"`
	QuestionIndex   int              `json:"question_index"`
	TotalQuestions  int              `json:"total_questions"`
	PhaseDeadlineMs int64            `json:"phase_deadline_ms"`
	Members         []MemberView     `json:"members"`
	Settings        types.Settings   `json:"settings"`
}

// MemberView is the wire shape of types.Member.
type MemberView struct {
	UserID         types.UserIDType      `json:"user_id"`
	DisplayName    types.DisplayNameType `json:"display_name"`
	Role           types.Role            `json:"role"`
	IsOnline       bool                  `json:"is_online"`
	Score          int                   `json:"score"`
	CurrentStreak  int                   `json:"current_streak"`
	CorrectAnswers int                   `json:"correct_answers"`
	TotalAnswered  int                   `json:"total_answered"`
}

// JoinedPayload is the data for TagJoined.
type JoinedPayload struct {
	User MemberView `json:"user"`
}

// LeftPayload is the data for TagLeft.
type LeftPayload struct {
	UserID types.UserIDType `json:"user_id"`
	Reason string           `json:"reason"`
}

// KickedPayload is the data for TagKicked.
type KickedPayload struct {
	UserID types.UserIDType `json:"user_id"`
	Reason string           `json:"reason"`
}

// QuestionPayload is the data for TagQuestion; never contains the correct
// answer.
type QuestionPayload struct {
	Index      int      `json:"index"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	DeadlineMs int64    `json:"deadline_ms"`
	DurationMs int64    `json:"duration_ms"`
}

// UserStat is one row of a reveal payload's per-user outcomes.
type UserStat struct {
	UserID      types.UserIDType      `json:"user_id"`
	DisplayName types.DisplayNameType `json:"display_name"`
	Choice      string                `json:"choice"`
	IsCorrect   bool                  `json:"is_correct"`
	TimeTakenMs int64                 `json:"time_taken_ms"`
	ScoreDelta  int                   `json:"score_delta"`
}

// RevealPayload is the data for TagReveal.
type RevealPayload struct {
	Index         int                      `json:"index"`
	CorrectChoice string                   `json:"correct_choice"`
	CorrectIndex  int                      `json:"correct_index"`
	Explanation   string                   `json:"explanation,omitempty"`
	UserStats     []UserStat               `json:"user_stats"`
	Leaderboard   []types.LeaderboardEntry `json:"leaderboard"`
}

// ScorePayload is the optional interim per-user score update.
type ScorePayload struct {
	UserID types.UserIDType `json:"user_id"`
	Score  int              `json:"score"`
	Delta  int              `json:"delta"`
}

// EndPayload is the data for TagEnd.
type EndPayload struct {
	FinalLeaderboard []types.LeaderboardEntry `json:"final_leaderboard"`
	QuizStats        types.QuizStats          `json:"quiz_stats"`
}

// ErrorCode is a terse machine-readable error classification.
type ErrorCode string

const (
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrValidation   ErrorCode = "VALIDATION"
	ErrState        ErrorCode = "STATE"
	ErrRoomFull     ErrorCode = "ROOM_FULL"
	ErrRateLimit    ErrorCode = "RATE_LIMIT"
)

// ErrorPayload is the data for TagError.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Msg     string    `json:"msg"`
	Details string    `json:"details,omitempty"`
}

// PongPayload is the data for TagPong.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// DecodeCreateRoom, DecodeJoin, DecodeAnswer, and DecodeKick unmarshal an
// envelope's Data into the payload struct matching its Tag, returning a
// *ValidationError on schema mismatch. One function per client tag keeps
// the union closed: adding a tag means adding a decoder, never a blind
// cast downstream.

func DecodeCreateRoom(env *Envelope) (*CreateRoomPayload, error) {
	var p CreateRoomPayload
	if err := strictUnmarshal(env.Data, &p); err != nil {
		return nil, err
	}
	if p.QuizID == "" {
		return nil, &ValidationError{Reason: "create_room: quiz_id is required"}
	}
	return &p, nil
}

func DecodeJoin(env *Envelope) (*JoinPayload, error) {
	var p JoinPayload
	if err := strictUnmarshal(env.Data, &p); err != nil {
		return nil, err
	}
	if p.PIN == "" {
		return nil, &ValidationError{Reason: "join: pin is required"}
	}
	if p.DisplayName == "" {
		return nil, &ValidationError{Reason: "join: display_name is required"}
	}
	return &p, nil
}

func DecodeAnswer(env *Envelope) (*AnswerPayload, error) {
	var p AnswerPayload
	if err := strictUnmarshal(env.Data, &p); err != nil {
		return nil, err
	}
	if p.Choice == "" {
		return nil, &ValidationError{Reason: "answer: choice is required"}
	}
	return &p, nil
}

func DecodeKick(env *Envelope) (*KickPayload, error) {
	var p KickPayload
	if err := strictUnmarshal(env.Data, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, &ValidationError{Reason: "kick: user_id is required"}
	}
	return &p, nil
}

func DecodePing(env *Envelope) (*PingPayload, error) {
	var p PingPayload
	if err := strictUnmarshal(env.Data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}
