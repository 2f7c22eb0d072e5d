// Package types defines shared identifiers, domain enums, and the interface
// boundaries that let room, hub, gateway, and repository depend on contracts
// instead of on each other's concrete packages.
package types

import (
	"context"
	"time"
)

// UserIDType identifies an authenticated caller, sourced from the catalog
// service's signed session token.
type UserIDType string

// RoomIDType is the opaque identifier assigned to a room at creation.
type RoomIDType string

// PINType is the 6-digit human-facing join code for a room.
type PINType string

// QuizIDType identifies a quiz document owned by the catalog service.
type QuizIDType string

// DisplayNameType is the human-readable name a member joins under.
type DisplayNameType string

// MsgIDType is the caller-chosen correlation identifier on every envelope.
type MsgIDType string

// Phase is the Room's state-machine position.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseQuestion     Phase = "question"
	PhaseReveal       Phase = "reveal"
	PhaseIntermission Phase = "intermission"
	PhaseEnded        Phase = "ended"
	PhaseClosed       Phase = "closed"
)

// Role is a member's authority level within a room.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// RoomStatus mirrors Phase for the durable rooms table; kept distinct
// because the repository persists status independently of the live Room's
// in-memory phase (e.g. a crashed-and-reloaded room).
type RoomStatus string

const (
	RoomStatusLobby  RoomStatus = "lobby"
	RoomStatusActive RoomStatus = "active"
	RoomStatusEnded  RoomStatus = "ended"
	RoomStatusClosed RoomStatus = "closed"
)

// Settings are the host-chosen, per-room configuration knobs.
// HostOfflineGraceMs > 0 enables automatic host transfer after the host
// has been offline that long; 0 disables it, so an offline host is only
// marked offline and transfer happens on explicit leave.
// IntermissionDurationMs, when greater than RevealDurationMs, stretches the
// between-question pause: after the reveal window closes the room lingers
// in the intermission phase for the remainder before the next question.
type Settings struct {
	QuestionDurationMs     int64 `json:"question_duration_ms"`
	RevealDurationMs       int64 `json:"reveal_duration_ms"`
	IntermissionDurationMs int64 `json:"intermission_duration_ms"`
	ShowCorrectness        bool  `json:"show_correctness"`
	ShowLeaderboard        bool  `json:"show_leaderboard"`
	AllowReconnect         bool  `json:"allow_reconnect"`
	MaxParticipants        int   `json:"max_participants"`
	HostPlays              bool  `json:"host_plays"`
	HostOfflineGraceMs     int64 `json:"host_offline_grace_ms"`
}

// DefaultSettings returns the documented defaults for any field the caller
// did not set explicitly.
func DefaultSettings() Settings {
	return Settings{
		QuestionDurationMs:     10_000,
		RevealDurationMs:       5_000,
		IntermissionDurationMs: 0,
		ShowCorrectness:        true,
		ShowLeaderboard:        true,
		AllowReconnect:         true,
		MaxParticipants:        50,
		HostPlays:              false,
		HostOfflineGraceMs:     0,
	}
}

// Question is one entry in a quiz's ordered question list. CorrectIndex is
// never serialized to a client-facing question payload.
type Question struct {
	Index              int      `json:"index"`
	Prompt             string   `json:"prompt"`
	Options            []string `json:"options"`
	CorrectIndex       int      `json:"-"`
	Explanation        string   `json:"explanation,omitempty"`
	DurationMsOverride int64    `json:"duration_ms_override,omitempty"`
}

// Quiz is the ordered, finite question sequence loaded from the catalog.
type Quiz struct {
	ID        QuizIDType `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// AnswerRecord captures a single member's submission for a single question.
type AnswerRecord struct {
	QuestionIndex int   `json:"question_index"`
	Choice        int   `json:"choice"`
	IsCorrect     bool  `json:"is_correct"`
	TimeTakenMs   int64 `json:"time_taken_ms"`
	ScoreDelta    int   `json:"score_delta"`
}

// Member is a (room, user) pair tracked by a live Room and mirrored durably
// by the Repository. Deleted physically on leave, never soft-deleted.
type Member struct {
	UserID         UserIDType           `json:"user_id"`
	DisplayName    DisplayNameType      `json:"display_name"`
	Role           Role                 `json:"role"`
	JoinedAt       time.Time            `json:"joined_at"`
	IsOnline       bool                 `json:"is_online"`
	Score          int                  `json:"score"`
	CurrentStreak  int                  `json:"current_streak"`
	MaxStreak      int                  `json:"max_streak"`
	CorrectAnswers int                  `json:"correct_answers"`
	TotalAnswered  int                  `json:"total_answered"`
	Answers        map[int]AnswerRecord `json:"-"`
}

// LeaderboardEntry is one ranked row of a reveal or end-of-quiz leaderboard.
type LeaderboardEntry struct {
	Rank           int             `json:"rank"`
	UserID         UserIDType      `json:"user_id"`
	DisplayName    DisplayNameType `json:"display_name"`
	Score          int             `json:"score"`
	CorrectAnswers int             `json:"correct_answers"`
	AvgTimeTakenMs float64         `json:"avg_time_taken_ms"`
}

// QuizStats are the aggregate figures broadcast in the `end` message.
type QuizStats struct {
	TotalQuestions    int     `json:"total_questions"`
	TotalParticipants int     `json:"total_participants"`
	AverageScore      float64 `json:"average_score"`
	CompletionRate    float64 `json:"completion_rate"`
	DurationMs        int64   `json:"duration_ms"`
}

// Claims is the decoded, verified identity presented by a client.
type Claims struct {
	UserID      UserIDType
	Email       string
	DisplayName string
	Picture     string
	ExpiresAt   time.Time
}

// PubSubMessage is the envelope moved across the bus between shards.
type PubSubMessage struct {
	RoomID   RoomIDType `json:"room_id"`
	Event    string     `json:"event"`
	Payload  []byte     `json:"payload"`
	SenderID UserIDType `json:"sender_id"`
}

// BusService is the distributed pub/sub boundary used for optional
// cross-shard room presence; a nil BusService means single-shard mode. The
// Set* methods maintain the shared occupancy set that records which rooms
// are resident on which shard.
type BusService interface {
	Publish(ctx context.Context, roomID RoomIDType, event string, payload any, senderID UserIDType) error
	Subscribe(ctx context.Context, roomID RoomIDType, handler func(PubSubMessage))
	SetAdd(ctx context.Context, key, member string) error
	SetRem(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	Close() error
}

// ContentProvider loads quiz content from the external catalog service.
type ContentProvider interface {
	GetQuizContent(ctx context.Context, quizID QuizIDType) (*Quiz, error)
}

// Sendable is anything the Hub can hand to a connection's outbound queue.
// Gateway's protocol.Envelope satisfies it; kept abstract here so the
// types package does not import protocol.
type Sendable interface {
	Bytes() ([]byte, error)
}
