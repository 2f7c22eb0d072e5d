package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

// maxPINAllocationAttempts bounds CreateRoom's retry loop on PIN
// collision; exhaustion surfaces a conflict to the caller.
const maxPINAllocationAttempts = 10

// pqUniqueViolation is the Postgres error code for a unique-constraint
// violation (23505), used to detect PIN collisions without string matching.
const pqUniqueViolation = "23505"

// Postgres is the concrete Repository backed by database/sql + lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-opened *sql.DB. Callers own the pool's
// lifecycle (SetMaxOpenConns etc.) and Close.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Ping verifies the database connection is reachable, used by the
// readiness health check.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Bootstrap creates the tables this repository needs if they do not already
// exist, a convenience for local runs against a fresh database. Versioned
// schema evolution lives under repository/migrations via goose.
func (p *Postgres) Bootstrap(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id            UUID PRIMARY KEY,
	pin           TEXT NOT NULL UNIQUE,
	quiz_id       TEXT NOT NULL,
	host_user_id  TEXT NOT NULL,
	status        TEXT NOT NULL,
	settings      JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS members (
	id            BIGSERIAL PRIMARY KEY,
	room_id       UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id       TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	role          TEXT NOT NULL,
	joined_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(room_id, user_id)
);

CREATE TABLE IF NOT EXISTS session_results (
	id              BIGSERIAL PRIMARY KEY,
	room_id         UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	score           INTEGER NOT NULL,
	correct_answers INTEGER NOT NULL,
	total_answered  INTEGER NOT NULL,
	rank            INTEGER NOT NULL
);
`
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("repository: bootstrap schema: %w", err)
	}
	return nil
}

// generatePIN samples a cryptographically random 6-digit PIN and rejects
// disallowed patterns: all-same-digit, ascending/descending sequential, and
// all-zero.
func generatePIN() (types.PINType, error) {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("repository: generate pin: %w", err)
		}
		pin := fmt.Sprintf("%06d", n.Int64())
		if isDisallowedPIN(pin) {
			continue
		}
		return types.PINType(pin), nil
	}
}

func isDisallowedPIN(pin string) bool {
	if pin == "000000" {
		return true
	}
	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[i-1]+1 {
			ascending = false
		}
		if pin[i] != pin[i-1]-1 {
			descending = false
		}
	}
	return ascending || descending
}

// CreateRoom allocates a PIN and inserts the room row, retrying on
// collision up to maxPINAllocationAttempts.
func (p *Postgres) CreateRoom(ctx context.Context, hostUserID types.UserIDType, quizID types.QuizIDType, settings types.Settings) (*RoomRow, error) {
	settingsJSON, err := marshalSettings(settings)
	if err != nil {
		return nil, &Error{Kind: KindOther, Op: "CreateRoom", Err: err}
	}

	roomID := types.RoomIDType(uuid.New().String())

	var lastErr error
	for attempt := 0; attempt < maxPINAllocationAttempts; attempt++ {
		pin, err := generatePIN()
		if err != nil {
			return nil, &Error{Kind: KindOther, Op: "CreateRoom", Err: err}
		}

		_, err = p.db.ExecContext(ctx, `
			INSERT INTO rooms (id, pin, quiz_id, host_user_id, status, settings)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(roomID), string(pin), string(quizID), string(hostUserID), string(types.RoomStatusLobby), settingsJSON,
		)
		if err == nil {
			return &RoomRow{
				ID:         roomID,
				PIN:        pin,
				QuizID:     quizID,
				HostUserID: hostUserID,
				Status:     types.RoomStatusLobby,
				Settings:   settings,
			}, nil
		}

		if isUniqueViolation(err) {
			lastErr = err
			logging.Warn(ctx, "pin collision during room creation, retrying",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		return nil, &Error{Kind: KindOther, Op: "CreateRoom", Err: err}
	}
	return nil, &Error{Kind: KindConflict, Op: "CreateRoom", Err: fmt.Errorf("exhausted %d pin allocation attempts: %w", maxPINAllocationAttempts, lastErr)}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

// LookupRoomByPIN finds a room by its display PIN.
func (p *Postgres) LookupRoomByPIN(ctx context.Context, pin types.PINType) (*RoomRow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, pin, quiz_id, host_user_id, status, settings
		FROM rooms WHERE pin = $1`, string(pin))
	return scanRoomRow(row)
}

// LoadRoom loads a room and its current members.
func (p *Postgres) LoadRoom(ctx context.Context, roomID types.RoomIDType) (*RoomRow, []MemberRow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, pin, quiz_id, host_user_id, status, settings
		FROM rooms WHERE id = $1`, string(roomID))
	room, err := scanRoomRow(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT room_id, user_id, display_name, role, EXTRACT(EPOCH FROM joined_at)*1000
		FROM members WHERE room_id = $1 ORDER BY joined_at ASC`, string(roomID))
	if err != nil {
		return nil, nil, &Error{Kind: KindOther, Op: "LoadRoom", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var members []MemberRow
	for rows.Next() {
		var m MemberRow
		var rID, uID, role string
		var joinedAtMs float64
		if err := rows.Scan(&rID, &uID, &m.DisplayName, &role, &joinedAtMs); err != nil {
			return nil, nil, &Error{Kind: KindOther, Op: "LoadRoom", Err: err}
		}
		m.RoomID = types.RoomIDType(rID)
		m.UserID = types.UserIDType(uID)
		m.Role = types.Role(role)
		m.JoinedAt = int64(joinedAtMs)
		members = append(members, m)
	}
	return room, members, nil
}

// AddMember inserts a member row. It deletes any stale row for the same
// (room, user) first — physical delete on leave plus this
// delete-before-insert is what makes rejoin safe against the
// UNIQUE(room_id, user_id) constraint.
func (p *Postgres) AddMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, displayName types.DisplayNameType, role types.Role) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Kind: KindOther, Op: "AddMember", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE room_id = $1 AND user_id = $2`, string(roomID), string(userID)); err != nil {
		return &Error{Kind: KindOther, Op: "AddMember", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO members (room_id, user_id, display_name, role)
		VALUES ($1, $2, $3, $4)`,
		string(roomID), string(userID), string(displayName), string(role),
	); err != nil {
		return &Error{Kind: KindOther, Op: "AddMember", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Kind: KindOther, Op: "AddMember", Err: err}
	}
	return nil
}

// RemoveMember physically deletes the member row. A soft-delete would
// leave the unique key behind and block the same user from rejoining.
func (p *Postgres) RemoveMember(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, reason string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM members WHERE room_id = $1 AND user_id = $2`, string(roomID), string(userID))
	if err != nil {
		return &Error{Kind: KindOther, Op: "RemoveMember", Err: err}
	}
	return nil
}

// TransferHost updates the room's host pointer and both member roles in a
// single transaction; the rows must change atomically.
func (p *Postgres) TransferHost(ctx context.Context, roomID types.RoomIDType, oldHost, newHost types.UserIDType) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Kind: KindOther, Op: "TransferHost", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET host_user_id = $1 WHERE id = $2`, string(newHost), string(roomID)); err != nil {
		return &Error{Kind: KindOther, Op: "TransferHost", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE members SET role = $1 WHERE room_id = $2 AND user_id = $3`, string(types.RolePlayer), string(roomID), string(oldHost)); err != nil {
		return &Error{Kind: KindOther, Op: "TransferHost", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE members SET role = $1 WHERE room_id = $2 AND user_id = $3`, string(types.RoleHost), string(roomID), string(newHost)); err != nil {
		return &Error{Kind: KindOther, Op: "TransferHost", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Kind: KindOther, Op: "TransferHost", Err: err}
	}
	return nil
}

// DeleteRoom deletes the room row; members cascade via the foreign key.
func (p *Postgres) DeleteRoom(ctx context.Context, roomID types.RoomIDType) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, string(roomID))
	if err != nil {
		return &Error{Kind: KindOther, Op: "DeleteRoom", Err: err}
	}
	return nil
}

// PersistFinalResults writes one row per participant's final standing.
func (p *Postgres) PersistFinalResults(ctx context.Context, roomID types.RoomIDType, results []SessionResult) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Kind: KindOther, Op: "PersistFinalResults", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range results {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_results (room_id, user_id, score, correct_answers, total_answered, rank)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			string(roomID), string(r.UserID), r.Score, r.CorrectAnswers, r.TotalAnswered, r.Rank,
		); err != nil {
			return &Error{Kind: KindOther, Op: "PersistFinalResults", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET status = $1, ended_at = now() WHERE id = $2`, string(types.RoomStatusEnded), string(roomID)); err != nil {
		return &Error{Kind: KindOther, Op: "PersistFinalResults", Err: err}
	}
	return tx.Commit()
}

// UpdateRoomStatus sets a room's status column, stamping started_at/ended_at
// as appropriate.
func (p *Postgres) UpdateRoomStatus(ctx context.Context, roomID types.RoomIDType, status types.RoomStatus) error {
	var err error
	switch status {
	case types.RoomStatusActive:
		_, err = p.db.ExecContext(ctx, `UPDATE rooms SET status = $1, started_at = now() WHERE id = $2`, string(status), string(roomID))
	default:
		_, err = p.db.ExecContext(ctx, `UPDATE rooms SET status = $1 WHERE id = $2`, string(status), string(roomID))
	}
	if err != nil {
		return &Error{Kind: KindOther, Op: "UpdateRoomStatus", Err: err}
	}
	return nil
}

func scanRoomRow(row *sql.Row) (*RoomRow, error) {
	var r RoomRow
	var id, pin, quizID, host, status string
	var settingsJSON []byte
	if err := row.Scan(&id, &pin, &quizID, &host, &status, &settingsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &Error{Kind: KindNotFound, Op: "LoadRoom", Err: err}
		}
		return nil, &Error{Kind: KindOther, Op: "LoadRoom", Err: err}
	}
	r.ID = types.RoomIDType(id)
	r.PIN = types.PINType(pin)
	r.QuizID = types.QuizIDType(quizID)
	r.HostUserID = types.UserIDType(host)
	r.Status = types.RoomStatus(status)

	settings, err := unmarshalSettings(settingsJSON)
	if err != nil {
		return nil, &Error{Kind: KindOther, Op: "LoadRoom", Err: err}
	}
	r.Settings = settings
	return &r, nil
}
