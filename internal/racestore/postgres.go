package racestore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/park285/typerace-coordinator/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const roomColumns = `id, room_code, name, language, difficulty, time_limit, max_players,
	status, code_snippet, created_by, created_at, started_at, ended_at`

const participantColumns = `room_id, user_id, is_ready, progress, wpm, accuracy,
	finished, finished_at, joined_at`

type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping postgres", err)
	}
	return &Postgres{db: db}, nil
}

// EnsureSchema creates the tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) CreateRoom(ctx context.Context, in domain.NewRoom) (*domain.Room, error) {
	if err := validateNewRoom(in); err != nil {
		return nil, err
	}
	const q = `INSERT INTO multiplayer_rooms (
			id, room_code, name, language, difficulty, time_limit, max_players,
			status, code_snippet, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	for i := 0; i < codeAttempts; i++ {
		code, err := codeGen()
		if err != nil {
			return nil, err
		}
		r := &domain.Room{
			ID:          uuid.NewString(),
			Code:        code,
			Name:        strings.TrimSpace(in.Name),
			Language:    in.Language,
			Difficulty:  in.Difficulty,
			TimeLimit:   in.TimeLimit,
			MaxPlayers:  in.MaxPlayers,
			Status:      domain.RoomWaiting,
			CodeSnippet: in.CodeSnippet,
			CreatedBy:   in.CreatedBy,
			CreatedAt:   time.Now().UTC(),
		}
		_, err = p.db.ExecContext(ctx, q,
			r.ID, r.Code, r.Name, r.Language, r.Difficulty, r.TimeLimit, r.MaxPlayers,
			string(r.Status), nullString(r.CodeSnippet), r.CreatedBy, r.CreatedAt,
		)
		if err == nil {
			return r, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return nil, classify("insert room", err)
	}
	return nil, fmt.Errorf("allocate room code: %w", ErrConstraint)
}

func (p *Postgres) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM multiplayer_rooms WHERE id = $1`
	return scanRoom(p.db.QueryRowContext(ctx, q, roomID), "select room")
}

func (p *Postgres) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	q := `SELECT ` + roomColumns + ` FROM multiplayer_rooms WHERE room_code = $1 AND status = 'waiting'`
	return scanRoom(p.db.QueryRowContext(ctx, q, NormalizeCode(code)), "select room by code")
}

func (p *Postgres) ListWaitingRooms(ctx context.Context, limit int) ([]*domain.Room, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + roomColumns + ` FROM multiplayer_rooms
		WHERE status = 'waiting'
		ORDER BY created_at DESC
		LIMIT $1`
	rows, err := p.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, classify("select waiting rooms", err)
	}
	defer rows.Close()

	rooms := make([]*domain.Room, 0, limit)
	for rows.Next() {
		r, err := scanRoom(rows, "scan room")
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate rooms", err)
	}
	return rooms, nil
}

func (p *Postgres) StartRoom(ctx context.Context, roomID, snippet string, at time.Time) (bool, error) {
	const q = `UPDATE multiplayer_rooms
		SET status = 'active', code_snippet = $2, started_at = $3
		WHERE id = $1 AND status = 'waiting'`
	return p.advance(ctx, "start room", roomID, q, roomID, snippet, at)
}

func (p *Postgres) CompleteRoom(ctx context.Context, roomID string, at time.Time) (bool, error) {
	const q = `UPDATE multiplayer_rooms
		SET status = 'completed', ended_at = $2
		WHERE id = $1 AND status = 'active'`
	return p.advance(ctx, "complete room", roomID, q, roomID, at)
}

// advance runs a guarded status update; zero affected rows means the room was
// already past the source status, unless the room does not exist at all.
func (p *Postgres) advance(ctx context.Context, op, roomID, q string, args ...any) (bool, error) {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	if n == 1 {
		return true, nil
	}
	if err := p.exists(ctx, `SELECT 1 FROM multiplayer_rooms WHERE id = $1`, roomID); err != nil {
		return false, classify(op, err)
	}
	return false, nil
}

func (p *Postgres) UpsertParticipant(ctx context.Context, roomID, userID string, at time.Time) (*domain.Participant, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgs
	}
	q := `INSERT INTO room_participants (room_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + participantColumns
	return scanParticipant(p.db.QueryRowContext(ctx, q, roomID, userID, at), "upsert participant")
}

func (p *Postgres) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	const q = `DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`
	if _, err := p.db.ExecContext(ctx, q, roomID, userID); err != nil {
		return classify("delete participant", err)
	}
	return nil
}

func (p *Postgres) SetReady(ctx context.Context, roomID, userID string, ready bool) error {
	const q = `UPDATE room_participants SET is_ready = $3 WHERE room_id = $1 AND user_id = $2`
	res, err := p.db.ExecContext(ctx, q, roomID, userID, ready)
	if err != nil {
		return classify("set ready", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set ready: %w", ErrNotFound)
	}
	return nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, roomID, userID string, pr domain.Progress) error {
	const q = `UPDATE room_participants
		SET progress = $3, wpm = $4, accuracy = $5
		WHERE room_id = $1 AND user_id = $2 AND NOT finished`
	res, err := p.db.ExecContext(ctx, q, roomID, userID, pr.Percent, pr.WPM, pr.Accuracy)
	if err != nil {
		return classify("update progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// finished rows are left alone; only a missing row is an error
		return classify("update progress", p.participantExists(ctx, roomID, userID))
	}
	return nil
}

// FinishParticipant runs the guarded finish update and the score insert in
// one transaction.
func (p *Postgres) FinishParticipant(ctx context.Context, s *domain.Score) (bool, error) {
	const op = "finish participant"
	if err := validateScore(s); err != nil {
		return false, err
	}
	wpm, acc := domain.ClampRate(s.WPM), domain.ClampPercent(s.Accuracy)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	const mark = `UPDATE room_participants
		SET finished = true, finished_at = $3, wpm = $4, accuracy = $5, progress = 100
		WHERE room_id = $1 AND user_id = $2 AND NOT finished`
	res, err := tx.ExecContext(ctx, mark, s.RoomID, s.UserID, s.CreatedAt, wpm, acc)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2`,
			s.RoomID, s.UserID).Scan(&one)
		if err != nil {
			return false, classify(op, err)
		}
		return false, nil
	}

	const insert = `INSERT INTO typing_scores (
			user_id, room_id, language, difficulty, wpm, accuracy,
			characters_typed, errors, time_limit, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := tx.ExecContext(ctx, insert,
		s.UserID, nullString(s.RoomID), s.Language, nullString(s.Difficulty), wpm, acc,
		s.CharactersTyped, s.Errors, s.TimeLimit, s.CreatedAt,
	); err != nil {
		return false, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify(op, err)
	}
	return true, nil
}

func (p *Postgres) ListParticipants(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM room_participants
		WHERE room_id = $1
		ORDER BY joined_at ASC`
	return p.queryParticipants(ctx, "select participants", q, roomID)
}

func (p *Postgres) Leaderboard(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	q := `SELECT ` + participantColumns + ` FROM room_participants
		WHERE room_id = $1
		ORDER BY finished DESC, wpm DESC, progress DESC, joined_at ASC`
	return p.queryParticipants(ctx, "select leaderboard", q, roomID)
}

func (p *Postgres) queryParticipants(ctx context.Context, op, q string, args ...any) ([]*domain.Participant, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		part, err := scanParticipant(rows, op)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (p *Postgres) participantExists(ctx context.Context, roomID, userID string) error {
	return p.exists(ctx, `SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID)
}

func (p *Postgres) exists(ctx context.Context, q string, args ...any) error {
	var one int
	return p.db.QueryRowContext(ctx, q, args...).Scan(&one)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner, op string) (*domain.Room, error) {
	var (
		r       domain.Room
		status  string
		snippet sql.NullString
		started sql.NullTime
		ended   sql.NullTime
	)
	if err := row.Scan(
		&r.ID, &r.Code, &r.Name, &r.Language, &r.Difficulty, &r.TimeLimit, &r.MaxPlayers,
		&status, &snippet, &r.CreatedBy, &r.CreatedAt, &started, &ended,
	); err != nil {
		return nil, classify(op, err)
	}
	r.Status = domain.RoomStatus(status)
	r.CodeSnippet = snippet.String
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return &r, nil
}

func scanParticipant(row rowScanner, op string) (*domain.Participant, error) {
	var (
		part     domain.Participant
		finished sql.NullTime
	)
	if err := row.Scan(
		&part.RoomID, &part.UserID, &part.IsReady, &part.Progress, &part.WPM, &part.Accuracy,
		&part.Finished, &finished, &part.JoinedAt,
	); err != nil {
		return nil, classify(op, err)
	}
	if finished.Valid {
		t := finished.Time
		part.FinishedAt = &t
	}
	return &part, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// classify maps driver failures onto the gateway taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraint) || errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23":
			return fmt.Errorf("%s: %w: %s", op, ErrConstraint, pqErr.Message)
		case "22":
			// malformed identifiers (e.g. a non-uuid room id) cannot match any row
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pqErr.Message)
		case "08", "53", "57":
			return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, pqErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
