package racestore

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConstraint  = errors.New("constraint violation")
	ErrUnavailable = errors.New("store unavailable")
	ErrInvalidArgs = errors.New("invalid arguments")
)

const (
	codeLength   = 6
	codeAttempts = 5
)

// Gateway is the durable store behind the race coordinator.
// Every call may fail with ErrNotFound, ErrConstraint or ErrUnavailable (wrapped).
type Gateway interface {
	// CreateRoom inserts a waiting room with a fresh display code.
	CreateRoom(ctx context.Context, in domain.NewRoom) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	// GetRoomByCode only resolves rooms that are still waiting.
	GetRoomByCode(ctx context.Context, code string) (*domain.Room, error)
	ListWaitingRooms(ctx context.Context, limit int) ([]*domain.Room, error)
	// StartRoom moves waiting → active and pins the snippet. It reports false
	// when the room was no longer waiting.
	StartRoom(ctx context.Context, roomID, snippet string, at time.Time) (bool, error)
	// CompleteRoom moves active → completed. It reports false when the room
	// was not active.
	CompleteRoom(ctx context.Context, roomID string, at time.Time) (bool, error)

	// UpsertParticipant creates the (room, user) row or returns the existing one.
	UpsertParticipant(ctx context.Context, roomID, userID string, at time.Time) (*domain.Participant, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	SetReady(ctx context.Context, roomID, userID string, ready bool) error
	// UpdateProgress overwrites live metrics of an unfinished participant.
	UpdateProgress(ctx context.Context, roomID, userID string, p domain.Progress) error
	// FinishParticipant marks s.UserID finished in s.RoomID with the score's
	// metrics and records the score, both or neither. It reports false and
	// records nothing when the participant had already finished.
	FinishParticipant(ctx context.Context, s *domain.Score) (bool, error)
	// ListParticipants returns rows ordered by join time.
	ListParticipants(ctx context.Context, roomID string) ([]*domain.Participant, error)
	// Leaderboard returns rows ordered finished first, then wpm, then progress.
	Leaderboard(ctx context.Context, roomID string) ([]*domain.Participant, error)

	Close() error
}

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// codeGen returns codeLength upper alnum characters.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b), nil
}

// NormalizeCode upper-cases and trims a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validateScore(s *domain.Score) error {
	if s == nil || strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.RoomID) == "" {
		return ErrInvalidArgs
	}
	return nil
}

func validateNewRoom(in domain.NewRoom) error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.CreatedBy) == "" {
		return ErrInvalidArgs
	}
	if in.MaxPlayers < 2 || in.TimeLimit < 0 {
		return ErrInvalidArgs
	}
	return nil
}

var (
	_ Gateway = (*Memory)(nil)
	_ Gateway = (*Postgres)(nil)
)
