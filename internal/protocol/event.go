package protocol

import (
	"encoding/json"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
)

// Server event types.
const (
	EvConnectionEstablished = "connection_established"
	EvRoomJoined            = "room_joined"
	EvPlayerJoined          = "player_joined"
	EvPlayerLeft            = "player_left"
	EvPlayerReady           = "player_ready"
	EvCountdown             = "countdown"
	EvCountdownCancelled    = "countdown_cancelled"
	EvGameStarted           = "game_started"
	EvTypingProgress        = "typing_progress"
	EvPlayerFinished        = "player_finished"
	EvRaceCompleted         = "race_completed"
	EvGameFinished          = "game_finished"
	EvRoomLeaderboard       = "room_leaderboard"
	EvError                 = "error"
)

// Error codes carried by error events.
const (
	CodeMalformed       = "malformed"
	CodeUnknownType     = "unknown_type"
	CodeNotJoined       = "not_joined"
	CodeUnauthenticated = "unauthenticated"
	CodeNotFound        = "not_found"
	CodeRoomFull        = "room_full"
	CodeRoomClosed      = "room_closed"
	CodeNotStarted      = "race_not_started"
	CodePersistence     = "persistence_failure"
	CodeInternal        = "internal"
)

type ConnectionEstablished struct {
	Type    string `json:"type"`
	ConnID  string `json:"connection_id"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
}

type RoomJoined struct {
	Type         string                `json:"type"`
	RoomID       string                `json:"room_id"`
	SessionID    string                `json:"session_id"`
	Room         *domain.Room          `json:"room"`
	Participants []*domain.Participant `json:"participants"`
}

// PlayerEvent is used for player_joined and player_left.
type PlayerEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type PlayerReadyEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Ready  bool   `json:"ready"`
}

type Countdown struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Seconds int    `json:"seconds"`
}

// CountdownCancelled is sent when readiness dropped below quorum before the
// countdown ended. The room is waiting again.
type CountdownCancelled struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Ready  int    `json:"ready"`
	Needed int    `json:"needed"`
}

type GameStarted struct {
	Type        string    `json:"type"`
	RoomID      string    `json:"room_id"`
	CodeSnippet string    `json:"code_snippet"`
	Language    string    `json:"language"`
	Difficulty  string    `json:"difficulty"`
	TimeLimit   int       `json:"time_limit"`
	StartedAt   time.Time `json:"started_at"`
}

type TypingProgress struct {
	Type     string  `json:"type"`
	RoomID   string  `json:"room_id"`
	UserID   string  `json:"user_id"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	Position int     `json:"position"`
}

// Finish is used for both player_finished (room) and race_completed (finisher).
type Finish struct {
	Type       string    `json:"type"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	WPM        float64   `json:"final_wpm"`
	Accuracy   float64   `json:"final_accuracy"`
	FinishedAt time.Time `json:"finished_at"`
}

type GameFinished struct {
	Type        string                `json:"type"`
	RoomID      string                `json:"room_id"`
	EndedAt     time.Time             `json:"ended_at"`
	Leaderboard []*domain.Participant `json:"leaderboard"`
}

type RoomLeaderboard struct {
	Type         string                `json:"type"`
	RoomID       string                `json:"room_id"`
	Participants []*domain.Participant `json:"participants"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, msg string) Error {
	return Error{Type: EvError, Code: code, Message: msg}
}

// Encode marshals an event. Every event type here marshals cleanly, so a
// failure falls back to a generic error envelope.
func Encode(ev any) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		b, _ = json.Marshal(NewError(CodeInternal, "encode failure"))
	}
	return b
}
