package domain

import (
	"math"
	"time"
)

// RoomStatus is the persisted lifecycle of a room. It only moves forward.
type RoomStatus string

const (
	RoomWaiting   RoomStatus = "waiting"
	RoomActive    RoomStatus = "active"
	RoomCompleted RoomStatus = "completed"
)

// Rank orders statuses so callers can reject regressions.
func (s RoomStatus) Rank() int {
	switch s {
	case RoomWaiting:
		return 0
	case RoomActive:
		return 1
	case RoomCompleted:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next is a legal forward step from s.
func (s RoomStatus) CanAdvanceTo(next RoomStatus) bool {
	return next.Rank() == s.Rank()+1 && s.Rank() >= 0
}

type Room struct {
	ID          string     `json:"id"`
	Code        string     `json:"room_code"`
	Name        string     `json:"name"`
	Language    string     `json:"language"`
	Difficulty  string     `json:"difficulty"`
	TimeLimit   int        `json:"time_limit"`
	MaxPlayers  int        `json:"max_players"`
	Status      RoomStatus `json:"status"`
	CodeSnippet string     `json:"code_snippet"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// NewRoom is the creator-supplied part of a room.
type NewRoom struct {
	Name        string
	Language    string
	Difficulty  string
	TimeLimit   int
	MaxPlayers  int
	CodeSnippet string
	CreatedBy   string
}

type Participant struct {
	RoomID     string     `json:"room_id"`
	UserID     string     `json:"user_id"`
	IsReady    bool       `json:"is_ready"`
	Progress   float64    `json:"progress"`
	WPM        float64    `json:"wpm"`
	Accuracy   float64    `json:"accuracy"`
	Finished   bool       `json:"finished"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	JoinedAt   time.Time  `json:"joined_at"`
}

// Session is the per-connection mirror of a participant's live state.
type Session struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	ConnID    string    `json:"conn_id"`
	Position  int       `json:"current_position"`
	WPM       float64   `json:"live_wpm"`
	Accuracy  float64   `json:"live_accuracy"`
	Finished  bool      `json:"is_finished"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Score is a permanent result row that outlives the room.
type Score struct {
	UserID          string
	RoomID          string
	Language        string
	Difficulty      string
	WPM             float64
	Accuracy        float64
	CharactersTyped int
	Errors          int
	TimeLimit       int
	CreatedAt       time.Time
}

// Progress is one live metrics sample. Values are clamped on construction.
type Progress struct {
	Percent  float64
	WPM      float64
	Accuracy float64
	Position int
}

// ClampPercent bounds v to [0,100]; NaN and infinities become 0.
func ClampPercent(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampRate bounds v to [0,+inf); NaN and infinities become 0.
func ClampRate(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// NewProgress clamps a raw sample.
func NewProgress(percent, wpm, accuracy float64, position int) Progress {
	if position < 0 {
		position = 0
	}
	return Progress{
		Percent:  ClampPercent(percent),
		WPM:      ClampRate(wpm),
		Accuracy: ClampPercent(accuracy),
		Position: position,
	}
}

// ScoreFor derives the permanent score of a finisher from the race text.
func ScoreFor(room *Room, userID, snippet string, wpm, accuracy float64, at time.Time) *Score {
	chars := len([]rune(snippet))
	acc := ClampPercent(accuracy)
	errs := int(math.Round(float64(chars) * (1 - acc/100)))
	if errs < 0 {
		errs = 0
	}
	return &Score{
		UserID:          userID,
		RoomID:          room.ID,
		Language:        room.Language,
		Difficulty:      room.Difficulty,
		WPM:             ClampRate(wpm),
		Accuracy:        acc,
		CharactersTyped: chars,
		Errors:          errs,
		TimeLimit:       room.TimeLimit,
		CreatedAt:       at,
	}
}
