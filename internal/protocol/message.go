// Package protocol defines the JSON envelopes exchanged over the race socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the "type" discriminator of a client message.
type Kind string

const (
	JoinRoom       Kind = "join_room"
	LeaveRoom      Kind = "leave_room"
	PlayerReady    Kind = "player_ready"
	TypingUpdate   Kind = "typing_update"
	RaceFinished   Kind = "race_finished"
	GetLeaderboard Kind = "get_leaderboard"
)

var (
	ErrMalformed    = errors.New("malformed message")
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// Message is a decoded and validated client message. Only the fields that
// belong to Type are meaningful.
type Message struct {
	Type   Kind
	RoomID string
	UserID string

	Ready bool // player_ready

	Progress float64 // typing_update
	WPM      float64
	Accuracy float64
	Position int

	FinalWPM      float64 // race_finished
	FinalAccuracy float64
}

// wire accepts both snake_case and camelCase spellings.
type wire struct {
	Type string `json:"type"`

	RoomID    string `json:"room_id"`
	RoomIDAlt string `json:"roomId"`
	UserID    string `json:"user_id"`
	UserIDAlt string `json:"userId"`

	Ready *bool `json:"ready"`

	Progress *float64 `json:"progress"`
	WPM      *float64 `json:"wpm"`
	Accuracy *float64 `json:"accuracy"`
	Position *int     `json:"position"`

	FinalWPM         *float64 `json:"final_wpm"`
	FinalWPMAlt      *float64 `json:"finalWpm"`
	FinalAccuracy    *float64 `json:"final_accuracy"`
	FinalAccuracyAlt *float64 `json:"finalAccuracy"`
}

// Decode parses raw into a Message and validates the fields its type requires.
// Numeric values are returned as sent; clamping happens when they are applied.
func Decode(raw []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := Message{
		Type:   Kind(strings.TrimSpace(w.Type)),
		RoomID: firstNonEmpty(w.RoomID, w.RoomIDAlt),
		UserID: firstNonEmpty(w.UserID, w.UserIDAlt),
	}

	switch m.Type {
	case JoinRoom:
		if m.RoomID == "" {
			return m, missing("room_id")
		}
		if m.UserID == "" {
			return m, missing("user_id")
		}
	case LeaveRoom, GetLeaderboard:
	case PlayerReady:
		if m.UserID == "" {
			return m, missing("user_id")
		}
		m.Ready = w.Ready == nil || *w.Ready
	case TypingUpdate:
		if m.UserID == "" {
			return m, missing("user_id")
		}
		if w.Progress == nil {
			return m, missing("progress")
		}
		m.Progress = *w.Progress
		m.WPM = deref(w.WPM)
		m.Accuracy = deref(w.Accuracy)
		if w.Position != nil {
			m.Position = *w.Position
		}
	case RaceFinished:
		if m.UserID == "" {
			return m, missing("user_id")
		}
		wpm, acc := firstSet(w.FinalWPM, w.FinalWPMAlt), firstSet(w.FinalAccuracy, w.FinalAccuracyAlt)
		if wpm == nil {
			return m, missing("final_wpm")
		}
		if acc == nil {
			return m, missing("final_accuracy")
		}
		m.FinalWPM, m.FinalAccuracy = *wpm, *acc
	case "":
		return m, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

func missing(field string) error { return fmt.Errorf("%w: %s", ErrMissingField, field) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstSet(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
