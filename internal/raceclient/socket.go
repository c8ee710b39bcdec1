package raceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one server frame. Raw keeps the full payload for typed decoding.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full frame into v.
func (e Event) Decode(v any) error { return json.Unmarshal(e.Raw, v) }

// Socket is a single race connection.
type Socket struct {
	conn   *websocket.Conn
	userID string
}

// WSURL maps an http(s) base URL to the server's socket endpoint.
func WSURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Dial opens a socket. A non-empty userID is sent in the handshake.
func Dial(ctx context.Context, wsURL, userID string) (*Socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	h := http.Header{}
	if userID != "" {
		h.Set(userHeader, userID)
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      h,
	})
	if err != nil {
		return nil, err
	}
	return &Socket{conn: conn, userID: userID}, nil
}

func (s *Socket) Send(ctx context.Context, msg any) error {
	return wsjson.Write(ctx, s.conn, msg)
}

func (s *Socket) Join(ctx context.Context, roomID string) error {
	return s.Send(ctx, map[string]any{"type": "join_room", "room_id": roomID, "user_id": s.userID})
}

func (s *Socket) Ready(ctx context.Context) error {
	return s.Send(ctx, map[string]any{"type": "player_ready", "user_id": s.userID})
}

func (s *Socket) Typing(ctx context.Context, progress, wpm, accuracy float64, position int) error {
	return s.Send(ctx, map[string]any{
		"type": "typing_update", "user_id": s.userID,
		"progress": progress, "wpm": wpm, "accuracy": accuracy, "position": position,
	})
}

func (s *Socket) Finish(ctx context.Context, wpm, accuracy float64) error {
	return s.Send(ctx, map[string]any{
		"type": "race_finished", "user_id": s.userID,
		"final_wpm": wpm, "final_accuracy": accuracy,
	})
}

func (s *Socket) Leave(ctx context.Context) error {
	return s.Send(ctx, map[string]any{"type": "leave_room"})
}

// Next blocks for the next server frame.
func (s *Socket) Next(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return Event{Type: head.Type, Raw: data}, nil
}

// Await skips frames until one of type typ arrives.
func (s *Socket) Await(ctx context.Context, typ string) (Event, error) {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("await %s: %w", typ, err)
		}
		if ev.Type == typ {
			return ev, nil
		}
	}
}

func (s *Socket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}
