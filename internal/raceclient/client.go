// Package raceclient talks to a race server over REST and the race socket.
package raceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
	"github.com/valyala/fasthttp"
)

const userHeader = "X-User-Id"

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("race api error: status=%d body=%s", e.Status, e.Body)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

type Client struct {
	baseURL string
	http    *fasthttp.Client
	userID  string

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithUser sets the identity sent in X-User-Id.
func WithUser(userID string) Option {
	return func(c *Client) { c.userID = strings.TrimSpace(userID) }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Health struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Rooms         int    `json:"rooms"`
	Sockets       int64  `json:"sockets"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

type CreateRoomRequest struct {
	Name       string `json:"name"`
	Language   string `json:"language,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	TimeLimit  *int   `json:"time_limit,omitempty"`
	MaxPlayers *int   `json:"max_players,omitempty"`
}

type Leaderboard struct {
	RoomID       string                `json:"room_id"`
	Participants []*domain.Participant `json:"participants"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/healthz", nil, &h, true); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	var rooms []*domain.Room
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/rooms", nil, &rooms, true); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom is not retried; a lost response would otherwise create twice.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*domain.Room, error) {
	var room domain.Room
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/rooms", req, &room, false); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	var room domain.Room
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &room, true); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) RoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	var room domain.Room
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/rooms/code/"+url.PathEscape(code), nil, &room, true); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) Leaderboard(ctx context.Context, roomID string) (*Leaderboard, error) {
	var lb Leaderboard
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/leaderboard", nil, &lb, true); err != nil {
		return nil, err
	}
	return &lb, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.userID != "" {
		req.Header.Set(userHeader, c.userID)
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else if status := resp.StatusCode(); status < 200 || status >= 300 {
			lastErr = &APIError{Status: status, Body: truncate(string(resp.Body()), 512)}
			if !shouldRetryStatus(status) {
				return lastErr
			}
		} else {
			if out != nil {
				if err := json.Unmarshal(resp.Body(), out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := sleepWithContext(ctx, backoffDuration(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
