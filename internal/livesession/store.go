package livesession

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/park285/typerace-coordinator/internal/domain"
)

var ErrSessionGone = errors.New("live session not found or expired")

// Store mirrors per-connection typing state for the lifetime of a socket.
type Store interface {
	Upsert(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	UpdateProgress(ctx context.Context, id string, p domain.Progress) error
	MarkFinished(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ListByRoom(ctx context.Context, roomID string) ([]*domain.Session, error)
}

// Memory keeps sessions in process; used when REDIS_URL is not configured.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*domain.Session)}
}

func (m *Memory) Upsert(ctx context.Context, s *domain.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id required")
	}
	cp := *s
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionGone
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionGone
	}
	applyProgress(s, p)
	return nil
}

func (m *Memory) MarkFinished(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionGone
	}
	s.Finished = true
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListByRoom(ctx context.Context, roomID string) ([]*domain.Session, error) {
	m.mu.RLock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.RoomID == roomID {
			cp := *s
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sortSessions(out)
	return out, nil
}

func applyProgress(s *domain.Session, p domain.Progress) {
	if s.Finished {
		return
	}
	s.Position = p.Position
	s.WPM = p.WPM
	s.Accuracy = p.Accuracy
	s.UpdatedAt = time.Now()
}

func sortSessions(list []*domain.Session) {
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*RedisStore)(nil)
)
