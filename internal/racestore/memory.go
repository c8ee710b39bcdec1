package racestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/typerace-coordinator/internal/domain"
)

// Memory is an in-process Gateway used when no DATABASE_URL is configured and in tests.
type Memory struct {
	mu sync.RWMutex

	rooms        map[string]*domain.Room
	codes        map[string]string                         // active code -> room id
	participants map[string]map[string]*domain.Participant // room id -> user id -> row
	scores       []*domain.Score
}

func NewMemory() *Memory {
	return &Memory{
		rooms:        make(map[string]*domain.Room),
		codes:        make(map[string]string),
		participants: make(map[string]map[string]*domain.Participant),
	}
}

func (m *Memory) CreateRoom(ctx context.Context, in domain.NewRoom) (*domain.Room, error) {
	if err := validateNewRoom(in); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < codeAttempts; i++ {
		code, err := codeGen()
		if err != nil {
			return nil, err
		}
		if _, taken := m.codes[code]; taken {
			continue
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
			CreatedAt:   time.Now(),
		}
		m.rooms[r.ID] = r
		m.codes[code] = r.ID
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("allocate room code: %w", ErrConstraint)
}

func (m *Memory) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[NormalizeCode(code)]
	if !ok {
		return nil, ErrNotFound
	}
	r := m.rooms[id]
	if r == nil || r.Status != domain.RoomWaiting {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListWaitingRooms(ctx context.Context, limit int) ([]*domain.Room, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Room
	for _, r := range m.rooms {
		if r.Status == domain.RoomWaiting {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) StartRoom(ctx context.Context, roomID, snippet string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false, ErrNotFound
	}
	if !r.Status.CanAdvanceTo(domain.RoomActive) {
		return false, nil
	}
	r.Status = domain.RoomActive
	r.CodeSnippet = snippet
	t := at
	r.StartedAt = &t
	return true, nil
}

func (m *Memory) CompleteRoom(ctx context.Context, roomID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return false, ErrNotFound
	}
	if !r.Status.CanAdvanceTo(domain.RoomCompleted) {
		return false, nil
	}
	r.Status = domain.RoomCompleted
	t := at
	r.EndedAt = &t
	// the display code is only unique among active rooms
	delete(m.codes, r.Code)
	return true, nil
}

func (m *Memory) UpsertParticipant(ctx context.Context, roomID, userID string, at time.Time) (*domain.Participant, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[roomID]; !ok {
		return nil, fmt.Errorf("participant room %s: %w", roomID, ErrConstraint)
	}
	byUser := m.participants[roomID]
	if byUser == nil {
		byUser = make(map[string]*domain.Participant)
		m.participants[roomID] = byUser
	}
	p, ok := byUser[userID]
	if !ok {
		p = &domain.Participant{RoomID: roomID, UserID: userID, Accuracy: 100, JoinedAt: at}
		byUser[userID] = p
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byUser := m.participants[roomID]; byUser != nil {
		delete(byUser, userID)
	}
	return nil
}

func (m *Memory) SetReady(ctx context.Context, roomID, userID string, ready bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.participant(roomID, userID)
	if p == nil {
		return ErrNotFound
	}
	p.IsReady = ready
	return nil
}

func (m *Memory) UpdateProgress(ctx context.Context, roomID, userID string, pr domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.participant(roomID, userID)
	if p == nil {
		return ErrNotFound
	}
	if p.Finished {
		return nil
	}
	p.Progress = pr.Percent
	p.WPM = pr.WPM
	p.Accuracy = pr.Accuracy
	return nil
}

// FinishParticipant applies the finish and appends the score under one lock.
func (m *Memory) FinishParticipant(ctx context.Context, s *domain.Score) (bool, error) {
	if err := validateScore(s); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.participant(s.RoomID, s.UserID)
	if p == nil {
		return false, ErrNotFound
	}
	if p.Finished {
		return false, nil
	}
	t := s.CreatedAt
	p.Finished = true
	p.FinishedAt = &t
	p.Progress = 100
	p.WPM = domain.ClampRate(s.WPM)
	p.Accuracy = domain.ClampPercent(s.Accuracy)

	cp := *s
	cp.WPM, cp.Accuracy = p.WPM, p.Accuracy
	m.scores = append(m.scores, &cp)
	return true, nil
}

func (m *Memory) ListParticipants(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	out := m.snapshot(roomID)
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) Leaderboard(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	out := m.snapshot(roomID)
	SortLeaderboard(out)
	return out, nil
}

// Scores returns recorded scores for a user, oldest first.
func (m *Memory) Scores(userID string) []*domain.Score {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Score
	for _, s := range m.scores {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Memory) Close() error { return nil }

func (m *Memory) participant(roomID, userID string) *domain.Participant {
	if byUser := m.participants[roomID]; byUser != nil {
		return byUser[userID]
	}
	return nil
}

func (m *Memory) snapshot(roomID string) []*domain.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byUser := m.participants[roomID]
	out := make([]*domain.Participant, 0, len(byUser))
	for _, p := range byUser {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// SortLeaderboard orders finished participants first, then by wpm and progress.
func SortLeaderboard(list []*domain.Participant) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.WPM != b.WPM {
			return a.WPM > b.WPM
		}
		if a.Progress != b.Progress {
			return a.Progress > b.Progress
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
}
