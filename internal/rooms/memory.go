package rooms

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-process room registry. It backs demo deployments
// outright and serves as the degraded-mode fallback when Redis is down.
type MemoryStore struct {
	mu         sync.Mutex
	rooms      map[string]Room
	messages   map[string][]Message // newest first
	historyCap int
}

func NewMemoryStore(historyCap int) *MemoryStore {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &MemoryStore{
		rooms:      make(map[string]Room),
		messages:   make(map[string][]Message),
		historyCap: historyCap,
	}
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Code]; ok {
		return ErrExists
	}
	s.rooms[room.Code] = room
	return nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, code string) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[code]
	if !ok {
		return Room{}, ErrNotFound
	}
	return room, nil
}

func (s *MemoryStore) ListRooms(ctx context.Context, limit int) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	// Newest rooms first, ties broken by code for deterministic output.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[msg.RoomCode]; !ok {
		return ErrNotFound
	}
	msgs := append([]Message{msg}, s.messages[msg.RoomCode]...)
	if len(msgs) > s.historyCap {
		msgs = msgs[:s.historyCap]
	}
	s.messages[msg.RoomCode] = msgs
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, code string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[code]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
