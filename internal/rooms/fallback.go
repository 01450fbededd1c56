package rooms

import (
	"context"
	"errors"
	"log/slog"
)

// FallbackStore layers an in-memory mirror over a primary store so the relay
// keeps working when the primary is unreachable.
//
// Writes go to the mirror first (so the process never loses its own rooms)
// and then to the primary on a best-effort basis. Reads prefer the primary;
// when it is unavailable the mirror answers for rooms created by this
// process. A miss in degraded mode stays ErrUnavailable: the mirror cannot
// prove absence of rooms created elsewhere.
type FallbackStore struct {
	log     *slog.Logger
	primary Store
	mirror  *MemoryStore
}

func NewFallbackStore(log *slog.Logger, primary Store, mirror *MemoryStore) *FallbackStore {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackStore{log: log, primary: primary, mirror: mirror}
}

func (s *FallbackStore) CreateRoom(ctx context.Context, room Room) error {
	if err := s.mirror.CreateRoom(ctx, room); err != nil {
		return err
	}
	if err := s.primary.CreateRoom(ctx, room); err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.log.Warn("room store unavailable, room exists in-memory only",
				"room_code", room.Code, "err", err)
			return nil
		}
		return err
	}
	return nil
}

func (s *FallbackStore) GetRoom(ctx context.Context, code string) (Room, error) {
	room, err := s.primary.GetRoom(ctx, code)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return Room{}, err
	}
	room, merr := s.mirror.GetRoom(ctx, code)
	if merr == nil {
		return room, nil
	}
	return Room{}, err
}

func (s *FallbackStore) ListRooms(ctx context.Context, limit int) ([]Room, error) {
	out, err := s.primary.ListRooms(ctx, limit)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return nil, err
	}
	return s.mirror.ListRooms(ctx, limit)
}

func (s *FallbackStore) AppendMessage(ctx context.Context, msg Message) error {
	if err := s.mirror.AppendMessage(ctx, msg); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.primary.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil
		}
		return err
	}
	return nil
}

func (s *FallbackStore) ListMessages(ctx context.Context, code string, limit int) ([]Message, error) {
	out, err := s.primary.ListMessages(ctx, code, limit)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return nil, err
	}
	mirrored, merr := s.mirror.ListMessages(ctx, code, limit)
	if merr == nil {
		return mirrored, nil
	}
	return nil, err
}
