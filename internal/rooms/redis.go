package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists rooms and chat history in Redis.
//
// Layout:
//
//	rooms:<code>          JSON-encoded Room (SET NX on create)
//	rooms:index           set of room codes
//	rooms:<code>:messages list of JSON-encoded Messages, LPUSH + LTRIM so
//	                      index 0 is the newest and history stays capped
type RedisStore struct {
	rdb        *redis.Client
	historyCap int
}

func NewRedisStore(rdb *redis.Client, historyCap int) *RedisStore {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &RedisStore{rdb: rdb, historyCap: historyCap}
}

func roomKey(code string) string {
	return fmt.Sprintf("rooms:%s", code)
}

func messagesKey(code string) string {
	return fmt.Sprintf("rooms:%s:messages", code)
}

const roomIndexKey = "rooms:index"

func (s *RedisStore) CreateRoom(ctx context.Context, room Room) error {
	b, err := json.Marshal(room)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, roomKey(room.Code), b, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrExists
	}
	if err := s.rdb.SAdd(ctx, roomIndexKey, room.Code).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, code string) (Room, error) {
	val, err := s.rdb.Get(ctx, roomKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, unavailable(err)
	}
	var room Room
	if err := json.Unmarshal(val, &room); err != nil {
		return Room{}, fmt.Errorf("decode room %q: %w", code, err)
	}
	return room, nil
}

func (s *RedisStore) ListRooms(ctx context.Context, limit int) ([]Room, error) {
	codes, err := s.rdb.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]Room, 0, len(codes))
	for _, code := range codes {
		room, err := s.GetRoom(ctx, code)
		if errors.Is(err, ErrNotFound) {
			// Index entry outlived the room key; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, room)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg Message) error {
	if _, err := s.GetRoom(ctx, msg.RoomCode); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := messagesKey(msg.RoomCode)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, int64(s.historyCap)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) ListMessages(ctx context.Context, code string, limit int) ([]Message, error) {
	if _, err := s.GetRoom(ctx, code); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}
	vals, err := s.rdb.LRange(ctx, messagesKey(code), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]Message, 0, len(vals))
	for _, v := range vals {
		var msg Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("decode message in room %q: %w", code, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
