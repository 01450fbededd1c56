package rooms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)

	room := Room{Code: "abcd1234", Name: "standup", OwnerID: "u1", CreatedAt: time.Unix(1000, 0).UTC()}
	if err := s.CreateRoom(ctx, room); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateRoom(ctx, room); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create err=%v, want ErrExists", err)
	}

	got, err := s.GetRoom(ctx, "abcd1234")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != room {
		t.Fatalf("got %+v, want %+v", got, room)
	}

	if _, err := s.GetRoom(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing room err=%v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ListRoomsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(100)

	for i := 0; i < 3; i++ {
		room := Room{
			Code:      fmt.Sprintf("room%04d", i),
			Name:      "r",
			OwnerID:   "u",
			CreatedAt: time.Unix(int64(1000+i), 0).UTC(),
		}
		if err := s.CreateRoom(ctx, room); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	list, err := s.ListRooms(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len=%d, want 2", len(list))
	}
	if list[0].Code != "room0002" || list[1].Code != "room0001" {
		t.Fatalf("order: %q, %q", list[0].Code, list[1].Code)
	}
}

func TestMemoryStore_MessagesNewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	if err := s.CreateRoom(ctx, Room{Code: "r1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := Message{
			ID:       fmt.Sprintf("m%04d", i),
			RoomCode: "r1",
			AuthorID: "u1", AuthorName: "alice",
			Text:   fmt.Sprintf("hello %d", i),
			SentAt: time.Unix(int64(i), 0).UTC(),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len=%d, want cap 3", len(msgs))
	}
	if msgs[0].ID != "m0004" || msgs[2].ID != "m0002" {
		t.Fatalf("order: %q ... %q", msgs[0].ID, msgs[2].ID)
	}

	limited, err := s.ListMessages(ctx, "r1", 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "m0004" {
		t.Fatalf("limited=%v", limited)
	}

	if err := s.AppendMessage(ctx, Message{RoomCode: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to missing room err=%v", err)
	}
	if _, err := s.ListMessages(ctx, "nope", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("list missing room err=%v", err)
	}
}
