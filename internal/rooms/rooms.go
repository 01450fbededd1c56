package rooms

import (
	"context"
	"errors"
	"time"
)

// Room is a conference room. Code is the join token users share; it is the
// room's identity everywhere (signaling, chat, HTTP API).
type Room struct {
	Code      string    `json:"roomCode"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted chat message.
type Message struct {
	ID         string    `json:"messageId"`
	RoomCode   string    `json:"roomCode"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
}

var (
	// ErrNotFound means the store answered authoritatively and the room does
	// not exist.
	ErrNotFound = errors.New("room not found")

	// ErrUnavailable means the store could not answer; absence must not be
	// concluded from it.
	ErrUnavailable = errors.New("room store unavailable")

	ErrExists = errors.New("room already exists")
)

// Store persists rooms and chat history.
//
// ListMessages returns newest first. Implementations cap retained history.
type Store interface {
	CreateRoom(ctx context.Context, room Room) error
	GetRoom(ctx context.Context, code string) (Room, error)
	ListRooms(ctx context.Context, limit int) ([]Room, error)
	AppendMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, code string, limit int) ([]Message, error)
}
