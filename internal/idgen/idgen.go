package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexicographically sortable unique id. Used for chat
// message ids so per-room message ordering survives round-trips through the
// store.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID returns the id assigned to a signaling connection at WS
// accept time.
func NewConnectionID() string {
	return uuid.NewString()
}

// roomCodeChars deliberately excludes uppercase so codes can be read aloud
// and typed without ambiguity.
const roomCodeChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewRoomCode returns a random room code of the given length.
func NewRoomCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("room code length must be > 0, got %d", length)
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = roomCodeChars[int(b[i])%len(roomCodeChars)]
	}
	return string(b), nil
}
