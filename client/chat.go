package client

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrChatNotFound  = errors.New("chat message not found")
	ErrChatForbidden = errors.New("not allowed to modify this message")
)

// ChatMessage is one entry in the local chat state.
type ChatMessage struct {
	ID          string
	Author      string
	Body        string
	Timestamp   int64
	IsModerator bool
	Edited      bool
	Deleted     bool
}

// ChatLog is the client-side chat state. Inserts are idempotent by message
// id: the relay gives no acks and a reconnect can replay, so delivering the
// same message twice must yield exactly one entry. Persisted history fetched
// over HTTP merges through the same path.
type ChatLog struct {
	mu    sync.Mutex
	byID  map[string]*ChatMessage
	order []string
}

func NewChatLog() *ChatLog {
	return &ChatLog{byID: make(map[string]*ChatMessage)}
}

// Add inserts a message, reporting whether it was new.
func (l *ChatLog) Add(msg ChatMessage) bool {
	if msg.ID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[msg.ID]; ok {
		return false
	}
	m := msg
	l.byID[msg.ID] = &m
	l.order = append(l.order, msg.ID)
	return true
}

// Update edits a message body. Authors may edit their own messages;
// moderators may edit any.
func (l *ChatLog) Update(id, newBody, requester string, requesterModerator bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok || m.Deleted {
		return ErrChatNotFound
	}
	if !requesterModerator && m.Author != requester {
		return ErrChatForbidden
	}
	m.Body = newBody
	m.Edited = true
	return nil
}

// Delete removes a message. Authors may delete their own; moderators any.
// The entry stays as a tombstone so a replayed insert cannot resurrect it.
func (l *ChatLog) Delete(id, requester string, requesterModerator bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok || m.Deleted {
		return ErrChatNotFound
	}
	if !requesterModerator && m.Author != requester {
		return ErrChatForbidden
	}
	m.Deleted = true
	m.Body = ""
	return nil
}

// ApplyRemoteUpdate applies a relay-delivered edit without permission
// checks: the sending client already enforced them and the relay forwards
// verbatim. Unknown ids are dropped.
func (l *ChatLog) ApplyRemoteUpdate(id, newBody string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.byID[id]; ok && !m.Deleted {
		m.Body = newBody
		m.Edited = true
	}
}

// ApplyRemoteDelete applies a relay-delivered delete. A delete for an unseen
// id leaves a tombstone so a late replay of the original insert stays dead.
func (l *ChatLog) ApplyRemoteDelete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		l.byID[id] = &ChatMessage{ID: id, Deleted: true}
		l.order = append(l.order, id)
		return
	}
	m.Deleted = true
	m.Body = ""
}

// MergeHistory inserts persisted messages idempotently. Live entries win over
// history for the same id.
func (l *ChatLog) MergeHistory(msgs []ChatMessage) int {
	added := 0
	for _, m := range msgs {
		if l.Add(m) {
			added++
		}
	}
	return added
}

// Messages returns live messages ordered by timestamp, insertion order
// breaking ties.
func (l *ChatLog) Messages() []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := make(map[string]int, len(l.order))
	for i, id := range l.order {
		pos[id] = i
	}
	out := make([]ChatMessage, 0, len(l.order))
	for _, id := range l.order {
		m := l.byID[id]
		if m.Deleted {
			continue
		}
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return pos[out[i].ID] < pos[out[j].ID]
	})
	return out
}

// Len counts live messages.
func (l *ChatLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.byID {
		if !m.Deleted {
			n++
		}
	}
	return n
}
