package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/confmesh/confmesh/internal/metrics"
)

var (
	ErrNotJoined          = errors.New("connection has not joined a room")
	ErrAlreadyJoined      = errors.New("connection already joined a different room")
	ErrTooManyConnections = errors.New("too many connections")
	ErrKickDenied         = errors.New("kick requires moderator")
)

// Sender is the hub's handle on a connection's outbound side. Send is
// best-effort: the hub never retries and treats failures as the connection
// being on its way out. CloseKicked force-closes the transport after the
// kicked notice has been delivered.
type Sender interface {
	Send(msg Message)
	CloseKicked(reason string)
}

type member struct {
	id          string
	sender      Sender
	roomCode    string
	displayName string
	moderator   bool
	joined      bool
	kicked      bool
}

// Hub tracks signaling connections and room membership and routes every wire
// event between them. It is the single authority for presence: per-connection
// display name and moderator flag are recorded at join time and stamped onto
// everything forwarded on that connection's behalf.
//
// All state is guarded by one mutex; handlers run on their connection's read
// goroutine and serialize through it.
type Hub struct {
	log            *slog.Logger
	metrics        *metrics.Metrics
	enforceKick    bool
	maxConnections int

	mu    sync.Mutex
	conns map[string]*member
	rooms map[string]map[string]*member
}

func NewHub(log *slog.Logger, m *metrics.Metrics, enforceKick bool, maxConnections int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		log:            log,
		metrics:        m,
		enforceKick:    enforceKick,
		maxConnections: maxConnections,
		conns:          make(map[string]*member),
		rooms:          make(map[string]map[string]*member),
	}
}

// Register adds a connection before it has joined any room.
func (h *Hub) Register(connectionID string, sender Sender) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxConnections > 0 && len(h.conns) >= h.maxConnections {
		h.metrics.IncDrop(metrics.DropReasonTooManyConnections)
		return ErrTooManyConnections
	}
	if _, ok := h.conns[connectionID]; ok {
		return fmt.Errorf("connection %q already registered", connectionID)
	}
	h.conns[connectionID] = &member{id: connectionID, sender: sender}
	return nil
}

// Unregister removes a connection. If it had joined a room the rest of that
// room is told user-left, unless the member was kicked (user-kicked already
// went out).
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.conns[connectionID]
	if !ok {
		return
	}
	delete(h.conns, connectionID)
	if !m.joined {
		return
	}
	h.removeFromRoomLocked(m)
	if m.kicked {
		return
	}
	h.metrics.Inc(metrics.CounterLeaves)
	h.broadcastLocked(m.roomCode, m.id, Message{
		Type:         MessageTypeUserLeft,
		ConnectionID: m.id,
		DisplayName:  m.displayName,
	})
	h.log.Info("member left", "connection_id", m.id, "room_code", m.roomCode)
}

// Join adds the connection to a room, replies to the joiner with the current
// membership and announces it to everyone else. A repeat join of the same
// room refreshes presence and re-sends existing-users without broadcasting
// again, so reconnect-shaped retries cannot storm the room.
func (h *Hub) Join(connectionID, roomCode, displayName string, isModerator bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.conns[connectionID]
	if !ok {
		return fmt.Errorf("connection %q not registered", connectionID)
	}
	if m.joined && m.roomCode != roomCode {
		return ErrAlreadyJoined
	}

	rejoin := m.joined
	m.roomCode = roomCode
	m.displayName = displayName
	m.moderator = isModerator
	m.joined = true

	room := h.rooms[roomCode]
	if room == nil {
		room = make(map[string]*member)
		h.rooms[roomCode] = room
	}
	room[connectionID] = m

	m.sender.Send(Message{
		Type:    MessageTypeExistingUsers,
		Members: h.membersLocked(roomCode, connectionID),
	})

	if rejoin {
		h.metrics.Inc(metrics.CounterDuplicateJoins)
		return nil
	}
	h.metrics.Inc(metrics.CounterJoins)
	h.broadcastLocked(roomCode, connectionID, Message{
		Type:         MessageTypeUserJoined,
		ConnectionID: connectionID,
		DisplayName:  displayName,
		IsModerator:  isModerator,
	})
	h.log.Info("member joined",
		"connection_id", connectionID, "room_code", roomCode,
		"display_name", displayName, "moderator", isModerator)
	return nil
}

// Relay forwards an offer, answer or ice-candidate to its target, stamped
// with the sender's identity. Delivery is best-effort: a target that has
// left or never existed makes the call a counted no-op.
func (h *Hub) Relay(fromID string, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	from, ok := h.conns[fromID]
	if !ok || !from.joined {
		h.metrics.IncDrop(metrics.DropReasonNotJoined)
		return ErrNotJoined
	}
	target, ok := h.rooms[from.roomCode][msg.Target]
	if !ok {
		h.metrics.IncDrop(metrics.DropReasonUnknownTarget)
		return nil
	}

	// Target stays on the forwarded copy: the receiving client validates the
	// same wire shape, which requires it.
	msg.From = from.id
	msg.FromDisplayName = from.displayName
	if msg.Type == MessageTypeOffer {
		msg.FromIsModerator = from.moderator
	}
	target.sender.Send(msg)

	switch msg.Type {
	case MessageTypeOffer:
		h.metrics.Inc(metrics.CounterOffersRelayed)
	case MessageTypeAnswer:
		h.metrics.Inc(metrics.CounterAnswersRelayed)
	case MessageTypeICECandidate:
		h.metrics.Inc(metrics.CounterCandidatesRelayed)
	}
	return nil
}

// Chat broadcasts a chat event to every other member of the sender's room.
// The payload is forwarded verbatim; the sender's client applies its own
// change optimistically and gets no echo.
func (h *Hub) Chat(fromID string, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	from, ok := h.conns[fromID]
	if !ok || !from.joined {
		h.metrics.IncDrop(metrics.DropReasonNotJoined)
		return ErrNotJoined
	}

	msg.From = from.id
	msg.FromDisplayName = from.displayName
	h.broadcastLocked(from.roomCode, fromID, msg)

	switch msg.Type {
	case MessageTypeChatMessage:
		h.metrics.Inc(metrics.CounterChatBroadcasts)
	case MessageTypeChatUpdate:
		h.metrics.Inc(metrics.CounterChatUpdates)
	case MessageTypeChatDelete:
		h.metrics.Inc(metrics.CounterChatDeletes)
	}
	return nil
}

// Kick removes the target from the requester's room: the target gets a
// kicked notice and a forced close, the rest of the room gets user-kicked.
// When enforcement is on the requester's recorded moderator flag gates the
// operation; the flag asserted at join time is what counts, not anything in
// the kick message itself.
func (h *Hub) Kick(requesterID, targetID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.conns[requesterID]
	if !ok || !req.joined {
		h.metrics.IncDrop(metrics.DropReasonNotJoined)
		return ErrNotJoined
	}
	if h.enforceKick && !req.moderator {
		h.metrics.Inc(metrics.CounterKicksDenied)
		return ErrKickDenied
	}
	target, ok := h.rooms[req.roomCode][targetID]
	if !ok {
		h.metrics.IncDrop(metrics.DropReasonUnknownTarget)
		return nil
	}

	target.kicked = true
	target.sender.Send(Message{
		Type:   MessageTypeKicked,
		Reason: fmt.Sprintf("removed from room by %s", req.displayName),
	})
	h.removeFromRoomLocked(target)
	target.joined = false
	target.sender.CloseKicked("kicked")

	h.metrics.Inc(metrics.CounterKicksHonored)
	// Everyone left in the room, the requester included, needs user-kicked to
	// tear down its link to the target. The target itself is already out of
	// the room map.
	h.broadcastLocked(req.roomCode, "", Message{
		Type:         MessageTypeUserKicked,
		ConnectionID: target.id,
		DisplayName:  target.displayName,
	})
	h.log.Info("member kicked",
		"connection_id", target.id, "room_code", req.roomCode,
		"requester_id", requesterID)
	return nil
}

// RoomSize reports current membership of a room.
func (h *Hub) RoomSize(roomCode string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomCode])
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) membersLocked(roomCode, exceptID string) []Member {
	room := h.rooms[roomCode]
	out := make([]Member, 0, len(room))
	for id, m := range room {
		if id == exceptID {
			continue
		}
		out = append(out, Member{
			ConnectionID: m.id,
			DisplayName:  m.displayName,
			IsModerator:  m.moderator,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (h *Hub) broadcastLocked(roomCode, exceptID string, msg Message) {
	for id, m := range h.rooms[roomCode] {
		if id == exceptID {
			continue
		}
		m.sender.Send(msg)
	}
}

func (h *Hub) removeFromRoomLocked(m *member) {
	room := h.rooms[m.roomCode]
	delete(room, m.id)
	if len(room) == 0 {
		delete(h.rooms, m.roomCode)
	}
}
