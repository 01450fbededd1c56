package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/idgen"
	"github.com/confmesh/confmesh/internal/signaling"
)

const (
	defaultDialTimeout        = 5 * time.Second
	defaultBackoffMin         = 500 * time.Millisecond
	defaultBackoffMax         = 15 * time.Second
	defaultCapabilityInterval = time.Second
	clientWriteWait           = time.Second
)

// EventKind discriminates the events a Client surfaces to its embedder.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMemberJoined EventKind = "member-joined"
	EventMemberLeft   EventKind = "member-left"
	EventMemberKicked EventKind = "member-kicked"
	EventKicked       EventKind = "kicked"
	EventChat         EventKind = "chat"
	EventChatUpdated  EventKind = "chat-updated"
	EventChatDeleted  EventKind = "chat-deleted"
	EventNotice       EventKind = "notice"
	EventCapability   EventKind = "capability"
)

// Event is a roster, chat, capability or notice update. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind   EventKind
	Member signaling.Member
	Chat   ChatMessage
	Notice Notice
	Reason string

	RemoteID   string
	Capability Capability
}

// Config configures a conference client.
type Config struct {
	// URL is the signaling endpoint, e.g. ws://host:8080/signaling.
	URL         string
	RoomCode    string
	DisplayName string
	IsModerator bool

	// APIKey/Token authenticate against relays running auth_mode=api_key or
	// jwt. Leave empty for auth_mode=none.
	APIKey string
	Token  string

	DialTimeout        time.Duration
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	CapabilityInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = defaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.CapabilityInterval <= 0 {
		c.CapabilityInterval = defaultCapabilityInterval
	}
	return c
}

// Client connects to the signaling relay, maintains the peer mesh through an
// Orchestrator, and surfaces roster/chat/capability events.
//
// Relay outages trigger reconnect with exponential backoff and a full
// rejoin: the relay treats every reconnect as a brand-new connection, so the
// client drops all peer links first and rebuilds the mesh from the fresh
// existing-users list. Being kicked is terminal.
type Client struct {
	cfg    Config
	log    *slog.Logger
	media  *LocalMedia
	orch   *Orchestrator
	chat   *ChatLog
	track  *CapabilityTracker
	events func(Event)

	mu     sync.Mutex
	conn   *websocket.Conn
	kicked bool
}

func New(cfg Config, log *slog.Logger, transport Transport, events func(Event)) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" || cfg.RoomCode == "" || cfg.DisplayName == "" {
		return nil, errors.New("URL, RoomCode and DisplayName are required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if events == nil {
		events = func(Event) {}
	}

	c := &Client{
		cfg:    cfg,
		log:    log,
		media:  NewLocalMedia(),
		chat:   NewChatLog(),
		events: events,
	}
	c.orch = NewOrchestrator(log, transport, c.media, c)
	c.orch.SetNoticeFunc(func(n Notice) {
		events(Event{Kind: EventNotice, Notice: n})
	})
	c.track = NewCapabilityTracker(cfg.CapabilityInterval, c.orch.RemoteTracksSnapshot, func(id string, cap Capability) {
		events(Event{Kind: EventCapability, RemoteID: id, Capability: cap})
	})
	c.orch.SetPeersChangedFunc(c.track.Rescan)
	return c, nil
}

// Media exposes the local media state for toggles and screen share.
func (c *Client) Media() *LocalMedia { return c.media }

// Chat exposes the local chat log.
func (c *Client) Chat() *ChatLog { return c.chat }

// Orchestrator exposes the peer mesh, mainly for roster inspection.
func (c *Client) Orchestrator() *Orchestrator { return c.orch }

// ResolveMedia runs local capture and unblocks any deferred offers. Device
// errors degrade to joining without local media; the error is returned for
// surfacing only.
func (c *Client) ResolveMedia(src CaptureSource) error {
	err := c.media.Acquire(src)
	if err != nil && !errors.Is(err, ErrAlreadyCaptured) {
		c.log.Warn("media capture failed, joining without local media", "err", err)
	}
	c.orch.MediaResolved()
	return err
}

// Run connects and serves events until the context ends or the client is
// kicked.
func (c *Client) Run(ctx context.Context) error {
	go c.track.Run(ctx)

	backoff := c.cfg.BackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.runOnce(ctx)
		if c.isKicked() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.orch.CloseAll()
		c.events(Event{Kind: EventDisconnected})
		c.log.Warn("signaling connection lost, reconnecting", "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.send(signaling.Message{
		Type:        signaling.MessageTypeJoinRoom,
		RoomCode:    c.cfg.RoomCode,
		DisplayName: c.cfg.DisplayName,
		IsModerator: c.cfg.IsModerator,
	}); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	c.events(Event{Kind: EventConnected})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := signaling.ParseMessage(raw)
		if err != nil {
			c.log.Warn("dropping malformed relay message", "err", err)
			continue
		}
		if done := c.handle(msg); done {
			return nil
		}
	}
}

// dialURL appends the configured credential as a query parameter.
func (c *Client) dialURL() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("apiKey", c.cfg.APIKey)
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// handle dispatches one relay message. It returns true when the connection
// should not be resumed.
func (c *Client) handle(msg signaling.Message) bool {
	switch msg.Type {
	case signaling.MessageTypeExistingUsers:
		c.orch.HandleExistingUsers(msg.Members)

	case signaling.MessageTypeUserJoined:
		c.events(Event{Kind: EventMemberJoined, Member: signaling.Member{
			ConnectionID: msg.ConnectionID,
			DisplayName:  msg.DisplayName,
			IsModerator:  msg.IsModerator,
		}})

	case signaling.MessageTypeOffer:
		c.orch.HandleOffer(msg.From, msg.FromDisplayName, msg.FromIsModerator, *msg.SDP)

	case signaling.MessageTypeAnswer:
		c.orch.HandleAnswer(msg.From, *msg.SDP)

	case signaling.MessageTypeICECandidate:
		c.orch.HandleCandidate(msg.From, *msg.Candidate)

	case signaling.MessageTypeChatMessage:
		entry := ChatMessage{
			ID:          msg.Chat.MessageID,
			Author:      msg.Chat.DisplayName,
			Body:        msg.Chat.Body,
			Timestamp:   msg.Chat.Timestamp,
			IsModerator: msg.Chat.IsModerator,
			Edited:      msg.Chat.Edited,
		}
		if c.chat.Add(entry) {
			c.events(Event{Kind: EventChat, Chat: entry})
		}

	case signaling.MessageTypeChatUpdate:
		c.chat.ApplyRemoteUpdate(msg.Chat.MessageID, msg.Chat.Body)
		c.events(Event{Kind: EventChatUpdated, Chat: ChatMessage{ID: msg.Chat.MessageID, Body: msg.Chat.Body}})

	case signaling.MessageTypeChatDelete:
		c.chat.ApplyRemoteDelete(msg.Chat.MessageID)
		c.events(Event{Kind: EventChatDeleted, Chat: ChatMessage{ID: msg.Chat.MessageID}})

	case signaling.MessageTypeUserLeft:
		c.orch.RemovePeer(msg.ConnectionID)
		c.events(Event{Kind: EventMemberLeft, Member: signaling.Member{
			ConnectionID: msg.ConnectionID, DisplayName: msg.DisplayName,
		}})

	case signaling.MessageTypeUserKicked:
		c.orch.RemovePeer(msg.ConnectionID)
		c.events(Event{Kind: EventMemberKicked, Member: signaling.Member{
			ConnectionID: msg.ConnectionID, DisplayName: msg.DisplayName,
		}})

	case signaling.MessageTypeKicked:
		c.setKicked()
		c.orch.CloseAll()
		c.events(Event{Kind: EventKicked, Reason: msg.Reason})
		return true

	case signaling.MessageTypeError:
		c.events(Event{Kind: EventNotice, Notice: Notice{Text: fmt.Sprintf("%s: %s", msg.Code, msg.Reason)}})

	default:
		c.log.Warn("unexpected relay message", "type", msg.Type)
	}
	return false
}

// SendChat broadcasts a chat message and applies it optimistically: the
// relay never echoes a sender's own events.
func (c *Client) SendChat(body string) (ChatMessage, error) {
	entry := ChatMessage{
		ID:          idgen.NewULID(),
		Author:      c.cfg.DisplayName,
		Body:        body,
		Timestamp:   time.Now().UnixMilli(),
		IsModerator: c.cfg.IsModerator,
	}
	c.chat.Add(entry)
	err := c.send(signaling.Message{
		Type: signaling.MessageTypeChatMessage,
		Chat: &signaling.Chat{
			MessageID:   entry.ID,
			DisplayName: entry.Author,
			Body:        entry.Body,
			Timestamp:   entry.Timestamp,
			IsModerator: entry.IsModerator,
		},
	})
	return entry, err
}

// UpdateChat edits a message locally (enforcing author/moderator rules) and
// broadcasts the edit.
func (c *Client) UpdateChat(messageID, newBody string) error {
	if err := c.chat.Update(messageID, newBody, c.cfg.DisplayName, c.cfg.IsModerator); err != nil {
		return err
	}
	return c.send(signaling.Message{
		Type: signaling.MessageTypeChatUpdate,
		Chat: &signaling.Chat{
			MessageID:   messageID,
			DisplayName: c.cfg.DisplayName,
			Body:        newBody,
			IsModerator: c.cfg.IsModerator,
			Edited:      true,
		},
	})
}

// DeleteChat deletes a message locally (enforcing author/moderator rules)
// and broadcasts the delete.
func (c *Client) DeleteChat(messageID string) error {
	if err := c.chat.Delete(messageID, c.cfg.DisplayName, c.cfg.IsModerator); err != nil {
		return err
	}
	return c.send(signaling.Message{
		Type: signaling.MessageTypeChatDelete,
		Chat: &signaling.Chat{
			MessageID:   messageID,
			DisplayName: c.cfg.DisplayName,
		},
	})
}

// KickUser asks the relay to remove a participant. The relay enforces the
// moderator requirement.
func (c *Client) KickUser(targetConnectionID string) error {
	return c.send(signaling.Message{
		Type:   signaling.MessageTypeKickUser,
		Target: targetConnectionID,
	})
}

// SendOffer implements SignalSender.
func (c *Client) SendOffer(targetID string, sdp signaling.SDP) error {
	return c.send(signaling.Message{Type: signaling.MessageTypeOffer, Target: targetID, SDP: &sdp})
}

// SendAnswer implements SignalSender.
func (c *Client) SendAnswer(targetID string, sdp signaling.SDP) error {
	return c.send(signaling.Message{Type: signaling.MessageTypeAnswer, Target: targetID, SDP: &sdp})
}

// SendCandidate implements SignalSender.
func (c *Client) SendCandidate(targetID string, cand signaling.Candidate) error {
	return c.send(signaling.Message{Type: signaling.MessageTypeICECandidate, Target: targetID, Candidate: &cand})
}

func (c *Client) send(msg signaling.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setKicked() {
	c.mu.Lock()
	c.kicked = true
	c.mu.Unlock()
}

func (c *Client) isKicked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}
