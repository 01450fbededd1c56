package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		AuthMode:                      config.AuthModeNone,
		SignalingAuthTimeout:          2 * time.Second,
		SignalingWSIdleTimeout:        10 * time.Second,
		SignalingWSPingInterval:       5 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 100,
		KickEnforcement:               true,
	}
}

func startServer(t *testing.T, cfg config.Config) (*httptest.Server, *Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	hub := NewHub(slog.Default(), m, cfg.KickEnforcement, cfg.MaxConnections)
	ws, err := NewWebSocketServer(cfg, slog.Default(), hub, m)
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return srv, hub, m
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("read err=%v, want close error", err)
		}
		if closeErr.Code != code {
			t.Fatalf("close code=%d (%s), want %d", closeErr.Code, closeErr.Text, code)
		}
		return
	}
}

func joinConn(t *testing.T, conn *websocket.Conn, room, name string, mod bool) Message {
	t.Helper()
	send(t, conn, Message{Type: MessageTypeJoinRoom, RoomCode: room, DisplayName: name, IsModerator: mod})
	msg := recv(t, conn)
	if msg.Type != MessageTypeExistingUsers {
		t.Fatalf("join reply type=%q", msg.Type)
	}
	return msg
}

func TestJoinOfferAnswerRoundTrip(t *testing.T) {
	srv, _, m := startServer(t, testConfig())

	alice := dial(t, srv, "")
	existing := joinConn(t, alice, "r1", "alice", true)
	if len(existing.Members) != 0 {
		t.Fatalf("first joiner sees members: %+v", existing.Members)
	}

	bob := dial(t, srv, "")
	existing = joinConn(t, bob, "r1", "bob", false)
	if len(existing.Members) != 1 || existing.Members[0].DisplayName != "alice" {
		t.Fatalf("bob's existing members: %+v", existing.Members)
	}
	aliceID := existing.Members[0].ConnectionID

	joined := recv(t, alice)
	if joined.Type != MessageTypeUserJoined || joined.DisplayName != "bob" {
		t.Fatalf("alice got %+v", joined)
	}
	bobID := joined.ConnectionID

	// The newcomer initiates: bob offers, alice answers.
	send(t, bob, Message{Type: MessageTypeOffer, Target: aliceID, SDP: &SDP{Type: "offer", SDP: "v=0 bob"}})
	offer := recv(t, alice)
	if offer.Type != MessageTypeOffer || offer.From != bobID || offer.SDP.SDP != "v=0 bob" {
		t.Fatalf("alice's offer: %+v", offer)
	}
	if offer.FromDisplayName != "bob" || offer.FromIsModerator {
		t.Fatalf("offer annotations: %+v", offer)
	}

	send(t, alice, Message{Type: MessageTypeAnswer, Target: bobID, SDP: &SDP{Type: "answer", SDP: "v=0 alice"}})
	answer := recv(t, bob)
	if answer.Type != MessageTypeAnswer || answer.From != aliceID {
		t.Fatalf("bob's answer: %+v", answer)
	}

	send(t, bob, Message{Type: MessageTypeICECandidate, Target: aliceID, Candidate: &Candidate{Candidate: "candidate:1"}})
	cand := recv(t, alice)
	if cand.Type != MessageTypeICECandidate || cand.Candidate.Candidate != "candidate:1" {
		t.Fatalf("alice's candidate: %+v", cand)
	}

	if m.Get(metrics.CounterOffersRelayed) != 1 || m.Get(metrics.CounterAnswersRelayed) != 1 {
		t.Fatalf("counters: %v", m.Snapshot())
	}
}

func TestChatAndKickOverSocket(t *testing.T) {
	srv, _, _ := startServer(t, testConfig())

	alice := dial(t, srv, "")
	joinConn(t, alice, "r1", "alice", true)
	bob := dial(t, srv, "")
	joinConn(t, bob, "r1", "bob", false)
	joined := recv(t, alice)
	bobID := joined.ConnectionID

	send(t, bob, Message{
		Type: MessageTypeChatMessage,
		Chat: &Chat{MessageID: "m1", DisplayName: "bob", Body: "hello", Timestamp: 1},
	})
	chat := recv(t, alice)
	if chat.Type != MessageTypeChatMessage || chat.Chat.Body != "hello" || chat.From != bobID {
		t.Fatalf("chat: %+v", chat)
	}

	// Bob is not a moderator: his kick is refused with an error event, not a
	// disconnect.
	send(t, bob, Message{Type: MessageTypeKickUser, Target: bobID})
	denied := recv(t, bob)
	if denied.Type != MessageTypeError || denied.Code != "kick_denied" {
		t.Fatalf("denied kick reply: %+v", denied)
	}

	send(t, alice, Message{Type: MessageTypeKickUser, Target: bobID})
	kicked := recv(t, bob)
	if kicked.Type != MessageTypeKicked || kicked.Reason == "" {
		t.Fatalf("kicked notice: %+v", kicked)
	}
	expectClose(t, bob, websocket.ClosePolicyViolation)
}

func TestAPIKeyAuthOverQueryAndFirstMessage(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "sekrit"
	srv, _, m := startServer(t, cfg)

	// Query credential.
	conn := dial(t, srv, "?apiKey=sekrit")
	joinConn(t, conn, "r1", "alice", false)

	// Wrong query credential.
	bad := dial(t, srv, "?apiKey=wrong")
	expectClose(t, bad, websocket.ClosePolicyViolation)
	if m.Get(metrics.CounterAuthFailures) != 1 {
		t.Fatal("auth failure not counted")
	}

	// First-message credential.
	msgAuth := dial(t, srv, "")
	send(t, msgAuth, Message{Type: MessageTypeAuth, APIKey: "sekrit"})
	joinConn(t, msgAuth, "r1", "bob", false)

	// Unauthenticated non-auth first message.
	sneaky := dial(t, srv, "")
	send(t, sneaky, Message{Type: MessageTypeJoinRoom, RoomCode: "r1", DisplayName: "x"})
	expectClose(t, sneaky, websocket.ClosePolicyViolation)
}

func TestAuthTimeoutCloses(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeAPIKey
	cfg.APIKey = "sekrit"
	cfg.SignalingAuthTimeout = 100 * time.Millisecond
	srv, _, _ := startServer(t, cfg)

	conn := dial(t, srv, "")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestOversizedMessageCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessageBytes = 64
	srv, _, m := startServer(t, cfg)

	conn := dial(t, srv, "")
	big := `{"type":"join-room","roomCode":"r1","displayName":"` + strings.Repeat("a", 200) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.CloseMessageTooBig)
	if m.Get("drops_"+metrics.DropReasonTooLarge) != 1 {
		t.Fatal("too-large drop not counted")
	}
}

func TestRateLimitCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessagesPerSecond = 2
	srv, _, _ := startServer(t, cfg)

	conn := dial(t, srv, "")
	for i := 0; i < 5; i++ {
		msg, _ := json.Marshal(Message{Type: MessageTypeJoinRoom, RoomCode: "r1", DisplayName: "spammer"})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestConnectionCapCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv, _, _ := startServer(t, cfg)

	first := dial(t, srv, "")
	joinConn(t, first, "r1", "alice", false)

	second := dial(t, srv, "")
	expectClose(t, second, websocket.ClosePolicyViolation)
}

func TestBinaryMessageRejected(t *testing.T) {
	srv, _, _ := startServer(t, testConfig())
	conn := dial(t, srv, "")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, conn, websocket.CloseUnsupportedData)
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	srv, hub, _ := startServer(t, testConfig())

	alice := dial(t, srv, "")
	joinConn(t, alice, "r1", "alice", false)
	bob := dial(t, srv, "")
	joinConn(t, bob, "r1", "bob", false)
	recv(t, alice) // user-joined for bob

	bob.Close()

	left := recv(t, alice)
	if left.Type != MessageTypeUserLeft || left.DisplayName != "bob" {
		t.Fatalf("user-left: %+v", left)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomSize("r1") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("room size %d, want 1", hub.RoomSize("r1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
