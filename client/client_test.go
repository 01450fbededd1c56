package client

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/signaling"
)

func startRelay(t *testing.T) (string, *metrics.Metrics) {
	t.Helper()
	cfg := config.Config{
		AuthMode:                      config.AuthModeNone,
		SignalingAuthTimeout:          2 * time.Second,
		SignalingWSIdleTimeout:        30 * time.Second,
		SignalingWSPingInterval:       10 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 200,
		KickEnforcement:               true,
	}
	m := metrics.New()
	hub := signaling.NewHub(slog.Default(), m, cfg.KickEnforcement, 0)
	ws, err := signaling.NewWebSocketServer(cfg, slog.Default(), hub, m)
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}
	srv := httptest.NewServer(ws)
	t.Cleanup(srv.Close)
	return strings.Replace(srv.URL, "http", "ws", 1), m
}

type eventRecorder struct {
	ch chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan Event, 64)}
}

func (r *eventRecorder) record(e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

func (r *eventRecorder) wait(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func startClient(t *testing.T, ctx context.Context, url, room, name string, moderator bool) (*Client, *fakeTransport, *eventRecorder) {
	t.Helper()
	tr := &fakeTransport{}
	rec := newEventRecorder()
	c, err := New(Config{
		URL:         url,
		RoomCode:    room,
		DisplayName: name,
		IsModerator: moderator,
		BackoffMin:  50 * time.Millisecond,
	}, slog.Default(), tr, rec.record)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.ResolveMedia(&fakeCapture{}); err != nil {
		t.Fatalf("ResolveMedia: %v", err)
	}
	go func() { _ = c.Run(ctx) }()
	rec.wait(t, EventConnected)
	return c, tr, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewcomerInitiatesSingleOfferAndConnects(t *testing.T) {
	url, m := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, trA, recA := startClient(t, ctx, url, "r1", "alice", true)
	_, trB, _ := startClient(t, ctx, url, "r1", "bob", false)

	joined := recA.wait(t, EventMemberJoined)
	if joined.Member.DisplayName != "bob" {
		t.Fatalf("alice saw %+v", joined.Member)
	}

	// Bob is the newcomer: exactly one offer from him, answered by alice,
	// one link on each side.
	waitFor(t, "offer relay", func() bool { return m.Get(metrics.CounterOffersRelayed) == 1 })
	waitFor(t, "answer relay", func() bool { return m.Get(metrics.CounterAnswersRelayed) == 1 })
	waitFor(t, "alice link", func() bool { return trA.linkCount() == 1 })
	waitFor(t, "bob link", func() bool { return trB.linkCount() == 1 })

	if trB.link(0).offerCount() != 1 {
		t.Fatalf("bob created %d offers", trB.link(0).offerCount())
	}
	if trA.link(0).offerCount() != 0 {
		t.Fatal("existing member initiated toward newcomer")
	}
	waitFor(t, "answer applied", func() bool {
		l := trB.link(0)
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.acceptedSDP) == 1
	})
}

func TestChatPropagatesWithoutEcho(t *testing.T) {
	url, _ := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _, recA := startClient(t, ctx, url, "r1", "alice", false)
	b, _, recB := startClient(t, ctx, url, "r1", "bob", false)
	recA.wait(t, EventMemberJoined)

	sent, err := a.SendChat("hello")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	got := recB.wait(t, EventChat)
	if got.Chat.ID != sent.ID || got.Chat.Body != "hello" || got.Chat.Author != "alice" {
		t.Fatalf("bob got %+v", got.Chat)
	}

	// Sender applied optimistically, receiver via relay: one entry each.
	if a.Chat().Len() != 1 || b.Chat().Len() != 1 {
		t.Fatalf("chat lens: a=%d b=%d", a.Chat().Len(), b.Chat().Len())
	}

	// Edits follow the same path.
	if err := a.UpdateChat(sent.ID, "hello!"); err != nil {
		t.Fatalf("UpdateChat: %v", err)
	}
	recB.wait(t, EventChatUpdated)
	if body := b.Chat().Messages()[0].Body; body != "hello!" {
		t.Fatalf("bob's body after edit: %q", body)
	}

	// Bob cannot edit alice's message.
	if err := b.UpdateChat(sent.ID, "hijack"); err == nil {
		t.Fatal("non-author edit accepted")
	}
}

func TestKickIsTerminalForTarget(t *testing.T) {
	url, _ := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _, recA := startClient(t, ctx, url, "r1", "alice", true)
	b, trB, recB := startClient(t, ctx, url, "r1", "bob", false)
	joined := recA.wait(t, EventMemberJoined)

	waitFor(t, "bob link", func() bool { return trB.linkCount() == 1 })

	if err := a.KickUser(joined.Member.ConnectionID); err != nil {
		t.Fatalf("KickUser: %v", err)
	}

	kicked := recB.wait(t, EventKicked)
	if kicked.Reason == "" {
		t.Fatal("kicked event carries no reason")
	}
	waitFor(t, "bob teardown", func() bool { return b.Orchestrator().LinkCount() == 0 })

	kickedEv := recA.wait(t, EventMemberKicked)
	if kickedEv.Member.DisplayName != "bob" {
		t.Fatalf("alice saw kick of %+v", kickedEv.Member)
	}
	waitFor(t, "alice teardown", func() bool { return a.Orchestrator().LinkCount() == 0 })
}

func TestPeerDisconnectTearsDownLink(t *testing.T) {
	url, _ := startRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, trA, recA := startClient(t, ctx, url, "r1", "alice", false)

	ctxB, cancelB := context.WithCancel(ctx)
	startClient(t, ctxB, url, "r1", "bob", false)
	recA.wait(t, EventMemberJoined)
	waitFor(t, "alice link", func() bool { return trA.linkCount() == 1 })

	cancelB()

	left := recA.wait(t, EventMemberLeft)
	if left.Member.DisplayName != "bob" {
		t.Fatalf("user-left for %+v", left.Member)
	}
	waitFor(t, "alice teardown", func() bool { return a.Orchestrator().LinkCount() == 0 })
}
