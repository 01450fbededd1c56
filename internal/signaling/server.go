package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/auth"
	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/idgen"
	"github.com/confmesh/confmesh/internal/metrics"
	"github.com/confmesh/confmesh/internal/origin"
	"github.com/confmesh/confmesh/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// WebSocketServer is the signaling endpoint browser clients connect to.
//
// It enforces authentication (api_key/jwt) plus per-connection limits to
// avoid idle unauthenticated connections and large or high-rate signaling
// messages, then hands every parsed message to the hub.
type WebSocketServer struct {
	cfg      config.Config
	log      *slog.Logger
	hub      *Hub
	metrics  *metrics.Metrics
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, log *slog.Logger, hub *Hub, m *metrics.Metrics) (*WebSocketServer, error) {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		v, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	return &WebSocketServer{
		cfg:      cfg,
		log:      log,
		hub:      hub,
		metrics:  m,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, cfg.AllowedOrigins)
			},
		},
	}, nil
}

// originAllowed applies the browser-origin policy to the upgrade request.
// Requests without an Origin header come from non-browser clients and pass.
func originAllowed(r *http.Request, allowedOrigins []string) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(raw)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, allowedOrigins)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	authenticated := s.verifier == nil
	if !authenticated {
		if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
			if err := s.verifier.Verify(cred); err != nil {
				s.metrics.Inc(metrics.CounterAuthFailures)
				writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
		} else if !errors.Is(err, auth.ErrMissingCredentials) {
			writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
			return
		}
	}

	if !authenticated {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	connectionID := idgen.NewConnectionID()
	sender := &wsSender{conn: conn}
	if err := s.hub.Register(connectionID, sender); err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			writeClose(conn, websocket.ClosePolicyViolation, "too many connections")
		}
		return
	}
	defer s.hub.Unregister(connectionID)

	limiter := ratelimit.NewTokenBucket(ratelimit.RealClock{},
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	for {
		if !limiter.Allow() {
			s.metrics.IncDrop(metrics.DropReasonRateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		raw, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.metrics.IncDrop(metrics.DropReasonTooLarge)
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))

		if !authenticated {
			if !s.handleAuthMessage(conn, raw) {
				return
			}
			authenticated = true
			continue
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}
		if !s.dispatch(conn, sender, connectionID, msg) {
			return
		}
	}
}

// dispatch routes one authenticated message. It returns false when the
// connection should be torn down.
func (s *WebSocketServer) dispatch(conn *websocket.Conn, sender *wsSender, connectionID string, msg Message) bool {
	switch msg.Type {
	case MessageTypeAuth:
		// Repeat auth from a retry-happy client is harmless.
		return true

	case MessageTypeJoinRoom:
		err := s.hub.Join(connectionID, msg.RoomCode, msg.DisplayName, msg.IsModerator)
		if errors.Is(err, ErrAlreadyJoined) {
			writeClose(conn, websocket.ClosePolicyViolation, "already joined another room")
			return false
		}
		if err != nil {
			writeClose(conn, websocket.CloseInternalServerErr, "join failed")
			return false
		}
		return true

	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		if err := s.hub.Relay(connectionID, msg); err != nil {
			writeClose(conn, websocket.ClosePolicyViolation, "join required")
			return false
		}
		return true

	case MessageTypeChatMessage, MessageTypeChatUpdate, MessageTypeChatDelete:
		if err := s.hub.Chat(connectionID, msg); err != nil {
			writeClose(conn, websocket.ClosePolicyViolation, "join required")
			return false
		}
		return true

	case MessageTypeKickUser:
		err := s.hub.Kick(connectionID, msg.Target)
		if errors.Is(err, ErrKickDenied) {
			sender.Send(Message{
				Type:   MessageTypeError,
				Code:   "kick_denied",
				Reason: "kick requires moderator",
			})
			return true
		}
		if err != nil {
			writeClose(conn, websocket.ClosePolicyViolation, "join required")
			return false
		}
		return true

	default:
		writeClose(conn, websocket.ClosePolicyViolation, "unexpected message type")
		return false
	}
}

func (s *WebSocketServer) handleAuthMessage(conn *websocket.Conn, raw []byte) bool {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Type != string(MessageTypeAuth) {
		writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	var authMsg auth.WireAuthMessage
	if err := json.Unmarshal(raw, &authMsg); err != nil {
		writeClose(conn, websocket.CloseUnsupportedData, "invalid auth message")
		return false
	}

	cred, err := auth.CredentialFromAuthMessage(s.cfg.AuthMode, authMsg)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "missing credentials")
		return false
	}
	if err := s.verifier.Verify(cred); err != nil {
		s.metrics.Inc(metrics.CounterAuthFailures)
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return false
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	return true
}

func (s *WebSocketServer) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// wsSender serializes hub-initiated writes onto the socket. The hub calls it
// from other connections' read goroutines, so writes need their own lock.
type wsSender struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsSender) Send(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsSender) CloseKicked(reason string) {
	writeClose(c.conn, websocket.ClosePolicyViolation, reason)
	_ = c.conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
