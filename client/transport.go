package client

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/confmesh/confmesh/internal/signaling"
)

// ConnState is the reduced connection lifecycle the orchestrator reacts to.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the link. Terminal states feed the
// same cleanup path as explicit leave/kick events.
func (s ConnState) Terminal() bool {
	return s == ConnStateDisconnected || s == ConnStateFailed || s == ConnStateClosed
}

// LinkCallbacks are invoked by the transport as negotiation progresses. They
// fire on transport-internal goroutines, never synchronously from NewLink or
// Close.
type LinkCallbacks struct {
	OnLocalCandidate func(signaling.Candidate)
	OnStateChange    func(ConnState)
	OnRemoteTrack    func()
}

// Link is one peer connection under negotiation.
type Link interface {
	AttachTracks(tracks []Track) error
	CreateOffer() (signaling.SDP, error)
	CreateAnswer(remoteOffer signaling.SDP) (signaling.SDP, error)
	AcceptAnswer(remoteAnswer signaling.SDP) error
	AddICECandidate(c signaling.Candidate) error
	RemoteTracks() []RemoteTrack
	Close() error
}

// Transport builds Links. The production implementation wraps pion; tests
// substitute a fake to drive the orchestrator deterministically.
type Transport interface {
	NewLink(cb LinkCallbacks) (Link, error)
}

// PionTransport builds peer connections with pion/webrtc.
type PionTransport struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

func NewPionTransport(api *webrtc.API, iceServers []webrtc.ICEServer) *PionTransport {
	if api == nil {
		me := &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err == nil {
			api = webrtc.NewAPI(webrtc.WithMediaEngine(me))
		} else {
			api = webrtc.NewAPI()
		}
	}
	return &PionTransport{api: api, iceServers: iceServers}
}

func (t *PionTransport) NewLink(cb LinkCallbacks) (Link, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &pionLink{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		cb.OnLocalCandidate(signaling.CandidateFromPion(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if cb.OnStateChange == nil {
			return
		}
		cb.OnStateChange(connStateFromPion(state))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// pion exposes no per-track enabled/mute events, so the recorded
		// state is the arrival state and never changes afterwards.
		// TODO: drive Enabled/Muted from a peer-state datachannel so the
		// capability tracker sees remote toggles over this transport.
		l.mu.Lock()
		l.remote = append(l.remote, RemoteTrack{
			Kind:    track.Kind().String(),
			Enabled: true,
		})
		l.mu.Unlock()
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack()
		}
	})

	return l, nil
}

func connStateFromPion(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	default:
		return ConnStateClosed
	}
}

type pionLink struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	remote []RemoteTrack
}

func (l *pionLink) AttachTracks(tracks []Track) error {
	for _, t := range tracks {
		pt, ok := t.(*PionTrack)
		if !ok {
			return fmt.Errorf("track %q is not a pion track", t.Kind())
		}
		if _, err := l.pc.AddTrack(pt.local); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func (l *pionLink) CreateOffer() (signaling.SDP, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local offer: %w", err)
	}
	return signaling.SDPFromPion(offer), nil
}

func (l *pionLink) CreateAnswer(remoteOffer signaling.SDP) (signaling.SDP, error) {
	desc, err := remoteOffer.ToPion()
	if err != nil {
		return signaling.SDP{}, err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return signaling.SDP{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local answer: %w", err)
	}
	return signaling.SDPFromPion(answer), nil
}

func (l *pionLink) AcceptAnswer(remoteAnswer signaling.SDP) error {
	desc, err := remoteAnswer.ToPion()
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *pionLink) AddICECandidate(c signaling.Candidate) error {
	return l.pc.AddICECandidate(c.ToPion())
}

func (l *pionLink) RemoteTracks() []RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RemoteTrack, len(l.remote))
	copy(out, l.remote)
	return out
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

// PionTrack adapts a pion local track to the Track interface. The enabled
// flag is app-level: pion sample tracks have no native enabled bit, so
// writers consult Enabled before pushing samples.
type PionTrack struct {
	local webrtc.TrackLocal
	kind  string

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func NewPionTrack(local webrtc.TrackLocal, kind string) *PionTrack {
	return &PionTrack{local: local, kind: kind, enabled: true}
}

func (t *PionTrack) Kind() string { return t.kind }

func (t *PionTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *PionTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *PionTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Local exposes the underlying pion track for sample writers.
func (t *PionTrack) Local() webrtc.TrackLocal { return t.local }
