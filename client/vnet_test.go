package client

import (
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/confmesh/confmesh/internal/signaling"
)

// signalPipe delivers signaling to the peer orchestrator on its own
// goroutine, in order. Orchestrator callbacks run with internal locks held,
// so in-process delivery must not call back synchronously.
type signalPipe struct {
	fromID string
	ch     chan func(*Orchestrator)
	done   chan struct{}
}

func newSignalPipe(fromID string) *signalPipe {
	return &signalPipe{
		fromID: fromID,
		ch:     make(chan func(*Orchestrator), 256),
		done:   make(chan struct{}),
	}
}

func (p *signalPipe) run(peer *Orchestrator) {
	for {
		select {
		case fn := <-p.ch:
			fn(peer)
		case <-p.done:
			return
		}
	}
}

func (p *signalPipe) deliver(fn func(*Orchestrator)) error {
	select {
	case p.ch <- fn:
	case <-p.done:
	}
	return nil
}

func (p *signalPipe) SendOffer(targetID string, sdp signaling.SDP) error {
	return p.deliver(func(o *Orchestrator) { o.HandleOffer(p.fromID, p.fromID, false, sdp) })
}

func (p *signalPipe) SendAnswer(targetID string, sdp signaling.SDP) error {
	return p.deliver(func(o *Orchestrator) { o.HandleAnswer(p.fromID, sdp) })
}

func (p *signalPipe) SendCandidate(targetID string, c signaling.Candidate) error {
	return p.deliver(func(o *Orchestrator) { o.HandleCandidate(p.fromID, c) })
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// TestOrchestratorsConnectOverVNet negotiates two real pion peer connections
// across an in-memory network and waits for both links to reach connected.
func TestOrchestratorsConnectOverVNet(t *testing.T) {
	if testing.Short() {
		t.Skip("vnet negotiation test")
	}

	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := newVNetAPI(netA)
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := newVNetAPI(netB)
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	pipeA := newSignalPipe("a")
	pipeB := newSignalPipe("b")
	t.Cleanup(func() { close(pipeA.done); close(pipeB.done) })

	mediaA := NewLocalMedia()
	mediaB := NewLocalMedia()
	if err := mediaA.Acquire(SampleCaptureSource{}); err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	if err := mediaB.Acquire(SampleCaptureSource{}); err != nil {
		t.Fatalf("acquire B: %v", err)
	}

	orchA := NewOrchestrator(slog.Default(), NewPionTransport(apiA, nil), mediaA, pipeA)
	orchB := NewOrchestrator(slog.Default(), NewPionTransport(apiB, nil), mediaB, pipeB)
	t.Cleanup(orchA.CloseAll)
	t.Cleanup(orchB.CloseAll)

	connectedA := make(chan struct{}, 1)
	connectedB := make(chan struct{}, 1)
	orchA.SetLinkStateFunc(func(remoteID string, state ConnState) {
		if state == ConnStateConnected {
			select {
			case connectedA <- struct{}{}:
			default:
			}
		}
	})
	orchB.SetLinkStateFunc(func(remoteID string, state ConnState) {
		if state == ConnStateConnected {
			select {
			case connectedB <- struct{}{}:
			default:
			}
		}
	})

	// A's pipe delivers to B and vice versa.
	go pipeA.run(orchB)
	go pipeB.run(orchA)

	orchA.MediaResolved()
	orchB.MediaResolved()

	// B is the newcomer: it learns about A and initiates.
	orchB.HandleExistingUsers([]signaling.Member{{ConnectionID: "a", DisplayName: "a"}})

	for name, ch := range map[string]chan struct{}{"A": connectedA, "B": connectedB} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("peer %s never reached connected", name)
		}
	}

	if orchA.LinkCount() != 1 || orchB.LinkCount() != 1 {
		t.Fatalf("links: A=%d B=%d", orchA.LinkCount(), orchB.LinkCount())
	}
}
