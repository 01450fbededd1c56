package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/confmesh/confmesh/internal/signaling"
)

// maxBufferedCandidates bounds how many early ICE candidates are held per
// sender while their link is still being created.
const maxBufferedCandidates = 32

// SignalSender is the orchestrator's outbound path to the relay.
type SignalSender interface {
	SendOffer(targetID string, sdp signaling.SDP) error
	SendAnswer(targetID string, sdp signaling.SDP) error
	SendCandidate(targetID string, c signaling.Candidate) error
}

// Notice is a non-fatal, user-facing event (a peer failed, negotiation
// hiccuped). The call continues with the remaining participants.
type Notice struct {
	RemoteID   string
	RemoteName string
	Text       string
}

// PeerLink is the per-remote-participant negotiation state.
type PeerLink struct {
	RemoteID    string
	RemoteName  string
	IsModerator bool

	link           Link
	tracksAttached bool
	offerSent      bool
}

// Orchestrator maintains one negotiated transport per remote participant,
// keeps each in sync with local media availability, and surfaces inbound
// remote tracks.
//
// Link creation is idempotent per remote connection id. The newcomer
// initiates: on joining, the relay's existing-users list drives one outbound
// offer per member once local media has resolved; inbound offers from unknown
// ids create links reactively. Early ICE candidates are buffered per sender
// and flushed when the link appears. Terminal transport states and explicit
// leave/kick events converge on the same removal routine.
type Orchestrator struct {
	log       *slog.Logger
	transport Transport
	media     *LocalMedia
	out       SignalSender
	notify    func(Notice)

	// onPeersChanged fires after a link is added or removed and after remote
	// track events, so the capability tracker can rescan promptly. It is
	// invoked with the mutex released; the callback may call back into the
	// orchestrator (Rescan snapshots remote tracks through it).
	onPeersChanged func()

	// onLinkState observes transport state transitions per remote id.
	onLinkState func(remoteID string, state ConnState)

	mu         sync.Mutex
	links      map[string]*PeerLink
	pending    map[string][]signaling.Candidate
	deferred   map[string]signaling.Member
	peersDirty bool
}

func NewOrchestrator(log *slog.Logger, transport Transport, media *LocalMedia, out SignalSender) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:       log,
		transport: transport,
		media:     media,
		out:       out,
		links:     make(map[string]*PeerLink),
		pending:   make(map[string][]signaling.Candidate),
		deferred:  make(map[string]signaling.Member),
	}
}

// SetNoticeFunc registers the user-facing notice callback. Must be set
// before message handling starts.
func (o *Orchestrator) SetNoticeFunc(fn func(Notice)) { o.notify = fn }

// SetPeersChangedFunc registers the roster/track change callback. Must be
// set before message handling starts.
func (o *Orchestrator) SetPeersChangedFunc(fn func()) { o.onPeersChanged = fn }

// SetLinkStateFunc registers a transport state observer. Must be set before
// message handling starts.
func (o *Orchestrator) SetLinkStateFunc(fn func(string, ConnState)) { o.onLinkState = fn }

// HandleExistingUsers bootstraps links toward every member the relay
// reported. If local media has not resolved yet the members are parked and
// MediaResolved finishes the job.
func (o *Orchestrator) HandleExistingUsers(members []signaling.Member) {
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()
	if !o.media.Resolved() {
		for _, m := range members {
			o.deferred[m.ConnectionID] = m
		}
		return
	}
	for _, m := range members {
		o.initiateLocked(m)
	}
}

// MediaResolved reacts to local capture finishing (successfully or not):
// parked members get their deferred offers, and links created reactively
// before capture get local tracks attached and a fresh offer. Both are
// exactly-once per peer.
func (o *Orchestrator) MediaResolved() {
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()

	for id, m := range o.deferred {
		delete(o.deferred, id)
		o.initiateLocked(m)
	}

	tracks := o.media.Tracks()
	if len(tracks) == 0 {
		return
	}
	for _, pl := range o.links {
		if pl.tracksAttached {
			continue
		}
		pl.tracksAttached = true
		if err := pl.link.AttachTracks(tracks); err != nil {
			o.warnLocked(pl, fmt.Sprintf("attaching media for %s failed", pl.RemoteName))
			continue
		}
		o.sendOfferLocked(pl)
	}
}

// HandleOffer answers an inbound offer, creating the link reactively when the
// sender is unknown. A renegotiation offer on an existing link takes the same
// path.
func (o *Orchestrator) HandleOffer(fromID, fromName string, fromModerator bool, sdp signaling.SDP) {
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()

	pl, ok := o.links[fromID]
	if !ok {
		pl = o.createLinkLocked(fromID, fromName, fromModerator)
		if pl == nil {
			return
		}
		if o.media.Resolved() {
			if tracks := o.media.Tracks(); len(tracks) > 0 {
				if err := pl.link.AttachTracks(tracks); err == nil {
					pl.tracksAttached = true
				}
			}
		}
	}

	answer, err := pl.link.CreateAnswer(sdp)
	if err != nil {
		o.warnLocked(pl, fmt.Sprintf("negotiation with %s failed", pl.RemoteName))
		o.removeLocked(fromID)
		return
	}
	if err := o.out.SendAnswer(fromID, answer); err != nil {
		o.log.Warn("sending answer failed", "remote_id", fromID, "err", err)
	}
	o.flushCandidatesLocked(pl)
}

// HandleAnswer applies an inbound answer to its link. An answer with no
// matching link indicates a lost or duplicated message and is dropped with a
// diagnostic.
func (o *Orchestrator) HandleAnswer(fromID string, sdp signaling.SDP) {
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()

	pl, ok := o.links[fromID]
	if !ok {
		o.log.Warn("answer for unknown link", "remote_id", fromID)
		return
	}
	if err := pl.link.AcceptAnswer(sdp); err != nil {
		o.warnLocked(pl, fmt.Sprintf("negotiation with %s failed", pl.RemoteName))
		o.removeLocked(fromID)
	}
}

// HandleCandidate attaches an inbound ICE candidate, buffering it when the
// sender's link does not exist yet. Candidates race link creation; buffered
// ones are flushed as soon as the link appears.
func (o *Orchestrator) HandleCandidate(fromID string, c signaling.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pl, ok := o.links[fromID]
	if !ok {
		if len(o.pending[fromID]) >= maxBufferedCandidates {
			o.log.Warn("candidate buffer full", "remote_id", fromID)
			return
		}
		o.pending[fromID] = append(o.pending[fromID], c)
		return
	}
	if err := pl.link.AddICECandidate(c); err != nil {
		o.log.Warn("adding candidate failed", "remote_id", fromID, "err", err)
	}
}

// RemovePeer tears down the link for an explicit leave/kick event. Terminal
// transport states land here too, so both paths end in the same state.
func (o *Orchestrator) RemovePeer(remoteID string) {
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()
	o.removeLocked(remoteID)
}

// CloseAll tears down every link, for client shutdown or relay reconnect
// (a rejoin starts from a clean slate under a new connection id).
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()
	for id := range o.links {
		o.removeLocked(id)
	}
	o.deferred = make(map[string]signaling.Member)
	o.pending = make(map[string][]signaling.Candidate)
}

// Peers returns the current peer roster.
func (o *Orchestrator) Peers() []PeerLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PeerLink, 0, len(o.links))
	for _, pl := range o.links {
		out = append(out, PeerLink{
			RemoteID:    pl.RemoteID,
			RemoteName:  pl.RemoteName,
			IsModerator: pl.IsModerator,
		})
	}
	return out
}

// LinkCount reports how many links currently exist.
func (o *Orchestrator) LinkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links)
}

// RemoteTracksSnapshot feeds the capability tracker.
func (o *Orchestrator) RemoteTracksSnapshot() map[string][]RemoteTrack {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string][]RemoteTrack, len(o.links))
	for id, pl := range o.links {
		out[id] = pl.link.RemoteTracks()
	}
	return out
}

// initiateLocked creates a link toward a member and sends the first offer.
// An existing link makes it a no-op: duplicate existing-users deliveries and
// deferred flushes must not re-offer.
func (o *Orchestrator) initiateLocked(m signaling.Member) {
	if _, ok := o.links[m.ConnectionID]; ok {
		return
	}
	pl := o.createLinkLocked(m.ConnectionID, m.DisplayName, m.IsModerator)
	if pl == nil {
		return
	}
	if tracks := o.media.Tracks(); len(tracks) > 0 {
		if err := pl.link.AttachTracks(tracks); err != nil {
			o.warnLocked(pl, fmt.Sprintf("attaching media for %s failed", pl.RemoteName))
		} else {
			pl.tracksAttached = true
		}
	}
	o.sendOfferLocked(pl)
	o.flushCandidatesLocked(pl)
}

func (o *Orchestrator) createLinkLocked(remoteID, remoteName string, moderator bool) *PeerLink {
	link, err := o.transport.NewLink(LinkCallbacks{
		OnLocalCandidate: func(c signaling.Candidate) {
			if err := o.out.SendCandidate(remoteID, c); err != nil {
				o.log.Warn("sending candidate failed", "remote_id", remoteID, "err", err)
			}
		},
		OnStateChange: func(state ConnState) {
			o.handleLinkState(remoteID, state)
		},
		OnRemoteTrack: func() {
			if o.onPeersChanged != nil {
				o.onPeersChanged()
			}
		},
	})
	if err != nil {
		o.log.Error("creating peer link failed", "remote_id", remoteID, "err", err)
		if o.notify != nil {
			o.notify(Notice{RemoteID: remoteID, RemoteName: remoteName,
				Text: fmt.Sprintf("connection to %s could not be created", remoteName)})
		}
		return nil
	}
	pl := &PeerLink{
		RemoteID:    remoteID,
		RemoteName:  remoteName,
		IsModerator: moderator,
		link:        link,
	}
	o.links[remoteID] = pl
	o.log.Debug("peer link created", "remote_id", remoteID, "remote_name", remoteName)
	o.peersDirty = true
	return pl
}

func (o *Orchestrator) sendOfferLocked(pl *PeerLink) {
	offer, err := pl.link.CreateOffer()
	if err != nil {
		o.warnLocked(pl, fmt.Sprintf("negotiation with %s failed", pl.RemoteName))
		o.removeLocked(pl.RemoteID)
		return
	}
	pl.offerSent = true
	if err := o.out.SendOffer(pl.RemoteID, offer); err != nil {
		o.log.Warn("sending offer failed", "remote_id", pl.RemoteID, "err", err)
	}
}

func (o *Orchestrator) flushCandidatesLocked(pl *PeerLink) {
	buffered := o.pending[pl.RemoteID]
	delete(o.pending, pl.RemoteID)
	for _, c := range buffered {
		if err := pl.link.AddICECandidate(c); err != nil {
			o.log.Warn("flushing candidate failed", "remote_id", pl.RemoteID, "err", err)
		}
	}
}

func (o *Orchestrator) handleLinkState(remoteID string, state ConnState) {
	if o.onLinkState != nil {
		o.onLinkState(remoteID, state)
	}
	if !state.Terminal() {
		if state == ConnStateConnected {
			o.log.Info("peer link connected", "remote_id", remoteID)
		}
		return
	}
	o.mu.Lock()
	defer o.flushPeersChanged()
	defer o.mu.Unlock()
	pl, ok := o.links[remoteID]
	if !ok {
		return
	}
	if state == ConnStateFailed {
		o.warnLocked(pl, fmt.Sprintf("connection to %s failed", pl.RemoteName))
	}
	o.removeLocked(remoteID)
}

func (o *Orchestrator) removeLocked(remoteID string) {
	pl, ok := o.links[remoteID]
	if !ok {
		return
	}
	delete(o.links, remoteID)
	delete(o.pending, remoteID)
	delete(o.deferred, remoteID)
	_ = pl.link.Close()
	o.log.Debug("peer link removed", "remote_id", remoteID)
	o.peersDirty = true
}

// flushPeersChanged fires onPeersChanged for mutations recorded under the
// mutex. Callers defer it before deferring Unlock so it runs lock-free; the
// callback is allowed to re-enter the orchestrator.
func (o *Orchestrator) flushPeersChanged() {
	o.mu.Lock()
	dirty := o.peersDirty
	o.peersDirty = false
	o.mu.Unlock()
	if dirty && o.onPeersChanged != nil {
		o.onPeersChanged()
	}
}

func (o *Orchestrator) warnLocked(pl *PeerLink, text string) {
	o.log.Warn(text, "remote_id", pl.RemoteID)
	if o.notify != nil {
		o.notify(Notice{RemoteID: pl.RemoteID, RemoteName: pl.RemoteName, Text: text})
	}
}
