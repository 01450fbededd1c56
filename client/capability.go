package client

import (
	"context"
	"sync"
	"time"
)

// RemoteTrack is the transport-level view of one inbound media track.
type RemoteTrack struct {
	Kind    string // "audio" or "video"
	Enabled bool
	Muted   bool
}

// Capability is the derived per-peer media availability that drives
// rendering decisions.
type Capability struct {
	HasAudio bool
	HasVideo bool
}

// DeriveCapability computes availability from live track state.
//
// Video honors the transport mute flag on top of the enabled bit. Audio
// deliberately does not: disabling a track via enabled=false never raises the
// mute flag, so consulting it for audio would report sound where there is
// none the moment a real mute event lands.
func DeriveCapability(tracks []RemoteTrack) Capability {
	var c Capability
	var sawAudio, sawVideo bool
	for _, t := range tracks {
		switch t.Kind {
		case "audio":
			if !sawAudio {
				sawAudio = true
				c.HasAudio = t.Enabled
			}
		case "video":
			if !sawVideo {
				sawVideo = true
				c.HasVideo = t.Enabled && !t.Muted
			}
		}
	}
	return c
}

// CapabilityTracker recomputes per-peer capabilities and reports changes.
// Track-level events do not fire for programmatic enabled-flag toggles, so a
// coarse periodic rescan backs up the event-driven path; it only emits when a
// value actually changed.
type CapabilityTracker struct {
	interval time.Duration
	snapshot func() map[string][]RemoteTrack
	onChange func(remoteID string, c Capability)

	mu   sync.Mutex
	last map[string]Capability
}

func NewCapabilityTracker(interval time.Duration, snapshot func() map[string][]RemoteTrack, onChange func(string, Capability)) *CapabilityTracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &CapabilityTracker{
		interval: interval,
		snapshot: snapshot,
		onChange: onChange,
		last:     make(map[string]Capability),
	}
}

// Rescan recomputes every peer's capability immediately. Call it from track
// event handlers; the periodic loop calls it too.
func (t *CapabilityTracker) Rescan() {
	current := t.snapshot()

	t.mu.Lock()
	var changed []struct {
		id string
		c  Capability
	}
	for id, tracks := range current {
		c := DeriveCapability(tracks)
		if prev, ok := t.last[id]; !ok || prev != c {
			t.last[id] = c
			changed = append(changed, struct {
				id string
				c  Capability
			}{id, c})
		}
	}
	for id := range t.last {
		if _, ok := current[id]; !ok {
			delete(t.last, id)
		}
	}
	t.mu.Unlock()

	for _, ch := range changed {
		t.onChange(ch.id, ch.c)
	}
}

// Capability returns the last derived value for a peer.
func (t *CapabilityTracker) Capability(remoteID string) (Capability, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.last[remoteID]
	return c, ok
}

// Run rescans on the configured interval until the context ends.
func (t *CapabilityTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Rescan()
		}
	}
}
