package client

import (
	"errors"
	"sync"
)

// Track is one local media track. Implementations toggle production at the
// source; SetEnabled never re-acquires the device.
type Track interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// CaptureSource acquires local media. The real implementation prompts for
// device access; tests substitute a fake.
type CaptureSource interface {
	Capture(audio, video bool) ([]Track, error)
	CaptureScreen() (Track, error)
}

var ErrAlreadyCaptured = errors.New("local media already captured")

// LocalMedia holds the local capture state shared by every peer link.
//
// Acquisition happens at most once per join: a failed or declined capture
// still resolves the media state (the user joins without that media kind)
// and enable toggles mutate the existing tracks rather than re-prompting.
type LocalMedia struct {
	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	tracks       []Track
	screen       Track
	resolved     bool
}

func NewLocalMedia() *LocalMedia {
	return &LocalMedia{audioEnabled: true, videoEnabled: true}
}

// Acquire captures audio/video once. Device errors are returned for surfacing
// as a notice, but the media state still resolves so deferred peer links can
// proceed without local tracks.
func (m *LocalMedia) Acquire(src CaptureSource) error {
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return ErrAlreadyCaptured
	}
	m.resolved = true
	m.mu.Unlock()

	tracks, err := src.Capture(true, true)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.tracks = tracks
	for _, t := range m.tracks {
		switch t.Kind() {
		case "audio":
			t.SetEnabled(m.audioEnabled)
		case "video":
			t.SetEnabled(m.videoEnabled)
		}
	}
	m.mu.Unlock()
	return nil
}

// Resolved reports whether capture has run, successfully or not. Peer links
// defer their first offer until this is true.
func (m *LocalMedia) Resolved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved
}

// Tracks returns the captured local tracks. Callers share the track
// references; they must not mutate anything but the enabled flag.
func (m *LocalMedia) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.setEnabled("audio", enabled)
}

func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.setEnabled("video", enabled)
}

func (m *LocalMedia) setEnabled(kind string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if kind == "audio" {
		m.audioEnabled = enabled
	} else {
		m.videoEnabled = enabled
	}
	for _, t := range m.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// StartScreenShare captures the screen into its own slot. At most one screen
// track exists at a time.
func (m *LocalMedia) StartScreenShare(src CaptureSource) (Track, error) {
	m.mu.Lock()
	if m.screen != nil {
		existing := m.screen
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	track, err := src.CaptureScreen()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen = track
	return track, nil
}

// StopScreenShare stops the screen track and clears the slot.
func (m *LocalMedia) StopScreenShare() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen == nil {
		return
	}
	m.screen.Stop()
	m.screen = nil
}

func (m *LocalMedia) ScreenTrack() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}
