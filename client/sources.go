package client

import (
	"github.com/pion/webrtc/v4"
)

// SampleCaptureSource produces pion sample tracks (Opus audio, VP8 video).
// Headless clients negotiate real transceivers with these without touching
// capture hardware; callers push media by calling WriteSample on the
// returned tracks' Local() handles.
type SampleCaptureSource struct{}

func (SampleCaptureSource) Capture(audio, video bool) ([]Track, error) {
	var tracks []Track
	if audio {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "conf-audio")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, NewPionTrack(local, "audio"))
	}
	if video {
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "conf-video")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, NewPionTrack(local, "video"))
	}
	return tracks, nil
}

func (SampleCaptureSource) CaptureScreen() (Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "conf-screen")
	if err != nil {
		return nil, err
	}
	return NewPionTrack(local, "video"), nil
}
