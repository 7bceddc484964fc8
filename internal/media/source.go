// Package media supplies the local tracks a broadcaster publishes. The
// negotiators only consume "tracks exist" and "a track was replaced"; where
// samples come from (files, test signal) stays in here.
package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Source holds the current local tracks and notifies on in-place replacement
// (the camera-switch path: live links swap the outgoing track without
// renegotiating).
type Source struct {
	mu        sync.Mutex
	video     webrtc.TrackLocal
	audio     webrtc.TrackLocal
	onReplace func(track webrtc.TrackLocal)
	stopFn    func()
}

// NewSource wraps existing tracks. Either track may be nil.
func NewSource(video, audio webrtc.TrackLocal) *Source {
	return &Source{video: video, audio: audio}
}

// Tracks returns the current non-nil tracks.
func (s *Source) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, 2)
	if s.video != nil {
		out = append(out, s.video)
	}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

// OnTrackReplaced registers the callback fired by SwapVideo/SwapAudio.
func (s *Source) OnTrackReplaced(fn func(track webrtc.TrackLocal)) {
	s.mu.Lock()
	s.onReplace = fn
	s.mu.Unlock()
}

// SwapVideo replaces the video track and fires the replacement callback.
func (s *Source) SwapVideo(track webrtc.TrackLocal) {
	s.swap(track, true)
}

// SwapAudio replaces the audio track and fires the replacement callback.
func (s *Source) SwapAudio(track webrtc.TrackLocal) {
	s.swap(track, false)
}

func (s *Source) swap(track webrtc.TrackLocal, video bool) {
	s.mu.Lock()
	if video {
		s.video = track
	} else {
		s.audio = track
	}
	fn := s.onReplace
	s.mu.Unlock()
	if fn != nil && track != nil {
		fn(track)
	}
}

// Stop halts any feeder goroutines behind the tracks.
func (s *Source) Stop() {
	s.mu.Lock()
	stop := s.stopFn
	s.stopFn = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// NewNullSource returns a source with inert VP8/Opus sample tracks, for runs
// without media files. Viewers negotiate and connect but receive no frames.
func NewNullSource() (*Source, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "mohlive")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mohlive")
	if err != nil {
		return nil, err
	}
	return NewSource(video, audio), nil
}
