// Package peer implements the per-peer negotiation state machines that drive
// a media session to completion: the Publisher (broadcaster side, one link
// per viewer) and the Subscriber (viewer side, one upstream link).
package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// SessionPeer is the slice of the peer-connection capability the negotiators
// drive. Session descriptions and candidates cross this boundary as JSON
// blobs, matching their wire shape.
type SessionPeer interface {
	// CreateOffer produces a local offer and applies it as the local
	// description.
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer produces a local answer and applies it as the local
	// description. Valid only after SetRemoteDescription.
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(sdp json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	AddTrack(track webrtc.TrackLocal) error
	// ReplaceTrack swaps the outgoing track of the sender with the same kind,
	// without renegotiation.
	ReplaceTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	Close() error
}

// Factory creates one SessionPeer per negotiation attempt.
type Factory func() (SessionPeer, error)

// NewPionFactory returns a Factory backed by pion with the given STUN/TURN
// URLs (defaults applied when empty).
func NewPionFactory(iceURLs []string) Factory {
	cfg := webrtc.Configuration{ICEServers: parseICEServers(iceURLs)}
	return func() (SessionPeer, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
		api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func parseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (p *pionPeer) CreateAnswer() (json.RawMessage, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (p *pionPeer) SetRemoteDescription(sdp json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) ReplaceTrack(track webrtc.TrackLocal) error {
	for _, sender := range p.pc.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != track.Kind() {
			continue
		}
		return sender.ReplaceTrack(track)
	}
	return fmt.Errorf("no sender for %s track", track.Kind())
}

func (p *pionPeer) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
