package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SubscriberSignaler sends viewer-side negotiation messages to the relay.
type SubscriberSignaler interface {
	SendReady() error
	SendAnswer(sdp json.RawMessage) error
	SendCandidate(viewerID string, candidate json.RawMessage) error
}

// TrackHandler surfaces incoming remote media to the collaborator layer.
type TrackHandler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// StatusHandler receives abstract lifecycle updates (awaiting-offer,
// answer-sent, established, closed, failed) for presentation layers.
type StatusHandler func(state LinkState)

// Subscriber drives the single inbound media session with the broadcaster.
type Subscriber struct {
	peers   Factory
	sig     SubscriberSignaler
	timeout time.Duration
	logger  *zap.Logger

	onTrack  TrackHandler
	onStatus StatusHandler

	mu   sync.Mutex
	link *Link
}

// NewSubscriber creates a subscriber negotiator. timeout <= 0 disables the
// offer deadline.
func NewSubscriber(peers Factory, sig SubscriberSignaler, timeout time.Duration, logger *zap.Logger) *Subscriber {
	return &Subscriber{peers: peers, sig: sig, timeout: timeout, logger: logger}
}

// SetTrackHandler registers the remote-track callback. Call before
// HandleBroadcasterAvailable.
func (s *Subscriber) SetTrackHandler(fn TrackHandler) { s.onTrack = fn }

// SetStatusHandler registers the lifecycle callback.
func (s *Subscriber) SetStatusHandler(fn StatusHandler) { s.onStatus = fn }

// HandleBroadcasterAvailable prepares a fresh link and signals readiness. An
// existing link (broadcaster restarted) is torn down first; a stale link left
// open would leak its peer connection.
func (s *Subscriber) HandleBroadcasterAvailable() {
	s.teardown(LinkClosed)

	peer, err := s.peers()
	if err != nil {
		s.logger.Error("create peer", zap.Error(err))
		s.status(LinkFailed)
		return
	}
	link := newLink("", peer, LinkAwaitingOffer, s.logger)
	if s.onTrack != nil {
		peer.OnTrack(s.onTrack)
	}
	peer.OnICECandidate(func(candidate json.RawMessage) {
		_ = s.sig.SendCandidate("", candidate)
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleConnectionState(link, state)
	})

	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	if err := s.sig.SendReady(); err != nil {
		s.logger.Warn("send ready", zap.Error(err))
	}
	link.armTimer(s.timeout, func() {
		s.logger.Warn("no offer before deadline")
		s.teardownLink(link, LinkFailed)
	})
	s.status(LinkAwaitingOffer)
	s.logger.Info("awaiting offer")
}

// HandleOffer applies the broadcaster's offer, drains any queued candidates
// and sends the answer back.
func (s *Subscriber) HandleOffer(sdp json.RawMessage) {
	link := s.current()
	if link == nil {
		s.logger.Debug("offer without a link")
		return
	}
	if state := link.State(); state != LinkAwaitingOffer {
		s.logger.Debug("offer out of order", zap.String("state", state.String()))
		return
	}
	if err := link.applyRemoteDescription(sdp); err != nil {
		s.logger.Error("apply offer", zap.Error(err))
		s.teardownLink(link, LinkFailed)
		return
	}
	link.disarmTimer()
	answer, err := link.peer.CreateAnswer()
	if err != nil {
		s.logger.Error("create answer", zap.Error(err))
		s.teardownLink(link, LinkFailed)
		return
	}
	if err := s.sig.SendAnswer(answer); err != nil {
		s.logger.Warn("send answer", zap.Error(err))
	}
	link.setState(LinkAnswerSent)
	s.status(LinkAnswerSent)
}

// HandleCandidate queues or applies one broadcaster candidate.
func (s *Subscriber) HandleCandidate(candidate json.RawMessage) {
	link := s.current()
	if link == nil {
		return
	}
	if err := link.addCandidate(candidate); err != nil {
		s.logger.Warn("candidate rejected", zap.Error(err))
	}
}

// HandleBroadcasterUnavailable closes the link and surfaces offline.
func (s *Subscriber) HandleBroadcasterUnavailable() {
	s.teardown(LinkClosed)
	s.status(LinkClosed)
	s.logger.Info("broadcaster offline")
}

// Close tears the session down (viewer shutdown).
func (s *Subscriber) Close() {
	s.teardown(LinkClosed)
}

// State reports the current link state; LinkClosed when no link exists.
func (s *Subscriber) State() LinkState {
	link := s.current()
	if link == nil {
		return LinkClosed
	}
	return link.State()
}

func (s *Subscriber) current() *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// teardown closes whatever link is current.
func (s *Subscriber) teardown(to LinkState) {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()
	if link != nil {
		link.close(to)
	}
}

// teardownLink closes link only if it is still current, so callbacks of a
// replaced link cannot kill its successor or confuse the status handler.
func (s *Subscriber) teardownLink(link *Link, to LinkState) {
	s.mu.Lock()
	current := s.link == link
	if current {
		s.link = nil
	}
	s.mu.Unlock()
	link.close(to)
	if current {
		s.status(to)
	}
}

func (s *Subscriber) handleConnectionState(link *Link, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		link.setState(LinkEstablished)
		s.status(LinkEstablished)
		s.logger.Info("session established")
	case webrtc.PeerConnectionStateFailed:
		s.logger.Warn("transport failed")
		s.teardownLink(link, LinkFailed)
	case webrtc.PeerConnectionStateClosed:
		s.teardownLink(link, LinkClosed)
	}
}

func (s *Subscriber) status(state LinkState) {
	if s.onStatus != nil {
		s.onStatus(state)
	}
}
