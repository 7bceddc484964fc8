package peer

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LinkState is the lifecycle of one broadcaster-viewer negotiation.
type LinkState int

const (
	LinkCreated LinkState = iota
	LinkOfferSent
	LinkAwaitingOffer
	LinkAnswerReceived
	LinkAnswerSent
	LinkEstablished
	LinkClosed
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkCreated:
		return "created"
	case LinkOfferSent:
		return "offer-sent"
	case LinkAwaitingOffer:
		return "awaiting-offer"
	case LinkAnswerReceived:
		return "answer-received"
	case LinkAnswerSent:
		return "answer-sent"
	case LinkEstablished:
		return "established"
	case LinkClosed:
		return "closed"
	case LinkFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s LinkState) Terminal() bool { return s == LinkClosed || s == LinkFailed }

// Link is one negotiation instance between the broadcaster and one viewer.
//
// Candidates and the remote description travel independent forwarding paths
// and may arrive in either order, so candidates that arrive first are queued
// and applied in arrival order right after the description; later candidates
// bypass the queue.
type Link struct {
	viewerID string
	peer     SessionPeer
	logger   *zap.Logger

	mu        sync.Mutex
	state     LinkState
	remoteSet bool
	pending   []json.RawMessage
	timer     *time.Timer
}

func newLink(viewerID string, peer SessionPeer, state LinkState, logger *zap.Logger) *Link {
	return &Link{viewerID: viewerID, peer: peer, state: state, logger: logger}
}

// State returns the current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return
	}
	l.state = s
}

// applyRemoteDescription applies the remote description and drains the
// candidate queue in arrival order.
func (l *Link) applyRemoteDescription(sdp json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.peer.SetRemoteDescription(sdp); err != nil {
		return err
	}
	l.remoteSet = true
	for _, cand := range l.pending {
		if err := l.peer.AddICECandidate(cand); err != nil {
			l.logger.Warn("queued candidate rejected", zap.String("viewer_id", l.viewerID), zap.Error(err))
		}
	}
	l.pending = nil
	return nil
}

// addCandidate applies the candidate when the remote description is already
// set, otherwise queues it.
func (l *Link) addCandidate(cand json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Terminal() {
		return nil
	}
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		return nil
	}
	return l.peer.AddICECandidate(cand)
}

// armTimer schedules fn unless the timer is disarmed first. d <= 0 disables
// the timeout.
func (l *Link) armTimer(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, fn)
}

func (l *Link) disarmTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// close releases the peer and moves the link to a terminal state. Idempotent.
func (l *Link) close(to LinkState) {
	l.mu.Lock()
	if l.state.Terminal() {
		l.mu.Unlock()
		return
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.state = to
	l.pending = nil
	peer := l.peer
	l.mu.Unlock()
	if err := peer.Close(); err != nil {
		l.logger.Debug("peer close", zap.String("viewer_id", l.viewerID), zap.Error(err))
	}
}
