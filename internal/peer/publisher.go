package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultNegotiationTimeout bounds the wait for the counterpart's next
// handshake message (answer after offer, offer after ready).
const DefaultNegotiationTimeout = 15 * time.Second

// PublisherSignaler sends broadcaster-side negotiation messages to the relay.
type PublisherSignaler interface {
	SendOffer(viewerID string, sdp json.RawMessage) error
	SendCandidate(viewerID string, candidate json.RawMessage) error
}

// MediaSource supplies the local tracks attached to every outbound link.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// Publisher drives one outbound media session per viewer that signals
// readiness. Links are keyed by viewer connection id and fully independent: a
// stalled or failed negotiation with one viewer never touches another's.
type Publisher struct {
	peers   Factory
	sig     PublisherSignaler
	source  MediaSource
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	links map[string]*Link
}

// NewPublisher creates a publisher negotiator. timeout <= 0 disables the
// answer deadline.
func NewPublisher(peers Factory, sig PublisherSignaler, source MediaSource, timeout time.Duration, logger *zap.Logger) *Publisher {
	return &Publisher{
		peers:   peers,
		sig:     sig,
		source:  source,
		timeout: timeout,
		logger:  logger,
		links:   make(map[string]*Link),
	}
}

// HandleViewerReady starts a new negotiation for viewerID: builds a peer,
// attaches the current tracks, sends the offer and arms the answer deadline.
// Without a local media source this is a logged no-op. A ready from a viewer
// with a live link replaces that link (the viewer restarted its page).
func (p *Publisher) HandleViewerReady(viewerID string) {
	if p.source == nil || len(p.source.Tracks()) == 0 {
		p.logger.Warn("viewer ready but no local media source", zap.String("viewer_id", viewerID))
		return
	}
	peer, err := p.peers()
	if err != nil {
		p.logger.Error("create peer", zap.String("viewer_id", viewerID), zap.Error(err))
		return
	}
	link := newLink(viewerID, peer, LinkCreated, p.logger)
	for _, track := range p.source.Tracks() {
		if err := peer.AddTrack(track); err != nil {
			p.logger.Error("add track", zap.String("viewer_id", viewerID), zap.Error(err))
			link.close(LinkFailed)
			return
		}
	}
	peer.OnICECandidate(func(candidate json.RawMessage) {
		_ = p.sig.SendCandidate(viewerID, candidate)
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.handleConnectionState(viewerID, link, state)
	})

	sdp, err := peer.CreateOffer()
	if err != nil {
		p.logger.Error("create offer", zap.String("viewer_id", viewerID), zap.Error(err))
		link.close(LinkFailed)
		return
	}

	p.mu.Lock()
	if old, ok := p.links[viewerID]; ok {
		delete(p.links, viewerID)
		go old.close(LinkClosed)
	}
	p.links[viewerID] = link
	p.mu.Unlock()

	link.setState(LinkOfferSent)
	if err := p.sig.SendOffer(viewerID, sdp); err != nil {
		p.logger.Warn("send offer", zap.String("viewer_id", viewerID), zap.Error(err))
	}
	link.armTimer(p.timeout, func() {
		p.failLink(viewerID, link, "no answer before deadline")
	})
	p.logger.Info("offer sent", zap.String("viewer_id", viewerID))
}

// HandleAnswer applies the viewer's answer. Unknown links and links not in
// offer-sent are logged no-ops, never errors.
func (p *Publisher) HandleAnswer(viewerID string, sdp json.RawMessage) {
	link := p.link(viewerID)
	if link == nil {
		p.logger.Debug("answer for unknown link", zap.String("viewer_id", viewerID))
		return
	}
	if state := link.State(); state != LinkOfferSent {
		p.logger.Debug("answer out of order",
			zap.String("viewer_id", viewerID),
			zap.String("state", state.String()))
		return
	}
	if err := link.applyRemoteDescription(sdp); err != nil {
		p.failLink(viewerID, link, err.Error())
		return
	}
	link.disarmTimer()
	link.setState(LinkAnswerReceived)
}

// HandleCandidate queues or applies one viewer candidate for its link.
func (p *Publisher) HandleCandidate(viewerID string, candidate json.RawMessage) {
	link := p.link(viewerID)
	if link == nil {
		return
	}
	if err := link.addCandidate(candidate); err != nil {
		p.logger.Warn("candidate rejected", zap.String("viewer_id", viewerID), zap.Error(err))
	}
}

// HandleViewerLeft tears down the viewer's link, if any.
func (p *Publisher) HandleViewerLeft(viewerID string) {
	p.mu.Lock()
	link, ok := p.links[viewerID]
	delete(p.links, viewerID)
	p.mu.Unlock()
	if ok {
		link.close(LinkClosed)
		p.logger.Info("viewer link removed", zap.String("viewer_id", viewerID))
	}
}

// ReplaceTrack swaps the outgoing track in place on every negotiated link
// (camera or microphone switch). No renegotiation is triggered.
func (p *Publisher) ReplaceTrack(track webrtc.TrackLocal) {
	for viewerID, link := range p.snapshot() {
		state := link.State()
		if state != LinkAnswerReceived && state != LinkEstablished {
			continue
		}
		if err := link.peer.ReplaceTrack(track); err != nil {
			p.logger.Warn("replace track", zap.String("viewer_id", viewerID), zap.Error(err))
		}
	}
}

// Stop closes every link regardless of state, clears the set and stops the
// local media tracks.
func (p *Publisher) Stop() {
	p.mu.Lock()
	links := p.links
	p.links = make(map[string]*Link)
	p.mu.Unlock()
	for _, link := range links {
		link.close(LinkClosed)
	}
	if p.source != nil {
		p.source.Stop()
	}
	p.logger.Info("publisher stopped", zap.Int("closed_links", len(links)))
}

// ActiveLinks returns the number of live negotiations.
func (p *Publisher) ActiveLinks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

// LinkState reports the state of one viewer's link.
func (p *Publisher) LinkState(viewerID string) (LinkState, bool) {
	link := p.link(viewerID)
	if link == nil {
		return 0, false
	}
	return link.State(), true
}

func (p *Publisher) link(viewerID string) *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[viewerID]
}

func (p *Publisher) snapshot() map[string]*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*Link, len(p.links))
	for id, link := range p.links {
		out[id] = link
	}
	return out
}

func (p *Publisher) handleConnectionState(viewerID string, link *Link, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		link.setState(LinkEstablished)
		p.logger.Info("link established", zap.String("viewer_id", viewerID))
	case webrtc.PeerConnectionStateFailed:
		p.failLink(viewerID, link, "transport failed")
	case webrtc.PeerConnectionStateClosed:
		p.removeLink(viewerID, link)
		link.close(LinkClosed)
	}
}

func (p *Publisher) failLink(viewerID string, link *Link, reason string) {
	if link.State().Terminal() {
		return
	}
	p.removeLink(viewerID, link)
	link.close(LinkFailed)
	p.logger.Warn("link failed",
		zap.String("viewer_id", viewerID),
		zap.String("reason", reason))
}

// removeLink deletes the mapping only if it still points at link, so a
// replacement negotiation for the same viewer is never evicted by callbacks
// of its predecessor.
func (p *Publisher) removeLink(viewerID string, link *Link) {
	p.mu.Lock()
	if p.links[viewerID] == link {
		delete(p.links, viewerID)
	}
	p.mu.Unlock()
}
