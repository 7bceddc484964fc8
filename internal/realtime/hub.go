package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MohLeCodeur/mohlive/internal/protocol"
)

// Sender delivers one envelope to a connection. It must not block; a false
// return means the message was dropped (full buffer or closed connection).
type Sender interface {
	Send(env protocol.Envelope) bool
}

// EventPublisher mirrors hub lifecycle events to an external channel (e.g.
// Redis) for other consumers. May be nil; the hub never depends on it.
type EventPublisher interface {
	PublishSessionEvent(event string, payload []byte) error
}

// Hub is the single source of truth for who is broadcasting and who is
// watching, and the exclusive router of negotiation payloads. It holds no
// negotiation state itself: offers, answers and candidates pass through as
// opaque blobs addressed by connection id.
//
// All state lives behind one mutex so broadcaster-identity checks and
// viewer-count recomputation are atomic with respect to join/leave/start/stop.
type Hub struct {
	mu            sync.Mutex
	conns         map[uuid.UUID]Sender
	viewers       map[uuid.UUID]time.Time // viewer id -> joinedAt
	broadcasterID uuid.UUID
	liveSince     time.Time

	events EventPublisher
	logger *zap.Logger
}

// Status is the read-only health snapshot of the session.
type Status struct {
	BroadcasterActive bool      `json:"broadcasterActive"`
	ViewerCount       int       `json:"viewerCount"`
	LiveSince         time.Time `json:"liveSince,omitempty"`
}

// NewHub creates a hub. events may be nil to disable the external mirror.
func NewHub(logger *zap.Logger, events EventPublisher) *Hub {
	return &Hub{
		conns:   make(map[uuid.UUID]Sender),
		viewers: make(map[uuid.UUID]time.Time),
		events:  events,
		logger:  logger,
	}
}

// Register adds a connection. The connection has no role until its first
// role-declaring message (broadcast-start or viewer-join).
func (h *Hub) Register(id uuid.UUID, s Sender) {
	h.mu.Lock()
	h.conns[id] = s
	h.mu.Unlock()
	h.logger.Debug("connection registered", zap.String("connection_id", id.String()))
}

// Disconnect removes a connection and runs the role-specific cleanup: a
// departing broadcaster takes the session offline, a departing viewer is
// reported to the broadcaster. Everyone left gets a fresh viewer count.
func (h *Hub) Disconnect(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return
	}
	delete(h.conns, id)

	switch {
	case id == h.broadcasterID:
		h.broadcasterID = uuid.UUID{}
		h.liveSince = time.Time{}
		h.notifyViewersLocked(protocol.KindBroadcasterUnavailable)
		h.publishLocked("offline", nil)
		h.logger.Info("broadcaster disconnected", zap.String("connection_id", id.String()))
	default:
		if _, ok := h.viewers[id]; !ok {
			return
		}
		delete(h.viewers, id)
		h.sendToLocked(h.broadcasterID, protocol.KindViewerLeft, protocol.ViewerRef{ViewerID: id.String()})
		h.logger.Info("viewer disconnected", zap.String("connection_id", id.String()))
	}
	h.broadcastViewerCountLocked()
}

// HandleMessage dispatches one inbound envelope from connection id. Unknown
// kinds and relay-only kinds arriving inbound are rejected here.
func (h *Hub) HandleMessage(id uuid.UUID, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindBroadcastStart:
		h.startBroadcast(id)
	case protocol.KindBroadcastStop:
		h.stopBroadcast(id)
	case protocol.KindViewerJoin:
		h.joinViewer(id)
	case protocol.KindViewerReady:
		h.viewerReady(id)
	case protocol.KindOffer:
		h.relayOffer(id, env.Data)
	case protocol.KindAnswer:
		h.relayAnswer(id, env.Data)
	case protocol.KindICECandidate:
		h.relayCandidate(id, env.Data)
	default:
		h.logger.Debug("rejected message",
			zap.String("connection_id", id.String()),
			zap.String("kind", string(env.Kind)))
	}
}

// Status reports the current session state with no side effects.
func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		BroadcasterActive: h.broadcasterID != uuid.UUID{},
		ViewerCount:       len(h.viewers),
		LiveSince:         h.liveSince,
	}
}

// startBroadcast seats id as the broadcaster. A second start while one is
// live silently replaces the previous broadcaster; viewers receive a fresh
// broadcaster-available and renegotiate against the new one. A start from a
// registered viewer vacates its registry slot first so a connection is never
// both.
func (h *Hub) startBroadcast(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.viewers, id)
	h.broadcasterID = id
	h.liveSince = time.Now()
	h.notifyViewersLocked(protocol.KindBroadcasterAvailable)
	h.broadcastViewerCountLocked()
	h.publishLocked("live", nil)
	h.logger.Info("broadcast started", zap.String("connection_id", id.String()))
}

// stopBroadcast clears the session if id is the live broadcaster; otherwise
// it is a no-op with no notifications. Stopping does not remove viewers.
func (h *Hub) stopBroadcast(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broadcasterID == (uuid.UUID{}) || id != h.broadcasterID {
		return
	}
	h.broadcasterID = uuid.UUID{}
	h.liveSince = time.Time{}
	h.notifyViewersLocked(protocol.KindBroadcasterUnavailable)
	h.broadcastViewerCountLocked()
	h.publishLocked("offline", nil)
	h.logger.Info("broadcast stopped", zap.String("connection_id", id.String()))
}

func (h *Hub) joinViewer(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == h.broadcasterID {
		return
	}
	if _, ok := h.viewers[id]; ok {
		return
	}
	h.viewers[id] = time.Now()
	if h.broadcasterID != (uuid.UUID{}) {
		h.sendToLocked(id, protocol.KindBroadcasterAvailable, nil)
	}
	h.broadcastViewerCountLocked()
	h.logger.Info("viewer joined", zap.String("connection_id", id.String()))
}

func (h *Hub) viewerReady(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[id]; !ok {
		return
	}
	h.sendToLocked(h.broadcasterID, protocol.KindViewerReady, protocol.ViewerRef{ViewerID: id.String()})
}

// relayOffer forwards a broadcaster offer to the addressed viewer. A missing
// viewer (disconnected mid-negotiation) is a silent drop, never an error.
func (h *Hub) relayOffer(id uuid.UUID, data json.RawMessage) {
	var offer protocol.Offer
	if err := json.Unmarshal(data, &offer); err != nil || offer.ViewerID == "" {
		return
	}
	viewerID, err := uuid.Parse(offer.ViewerID)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if id != h.broadcasterID {
		return
	}
	if _, ok := h.viewers[viewerID]; !ok {
		return
	}
	h.sendToLocked(viewerID, protocol.KindOffer, protocol.Offer{SDP: offer.SDP})
}

// relayAnswer forwards a viewer answer to the broadcaster, stamped with the
// sender's id.
func (h *Hub) relayAnswer(id uuid.UUID, data json.RawMessage) {
	var answer protocol.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[id]; !ok {
		return
	}
	h.sendToLocked(h.broadcasterID, protocol.KindAnswer, protocol.Answer{
		ViewerID: id.String(),
		SDP:      answer.SDP,
	})
}

// relayCandidate routes candidates both ways: broadcaster->viewer addressed
// by the payload's viewerId, viewer->broadcaster stamped with the sender's id.
func (h *Hub) relayCandidate(id uuid.UUID, data json.RawMessage) {
	var cand protocol.ICECandidate
	if err := json.Unmarshal(data, &cand); err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broadcasterID != (uuid.UUID{}) && id == h.broadcasterID {
		viewerID, err := uuid.Parse(cand.ViewerID)
		if err != nil {
			return
		}
		h.sendToLocked(viewerID, protocol.KindICECandidate, protocol.ICECandidate{Candidate: cand.Candidate})
		return
	}
	if _, ok := h.viewers[id]; !ok {
		return
	}
	h.sendToLocked(h.broadcasterID, protocol.KindICECandidate, protocol.ICECandidate{
		ViewerID:  id.String(),
		Candidate: cand.Candidate,
	})
}

// notifyViewersLocked sends a payload-less envelope to every registered viewer.
func (h *Hub) notifyViewersLocked(kind protocol.Kind) {
	for id := range h.viewers {
		h.sendToLocked(id, kind, nil)
	}
}

// broadcastViewerCountLocked fans the registry size out to the broadcaster
// and every viewer, and mirrors it to the event publisher.
func (h *Hub) broadcastViewerCountLocked() {
	count := protocol.ViewerCount{Count: len(h.viewers)}
	h.sendToLocked(h.broadcasterID, protocol.KindViewerCount, count)
	for id := range h.viewers {
		h.sendToLocked(id, protocol.KindViewerCount, count)
	}
	data, _ := json.Marshal(count)
	h.publishLocked("viewer-count", data)
}

// sendToLocked delivers to one connection; missing recipients are a no-op.
func (h *Hub) sendToLocked(id uuid.UUID, kind protocol.Kind, payload interface{}) {
	if id == (uuid.UUID{}) {
		return
	}
	s, ok := h.conns[id]
	if !ok {
		return
	}
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return
	}
	if !s.Send(env) {
		h.logger.Warn("send buffer full, dropped message",
			zap.String("connection_id", id.String()),
			zap.String("kind", string(kind)))
	}
}

func (h *Hub) publishLocked(event string, payload []byte) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishSessionEvent(event, payload); err != nil {
		h.logger.Warn("event publish failed", zap.String("event", event), zap.Error(err))
	}
}
