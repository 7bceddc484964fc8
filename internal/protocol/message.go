// Package protocol defines the signaling message set exchanged between
// clients and the relay. Payloads that only pass through the relay (session
// descriptions, ICE candidates) stay opaque json.RawMessage blobs.
package protocol

import "encoding/json"

// Kind identifies a signaling message. The set is closed; the relay rejects
// anything else at the boundary.
type Kind string

// Client -> relay.
const (
	KindBroadcastStart Kind = "broadcast-start"
	KindBroadcastStop  Kind = "broadcast-stop"
	KindViewerJoin     Kind = "viewer-join"
	KindViewerReady    Kind = "viewer-ready"
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "ice-candidate"
)

// Relay -> client.
const (
	KindBroadcasterAvailable   Kind = "broadcaster-available"
	KindBroadcasterUnavailable Kind = "broadcaster-unavailable"
	KindViewerLeft             Kind = "viewer-left"
	KindViewerCount            Kind = "viewer-count"
)

var known = map[Kind]bool{
	KindBroadcastStart:         true,
	KindBroadcastStop:          true,
	KindViewerJoin:             true,
	KindViewerReady:            true,
	KindOffer:                  true,
	KindAnswer:                 true,
	KindICECandidate:           true,
	KindBroadcasterAvailable:   true,
	KindBroadcasterUnavailable: true,
	KindViewerLeft:             true,
	KindViewerCount:            true,
}

// Known reports whether k belongs to the closed message set.
func (k Kind) Known() bool { return known[k] }

// Envelope is the wire format for every signaling message.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload produces an
// envelope with no data (e.g. broadcast-start).
func NewEnvelope(kind Kind, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Kind: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: kind, Data: data}, nil
}

// Offer carries a session description from the broadcaster to one viewer.
// ViewerID is present broadcaster->relay and stripped before delivery.
type Offer struct {
	ViewerID string          `json:"viewerId,omitempty"`
	SDP      json.RawMessage `json:"sdp"`
}

// Answer carries a session description from a viewer back to the broadcaster.
// The viewer never states its own id; the relay stamps ViewerID when relaying.
type Answer struct {
	ViewerID string          `json:"viewerId,omitempty"`
	SDP      json.RawMessage `json:"sdp"`
}

// ICECandidate carries one connectivity candidate. ViewerID addresses the
// target when sent by the broadcaster and names the sender when relayed from
// a viewer.
type ICECandidate struct {
	ViewerID  string          `json:"viewerId,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

// ViewerRef names a viewer connection (viewer-ready, viewer-left).
type ViewerRef struct {
	ViewerID string `json:"viewerId"`
}

// ViewerCount reports the current audience size.
type ViewerCount struct {
	Count int `json:"count"`
}
