package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MohLeCodeur/mohlive/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Envelope
}

func (f *fakeSender) Send(env protocol.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, env)
	return true
}

func (f *fakeSender) count(kind protocol.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeSender) last(kind protocol.Kind) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Kind == kind {
			return f.msgs[i].Data, true
		}
	}
	return nil, false
}

func (f *fakeSender) lastViewerCount(t *testing.T) int {
	t.Helper()
	data, ok := f.last(protocol.KindViewerCount)
	require.True(t, ok, "no viewer-count received")
	var vc protocol.ViewerCount
	require.NoError(t, json.Unmarshal(data, &vc))
	return vc.Count
}

type testConn struct {
	id     uuid.UUID
	sender *fakeSender
}

func newHubForTest() *Hub {
	return NewHub(zap.NewNop(), nil)
}

func connect(h *Hub) testConn {
	c := testConn{id: uuid.New(), sender: &fakeSender{}}
	h.Register(c.id, c.sender)
	return c
}

func send(t *testing.T, h *Hub, c testConn, kind protocol.Kind, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(kind, payload)
	require.NoError(t, err)
	h.HandleMessage(c.id, env)
}

func TestBroadcastStartNotifiesViewers(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	v1 := connect(h)
	v2 := connect(h)
	send(t, h, v1, protocol.KindViewerJoin, nil)
	send(t, h, v2, protocol.KindViewerJoin, nil)

	send(t, h, b, protocol.KindBroadcastStart, nil)

	assert.Equal(t, 1, v1.sender.count(protocol.KindBroadcasterAvailable))
	assert.Equal(t, 1, v2.sender.count(protocol.KindBroadcasterAvailable))
	assert.Equal(t, 2, b.sender.lastViewerCount(t))
	assert.True(t, h.Status().BroadcasterActive)
}

func TestViewerJoinWhileLiveGetsAvailability(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)

	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	assert.Equal(t, 1, v.sender.count(protocol.KindBroadcasterAvailable))
	assert.Equal(t, 1, v.sender.lastViewerCount(t))
}

func TestBroadcasterNeverInViewerRegistry(t *testing.T) {
	h := newHubForTest()
	c := connect(h)
	send(t, h, c, protocol.KindViewerJoin, nil)
	require.Equal(t, 1, h.Status().ViewerCount)

	// Taking the broadcaster seat vacates the viewer slot.
	send(t, h, c, protocol.KindBroadcastStart, nil)
	st := h.Status()
	assert.True(t, st.BroadcasterActive)
	assert.Equal(t, 0, st.ViewerCount)
}

func TestViewerCountTracksRegistry(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)

	var viewers []testConn
	for i := 0; i < 4; i++ {
		v := connect(h)
		send(t, h, v, protocol.KindViewerJoin, nil)
		viewers = append(viewers, v)
		assert.Equal(t, i+1, b.sender.lastViewerCount(t))
	}
	h.Disconnect(viewers[0].id)
	assert.Equal(t, 3, b.sender.lastViewerCount(t))
	h.Disconnect(viewers[1].id)
	assert.Equal(t, 2, b.sender.lastViewerCount(t))
	assert.Equal(t, 2, h.Status().ViewerCount)
}

func TestStopWhenNotBroadcastingIsNoop(t *testing.T) {
	h := newHubForTest()
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)
	c := connect(h)

	before := v.sender.count(protocol.KindViewerCount)
	send(t, h, c, protocol.KindBroadcastStop, nil)

	assert.Equal(t, 0, v.sender.count(protocol.KindBroadcasterUnavailable))
	assert.Equal(t, before, v.sender.count(protocol.KindViewerCount))
}

func TestStopKeepsViewersRegistered(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	var viewers []testConn
	for i := 0; i < 3; i++ {
		v := connect(h)
		send(t, h, v, protocol.KindViewerJoin, nil)
		viewers = append(viewers, v)
	}

	send(t, h, b, protocol.KindBroadcastStop, nil)

	for _, v := range viewers {
		assert.Equal(t, 1, v.sender.count(protocol.KindBroadcasterUnavailable))
		assert.Equal(t, 3, v.sender.lastViewerCount(t))
	}
	st := h.Status()
	assert.False(t, st.BroadcasterActive)
	assert.Equal(t, 3, st.ViewerCount)
}

func TestOnlyBroadcasterCanStop(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	send(t, h, v, protocol.KindBroadcastStop, nil)
	assert.True(t, h.Status().BroadcasterActive)
}

func TestViewerReadyForwardedToBroadcaster(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	send(t, h, v, protocol.KindViewerReady, nil)

	data, ok := b.sender.last(protocol.KindViewerReady)
	require.True(t, ok)
	var ref protocol.ViewerRef
	require.NoError(t, json.Unmarshal(data, &ref))
	assert.Equal(t, v.id.String(), ref.ViewerID)
}

func TestViewerReadyWithoutBroadcasterDropped(t *testing.T) {
	h := newHubForTest()
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)
	send(t, h, v, protocol.KindViewerReady, nil) // must not panic, nothing to assert beyond that
}

func TestOfferRelayedToViewer(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, h, b, protocol.KindOffer, protocol.Offer{ViewerID: v.id.String(), SDP: sdp})

	data, ok := v.sender.last(protocol.KindOffer)
	require.True(t, ok)
	var offer protocol.Offer
	require.NoError(t, json.Unmarshal(data, &offer))
	assert.Empty(t, offer.ViewerID, "viewer id must be stripped before delivery")
	assert.JSONEq(t, string(sdp), string(offer.SDP))
}

func TestOfferToMissingViewerDroppedSilently(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)

	send(t, h, b, protocol.KindOffer, protocol.Offer{
		ViewerID: uuid.New().String(),
		SDP:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	// No error surfaces to the broadcaster.
	_, got := b.sender.last(protocol.KindOffer)
	assert.False(t, got)
}

func TestOfferFromNonBroadcasterDropped(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)
	v2 := connect(h)
	send(t, h, v2, protocol.KindViewerJoin, nil)

	send(t, h, v2, protocol.KindOffer, protocol.Offer{
		ViewerID: v.id.String(),
		SDP:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	_, got := v.sender.last(protocol.KindOffer)
	assert.False(t, got)
}

func TestAnswerStampedWithSenderID(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	sdp := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	send(t, h, v, protocol.KindAnswer, protocol.Answer{SDP: sdp})

	data, ok := b.sender.last(protocol.KindAnswer)
	require.True(t, ok)
	var answer protocol.Answer
	require.NoError(t, json.Unmarshal(data, &answer))
	assert.Equal(t, v.id.String(), answer.ViewerID)
	assert.JSONEq(t, string(sdp), string(answer.SDP))
}

func TestCandidateRoutingBothDirections(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	cand := json.RawMessage(`{"candidate":"candidate:1"}`)

	// Broadcaster -> addressed viewer, id stripped.
	send(t, h, b, protocol.KindICECandidate, protocol.ICECandidate{ViewerID: v.id.String(), Candidate: cand})
	data, ok := v.sender.last(protocol.KindICECandidate)
	require.True(t, ok)
	var got protocol.ICECandidate
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Empty(t, got.ViewerID)
	assert.JSONEq(t, string(cand), string(got.Candidate))

	// Viewer -> broadcaster, stamped with the sender id.
	send(t, h, v, protocol.KindICECandidate, protocol.ICECandidate{Candidate: cand})
	data, ok = b.sender.last(protocol.KindICECandidate)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, v.id.String(), got.ViewerID)
}

func TestViewerDisconnectMidNegotiation(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)
	send(t, h, v, protocol.KindViewerReady, nil)

	h.Disconnect(v.id)

	data, ok := b.sender.last(protocol.KindViewerLeft)
	require.True(t, ok)
	var ref protocol.ViewerRef
	require.NoError(t, json.Unmarshal(data, &ref))
	assert.Equal(t, v.id.String(), ref.ViewerID)

	// A stray offer to the departed viewer is dropped with no error.
	send(t, h, b, protocol.KindOffer, protocol.Offer{
		ViewerID: v.id.String(),
		SDP:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	assert.Equal(t, 0, b.sender.lastViewerCount(t))
}

func TestBroadcasterDisconnectNotifiesViewers(t *testing.T) {
	h := newHubForTest()
	b := connect(h)
	send(t, h, b, protocol.KindBroadcastStart, nil)
	v1 := connect(h)
	send(t, h, v1, protocol.KindViewerJoin, nil)
	v2 := connect(h)
	send(t, h, v2, protocol.KindViewerJoin, nil)

	h.Disconnect(b.id)

	assert.Equal(t, 1, v1.sender.count(protocol.KindBroadcasterUnavailable))
	assert.Equal(t, 1, v2.sender.count(protocol.KindBroadcasterUnavailable))
	assert.False(t, h.Status().BroadcasterActive)
	assert.Equal(t, 2, h.Status().ViewerCount)
}

func TestSecondBroadcastStartReplacesSilently(t *testing.T) {
	h := newHubForTest()
	b1 := connect(h)
	send(t, h, b1, protocol.KindBroadcastStart, nil)
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)

	b2 := connect(h)
	send(t, h, b2, protocol.KindBroadcastStart, nil)

	// Viewers renegotiate against the new broadcaster; the displaced one is
	// not notified.
	assert.Equal(t, 2, v.sender.count(protocol.KindBroadcasterAvailable))
	assert.Equal(t, 0, b1.sender.count(protocol.KindBroadcasterUnavailable))

	// The displaced broadcaster no longer routes.
	send(t, h, b1, protocol.KindOffer, protocol.Offer{
		ViewerID: v.id.String(),
		SDP:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	_, got := v.sender.last(protocol.KindOffer)
	assert.False(t, got)
}

func TestUnknownKindRejected(t *testing.T) {
	h := newHubForTest()
	c := connect(h)
	h.HandleMessage(c.id, protocol.Envelope{Kind: "mystery"})
	assert.Equal(t, 0, len(c.sender.msgs))
}

func TestViewerJoinIsIdempotent(t *testing.T) {
	h := newHubForTest()
	v := connect(h)
	send(t, h, v, protocol.KindViewerJoin, nil)
	send(t, h, v, protocol.KindViewerJoin, nil)
	assert.Equal(t, 1, h.Status().ViewerCount)
	assert.Equal(t, 1, v.sender.count(protocol.KindViewerCount))
}
