// Package signaling implements the client side of the relay's message
// channel: a websocket connection with typed send helpers and callback-based
// dispatch of inbound messages.
package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MohLeCodeur/mohlive/internal/protocol"
)

// Handler holds the callbacks for inbound relay messages. Unset callbacks are
// skipped. Callbacks run on the read goroutine, so per-connection order is
// preserved end to end.
type Handler struct {
	OnBroadcasterAvailable   func()
	OnBroadcasterUnavailable func()
	OnViewerReady            func(viewerID string)
	OnOffer                  func(sdp json.RawMessage)
	OnAnswer                 func(viewerID string, sdp json.RawMessage)
	OnICECandidate           func(viewerID string, candidate json.RawMessage)
	OnViewerLeft             func(viewerID string)
	OnViewerCount            func(count int)
	OnDisconnect             func()
}

// Client is a websocket signaling channel to the relay.
type Client struct {
	url     string
	handler Handler
	logger  *zap.Logger

	conn   *websocket.Conn
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewClient creates a client; Connect must be called before sending.
func NewClient(url string, handler Handler, logger *zap.Logger) *Client {
	return &Client{
		url:     url,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("signaling dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop()
	return nil
}

// Close shuts the channel down. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartBroadcast declares this connection as the broadcaster.
func (c *Client) StartBroadcast() error {
	return c.send(protocol.KindBroadcastStart, nil)
}

// StopBroadcast ends the broadcast without closing the channel.
func (c *Client) StopBroadcast() error {
	return c.send(protocol.KindBroadcastStop, nil)
}

// JoinAsViewer declares this connection as a viewer.
func (c *Client) JoinAsViewer() error {
	return c.send(protocol.KindViewerJoin, nil)
}

// SendReady tells the broadcaster this viewer wants a session.
func (c *Client) SendReady() error {
	return c.send(protocol.KindViewerReady, nil)
}

// SendOffer sends a session offer for one viewer (broadcaster side).
func (c *Client) SendOffer(viewerID string, sdp json.RawMessage) error {
	return c.send(protocol.KindOffer, protocol.Offer{ViewerID: viewerID, SDP: sdp})
}

// SendAnswer sends the session answer upstream (viewer side; the relay stamps
// the sender id).
func (c *Client) SendAnswer(sdp json.RawMessage) error {
	return c.send(protocol.KindAnswer, protocol.Answer{SDP: sdp})
}

// SendCandidate sends one connectivity candidate. viewerID addresses the
// target on the broadcaster side and is empty on the viewer side.
func (c *Client) SendCandidate(viewerID string, candidate json.RawMessage) error {
	return c.send(protocol.KindICECandidate, protocol.ICECandidate{ViewerID: viewerID, Candidate: candidate})
}

func (c *Client) send(kind protocol.Kind, payload interface{}) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return fmt.Errorf("signaling: not connected")
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
		if c.handler.OnDisconnect != nil {
			c.handler.OnDisconnect()
		}
	}()
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("signaling read error", zap.Error(err))
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindBroadcasterAvailable:
		if c.handler.OnBroadcasterAvailable != nil {
			c.handler.OnBroadcasterAvailable()
		}
	case protocol.KindBroadcasterUnavailable:
		if c.handler.OnBroadcasterUnavailable != nil {
			c.handler.OnBroadcasterUnavailable()
		}
	case protocol.KindViewerReady:
		var ref protocol.ViewerRef
		if json.Unmarshal(env.Data, &ref) == nil && c.handler.OnViewerReady != nil {
			c.handler.OnViewerReady(ref.ViewerID)
		}
	case protocol.KindOffer:
		var offer protocol.Offer
		if json.Unmarshal(env.Data, &offer) == nil && c.handler.OnOffer != nil {
			c.handler.OnOffer(offer.SDP)
		}
	case protocol.KindAnswer:
		var answer protocol.Answer
		if json.Unmarshal(env.Data, &answer) == nil && c.handler.OnAnswer != nil {
			c.handler.OnAnswer(answer.ViewerID, answer.SDP)
		}
	case protocol.KindICECandidate:
		var cand protocol.ICECandidate
		if json.Unmarshal(env.Data, &cand) == nil && c.handler.OnICECandidate != nil {
			c.handler.OnICECandidate(cand.ViewerID, cand.Candidate)
		}
	case protocol.KindViewerLeft:
		var ref protocol.ViewerRef
		if json.Unmarshal(env.Data, &ref) == nil && c.handler.OnViewerLeft != nil {
			c.handler.OnViewerLeft(ref.ViewerID)
		}
	case protocol.KindViewerCount:
		var count protocol.ViewerCount
		if json.Unmarshal(env.Data, &count) == nil && c.handler.OnViewerCount != nil {
			c.handler.OnViewerCount(count.Count)
		}
	default:
		c.logger.Debug("unexpected message kind", zap.String("kind", string(env.Kind)))
	}
}
