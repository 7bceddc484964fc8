package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MohLeCodeur/mohlive/internal/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	writeWait     = 10 * time.Second
	maxMessageLen = 65536
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// Conn is one MessageChannel endpoint on the relay side. It preserves
// per-connection message order: inbound envelopes reach the hub strictly in
// arrival order on the read goroutine, outbound ones leave through a single
// writer goroutine.
type Conn struct {
	ID     uuid.UUID
	hub    *Hub
	sock   *websocket.Conn
	send   chan protocol.Envelope
	logger *zap.Logger
}

// Send enqueues an envelope without blocking. Returns false when the buffer
// is full.
func (c *Conn) Send(env protocol.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func ServeWS(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	return func(g *gin.Context) {
		sock, err := upgrader.Upgrade(g.Writer, g.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		id := uuid.New()
		c := &Conn{
			ID:     id,
			hub:    hub,
			sock:   sock,
			send:   make(chan protocol.Envelope, sendBuffer),
			logger: logger.With(zap.String("connection_id", id.String())),
		}
		hub.Register(c.ID, c)
		go c.writePump()
		c.readPump()
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Disconnect(c.ID)
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageLen)
	_ = c.sock.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.sock.SetPongHandler(func(string) error {
		_ = c.sock.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.sock.ReadJSON(&env); err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if !env.Kind.Known() {
			c.logger.Debug("unknown message kind", zap.String("kind", string(env.Kind)))
			continue
		}
		c.hub.HandleMessage(c.ID, env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
