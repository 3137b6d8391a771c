package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hqtran/collabhub/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one authenticated websocket connection. It belongs to at
// most one project room at a time.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	principal auth.Principal
	logger    *slog.Logger

	// relayLimiter throttles typing and cursor frames; they are pure
	// overlay traffic and never worth saturating the room for.
	relayLimiter *rate.Limiter

	mu        sync.RWMutex
	projectID string
	role      auth.Role
}

func newClient(hub *Hub, conn *websocket.Conn, principal auth.Principal, logger *slog.Logger) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 64),
		principal:    principal,
		logger:       logger,
		relayLimiter: rate.NewLimiter(rate.Limit(hub.cfg.RelayRate), hub.cfg.RelayBurst),
	}
}

func (c *Client) project() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projectID
}

func (c *Client) setProject(projectID string, role auth.Role) {
	c.mu.Lock()
	c.projectID = projectID
	c.role = role
	c.mu.Unlock()
}

// trySend queues a frame without blocking. Frames to a client with a
// full buffer are dropped.
func (c *Client) trySend(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("dropping frame for slow websocket client",
			slog.String("user_id", c.principal.UserID),
		)
	}
}

func (c *Client) sendEvent(event string, payload any) {
	frame, err := encodeMessage(event, payload)
	if err != nil {
		return
	}
	c.trySend(frame)
}

// readPump consumes inbound frames until the connection drops, then
// performs the implicit leave.
func (c *Client) readPump() {
	// The send channel is never closed; writePump exits through a write
	// error once the connection is gone. Closing it would race with
	// concurrent room broadcasts.
	defer func() {
		c.hub.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					slog.String("user_id", c.principal.UserID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendEvent(EventError, errorEvent{Message: "malformed message"})
			continue
		}
		c.hub.handleMessage(context.Background(), c, msg)
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and runs the connection. The handshake
// authenticates via the token query parameter or a bearer header before
// any frame is accepted.
func ServeWS(hub *Hub, verifier *auth.TokenVerifier) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := ctx.Query("token")
		if token == "" {
			if header := ctx.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimPrefix(header, "Bearer ")
			}
		}
		if token == "" {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication token required"})
			return
		}

		principal, err := verifier.Verify(token)
		if err != nil {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}

		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			hub.logger.Warn("websocket upgrade failed",
				slog.String("error", err.Error()),
			)
			return
		}

		client := newClient(hub, conn, *principal, hub.logger)
		hub.logger.Debug("client connected",
			slog.String("user_id", principal.UserID),
		)

		go client.writePump()
		go client.readPump()
	}
}
