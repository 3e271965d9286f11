package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // agent listens on loopback; CORS middleware governs browsers
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Snapshots looks up the current state of a session.
type Snapshots interface {
	Snapshot(id uuid.UUID) (session.Snapshot, bool)
}

// Client is one WebSocket connection watching a session.
type Client struct {
	ID        string
	SessionID uuid.UUID
	JoinedAt  time.Time
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	quit      chan struct{}
	snapshots Snapshots
	logger    *zap.Logger
}

// ServeWs upgrades GET /ws?session_id=... and streams the session's events.
// The current snapshot is sent first, and again whenever the client sends a
// "snapshot" message.
func ServeWs(hub *Hub, snapshots Snapshots, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := uuid.Parse(c.Query("session_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "valid session_id required"})
			return
		}
		snap, ok := snapshots.Snapshot(sessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			JoinedAt:  time.Now(),
			hub:       hub,
			conn:      conn,
			send:      make(chan WSMessage, 256),
			quit:      make(chan struct{}),
			snapshots: snapshots,
			logger:    logger,
		}
		hub.Register(client)
		hub.SendTo(sessionID, client.ID, "session.snapshot", snap)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		close(c.quit)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "snapshot":
			if snap, ok := c.snapshots.Snapshot(c.SessionID); ok {
				c.hub.SendTo(c.SessionID, c.ID, "session.snapshot", snap)
			}
		default:
			// watchers are read-only
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
