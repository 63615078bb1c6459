package streaming

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/winfleet/winfleet/internal/common/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientCommand is the inbound control message shape.
type clientCommand struct {
	Action  string `json:"action"` // "subscribe" or "unsubscribe"
	Subject string `json:"subject"`
}

// ServeWS upgrades the connection and pumps events until the client leaves.
// GET /api/v1/events/ws
func ServeWS(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := hub.Attach(uuid.New().String())

		// Default subscription covers everything; clients narrow it with
		// subscribe/unsubscribe commands.
		client.Subscribe(">")

		go writePump(conn, client, log)
		go readPump(conn, client, hub, log)
	}
}

func readPump(conn *websocket.Conn, client *Client, hub *Hub, log *logger.Logger) {
	defer func() {
		hub.Detach(client)
		_ = conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}

		switch cmd.Action {
		case "subscribe":
			if cmd.Subject != "" {
				client.Unsubscribe(">")
				client.Subscribe(cmd.Subject)
			}
		case "unsubscribe":
			client.Unsubscribe(cmd.Subject)
		}
	}
}

func writePump(conn *websocket.Conn, client *Client, log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("websocket write error", zap.String("client_id", client.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
