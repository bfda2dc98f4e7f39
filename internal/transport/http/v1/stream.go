package v1

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/icunnyngham/sherpa/internal/domain"
	"github.com/icunnyngham/sherpa/internal/hub"
)

// Subscribers only receive; anything they send is read and dropped.
const maxSubscriberMessageSize = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamResults upgrades to a WebSocket that receives a domain.ResultEvent
// for every result drained from now on, optionally for one trial only.
// GET /v1/results/stream?trial_id=N
func (h *Handler) StreamResults(c echo.Context) error {
	if h.hub == nil {
		return c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "result stream disabled"})
	}
	trialID, err := parseTrialID(c.QueryParam("trial_id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "invalid trial_id"})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	conn := h.hub.NewConnection(ws, trialID)
	h.hub.Register(conn)

	ws.SetReadLimit(maxSubscriberMessageSize)

	go h.writePump(conn)
	go h.readPump(conn)

	return nil
}

// readPump keeps the read deadline alive and notices when the peer leaves.
func (h *Handler) readPump(conn *hub.Connection) {
	defer func() {
		h.hub.Unregister(conn)
		conn.Close()
	}()

	pongWait := 2 * h.stream.PingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket closed", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump writes events to the WebSocket connection.
func (h *Handler) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(h.stream.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("failed to write message", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
