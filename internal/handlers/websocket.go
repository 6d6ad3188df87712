package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/auth"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamMessageSocket streams the user's feed over a WebSocket, one JSON
// StreamEvent per text frame. The connection is read only for control
// frames; the stream ends when the client goes away.
func (h *MessageHandler) StreamMessageSocket(c echo.Context) error {
	sess, err := auth.SessionFromContext(c)
	if err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return toHTTPError(err)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer conn.Close()

	// The request context is not cancelled on hijacked connections.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := openStream(ctx, h.logger, h.source, sess, h.metrics)
	if err != nil {
		herr := toHTTPError(err).(*echo.HTTPError)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, http.StatusText(herr.Code)),
			time.Now().Add(wsWriteWait))
		return nil
	}
	defer stream.Close()

	go h.readPump(conn, cancel)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case ev, ok := <-stream.Events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
			if ev.Type == streamTypeError {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ev.Error),
					time.Now().Add(wsWriteWait))
				return nil
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed,
// and cancels the stream when the connection fails.
func (h *MessageHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", slog.Any("error", err))
			}
			return
		}
	}
}
