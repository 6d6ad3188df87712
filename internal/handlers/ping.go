package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// PingHandler answers liveness checks. It never touches the store; readiness
// lives on HealthHandler.
type PingHandler struct {
	logger *slog.Logger
}

// NewPingHandler creates a PingHandler.
func NewPingHandler(log *slog.Logger) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{logger: log.With(slog.String("handler", "ping"))}
}

// Register registers GET and HEAD /ping.
func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/ping", h.PingHead)
}

// Ping reports that the process is serving requests.
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// PingHead is Ping without a body, for load balancers that check with HEAD.
func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
