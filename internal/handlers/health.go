package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/healthcheck"
)

// HealthHandler reports readiness of the store and blob storage.
type HealthHandler struct {
	checkers []healthcheck.Checker
}

func NewHealthHandler(checkers ...healthcheck.Checker) *HealthHandler {
	return &HealthHandler{checkers: checkers}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

// Health runs every check; any failed check answers 503.
func (h *HealthHandler) Health(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), h.checkers...)
	return c.JSON(statusFor(report), report)
}

func (h *HealthHandler) HealthHead(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), h.checkers...)
	return c.NoContent(statusFor(report))
}

func statusFor(report healthcheck.Report) int {
	if report.Healthy() {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}
