package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/metrics"
)

type MetricsHandler struct {
	metrics *metrics.Metrics
}

func NewMetricsHandler(m *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

func (h *MetricsHandler) Register(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
}
