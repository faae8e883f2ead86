package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const probeTimeout = 2 * time.Second

// ReadinessProbe reports whether one backing dependency can serve.
type ReadinessProbe func(ctx context.Context) error

// PingHandler serves liveness and readiness. /ping always answers; /health
// additionally requires every registered probe to pass within the window.
type PingHandler struct {
	probes map[string]ReadinessProbe
	logger *slog.Logger
}

func NewPingHandler(log *slog.Logger, probes map[string]ReadinessProbe) *PingHandler {
	return &PingHandler{
		probes: probes,
		logger: log.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) Health(c echo.Context) error {
	if failed := h.check(c.Request().Context()); failed != "" {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":    "degraded",
			"component": failed,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) HealthHead(c echo.Context) error {
	if failed := h.check(c.Request().Context()); failed != "" {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}

// check runs every probe and returns the name of the first failing one.
func (h *PingHandler) check(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	for name, probe := range h.probes {
		if err := probe(ctx); err != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("component", name), slog.Any("error", err))
			return name
		}
	}
	return ""
}
