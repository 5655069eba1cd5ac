package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/version"
)

// PingHandler serves liveness. It never touches dependencies; readiness lives
// on HealthHandler.
type PingHandler struct {
	started time.Time
	logger  *slog.Logger
}

func NewPingHandler(log *slog.Logger) *PingHandler {
	return &PingHandler{
		started: time.Now(),
		logger:  log.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Alive)
}

type pingResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, pingResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

func (h *PingHandler) Alive(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
