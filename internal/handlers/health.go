package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/healthcheck"
)

// HealthHandler serves readiness. Warnings keep the instance ready; any error
// reports 503 so the load balancer stops routing webhooks here.
type HealthHandler struct {
	checkers []healthcheck.Checker
	logger   *slog.Logger
}

func NewHealthHandler(log *slog.Logger, checkers ...healthcheck.Checker) *HealthHandler {
	return &HealthHandler{
		checkers: checkers,
		logger:   log.With(slog.String("handler", "health")),
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ready", h.Ready)
}

type readyResponse struct {
	Status string                    `json:"status"`
	Checks []healthcheck.CheckResult `json:"checks"`
}

func (h *HealthHandler) Ready(c echo.Context) error {
	checks := healthcheck.Run(c.Request().Context(), h.checkers...)
	status := healthcheck.Overall(checks)
	code := http.StatusOK
	if status == healthcheck.StatusError {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, readyResponse{Status: status, Checks: checks})
}
