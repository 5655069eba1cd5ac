package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/email"
	"github.com/memohai/concierge/internal/escalation"
)

// EmailReplyHandler receives operator replies to escalation emails from Mailgun routes.
type EmailReplyHandler struct {
	receiver email.WebhookReceiver
	handle   email.InboundHandler
	logger   *slog.Logger
}

func NewEmailReplyHandler(log *slog.Logger, receiver email.WebhookReceiver, handle email.InboundHandler) *EmailReplyHandler {
	return &EmailReplyHandler{
		receiver: receiver,
		handle:   handle,
		logger:   log.With(slog.String("handler", "email_reply")),
	}
}

func (h *EmailReplyHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/email/mailgun", h.HandleMailgun)
}

// HandleMailgun answers 406 for replies that can never be relayed so Mailgun stops retrying,
// and 500 for failures worth a retry.
func (h *EmailReplyHandler) HandleMailgun(c echo.Context) error {
	if h.receiver == nil || h.handle == nil {
		return echo.NewHTTPError(http.StatusNotFound, "email replies not configured")
	}
	inbound, err := h.receiver.HandleWebhook(c.Request().Context(), c.Request())
	if err != nil {
		h.logger.Warn("webhook rejected", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	if err := h.handle(c.Request().Context(), *inbound); err != nil {
		switch {
		case errors.Is(err, escalation.ErrNoReference),
			errors.Is(err, escalation.ErrSenderNotAllowed),
			errors.Is(err, escalation.ErrEmptyReply):
			h.logger.Info("reply not relayed", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusNotAcceptable, err.Error())
		default:
			h.logger.Error("reply processing failed", slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "processing failed")
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
