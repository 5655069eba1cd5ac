package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/ingress"
	"github.com/memohai/concierge/internal/tasks"
)

const maxWebhookBody = 1 << 20

type EventProcessor interface {
	Handle(ctx context.Context, ev ingress.Event) ingress.Outcome
}

// WhatsAppWebhookHandler acknowledges every gateway callback and processes messages
// in the background.
type WhatsAppWebhookHandler struct {
	processor EventProcessor
	queue     tasks.Submitter
	timeout   time.Duration
	logger    *slog.Logger
}

func NewWhatsAppWebhookHandler(log *slog.Logger, processor EventProcessor, queue tasks.Submitter, timeout time.Duration) *WhatsAppWebhookHandler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WhatsAppWebhookHandler{
		processor: processor,
		queue:     queue,
		timeout:   timeout,
		logger:    log.With(slog.String("handler", "whatsapp_webhook")),
	}
}

func (h *WhatsAppWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/whatsapp", h.Handle)
}

// Handle always answers 200 so the gateway never redelivers.
func (h *WhatsAppWebhookHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("read webhook body failed", slog.Any("error", err))
		return ack(c)
	}
	ev, err := ingress.Parse(body)
	if err != nil {
		h.logger.Warn("drop malformed webhook", slog.Any("error", err))
		return ack(c)
	}
	if ev.Kind == ingress.KindStatus {
		h.logger.Debug("status event acknowledged")
		return ack(c)
	}

	base := context.WithoutCancel(c.Request().Context())
	work := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		outcome := h.processor.Handle(ctx, ev)
		h.logger.Debug("webhook processed", slog.String("outcome", string(outcome)))
		return nil
	}
	if err := h.queue.Submit("inbound", work); err != nil {
		h.logger.Warn("task queue rejected event, processing inline", slog.Any("error", err))
		_ = tasks.Inline{Ctx: base, Logger: h.logger}.Submit("inbound", work)
	}
	return ack(c)
}

func ack(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
