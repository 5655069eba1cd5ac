package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/concierge/internal/auth"
	"github.com/memohai/concierge/internal/conversation"
	"github.com/memohai/concierge/internal/escalation"
	"github.com/memohai/concierge/internal/tenant"
)

type TenantAdmin interface {
	Snapshot() []tenant.TenantConfig
	LoadAll(ctx context.Context) (int, error)
}

type ConversationAdmin interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	SetBotActive(ctx context.Context, id string, active bool) error
}

type EscalationSweeper interface {
	Sweep(ctx context.Context) (escalation.SweepResult, error)
}

// AdminHandler serves the operator endpoints under /admin.
type AdminHandler struct {
	tenants       TenantAdmin
	conversations ConversationAdmin
	sweeper       EscalationSweeper
	logger        *slog.Logger
}

func NewAdminHandler(log *slog.Logger, tenants TenantAdmin, conversations ConversationAdmin, sweeper EscalationSweeper) *AdminHandler {
	return &AdminHandler{
		tenants:       tenants,
		conversations: conversations,
		sweeper:       sweeper,
		logger:        log.With(slog.String("handler", "admin")),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/admin", auth.RequireAdmin)
	g.GET("/tenants", h.ListTenants)
	g.POST("/tenants/reload", h.ReloadTenants)
	g.POST("/conversations/:id/bot", h.SetBot)
	g.POST("/escalations/sweep", h.Sweep)
}

type TenantView struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	ChannelAddress string `json:"channel_address"`
	AssistantID    string `json:"assistant_id"`
	Active         bool   `json:"active"`
}

type SetBotRequest struct {
	Active *bool `json:"active"`
}

func (h *AdminHandler) ListTenants(c echo.Context) error {
	items := h.tenants.Snapshot()
	out := make([]TenantView, 0, len(items))
	for _, t := range items {
		out = append(out, TenantView{
			ID:             t.ID,
			DisplayName:    t.DisplayName,
			ChannelAddress: t.ChannelAddress,
			AssistantID:    t.AssistantID,
			Active:         t.Active,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"items": out})
}

func (h *AdminHandler) ReloadTenants(c echo.Context) error {
	count, err := h.tenants.LoadAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"count": count})
}

func (h *AdminHandler) SetBot(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}
	var req SetBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	ctx := c.Request().Context()
	if err := h.conversations.SetBotActive(ctx, id, *req.Active); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	conv, err := h.conversations.GetConversation(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("bot toggled", slog.String("conversation_id", id), slog.Bool("active", *req.Active))
	return c.JSON(http.StatusOK, conv)
}

func (h *AdminHandler) Sweep(c echo.Context) error {
	res, err := h.sweeper.Sweep(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
