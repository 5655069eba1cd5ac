package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/concierge/internal/conversation"
	"github.com/memohai/concierge/internal/email"
	"github.com/memohai/concierge/internal/events"
	"github.com/memohai/concierge/internal/tenant"
)

const DefaultHistoryLimit = 10

// Store is the slice of the conversation store escalation needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)
	MarkEscalationSent(ctx context.Context, conversationID, messageID string, at time.Time) (bool, error)
}

type TenantLookup interface {
	ByID(id string) (tenant.TenantConfig, error)
}

// Mailer sends one email and records it in the outbox.
type Mailer interface {
	Send(ctx context.Context, audit email.Audit, msg email.OutboundEmail) (string, error)
}

type Options struct {
	DashboardBaseURL string
	HistoryLimit     int
	DefaultRecipient string
}

type Request struct {
	ConversationID  string
	MessageID       string
	TriggeringText  string
	ExternalAddress string
	CorrelationID   string
}

// Notifier emails the tenant when a conversation needs a human.
type Notifier struct {
	store     Store
	tenants   TenantLookup
	mailer    Mailer
	publisher events.Publisher
	opts      Options
	now       func() time.Time
	logger    *slog.Logger
}

func NewNotifier(log *slog.Logger, store Store, tenants TenantLookup, mailer Mailer, publisher events.Publisher, opts Options) *Notifier {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Notifier{
		store:     store,
		tenants:   tenants,
		mailer:    mailer,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
		logger:    log.With(slog.String("service", "escalation")),
	}
}

// Notify sends the escalation email and flips the escalation flags on success.
// It reports false, leaving flags untouched, on any failure so the sweep retries.
// Calling it twice for the same message can send two emails but flips flags once.
func (n *Notifier) Notify(ctx context.Context, req Request) bool {
	log := n.logger.With(
		slog.String("conversation_id", req.ConversationID),
		slog.String("message_id", req.MessageID),
	)
	conv, err := n.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		log.Error("load conversation failed", slog.Any("error", err))
		return false
	}
	t, err := n.tenants.ByID(conv.TenantID)
	if err != nil {
		log.Warn("tenant not in registry, using default recipient", slog.String("tenant_id", conv.TenantID))
		t = tenant.TenantConfig{ID: conv.TenantID}
	}
	recipients := Recipients(t, n.opts.DefaultRecipient)
	if len(recipients) == 0 {
		log.Error("no escalation recipient configured", slog.String("tenant_id", t.ID))
		return false
	}

	history, err := n.store.ListRecentMessages(ctx, conv.ID, n.opts.HistoryLimit)
	if err != nil {
		log.Warn("load history failed, sending without it", slog.Any("error", err))
		history = nil
	}
	address := req.ExternalAddress
	if address == "" {
		address = conv.ExternalAddress
	}
	comp, err := compose(composeInput{
		TenantName:      t.DisplayName,
		Conversation:    conv,
		ExternalAddress: address,
		TriggeringText:  req.TriggeringText,
		History:         history,
		DashboardURL:    DeepLink(n.opts.DashboardBaseURL, conv.ID),
	})
	if err != nil {
		log.Error("compose escalation failed", slog.Any("error", err))
		return false
	}

	if _, err := n.mailer.Send(ctx, email.Audit{TenantID: t.ID, ConversationID: conv.ID}, email.OutboundEmail{
		To:      recipients,
		Subject: comp.Subject,
		Body:    comp.HTML,
		HTML:    true,
		Text:    comp.Markdown,
	}); err != nil {
		log.Error("escalation email failed", slog.Any("error", err))
		return false
	}

	flipped, err := n.store.MarkEscalationSent(ctx, conv.ID, req.MessageID, n.now())
	if err != nil {
		log.Error("mark escalation sent failed", slog.Any("error", err))
		return false
	}
	if !flipped {
		log.Info("escalation already marked sent")
		return true
	}
	log.Info("escalation sent", slog.Int("recipients", len(recipients)))
	events.PublishAsync(log, n.publisher, events.NewEnvelope(events.TypeEscalationSent, req.CorrelationID, events.EscalationSent{
		TenantID:       t.ID,
		ConversationID: conv.ID,
		MessageID:      req.MessageID,
		Recipients:     recipients,
	}))
	return true
}
