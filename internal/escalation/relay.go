package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/memohai/concierge/internal/conversation"
	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/email"
)

var (
	ErrNoReference      = errors.New("reply subject has no conversation reference")
	ErrSenderNotAllowed = errors.New("reply sender is not a tenant operator")
	ErrEmptyReply       = errors.New("reply has no text")
)

var quoteHeaders = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^on .+ wrote:\s*$`),
	regexp.MustCompile(`(?i)^el .+ escribi[oó]:\s*$`),
	regexp.MustCompile(`(?i)^-{2,}\s*(original message|mensaje original)\s*-{2,}\s*$`),
	regexp.MustCompile(`(?i)^(from|de):\s.+$`),
}

// RelayStore is the slice of the conversation store the operator relay needs.
type RelayStore interface {
	GetConversation(ctx context.Context, id string) (conversation.Conversation, error)
	AppendMessage(ctx context.Context, input conversation.AppendInput) (conversation.Message, error)
	SetBotActive(ctx context.Context, id string, active bool) error
	TouchConversation(ctx context.Context, id, summary string, at time.Time) error
}

type Deliverer interface {
	Send(ctx context.Context, req delivery.Request) delivery.Result
}

// Relay turns an operator's email reply to an escalation into a WhatsApp message.
type Relay struct {
	store            RelayStore
	tenants          TenantLookup
	deliverer        Deliverer
	defaultRecipient string
	now              func() time.Time
	logger           *slog.Logger
}

func NewRelay(log *slog.Logger, store RelayStore, tenants TenantLookup, deliverer Deliverer, defaultRecipient string) *Relay {
	return &Relay{
		store:            store,
		tenants:          tenants,
		deliverer:        deliverer,
		defaultRecipient: defaultRecipient,
		now:              time.Now,
		logger:           log.With(slog.String("service", "escalation_relay")),
	}
}

// HandleInbound matches email.InboundHandler.
func (r *Relay) HandleInbound(ctx context.Context, in email.InboundEmail) error {
	convID, ok := ParseRef(in.Subject)
	if !ok {
		return ErrNoReference
	}
	log := r.logger.With(slog.String("conversation_id", convID), slog.String("email_message_id", in.MessageID))

	conv, err := r.store.GetConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	t, err := r.tenants.ByID(conv.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	sender := senderAddress(in.From)
	if _, allowed := allowedSenders(t, r.defaultRecipient)[sender]; !allowed {
		log.Warn("reply from unknown sender ignored", slog.String("from", in.From))
		return ErrSenderNotAllowed
	}

	text, err := ReplyText(in)
	if err != nil {
		return err
	}
	if text == "" {
		return ErrEmptyReply
	}

	msg, err := r.store.AppendMessage(ctx, conversation.AppendInput{
		ConversationID:    conv.ID,
		Content:           text,
		SenderKind:        conversation.SenderSystem,
		ExternalMessageID: in.MessageID,
	})
	if err != nil {
		return fmt.Errorf("persist operator reply: %w", err)
	}
	if err := r.store.SetBotActive(ctx, conv.ID, false); err != nil {
		log.Error("pause bot failed", slog.Any("error", err))
	}
	if err := r.store.TouchConversation(ctx, conv.ID, conversation.Summarize(text), r.now()); err != nil {
		log.Error("touch conversation failed", slog.Any("error", err))
	}

	res := r.deliverer.Send(ctx, delivery.Request{
		Tenant:         t,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		To:             conv.ExternalAddress,
		Text:           text,
		CorrelationID:  in.MessageID,
	})
	if !res.Delivered && !res.Skipped {
		return fmt.Errorf("deliver operator reply: %s", res.Error)
	}
	log.Info("operator reply relayed", slog.String("message_id", msg.ID))
	return nil
}

// ReplyText returns the new text of a reply, preferring the plain part and
// dropping the quoted history below it.
func ReplyText(in email.InboundEmail) (string, error) {
	body := in.BodyText
	if strings.TrimSpace(body) == "" && strings.TrimSpace(in.BodyHTML) != "" {
		md, err := htmltomarkdown.ConvertString(in.BodyHTML)
		if err != nil {
			return "", fmt.Errorf("convert reply html: %w", err)
		}
		body = md
	}
	return StripQuoted(body), nil
}

// StripQuoted cuts a reply body at the first quote marker.
func StripQuoted(body string) string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	kept := make([]string, 0, len(lines))
scan:
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			break
		}
		for _, re := range quoteHeaders {
			if re.MatchString(trimmed) {
				break scan
			}
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func senderAddress(from string) string {
	if parsed, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}
