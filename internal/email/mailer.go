package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Mailer sends through the configured provider and keeps the outbox audit current.
type Mailer struct {
	provider ProviderName
	sender   Sender
	outbox   Outbox
	from     string
	bcc      []string
	logger   *slog.Logger
}

func NewMailer(log *slog.Logger, provider ProviderName, sender Sender, outbox Outbox, from string, bcc []string) *Mailer {
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	return &Mailer{
		provider: provider,
		sender:   sender,
		outbox:   outbox,
		from:     from,
		bcc:      bcc,
		logger:   log.With(slog.String("service", "mailer")),
	}
}

// Send records a pending outbox row, sends, then marks the row sent or failed.
// Audit failures are logged and never fail the send.
func (m *Mailer) Send(ctx context.Context, audit Audit, msg OutboundEmail) (string, error) {
	if len(msg.To) == 0 {
		return "", fmt.Errorf("email has no recipients")
	}
	if strings.TrimSpace(msg.From) == "" {
		msg.From = m.from
	}
	if len(m.bcc) > 0 {
		msg.Bcc = append(append([]string(nil), msg.Bcc...), m.bcc...)
	}

	outboxID, err := m.outbox.Create(ctx, string(m.provider), audit, msg)
	if err != nil {
		m.logger.Warn("outbox create failed", slog.Any("error", err))
		outboxID = ""
	}

	messageID, sendErr := m.sender.Send(ctx, msg)
	if outboxID != "" {
		var auditErr error
		if sendErr != nil {
			auditErr = m.outbox.MarkFailed(ctx, outboxID, sendErr.Error())
		} else {
			auditErr = m.outbox.MarkSent(ctx, outboxID, messageID)
		}
		if auditErr != nil {
			m.logger.Warn("outbox update failed", slog.String("outbox_id", outboxID), slog.Any("error", auditErr))
		}
	}
	if sendErr != nil {
		m.logger.Error("email send failed",
			slog.String("provider", string(m.provider)),
			slog.String("conversation_id", audit.ConversationID),
			slog.Any("error", sendErr),
		)
		return "", sendErr
	}
	m.logger.Info("email sent",
		slog.String("provider", string(m.provider)),
		slog.String("conversation_id", audit.ConversationID),
		slog.Int("recipients", len(msg.To)),
	)
	return messageID, nil
}
