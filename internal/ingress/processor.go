package ingress

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/concierge/internal/conversation"
	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/dedupe"
	"github.com/memohai/concierge/internal/escalation"
	"github.com/memohai/concierge/internal/events"
	"github.com/memohai/concierge/internal/orchestrator"
	"github.com/memohai/concierge/internal/tasks"
	"github.com/memohai/concierge/internal/tenant"
)

// Outcome names how an inbound event ended.
type Outcome string

const (
	OutcomeProcessed      Outcome = "processed"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeUnknownTenant  Outcome = "unknown_tenant"
	OutcomeInactiveTenant Outcome = "inactive_tenant"
	OutcomeMalformed      Outcome = "malformed"
	OutcomeStatusEvent    Outcome = "status_event"
	OutcomeBotPaused      Outcome = "bot_paused"
	OutcomeFailed         Outcome = "failed"
)

type TenantResolver interface {
	Resolve(channelAddress string) (tenant.TenantConfig, error)
}

type Deduper interface {
	ShouldProcess(key string) bool
}

type ConversationResolver interface {
	Resolve(ctx context.Context, tenantID, externalAddress string) (conversation.Conversation, error)
}

// Store is the slice of the conversation store the processor writes to.
type Store interface {
	AppendMessage(ctx context.Context, input conversation.AppendInput) (conversation.Message, error)
	TouchConversation(ctx context.Context, id, summary string, at time.Time) error
	SetImportant(ctx context.Context, id string, important bool) error
}

type Assistant interface {
	Run(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

type Detector interface {
	RequiresEscalation(t tenant.TenantConfig, text string) bool
	RequiresHumanAssistance(text string) bool
}

type Deliverer interface {
	Send(ctx context.Context, req delivery.Request) delivery.Result
}

type Escalator interface {
	Notify(ctx context.Context, req escalation.Request) bool
}

// Deps collects the processor's collaborators.
type Deps struct {
	Tenants       TenantResolver
	Guard         Deduper
	Conversations ConversationResolver
	Store         Store
	Assistant     Assistant
	Detector      Detector
	Delivery      Deliverer
	Escalation    Escalator
	Tasks         tasks.Submitter
	Publisher     events.Publisher
	// FallbackReply is sent when the assistant fails and the tenant has none of its own.
	FallbackReply string
}

type Processor struct {
	deps   Deps
	now    func() time.Time
	logger *slog.Logger
}

func NewProcessor(log *slog.Logger, deps Deps) *Processor {
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	p := &Processor{
		deps:   deps,
		now:    time.Now,
		logger: log.With(slog.String("service", "ingress")),
	}
	if deps.Tasks == nil {
		p.deps.Tasks = tasks.Inline{Logger: p.logger}
	}
	return p
}

// Handle processes one inbound event end to end. It never returns an error; the
// Outcome says how far the event got.
func (p *Processor) Handle(ctx context.Context, ev Event) Outcome {
	if ev.Kind == KindStatus {
		return OutcomeStatusEvent
	}
	if err := ev.Validate(); err != nil {
		p.logger.Warn("drop malformed event", slog.Any("error", err))
		return OutcomeMalformed
	}
	from := ev.SenderAddress()
	log := p.logger.With(slog.String("from", from), slog.String("to", ev.To), slog.String("external_message_id", ev.MessageID))

	if !p.deps.Guard.ShouldProcess(dedupe.Key(ev.MessageID, from, ev.Text+"\x00"+ev.MediaURL)) {
		log.Info("duplicate event dropped")
		return OutcomeDuplicate
	}

	t, err := p.deps.Tenants.Resolve(ev.To)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			log.Warn("no tenant for recipient, dropping")
			return OutcomeUnknownTenant
		}
		log.Error("resolve tenant failed", slog.Any("error", err))
		return OutcomeFailed
	}
	if !t.Active {
		log.Info("tenant inactive, dropping", slog.String("tenant_id", t.ID))
		return OutcomeInactiveTenant
	}
	log = log.With(slog.String("tenant_id", t.ID))

	conv, err := p.deps.Conversations.Resolve(ctx, t.ID, from)
	if err != nil {
		log.Error("resolve conversation failed", slog.Any("error", err))
		return OutcomeFailed
	}
	log = log.With(slog.String("conversation_id", conv.ID))

	userMsg, err := p.deps.Store.AppendMessage(ctx, conversation.AppendInput{
		ConversationID:    conv.ID,
		Content:           ev.Text,
		SenderKind:        conversation.SenderUser,
		MediaURL:          ev.MediaURL,
		ExternalMessageID: ev.MessageID,
	})
	if err != nil {
		log.Error("persist user message failed", slog.Any("error", err))
		return OutcomeFailed
	}
	p.touch(ctx, log, conv.ID, firstNonEmpty(ev.Text, ev.MediaURL))
	events.PublishAsync(log, p.deps.Publisher, events.NewEnvelope(events.TypeMessageReceived, userMsg.ID, events.MessageReceived{
		TenantID:          t.ID,
		ConversationID:    conv.ID,
		MessageID:         userMsg.ID,
		ExternalAddress:   from,
		ExternalMessageID: ev.MessageID,
	}))

	if ev.Text != "" && p.deps.Detector.RequiresHumanAssistance(ev.Text) {
		if err := p.deps.Store.SetImportant(ctx, conv.ID, true); err != nil {
			log.Error("flag conversation failed", slog.Any("error", err))
		} else {
			log.Info("user asked for a human, conversation flagged")
			events.PublishAsync(log, p.deps.Publisher, events.NewEnvelope(events.TypeConversationFlagged, userMsg.ID, events.ConversationFlagged{
				TenantID:       t.ID,
				ConversationID: conv.ID,
				Reason:         "human_assistance",
			}))
		}
	}

	if !conv.BotActive {
		log.Info("bot paused for conversation, not replying")
		return OutcomeBotPaused
	}

	reply, fallback := p.reply(ctx, log, t, conv, ev)
	needsEscalation := !fallback && p.deps.Detector.RequiresEscalation(t, reply)

	assistantMsg, err := p.deps.Store.AppendMessage(ctx, conversation.AppendInput{
		ConversationID:  conv.ID,
		Content:         reply,
		SenderKind:      conversation.SenderAssistant,
		NeedsEscalation: needsEscalation,
	})
	if err != nil {
		log.Error("persist assistant message failed", slog.Any("error", err))
		return OutcomeFailed
	}
	p.touch(ctx, log, conv.ID, reply)

	p.submit(ctx, log, "delivery", func(ctx context.Context) error {
		p.deps.Delivery.Send(ctx, delivery.Request{
			Tenant:         t,
			ConversationID: conv.ID,
			MessageID:      assistantMsg.ID,
			To:             from,
			Text:           reply,
			CorrelationID:  userMsg.ID,
		})
		return nil
	})
	if needsEscalation {
		p.submit(ctx, log, "escalation", func(ctx context.Context) error {
			p.deps.Escalation.Notify(ctx, escalation.Request{
				ConversationID:  conv.ID,
				MessageID:       assistantMsg.ID,
				TriggeringText:  reply,
				ExternalAddress: from,
				CorrelationID:   userMsg.ID,
			})
			return nil
		})
	}

	events.PublishAsync(log, p.deps.Publisher, events.NewEnvelope(events.TypeMessageReplied, userMsg.ID, events.MessageReplied{
		TenantID:        t.ID,
		ConversationID:  conv.ID,
		MessageID:       assistantMsg.ID,
		Fallback:        fallback,
		NeedsEscalation: needsEscalation,
	}))
	log.Info("inbound processed",
		slog.Bool("fallback", fallback),
		slog.Bool("needs_escalation", needsEscalation),
	)
	return OutcomeProcessed
}

// reply runs the assistant and reports whether the fallback apology was used instead.
func (p *Processor) reply(ctx context.Context, log *slog.Logger, t tenant.TenantConfig, conv conversation.Conversation, ev Event) (string, bool) {
	text := ev.Text
	if text == "" {
		text = ev.MediaURL
	}
	res, err := p.deps.Assistant.Run(ctx, orchestrator.Request{
		Tenant:         t,
		ConversationID: conv.ID,
		Text:           text,
	})
	if err == nil {
		return res.Reply, false
	}
	log.Warn("assistant run failed, sending fallback", slog.Any("error", err))
	if fb := strings.TrimSpace(t.FallbackReply); fb != "" {
		return fb, true
	}
	return p.deps.FallbackReply, true
}

func (p *Processor) touch(ctx context.Context, log *slog.Logger, conversationID, text string) {
	if err := p.deps.Store.TouchConversation(ctx, conversationID, text, p.now()); err != nil {
		log.Error("touch conversation failed", slog.Any("error", err))
	}
}

// submit hands fn to the task queue, running it inline when the queue rejects it.
func (p *Processor) submit(ctx context.Context, log *slog.Logger, name string, fn tasks.Func) {
	err := p.deps.Tasks.Submit(name, fn)
	if err == nil {
		return
	}
	log.Warn("task queue rejected work, running inline", slog.String("task", name), slog.Any("error", err))
	_ = tasks.Inline{Ctx: context.WithoutCancel(ctx), Logger: log}.Submit(name, fn)
}
