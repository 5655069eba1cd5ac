package escalation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/concierge/internal/conversation"
)

const DefaultSweepBatch = 100

type PendingLister interface {
	ListPendingEscalations(ctx context.Context, limit int) ([]conversation.PendingEscalation, error)
}

type notifier interface {
	Notify(ctx context.Context, req Request) bool
}

type SweepResult struct {
	Considered int `json:"considered"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// Sweeper retries escalations whose email was never sent.
type Sweeper struct {
	store    PendingLister
	notifier notifier
	batch    int
	logger   *slog.Logger
}

func NewSweeper(log *slog.Logger, store PendingLister, n *Notifier, batch int) *Sweeper {
	return newSweeper(log, store, n, batch)
}

func newSweeper(log *slog.Logger, store PendingLister, n notifier, batch int) *Sweeper {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{
		store:    store,
		notifier: n,
		batch:    batch,
		logger:   log.With(slog.String("service", "escalation_sweeper")),
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	pending, err := s.store.ListPendingEscalations(ctx, s.batch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list pending escalations: %w", err)
	}
	res := SweepResult{Considered: len(pending)}
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		ok := s.notifier.Notify(ctx, Request{
			ConversationID:  p.Message.ConversationID,
			MessageID:       p.Message.ID,
			TriggeringText:  p.Message.Content,
			ExternalAddress: p.ExternalAddress,
			CorrelationID:   p.Message.ID,
		})
		if ok {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	if res.Considered > 0 {
		s.logger.Info("escalation sweep finished",
			slog.Int("considered", res.Considered),
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed),
		)
	}
	return res, ctx.Err()
}
