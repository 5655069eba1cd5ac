package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Resolver maps (tenant, external address) to a conversation and tracks assistant threads.
type Resolver struct {
	store   Store
	threads *ThreadCache
	logger  *slog.Logger
}

func NewResolver(log *slog.Logger, store Store, threads *ThreadCache) *Resolver {
	if threads == nil {
		threads = NewThreadCache()
	}
	return &Resolver{
		store:   store,
		threads: threads,
		logger:  log.With(slog.String("service", "conversation_resolver")),
	}
}

// Resolve returns the conversation for the pair, creating it if absent. When a concurrent
// creator wins the unique index, the winner's row is returned.
func (r *Resolver) Resolve(ctx context.Context, tenantID, externalAddress string) (Conversation, error) {
	tenantID = strings.TrimSpace(tenantID)
	externalAddress = strings.TrimSpace(externalAddress)
	if tenantID == "" || externalAddress == "" {
		return Conversation{}, fmt.Errorf("tenant id and external address are required")
	}

	conv, err := r.store.FindLatestConversation(ctx, tenantID, externalAddress)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}

	conv, err = r.store.CreateConversation(ctx, tenantID, externalAddress)
	if err == nil {
		r.logger.Info("conversation created",
			slog.String("conversation_id", conv.ID),
			slog.String("tenant_id", tenantID),
		)
		return conv, nil
	}
	if !errors.Is(err, ErrConflict) {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	r.logger.Debug("conversation create lost race, fetching winner",
		slog.String("tenant_id", tenantID),
		slog.String("external_address", externalAddress),
	)
	conv, err = r.store.FindLatestConversation(ctx, tenantID, externalAddress)
	if err != nil {
		return Conversation{}, fmt.Errorf("fetch conversation after conflict: %w", err)
	}
	return conv, nil
}

func (r *Resolver) BindThread(conversationID, threadID string) {
	if conversationID == "" || threadID == "" {
		return
	}
	r.threads.Set(conversationID, threadID)
}

func (r *Resolver) GetThread(conversationID string) (string, bool) {
	return r.threads.Get(conversationID)
}

// ForgetThread drops the cached thread so the next message starts a fresh one.
func (r *Resolver) ForgetThread(conversationID string) {
	r.threads.Delete(conversationID)
}
