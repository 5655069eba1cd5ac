package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It enforces the same (tenant, address) uniqueness
// as the Postgres schema.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	byPair        map[string]string
	messages      map[string]*Message
	order         []string // message ids in insert order
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		byPair:        make(map[string]string),
		messages:      make(map[string]*Message),
		now:           time.Now,
	}
}

func pairKey(tenantID, address string) string {
	return tenantID + "\x00" + address
}

func (s *MemoryStore) FindLatestConversation(_ context.Context, tenantID, externalAddress string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPair[pairKey(tenantID, externalAddress)]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return *s.conversations[id], nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, tenantID, externalAddress string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(tenantID, externalAddress)
	if _, exists := s.byPair[key]; exists {
		return Conversation{}, ErrConflict
	}
	conv := &Conversation{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		ExternalAddress: externalAddress,
		BotActive:       true,
		CreatedAt:       s.now().UTC(),
	}
	s.conversations[conv.ID] = conv
	s.byPair[key] = conv.ID
	return *conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return *conv, nil
}

func (s *MemoryStore) TouchConversation(_ context.Context, id, summary string, at time.Time) error {
	return s.updateConversation(id, func(c *Conversation) {
		c.LastMessageSummary = Summarize(summary)
		ts := at.UTC()
		c.LastMessageAt = &ts
	})
}

func (s *MemoryStore) SetBotActive(_ context.Context, id string, active bool) error {
	return s.updateConversation(id, func(c *Conversation) { c.BotActive = active })
}

func (s *MemoryStore) SetImportant(_ context.Context, id string, important bool) error {
	return s.updateConversation(id, func(c *Conversation) { c.Important = important })
}

func (s *MemoryStore) updateConversation(id string, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	fn(conv)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, input AppendInput) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[input.ConversationID]; !ok {
		return Message{}, ErrNotFound
	}
	msg := &Message{
		ID:                uuid.NewString(),
		ConversationID:    input.ConversationID,
		Content:           input.Content,
		SenderKind:        input.SenderKind,
		MediaURL:          input.MediaURL,
		ExternalMessageID: input.ExternalMessageID,
		NeedsEscalation:   input.NeedsEscalation,
		CreatedAt:         s.now().UTC(),
	}
	s.messages[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return *msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return *msg, nil
}

func (s *MemoryStore) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []Message
	for _, id := range s.order {
		if msg := s.messages[id]; msg.ConversationID == conversationID {
			items = append(items, *msg)
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *MemoryStore) MarkDeliveryAttempted(_ context.Context, messageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if msg.DeliveryAttemptedAt != nil {
		return false, nil
	}
	ts := at.UTC()
	msg.DeliveryAttemptedAt = &ts
	return true, nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, messageID string, delivered bool, deliveryErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.DeliveredToChannel = delivered
	msg.DeliveryError = deliveryErr
	return nil
}

func (s *MemoryStore) MarkEscalationSent(_ context.Context, conversationID, messageID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	msg, ok := s.messages[messageID]
	if !ok || msg.ConversationID != conversationID {
		return false, ErrNotFound
	}
	if msg.EscalationSent {
		return false, nil
	}
	msg.EscalationSent = true
	msg.NeedsEscalation = true
	if conv.EscalationSentAt == nil {
		ts := at.UTC()
		conv.EscalationSentAt = &ts
	}
	return true, nil
}

func (s *MemoryStore) ListPendingEscalations(_ context.Context, limit int) ([]PendingEscalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []PendingEscalation
	for _, id := range s.order {
		msg := s.messages[id]
		if !msg.NeedsEscalation || msg.EscalationSent {
			continue
		}
		conv := s.conversations[msg.ConversationID]
		items = append(items, PendingEscalation{
			Message:         *msg,
			TenantID:        conv.TenantID,
			ExternalAddress: conv.ExternalAddress,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Message.CreatedAt.Before(items[j].Message.CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Conversations returns every stored conversation. Intended for tests and diagnostics.
func (s *MemoryStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
