// Package conversation defines conversation and message types, the storage contract,
// and the resolver that maps (tenant, external address) pairs to conversations.
package conversation

import (
	"context"
	"errors"
	"time"
)

// SenderKind constants.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

var (
	ErrNotFound = errors.New("conversation not found")
	// ErrConflict is returned by CreateConversation when the (tenant, address) pair already exists.
	ErrConflict = errors.New("conversation already exists")
)

// Conversation is the chat between one tenant and one external address.
type Conversation struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	ExternalAddress    string     `json:"external_address"`
	LastMessageSummary string     `json:"last_message_summary,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	BotActive          bool       `json:"bot_active"`
	Important          bool       `json:"important"`
	EscalationSentAt   *time.Time `json:"escalation_sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Message is a single persisted chat message. Only the delivery and escalation flags change after insert.
type Message struct {
	ID                  string     `json:"id"`
	ConversationID      string     `json:"conversation_id"`
	Content             string     `json:"content"`
	SenderKind          string     `json:"sender_kind"`
	MediaURL            string     `json:"media_url,omitempty"`
	ExternalMessageID   string     `json:"external_message_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	DeliveredToChannel  bool       `json:"delivered_to_channel"`
	DeliveryAttemptedAt *time.Time `json:"delivery_attempted_at,omitempty"`
	DeliveryError       string     `json:"delivery_error,omitempty"`
	NeedsEscalation     bool       `json:"needs_escalation"`
	EscalationSent      bool       `json:"escalation_sent"`
}

// AppendInput is the input for persisting a message.
type AppendInput struct {
	ConversationID    string
	Content           string
	SenderKind        string
	MediaURL          string
	ExternalMessageID string
	NeedsEscalation   bool
}

// PendingEscalation is a message flagged for escalation whose notice has not been sent yet.
type PendingEscalation struct {
	Message         Message
	TenantID        string
	ExternalAddress string
}

// Store is the conversation store collaborator.
type Store interface {
	FindLatestConversation(ctx context.Context, tenantID, externalAddress string) (Conversation, error)
	CreateConversation(ctx context.Context, tenantID, externalAddress string) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	TouchConversation(ctx context.Context, id, summary string, at time.Time) error
	SetBotActive(ctx context.Context, id string, active bool) error
	SetImportant(ctx context.Context, id string, important bool) error

	AppendMessage(ctx context.Context, input AppendInput) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListRecentMessages returns the newest limit messages in chronological order.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// MarkDeliveryAttempted returns false when the message was already attempted.
	MarkDeliveryAttempted(ctx context.Context, messageID string, at time.Time) (bool, error)
	RecordDelivery(ctx context.Context, messageID string, delivered bool, deliveryErr string) error
	// MarkEscalationSent flips the message and conversation escalation flags once.
	// It returns false when the message was already marked.
	MarkEscalationSent(ctx context.Context, conversationID, messageID string, at time.Time) (bool, error)
	ListPendingEscalations(ctx context.Context, limit int) ([]PendingEscalation, error)
}

const summaryMaxRunes = 120

// Summarize trims text into the conversation's last-message summary.
func Summarize(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryMaxRunes {
		return text
	}
	return string(runes[:summaryMaxRunes-1]) + "…"
}
