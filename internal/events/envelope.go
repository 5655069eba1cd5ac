package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types, versioned by suffix.
const (
	TypeMessageReceived     = "message.received.v1"
	TypeMessageReplied      = "message.replied.v1"
	TypeDeliveryCompleted   = "delivery.completed.v1"
	TypeEscalationSent      = "escalation.sent.v1"
	TypeConversationFlagged = "conversation.flagged.v1"
)

type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps a fresh id and time. correlationID ties events of one inbound message.
func NewEnvelope(eventType, correlationID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			Time:          time.Now().UTC(),
			CorrelationID: correlationID,
		},
		Data: data,
	}
}

type MessageReceived struct {
	TenantID          string `json:"tenant_id"`
	ConversationID    string `json:"conversation_id"`
	MessageID         string `json:"message_id"`
	ExternalAddress   string `json:"external_address"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
}

type MessageReplied struct {
	TenantID        string `json:"tenant_id"`
	ConversationID  string `json:"conversation_id"`
	MessageID       string `json:"message_id"`
	Fallback        bool   `json:"fallback"`
	NeedsEscalation bool   `json:"needs_escalation"`
}

type DeliveryCompleted struct {
	TenantID  string `json:"tenant_id"`
	MessageID string `json:"message_id"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

type EscalationSent struct {
	TenantID       string   `json:"tenant_id"`
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Recipients     []string `json:"recipients"`
}

type ConversationFlagged struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}
