package email

import "time"

type ProviderName string

type OutboundEmail struct {
	From    string   `json:"from,omitempty"`
	To      []string `json:"to"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`

	// Body is HTML when HTML is set, otherwise plain text.
	Body string `json:"body"`
	HTML bool   `json:"html,omitempty"`
	// Text is an optional plain alternative of an HTML body.
	Text string `json:"text,omitempty"`
}

type InboundEmail struct {
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"body_text"`
	BodyHTML   string    `json:"body_html"`
	ReceivedAt time.Time `json:"received_at"`
}

// Audit links an outbound email to the conversation it is about.
type Audit struct {
	TenantID       string
	ConversationID string
}

const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

type OutboxItem struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	TenantID       string     `json:"tenant_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	From           string     `json:"from"`
	To             []string   `json:"to"`
	Subject        string     `json:"subject"`
	BodyHTML       string     `json:"body_html,omitempty"`
	Status         string     `json:"status"`
	MessageID      string     `json:"message_id,omitempty"`
	Error          string     `json:"error,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
