// Package ingress turns gateway webhooks into processed conversation turns.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/concierge/internal/tenant"
)

var ErrMalformed = errors.New("malformed webhook payload")

// Kind discriminates inbound webhook events.
type Kind string

const (
	KindMessage Kind = "message"
	KindStatus  Kind = "status"
)

// Event is a normalized inbound webhook event.
type Event struct {
	Kind      Kind      `validate:"required,oneof=message status"`
	MessageID string    `validate:"-"`
	From      string    `validate:"required_if=Kind message"`
	To        string    `validate:"required_if=Kind message"`
	Text      string    `validate:"required_without=MediaURL"`
	MediaURL  string    `validate:"omitempty,url"`
	Timestamp time.Time `validate:"-"`
}

// webhookPayload accepts the flat shape and the gateway's nested envelope.
type webhookPayload struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Text        string          `json:"text"`
	Body        string          `json:"body"`
	MediaURL    string          `json:"media_url"`
	Timestamp   json.Number     `json:"timestamp"`
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

type gatewayMessage struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Type        string `json:"type"`
	Payload     struct {
		Text    string `json:"text"`
		URL     string `json:"url"`
		Caption string `json:"caption"`
	} `json:"payload"`
	Sender struct {
		Phone string `json:"phone"`
	} `json:"sender"`
}

var validate = validator.New()

// Parse decodes and validates a webhook body. Status events come back with Kind set and
// nothing else required.
func Parse(body []byte) (Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch strings.ToLower(strings.TrimSpace(p.Type)) {
	case "message":
	case "message-event", "status", "user-event", "billing-event":
		return Event{Kind: KindStatus}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, p.Type)
	}

	ev := Event{
		Kind:      KindMessage,
		MessageID: p.ID,
		From:      p.From,
		To:        firstNonEmpty(p.To, p.Destination),
		Text:      firstNonEmpty(p.Text, p.Body),
		MediaURL:  p.MediaURL,
		Timestamp: parseTimestamp(p.Timestamp),
	}
	if len(p.Payload) > 0 && string(p.Payload) != "null" {
		var inner gatewayMessage
		if err := json.Unmarshal(p.Payload, &inner); err != nil {
			return Event{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		ev.MessageID = firstNonEmpty(ev.MessageID, inner.ID)
		ev.From = firstNonEmpty(ev.From, inner.Source, inner.Sender.Phone)
		ev.To = firstNonEmpty(ev.To, inner.Destination)
		if inner.Type == "text" || inner.Type == "" {
			ev.Text = firstNonEmpty(ev.Text, inner.Payload.Text)
		} else {
			ev.MediaURL = firstNonEmpty(ev.MediaURL, inner.Payload.URL)
			ev.Text = firstNonEmpty(ev.Text, inner.Payload.Caption)
		}
	}
	ev.From = strings.TrimSpace(ev.From)
	ev.To = strings.TrimSpace(ev.To)
	ev.Text = strings.TrimSpace(ev.Text)
	ev.MediaURL = strings.TrimSpace(ev.MediaURL)
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// SenderAddress is the digits-only form used as the conversation's external address.
func (e Event) SenderAddress() string {
	if digits := tenant.DigitsOnly(e.From); digits != "" {
		return digits
	}
	return e.From
}

// parseTimestamp accepts unix seconds or milliseconds.
func parseTimestamp(n json.Number) time.Time {
	v, err := n.Int64()
	if err != nil || v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
