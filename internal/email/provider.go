package email

import (
	"context"
	"net/http"
)

// Sender delivers one escalation email and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg OutboundEmail) (messageID string, err error)
}

// Receiver watches a mailbox for operator replies until the returned Stopper is stopped.
type Receiver interface {
	StartReceiving(ctx context.Context, handler InboundHandler) (Stopper, error)
}

// WebhookReceiver turns a provider callback into an operator reply.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, r *http.Request) (*InboundEmail, error)
}

// InboundHandler consumes one operator reply. Receivers log a non-nil error
// and move on; the reply is not retried.
type InboundHandler func(ctx context.Context, msg InboundEmail) error

type Stopper interface {
	Stop(ctx context.Context) error
}
