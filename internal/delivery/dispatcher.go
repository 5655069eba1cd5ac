package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/events"
	"github.com/memohai/concierge/internal/tenant"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// Store is the slice of the conversation store delivery needs.
type Store interface {
	MarkDeliveryAttempted(ctx context.Context, messageID string, at time.Time) (bool, error)
	RecordDelivery(ctx context.Context, messageID string, delivered bool, deliveryErr string) error
}

type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	TextChunkLimit int
}

type Request struct {
	Tenant         tenant.TenantConfig
	ConversationID string
	MessageID      string
	To             string
	Text           string
	MediaURL       string
	CorrelationID  string
}

type Result struct {
	Delivered bool
	Skipped   bool
	Attempts  int
	PartsSent int
	Error     string
}

// Dispatcher sends stored replies to the end user through the gateway.
type Dispatcher struct {
	gateway   channel.Gateway
	store     Store
	publisher events.Publisher
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    *slog.Logger
}

func NewDispatcher(log *slog.Logger, gateway channel.Gateway, store Store, publisher events.Publisher, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.TextChunkLimit <= 0 {
		opts.TextChunkLimit = channel.DefaultTextChunkLimit
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Dispatcher{
		gateway:   gateway,
		store:     store,
		publisher: publisher,
		opts:      opts,
		sleep:     sleepContext,
		now:       time.Now,
		logger:    log.With(slog.String("service", "delivery")),
	}
}

// CredentialsFor derives the gateway credentials of a tenant's line.
func CredentialsFor(t tenant.TenantConfig) channel.Credentials {
	source := tenant.DigitsOnly(t.ChannelAddress)
	if source == "" {
		source = strings.TrimSpace(t.ChannelAddress)
	}
	return channel.Credentials{
		Source:     source,
		SourceName: t.GatewaySource,
		APIKey:     t.GatewayAPIKey,
	}
}

// Send marks the message attempted, then tries up to MaxAttempts times. It never returns an error;
// failures are recorded on the message and reported in the Result.
func (d *Dispatcher) Send(ctx context.Context, req Request) Result {
	log := d.logger.With(
		slog.String("tenant_id", req.Tenant.ID),
		slog.String("message_id", req.MessageID),
	)
	if req.MessageID == "" {
		return Result{Error: "message id is required"}
	}
	fresh, err := d.store.MarkDeliveryAttempted(ctx, req.MessageID, d.now())
	if err != nil {
		log.Error("mark delivery attempted failed", slog.Any("error", err))
		return Result{Error: fmt.Sprintf("mark delivery attempted: %v", err)}
	}
	if !fresh {
		log.Info("delivery already attempted, skipping")
		return Result{Skipped: true}
	}

	parts := channel.BuildParts(req.Text, req.MediaURL, d.opts.TextChunkLimit)
	res := Result{}
	if len(parts) == 0 {
		res.Error = "nothing to send"
	} else {
		res = d.attempt(ctx, log, req, parts)
	}

	if err := d.store.RecordDelivery(ctx, req.MessageID, res.Delivered, res.Error); err != nil {
		log.Error("record delivery failed", slog.Any("error", err))
	}
	events.PublishAsync(log, d.publisher, events.NewEnvelope(events.TypeDeliveryCompleted, req.CorrelationID, events.DeliveryCompleted{
		TenantID:  req.Tenant.ID,
		MessageID: req.MessageID,
		Delivered: res.Delivered,
		Attempts:  res.Attempts,
		Error:     res.Error,
	}))
	return res
}

// attempt resumes at the first unsent part on each retry.
func (d *Dispatcher) attempt(ctx context.Context, log *slog.Logger, req Request, parts []channel.Part) Result {
	creds := CredentialsFor(req.Tenant)
	res := Result{}
	next := 0
	var lastErr error
	for res.Attempts < d.opts.MaxAttempts {
		if res.Attempts > 0 {
			if err := d.sleep(ctx, d.opts.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		res.Attempts++
		for next < len(parts) {
			if err := d.sendPart(ctx, creds, req.To, parts[next]); err != nil {
				lastErr = err
				break
			}
			next++
			lastErr = nil
		}
		if next == len(parts) {
			res.Delivered = true
			res.PartsSent = next
			log.Info("reply delivered", slog.Int("attempts", res.Attempts), slog.Int("parts", next))
			return res
		}
		log.Warn("delivery attempt failed",
			slog.Int("attempt", res.Attempts),
			slog.Int("part", next),
			slog.Any("error", lastErr),
		)
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
	}
	res.PartsSent = next
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	log.Error("delivery failed", slog.Int("attempts", res.Attempts), slog.String("error", res.Error))
	return res
}

func (d *Dispatcher) sendPart(ctx context.Context, creds channel.Credentials, to string, part channel.Part) error {
	var err error
	switch part.Kind {
	case channel.PartMedia:
		_, err = d.gateway.SendMedia(ctx, creds, to, part.MediaURL, "")
	default:
		_, err = d.gateway.SendText(ctx, creds, to, part.Text)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
