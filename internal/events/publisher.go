package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const producerName = "concierge"

var errPublisherClosed = errors.New("publisher closed")

// Publisher emits domain events. Implementations must not block request paths for long.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Nop drops events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQPPublisher publishes JSON envelopes to a topic exchange, routed by event type.
type AMQPPublisher struct {
	exchange string
	conn     *amqp.Connection
	open     func() (amqpChannel, error)
	pool     chan amqpChannel
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

func DialAMQP(log *slog.Logger, rawURL, exchange string, poolSize int) (*AMQPPublisher, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	logger := log.With(slog.String("service", "events"))
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	logger.Info("connecting to rabbitmq", slog.String("host", host))

	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	_ = ch.Close()

	p := newAMQPPublisher(logger, exchange, poolSize, func() (amqpChannel, error) {
		if conn.IsClosed() {
			return nil, amqp.ErrClosed
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(logger *slog.Logger, exchange string, poolSize int, open func() (amqpChannel, error)) *AMQPPublisher {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &AMQPPublisher{
		exchange: exchange,
		open:     open,
		pool:     make(chan amqpChannel, poolSize),
		logger:   logger,
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, env Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	if env.Meta.Type == "" {
		return fmt.Errorf("envelope type is required")
	}
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = env.Meta.ID
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	if env.Meta.Producer == "" {
		env.Meta.Producer = producerName
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ch, err := p.borrow()
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	err = ch.PublishWithContext(ctx, p.exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         producerName,
	})
	p.giveBack(ch)
	if err != nil {
		p.logger.Warn("publish event failed", slog.String("type", env.Meta.Type), slog.Any("error", err))
		return fmt.Errorf("publish %s: %w", env.Meta.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) borrow() (amqpChannel, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errPublisherClosed
	}
	for {
		select {
		case ch := <-p.pool:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			return p.open()
		}
	}
}

func (p *AMQPPublisher) giveBack(ch amqpChannel) {
	if ch == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || ch.IsClosed() {
		_ = ch.Close()
		return
	}
	select {
	case p.pool <- ch:
	default:
		_ = ch.Close()
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case ch := <-p.pool:
			_ = ch.Close()
		default:
			if p.conn != nil {
				return p.conn.Close()
			}
			return nil
		}
	}
}

// PublishAsync fires env without waiting, logging failures. Used from request paths.
func PublishAsync(log *slog.Logger, pub Publisher, env Envelope) {
	if pub == nil {
		return
	}
	if _, ok := pub.(Nop); ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, env); err != nil {
			log.Warn("event dropped", slog.String("type", env.Meta.Type), slog.Any("error", err))
		}
	}()
}
