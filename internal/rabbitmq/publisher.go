package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes mandatory messages in confirm mode
type Publisher struct {
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg on ch and waits for the broker to confirm it. A message
// no queue is bound for comes back as ErrUnroutable; a broker nack as
// ErrPublishNotConfirmed.
func (p *Publisher) Publish(ctx context.Context, ch Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.Confirm(false); err != nil {
		return p.publishError(exchange, routingKey, fmt.Errorf("enable confirms: %w", err))
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		true,  // mandatory
		false, // immediate
		msg,
	); err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-confirms:
		if !ok {
			return p.publishError(exchange, routingKey, ErrChannelClosed)
		}
		// basic.return is always dispatched before the matching ack
		select {
		case ret := <-returns:
			return p.returned(exchange, routingKey, ret)
		default:
		}
		if !confirm.Ack {
			return p.publishError(exchange, routingKey, ErrPublishNotConfirmed)
		}
		return nil

	case ret := <-returns:
		return p.returned(exchange, routingKey, ret)

	case <-timer.C:
		return p.publishError(exchange, routingKey, ErrPublishTimeout)

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) returned(exchange, routingKey string, ret amqp.Return) error {
	p.logger.Warn("message returned by broker",
		"exchange", exchange,
		"routingKey", routingKey,
		"replyCode", ret.ReplyCode,
		"replyText", ret.ReplyText)
	return p.publishError(exchange, routingKey, fmt.Errorf("%w: %s", ErrUnroutable, ret.ReplyText))
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  true,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
