package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery and settles it (ack, nack or reject)
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// FaultReporter receives failures raised inside delivery handlers
type FaultReporter interface {
	ReportFault(err error)
}

// Consumer starts delivery loops on caller-supplied channels
type Consumer struct {
	prefetchCount int
	logger        *slog.Logger
	faults        FaultReporter
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithFaultReporter sets where recovered handler panics are reported
func WithFaultReporter(reporter FaultReporter) ConsumerOption {
	return func(c *Consumer) {
		c.faults = reporter
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is a running delivery loop. It owns its channel.
type Subscription struct {
	Queue       string
	ConsumerTag string

	ch       Channel
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Done is closed once the delivery loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the consumer and waits for the loop to exit
func (s *Subscription) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if !s.ch.IsClosed() {
			if cancelErr := s.ch.Cancel(s.ConsumerTag, false); cancelErr != nil {
				err = &ConsumerError{
					Queue:       s.Queue,
					ConsumerTag: s.ConsumerTag,
					Op:          "cancel",
					Err:         cancelErr,
					Timestamp:   time.Now(),
				}
			}
		}
		s.cancel()
	})
	<-s.done
	return err
}

// Consume starts consuming queue on ch with manual acknowledgement. The loop
// runs until ctx is done, the subscription is stopped or the broker closes
// the delivery stream; ch is closed when it exits.
func (c *Consumer) Consume(ctx context.Context, ch Channel, queue, tag string, handler DeliveryHandler) (*Subscription, error) {
	if tag == "" {
		tag = fmt.Sprintf("partsy-%s-%s", queue, uuid.NewString())
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		ch:          ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go c.processMessages(loopCtx, sub, deliveries, handler)

	c.logger.Info("consuming queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		sub.cancel()
		if !sub.ch.IsClosed() {
			if err := sub.ch.Close(); err != nil {
				c.logger.Debug("failed to close consumer channel", "queue", sub.Queue, "error", err)
			}
		}
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}
			c.handleMessage(ctx, sub, delivery, handler)
		}
	}
}

// handleMessage runs handler, turning a panic into a nack and a callback fault
func (c *Consumer) handleMessage(ctx context.Context, sub *Subscription, delivery amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		err := fmt.Errorf("%w: %v", ErrCallbackPanic, r)
		c.logger.Error("delivery handler panicked",
			"error", err,
			"queue", sub.Queue,
			"messageId", delivery.MessageId)

		if nackErr := delivery.Nack(false, !delivery.Redelivered); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr, "originalError", err)
		}
		if c.faults != nil {
			c.faults.ReportFault(err)
		}
	}()

	handler(ctx, delivery)
}
