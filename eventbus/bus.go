package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/inarithefox/partsy-bus/config"
	"github.com/inarithefox/partsy-bus/contracts"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/internal/reliability"
	"github.com/inarithefox/partsy-bus/internal/telemetry"
	"github.com/inarithefox/partsy-bus/serialization"
)

// Headers set on every published message
const (
	HeaderRequestType = "x-request-type"
	HeaderCreatedAt   = "x-created-at"
)

// Publish kinds reported to Metrics
const (
	KindSend    = "send"
	KindPublish = "publish"
	KindRequest = "request"
	KindReply   = "reply"
)

// Connection is the broker session a bus works through
type Connection interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	CreateChannel() (rabbitmq.Channel, error)
	AddStateListener(listener rabbitmq.ConnectionStateListener)
	ReportFault(err error)
}

// Metrics receives publish, delivery and reply wait measurements
type Metrics interface {
	ObservePublish(kind string, err error)
	ObserveDelivery(result string)
	ObserveReplyWait(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObservePublish(string, error)   {}
func (nopMetrics) ObserveDelivery(string)         {}
func (nopMetrics) ObserveReplyWait(time.Duration) {}

// Bus sends, publishes and answers messages over one exchange. Each bus owns
// its registry, reply queue and consumers, so several buses can share a
// process.
type Bus struct {
	conn           Connection
	settings       config.BrokerSettings
	serializer     serialization.Serializer
	logger         *slog.Logger
	metrics        Metrics
	policy         reliability.RetryPolicy
	confirmTimeout time.Duration
	tracer         trace.Tracer

	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer

	registry *SubscriberRegistry
	pending  *pendingReplies

	queuesMu sync.Mutex
	queues   map[string]*queueState

	replyMu       sync.Mutex
	reply         *rabbitmq.Subscription
	replyQueue    string
	replyBindings map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// queueState is a subscribed queue: the keys bound to it and its consumer
type queueState struct {
	keys map[string]struct{}
	sub  *rabbitmq.Subscription
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithSerializer replaces the JSON serializer
func WithSerializer(serializer serialization.Serializer) Option {
	return func(b *Bus) {
		b.serializer = serializer
	}
}

// WithMetrics sets where measurements are reported
func WithMetrics(metrics Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithRetryPolicy sets the policy for transient publish failures
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(b *Bus) {
		b.policy = policy
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		b.confirmTimeout = timeout
	}
}

// New creates a bus on conn. Nothing is declared until the first operation.
func New(conn Connection, settings config.BrokerSettings, options ...Option) *Bus {
	b := &Bus{
		conn:          conn,
		settings:      settings,
		serializer:    serialization.NewJSONSerializer(),
		logger:        slog.Default(),
		metrics:       nopMetrics{},
		policy:        reliability.NewExponentialBackoff(settings.RetryCount),
		tracer:        telemetry.Tracer(),
		registry:      NewSubscriberRegistry(),
		pending:       newPendingReplies(),
		queues:        make(map[string]*queueState),
		replyBindings: make(map[string]struct{}),
		closed:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	b.topology = rabbitmq.NewTopologyManager(rabbitmq.WithTopologyLogger(b.logger))

	publisherOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(b.logger)}
	if b.confirmTimeout > 0 {
		publisherOpts = append(publisherOpts, rabbitmq.WithConfirmTimeout(b.confirmTimeout))
	}
	b.publisher = rabbitmq.NewPublisher(publisherOpts...)

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(b.logger),
		rabbitmq.WithFaultReporter(conn),
	}
	if settings.PrefetchCount > 0 {
		consumerOpts = append(consumerOpts, rabbitmq.WithPrefetchCount(settings.PrefetchCount))
	}
	b.consumer = rabbitmq.NewConsumer(consumerOpts...)

	b.ctx, b.cancel = context.WithCancel(context.Background())
	conn.AddStateListener(connectionListener{bus: b})

	return b
}

// Registry returns the subscriber registry of the bus
func (b *Bus) Registry() *SubscriberRegistry {
	return b.registry
}

// Send publishes request to the queues bound for its type and returns once
// the broker has confirmed it
func (b *Bus) Send(ctx context.Context, request contracts.Request) error {
	if request == nil {
		return ErrNilMessage
	}
	return b.sendMessage(ctx, KindSend, request)
}

// Publish delivers notification to every queue bound for its type
func (b *Bus) Publish(ctx context.Context, notification contracts.Notification) error {
	if notification == nil {
		return ErrNilMessage
	}
	return b.sendMessage(ctx, KindPublish, notification)
}

func (b *Bus) sendMessage(ctx context.Context, kind string, message contracts.Message) error {
	typeName := serialization.TypeName(message)

	msg, err := b.newPublishing(message, typeName)
	if err != nil {
		return err
	}

	if err := b.publish(ctx, kind, typeName, msg); err != nil {
		return fmt.Errorf("eventbus: %s %s: %w", kind, typeName, err)
	}

	b.logger.Debug("message published",
		"kind", kind,
		"requestId", msg.MessageId,
		"requestType", typeName)
	return nil
}

func (b *Bus) newPublishing(message contracts.Message, typeName string) (amqp.Publishing, error) {
	body, err := b.serializer.Serialize(message)
	if err != nil {
		return amqp.Publishing{}, err
	}

	return amqp.Publishing{
		ContentType:  b.serializer.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    message.GetID().String(),
		Timestamp:    time.Now().UTC(),
		Type:         typeName,
		Headers: amqp.Table{
			HeaderRequestType: typeName,
			HeaderCreatedAt:   message.GetCreatedAt().UTC().Format(time.RFC3339Nano),
		},
		Body: body,
	}, nil
}

// publish sends msg to the bus exchange, retrying transient failures
func (b *Bus) publish(ctx context.Context, kind, routingKey string, msg amqp.Publishing) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	ctx, span := b.tracer.Start(ctx, routingKey+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(b.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey),
			semconv.MessagingMessageIDKey.String(msg.MessageId),
			semconv.MessagingConversationIDKey.String(msg.CorrelationId),
		))
	defer span.End()

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	telemetry.InjectHeaders(ctx, headers)
	msg.Headers = headers

	err := b.do(ctx, kind, func(ch rabbitmq.Channel) error {
		return b.publisher.Publish(ctx, ch, b.settings.Exchange, routingKey, msg)
	})
	b.metrics.ObservePublish(kind, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// do runs fn on a fresh channel with the exchange declared, retrying
// transient failures. The channel is closed when fn returns.
func (b *Bus) do(ctx context.Context, op string, fn func(ch rabbitmq.Channel) error) error {
	return b.retry(ctx, op, func() error {
		if err := b.ensureConnected(ctx); err != nil {
			return err
		}

		ch, err := b.conn.CreateChannel()
		if err != nil {
			return err
		}
		defer b.closeChannel(ch)

		if err := b.declareExchange(ctx, ch); err != nil {
			return err
		}
		return fn(ch)
	})
}

func (b *Bus) retry(ctx context.Context, op string, fn func() error) error {
	return reliability.Retry(ctx, b.policy, retryable, func(err error, attempt int, delay time.Duration) {
		b.logger.Warn("bus operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}, fn)
}

func (b *Bus) ensureConnected(ctx context.Context) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if b.conn.IsConnected() {
		return nil
	}
	return b.conn.Connect(ctx)
}

func (b *Bus) declareExchange(ctx context.Context, ch rabbitmq.Channel) error {
	return b.topology.DeclareExchange(ctx, ch, rabbitmq.ExchangeDeclaration{
		Name:       b.settings.Exchange,
		Type:       amqp.ExchangeDirect,
		Durable:    b.settings.ExchangeDurable,
		AutoDelete: b.settings.ExchangeAutoDelete,
	})
}

func (b *Bus) closeChannel(ch rabbitmq.Channel) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil {
		b.logger.Debug("failed to close channel", "error", err)
	}
}

func (b *Bus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Close stops every consumer of the bus and fails outstanding request waits
// with ErrBusClosed. The connection is left open.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		// releases consumer restores blocked on the connection before the
		// locks below are taken
		b.cancel()

		b.queuesMu.Lock()
		for _, state := range b.queues {
			if state.sub != nil {
				err = errors.Join(err, state.sub.Stop())
			}
		}
		b.queuesMu.Unlock()

		b.replyMu.Lock()
		if b.reply != nil {
			err = errors.Join(err, b.reply.Stop())
		}
		b.replyMu.Unlock()

		b.logger.Info("event bus closed")
	})
	return err
}

// restore restarts consumers whose delivery loop ended while the bus is open
func (b *Bus) restore() {
	b.queuesMu.Lock()
	for queue, state := range b.queues {
		if b.isClosed() {
			break
		}
		if state.sub != nil && !stopped(state.sub) {
			continue
		}
		if err := b.startQueueConsumer(b.ctx, queue, state); err != nil {
			b.logger.Error("failed to restore consumer", "queue", queue, "error", err)
		}
	}
	b.queuesMu.Unlock()

	b.replyMu.Lock()
	defer b.replyMu.Unlock()
	if b.isClosed() || b.reply == nil || !stopped(b.reply) {
		return
	}
	if err := b.startReplyConsumer(b.ctx); err != nil {
		b.logger.Error("failed to restore reply queue", "error", err)
	}
}

// supervise restores the consumers once sub ends unexpectedly
func (b *Bus) supervise(sub *rabbitmq.Subscription) {
	select {
	case <-b.ctx.Done():
		return
	case <-sub.Done():
	}
	if b.isClosed() {
		return
	}
	b.logger.Warn("consumer stopped unexpectedly, restoring", "queue", sub.Queue)
	b.restore()
}

func stopped(sub *rabbitmq.Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

// connectionListener restores consumers after the connection comes back
type connectionListener struct {
	bus *Bus
}

func (l connectionListener) OnConnected() {
	if !l.bus.isClosed() {
		l.bus.restore()
	}
}

func (l connectionListener) OnDisconnected(error) {}

func (l connectionListener) OnReconnecting(int) {}
