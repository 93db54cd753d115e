package eventbus

import (
	"context"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inarithefox/partsy-bus/contracts"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/serialization"
)

// Subscribe binds queueName to the bus exchange under the type name of
// TRequest and registers handler for it. An empty queueName selects the
// default queue. Subscribing the same handler type twice is a no-op, also
// when the second call names another queue.
//
// Requests that carry a reply address are answered with the handler's
// response.
func Subscribe[TRequest contracts.Request, TResponse any](ctx context.Context, b *Bus, queueName string, handler contracts.RequestHandler[TRequest, TResponse]) error {
	return b.subscribe(ctx, queueName,
		serialization.TypeNameOf[TRequest](),
		serialization.TypeName(handler),
		requestInvoker(b, handler))
}

// SubscribeNotification registers handler for notifications of type
// TNotification published to queueName
func SubscribeNotification[TNotification contracts.Notification](ctx context.Context, b *Bus, queueName string, handler contracts.NotificationHandler[TNotification]) error {
	return b.subscribe(ctx, queueName,
		serialization.TypeNameOf[TNotification](),
		serialization.TypeName(handler),
		notificationInvoker(b, handler))
}

// Unsubscribe removes handler from the handlers of TRequest. The queue and
// its binding stay in place. It reports whether the handler was registered.
func Unsubscribe[TRequest contracts.Request, TResponse any](ctx context.Context, b *Bus, handler contracts.RequestHandler[TRequest, TResponse]) bool {
	return b.unsubscribe(ctx, serialization.TypeNameOf[TRequest](), serialization.TypeName(handler))
}

// UnsubscribeNotification removes handler from the handlers of TNotification
func UnsubscribeNotification[TNotification contracts.Notification](ctx context.Context, b *Bus, handler contracts.NotificationHandler[TNotification]) bool {
	return b.unsubscribe(ctx, serialization.TypeNameOf[TNotification](), serialization.TypeName(handler))
}

func (b *Bus) subscribe(ctx context.Context, queueName, requestType, handlerType string, invoke invoker) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	if queueName == "" {
		queueName = b.settings.DefaultQueue
	}

	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()

	if existing, ok := b.registry.queueOf(requestType, handlerType); ok {
		b.logger.InfoContext(ctx, "handler already subscribed",
			"queue", existing,
			"requestedQueue", queueName,
			"requestType", requestType,
			"handlerType", handlerType)
		return nil
	}

	state, ok := b.queues[queueName]
	if !ok {
		state = &queueState{keys: make(map[string]struct{})}
	}

	err := b.do(ctx, "subscribe", func(ch rabbitmq.Channel) error {
		return b.declareQueue(ctx, ch, queueName, []string{requestType})
	})
	if err != nil {
		return err
	}

	state.keys[requestType] = struct{}{}
	b.queues[queueName] = state
	b.registry.add(requestType, handlerType, queueName, invoke)

	if state.sub == nil || stopped(state.sub) {
		if err := b.startQueueConsumer(ctx, queueName, state); err != nil {
			b.registry.Remove(requestType, handlerType)
			return err
		}
	}

	b.logger.InfoContext(ctx, "subscribed",
		"queue", queueName,
		"requestType", requestType,
		"handlerType", handlerType)
	return nil
}

func (b *Bus) unsubscribe(ctx context.Context, requestType, handlerType string) bool {
	removed := b.registry.Remove(requestType, handlerType)
	b.logger.InfoContext(ctx, "unsubscribed",
		"requestType", requestType,
		"handlerType", handlerType,
		"removed", removed)
	return removed
}

// declareQueue declares a subscriber queue and binds it under keys. Rejected
// deliveries go to the dead letter exchange when one is configured.
func (b *Bus) declareQueue(ctx context.Context, ch rabbitmq.Channel, queue string, keys []string) error {
	declaration := rabbitmq.QueueDeclaration{
		Name:    queue,
		Durable: true,
	}
	if b.settings.DeadLetterExchange != "" {
		declaration.Arguments = rabbitmq.QueueWithDeadLetter(b.settings.DeadLetterExchange, queue)
	}

	return b.topology.DeclareTopology(ctx, ch, rabbitmq.Topology{
		Queues:   []rabbitmq.QueueDeclaration{declaration},
		Bindings: b.bindings(queue, keys),
	})
}

// bindings binds queue to the bus exchange once per routing key
func (b *Bus) bindings(queue string, keys []string) []rabbitmq.Binding {
	bindings := make([]rabbitmq.Binding, 0, len(keys))
	for _, key := range keys {
		bindings = append(bindings, rabbitmq.Binding{
			Queue:      queue,
			Exchange:   b.settings.Exchange,
			RoutingKey: key,
		})
	}
	return bindings
}

// startQueueConsumer starts the dispatch loop of a subscribed queue. The
// caller holds queuesMu.
func (b *Bus) startQueueConsumer(ctx context.Context, queue string, state *queueState) error {
	keys := make([]string, 0, len(state.keys))
	for key := range state.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sub, err := b.consume(ctx, func(ch rabbitmq.Channel) (string, error) {
		return queue, b.declareQueue(ctx, ch, queue, keys)
	}, b.dispatcher(queue))
	if err != nil {
		return err
	}

	state.sub = sub
	go b.supervise(sub)
	return nil
}

// consume opens a channel, lays out the queue named by declare on it and
// consumes that queue. The subscription owns the channel.
func (b *Bus) consume(ctx context.Context, declare func(ch rabbitmq.Channel) (string, error), handler rabbitmq.DeliveryHandler) (*rabbitmq.Subscription, error) {
	var sub *rabbitmq.Subscription

	err := b.retry(ctx, "consume", func() error {
		if err := b.ensureConnected(ctx); err != nil {
			return err
		}

		ch, err := b.conn.CreateChannel()
		if err != nil {
			return err
		}

		err = b.declareExchange(ctx, ch)
		var queue string
		if err == nil {
			queue, err = declare(ch)
		}
		if err == nil {
			sub, err = b.consumer.Consume(b.ctx, ch, queue, "", handler)
		}
		if err != nil {
			b.closeChannel(ch)
			return err
		}
		return nil
	})
	return sub, err
}

func requestInvoker[TRequest contracts.Request, TResponse any](b *Bus, handler contracts.RequestHandler[TRequest, TResponse]) invoker {
	return func(ctx context.Context, delivery amqp.Delivery) ([]byte, error) {
		var request TRequest
		if err := b.serializer.Deserialize(delivery.Body, &request); err != nil {
			return nil, err
		}

		response, err := handler.Handle(ctx, request)
		if err != nil {
			return nil, err
		}
		if any(response) == nil {
			return nil, nil
		}
		return b.serializer.Serialize(response)
	}
}

func notificationInvoker[TNotification contracts.Notification](b *Bus, handler contracts.NotificationHandler[TNotification]) invoker {
	return func(ctx context.Context, delivery amqp.Delivery) ([]byte, error) {
		var notification TNotification
		if err := b.serializer.Deserialize(delivery.Body, &notification); err != nil {
			return nil, err
		}
		return nil, handler.Handle(ctx, notification)
	}
}
