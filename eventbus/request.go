package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/inarithefox/partsy-bus/contracts"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/serialization"
)

// SendRequest sends request and blocks until its correlated reply of type
// TResponse arrives. The wait ends with ErrReplyTimeout after the configured
// reply timeout, with ctx.Err() when ctx is done and with ErrBusClosed when
// the bus closes. A reply that cannot be decoded is dropped and the call
// keeps waiting.
func SendRequest[TResponse any](ctx context.Context, b *Bus, request contracts.Request) (TResponse, error) {
	var zero TResponse
	if request == nil {
		return zero, ErrNilMessage
	}
	if b.isClosed() {
		return zero, ErrBusClosed
	}

	requestType := serialization.TypeName(request)
	responseType := serialization.TypeNameOf[TResponse]()

	if err := b.ensureReplyQueue(ctx, responseType); err != nil {
		return zero, fmt.Errorf("eventbus: request %s: %w", requestType, err)
	}

	msg, err := b.newPublishing(request, requestType)
	if err != nil {
		return zero, err
	}
	msg.CorrelationId = request.GetID().String()
	msg.ReplyTo = responseType

	id := request.GetID()
	entry := b.pending.register(id, func(body []byte) (any, error) {
		var response TResponse
		if err := b.serializer.Deserialize(body, &response); err != nil {
			return nil, err
		}
		return response, nil
	})
	defer b.pending.release(id)

	start := time.Now()
	defer func() {
		b.metrics.ObserveReplyWait(time.Since(start))
	}()

	if err := b.publish(ctx, KindRequest, requestType, msg); err != nil {
		return zero, fmt.Errorf("eventbus: request %s: %w", requestType, err)
	}

	var timeout <-chan time.Time
	if b.settings.ReplyTimeout > 0 {
		timer := time.NewTimer(b.settings.ReplyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case value := <-entry.slot:
		response, _ := value.(TResponse)
		b.logger.Debug("reply received",
			"requestId", msg.CorrelationId,
			"requestType", requestType,
			"responseType", responseType,
			"elapsed", time.Since(start))
		return response, nil

	case <-timeout:
		b.logger.Warn("no reply received in time",
			"requestId", msg.CorrelationId,
			"requestType", requestType,
			"timeout", b.settings.ReplyTimeout)
		return zero, fmt.Errorf("%w: %s %s after %s", ErrReplyTimeout, requestType, msg.CorrelationId, b.settings.ReplyTimeout)

	case <-ctx.Done():
		return zero, ctx.Err()

	case <-b.closed:
		return zero, ErrBusClosed
	}
}

// PublishRequest is an alias of SendRequest
func PublishRequest[TResponse any](ctx context.Context, b *Bus, request contracts.Request) (TResponse, error) {
	return SendRequest[TResponse](ctx, b, request)
}

// ensureReplyQueue starts the reply consumer if needed and binds the reply
// queue under responseType
func (b *Bus) ensureReplyQueue(ctx context.Context, responseType string) error {
	b.replyMu.Lock()
	defer b.replyMu.Unlock()

	if b.reply == nil || stopped(b.reply) {
		if err := b.startReplyConsumer(ctx); err != nil {
			return err
		}
	}

	if _, ok := b.replyBindings[responseType]; ok {
		return nil
	}

	err := b.do(ctx, "bind reply queue", func(ch rabbitmq.Channel) error {
		return b.topology.BindQueue(ctx, ch, rabbitmq.Binding{
			Queue:      b.replyQueue,
			Exchange:   b.settings.Exchange,
			RoutingKey: responseType,
		})
	})
	if err != nil {
		return err
	}

	b.replyBindings[responseType] = struct{}{}
	return nil
}

// startReplyConsumer declares a fresh server-named reply queue, binds the
// known response types to it and consumes it. The caller holds replyMu.
func (b *Bus) startReplyConsumer(ctx context.Context) error {
	keys := make([]string, 0, len(b.replyBindings))
	for key := range b.replyBindings {
		keys = append(keys, key)
	}

	var queue string
	sub, err := b.consume(ctx, func(ch rabbitmq.Channel) (string, error) {
		q, err := b.topology.DeclareQueue(ctx, ch, rabbitmq.QueueDeclaration{
			Exclusive:  true,
			AutoDelete: true,
		})
		if err != nil {
			return "", err
		}

		// the broker names the queue, so bindings follow its declaration
		err = b.topology.DeclareTopology(ctx, ch, rabbitmq.Topology{Bindings: b.bindings(q.Name, keys)})
		if err != nil {
			return "", err
		}
		queue = q.Name
		return q.Name, nil
	}, b.handleReply)
	if err != nil {
		return err
	}

	b.reply = sub
	b.replyQueue = queue
	go b.supervise(sub)

	b.logger.Info("reply queue ready", "queue", queue, "responseTypes", len(keys))
	return nil
}
