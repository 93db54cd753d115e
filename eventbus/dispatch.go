package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/inarithefox/partsy-bus/internal/metrics"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/internal/telemetry"
)

// dispatcher returns the delivery handler of a subscribed queue
func (b *Bus) dispatcher(queue string) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, delivery amqp.Delivery) {
		b.dispatch(ctx, queue, delivery)
	}
}

// dispatch runs every handler registered on queue for the routing key of
// delivery. The delivery is acked only when all of them succeed. A failure
// requeues a first delivery and rejects a redelivered one.
func (b *Bus) dispatch(ctx context.Context, queue string, delivery amqp.Delivery) {
	requestType := delivery.RoutingKey

	ctx = telemetry.ExtractHeaders(ctx, delivery.Headers)
	ctx, span := b.tracer.Start(ctx, requestType+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingOperationProcess,
			semconv.MessagingDestinationKey.String(queue),
			semconv.MessagingRabbitmqRoutingKeyKey.String(requestType),
			semconv.MessagingMessageIDKey.String(delivery.MessageId),
		))
	defer span.End()

	regs := b.registry.registrations(requestType, queue)
	if len(regs) == 0 {
		b.logger.Warn("no handlers registered, rejecting message",
			"queue", queue,
			"requestType", requestType,
			"requestId", delivery.MessageId)
		span.SetStatus(codes.Error, ErrNoHandlers.Error())
		b.settle(delivery, metrics.ResultRejected, delivery.Reject(false))
		return
	}

	var failed error
	for _, reg := range regs {
		response, err := reg.invoke(ctx, delivery)
		if err != nil {
			herr := &HandlerError{RequestType: requestType, HandlerType: reg.handlerType, Err: err}
			b.logger.Error("handler failed",
				"requestType", requestType,
				"handlerType", reg.handlerType,
				"requestId", delivery.MessageId,
				"error", err)
			failed = errors.Join(failed, herr)
			continue
		}

		if response == nil || delivery.ReplyTo == "" || delivery.CorrelationId == "" {
			continue
		}
		if err := b.sendReply(ctx, delivery, response); err != nil {
			if errors.Is(err, ErrUnroutable) {
				b.logger.Warn("reply has no route, dropping it",
					"replyTo", delivery.ReplyTo,
					"correlationId", delivery.CorrelationId)
				continue
			}
			failed = errors.Join(failed, err)
		}
	}

	if failed != nil {
		span.RecordError(failed)
		span.SetStatus(codes.Error, failed.Error())

		requeue := !delivery.Redelivered
		result := metrics.ResultRejected
		if requeue {
			result = metrics.ResultRequeued
		}
		b.settle(delivery, result, delivery.Nack(false, requeue))
		return
	}

	b.settle(delivery, metrics.ResultAcked, delivery.Ack(false))
}

func (b *Bus) settle(delivery amqp.Delivery, result string, err error) {
	if err != nil {
		b.logger.Error("failed to settle delivery",
			"result", result,
			"requestId", delivery.MessageId,
			"error", err)
		return
	}
	b.metrics.ObserveDelivery(result)
}

// sendReply publishes body under the reply address of delivery
func (b *Bus) sendReply(ctx context.Context, delivery amqp.Delivery, body []byte) error {
	msg := amqp.Publishing{
		ContentType:   b.serializer.ContentType(),
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: delivery.CorrelationId,
		Timestamp:     time.Now().UTC(),
		Type:          delivery.ReplyTo,
		Headers: amqp.Table{
			HeaderRequestType: delivery.ReplyTo,
		},
		Body: body,
	}
	return b.publish(ctx, KindReply, delivery.ReplyTo, msg)
}

// handleReply completes the pending call the delivery is correlated with.
// Replies nobody waits for are acked and dropped; undecodable replies are
// rejected and the call keeps waiting.
func (b *Bus) handleReply(ctx context.Context, delivery amqp.Delivery) {
	id, err := uuid.Parse(delivery.CorrelationId)
	var entry *pendingReply
	ok := false
	if err == nil {
		entry, ok = b.pending.lookup(id)
	}
	if !ok {
		b.logger.Debug("ignoring reply without pending request",
			"correlationId", delivery.CorrelationId,
			"replyType", delivery.RoutingKey)
		b.settle(delivery, metrics.ResultAcked, delivery.Ack(false))
		return
	}

	value, err := entry.decode(delivery.Body)
	if err != nil {
		b.logger.Error("failed to decode reply, dropping it",
			"correlationId", delivery.CorrelationId,
			"replyType", delivery.RoutingKey,
			"error", err)
		b.settle(delivery, metrics.ResultRejected, delivery.Reject(false))
		return
	}

	b.pending.fulfill(id, value)
	b.settle(delivery, metrics.ResultReply, delivery.Ack(false))
}
