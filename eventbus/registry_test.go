package eventbus

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func noopInvoker(context.Context, amqp.Delivery) ([]byte, error) {
	return nil, nil
}

func TestSubscriberRegistry(t *testing.T) {
	t.Run("a handler type is registered once per request type", func(t *testing.T) {
		r := NewSubscriberRegistry()

		assert.True(t, r.add("PingRequest", "echoHandler", "default_queue", noopInvoker))
		assert.False(t, r.add("PingRequest", "echoHandler", "default_queue", noopInvoker))

		assert.Equal(t, []string{"echoHandler"}, r.Handlers("PingRequest"))
	})

	t.Run("several handler types per request type", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("PingRequest", "echoHandler", "default_queue", noopInvoker)
		r.add("PingRequest", "auditHandler", "default_queue", noopInvoker)
		r.add("OrderPlaced", "auditHandler", "default_queue", noopInvoker)

		assert.Equal(t, []string{"echoHandler", "auditHandler"}, r.Handlers("PingRequest"))
		assert.Equal(t, []string{"OrderPlaced", "PingRequest"}, r.RequestTypes())
	})

	t.Run("removing the last handler drops the request type", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("PingRequest", "echoHandler", "default_queue", noopInvoker)
		r.add("PingRequest", "echoHandler", "default_queue", noopInvoker)

		assert.True(t, r.Remove("PingRequest", "echoHandler"))

		assert.False(t, r.HasSubscriptions("PingRequest"))
		assert.Empty(t, r.Handlers("PingRequest"))
		assert.Empty(t, r.RequestTypes())
	})

	t.Run("removing one of two handlers keeps the other", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("PingRequest", "echoHandler", "default_queue", noopInvoker)
		r.add("PingRequest", "auditHandler", "default_queue", noopInvoker)

		assert.True(t, r.Remove("PingRequest", "echoHandler"))
		assert.Equal(t, []string{"auditHandler"}, r.Handlers("PingRequest"))
	})

	t.Run("removing an unknown handler", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("PingRequest", "echoHandler", "default_queue", noopInvoker)

		assert.False(t, r.Remove("PingRequest", "auditHandler"))
		assert.False(t, r.Remove("OrderPlaced", "echoHandler"))
		assert.True(t, r.HasSubscriptions("PingRequest"))
	})

	t.Run("registrations are a snapshot", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("PingRequest", "echoHandler", "default_queue", noopInvoker)

		regs := r.registrations("PingRequest", "default_queue")
		r.Remove("PingRequest", "echoHandler")

		assert.Len(t, regs, 1)
		assert.Equal(t, "echoHandler", regs[0].handlerType)
	})

	t.Run("registrations are filtered by queue", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("OrderPlaced", "billingHandler", "billing", noopInvoker)
		r.add("OrderPlaced", "shippingHandler", "shipping", noopInvoker)

		regs := r.registrations("OrderPlaced", "billing")
		assert.Len(t, regs, 1)
		assert.Equal(t, "billingHandler", regs[0].handlerType)
		assert.Empty(t, r.registrations("OrderPlaced", "default_queue"))
	})

	t.Run("a handler keeps the queue it was first registered on", func(t *testing.T) {
		r := NewSubscriberRegistry()
		r.add("PingRequest", "echoHandler", "alpha", noopInvoker)
		r.add("PingRequest", "echoHandler", "beta", noopInvoker)

		queue, ok := r.queueOf("PingRequest", "echoHandler")
		assert.True(t, ok)
		assert.Equal(t, "alpha", queue)

		_, ok = r.queueOf("PingRequest", "auditHandler")
		assert.False(t, ok)
	})
}
