package eventbus

import (
	"context"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// invoker decodes a delivery, runs one handler and returns the encoded
// response, nil when the handler produces none
type invoker func(ctx context.Context, delivery amqp.Delivery) ([]byte, error)

type registration struct {
	handlerType string
	queue       string
	invoke      invoker
}

// SubscriberRegistry maps request type names to the handler types subscribed
// to them. A handler type appears at most once per request type and a request
// type with no handlers left is removed.
type SubscriberRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
}

// NewSubscriberRegistry creates an empty registry
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{
		handlers: make(map[string][]registration),
	}
}

// queueOf returns the queue handlerType is consumed from for requestType
func (r *SubscriberRegistry) queueOf(requestType, handlerType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reg := range r.handlers[requestType] {
		if reg.handlerType == handlerType {
			return reg.queue, true
		}
	}
	return "", false
}

// add registers handlerType for requestType, consumed from queue, and
// reports whether it was new
func (r *SubscriberRegistry) add(requestType, handlerType, queue string, invoke invoker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.handlers[requestType] {
		if reg.handlerType == handlerType {
			return false
		}
	}
	r.handlers[requestType] = append(r.handlers[requestType], registration{
		handlerType: handlerType,
		queue:       queue,
		invoke:      invoke,
	})
	return true
}

// Remove drops handlerType from requestType and reports whether it was there
func (r *SubscriberRegistry) Remove(requestType, handlerType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs, ok := r.handlers[requestType]
	if !ok {
		return false
	}

	removed := false
	for i, reg := range regs {
		if reg.handlerType == handlerType {
			regs = append(regs[:i:i], regs[i+1:]...)
			removed = true
			break
		}
	}

	if len(regs) == 0 {
		delete(r.handlers, requestType)
	} else {
		r.handlers[requestType] = regs
	}
	return removed
}

// Handlers returns the handler type names subscribed to requestType
func (r *SubscriberRegistry) Handlers(requestType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[requestType]
	names := make([]string, 0, len(regs))
	for _, reg := range regs {
		names = append(names, reg.handlerType)
	}
	return names
}

// HasSubscriptions reports whether any handler is registered for requestType
func (r *SubscriberRegistry) HasSubscriptions(requestType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[requestType]
	return ok
}

// RequestTypes lists every request type with at least one handler
func (r *SubscriberRegistry) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// registrations returns the handlers of requestType consumed from queue.
// The result is a snapshot safe to use without the lock.
func (r *SubscriberRegistry) registrations(requestType, queue string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var regs []registration
	for _, reg := range r.handlers[requestType] {
		if reg.queue == queue {
			regs = append(regs, reg)
		}
	}
	return regs
}
