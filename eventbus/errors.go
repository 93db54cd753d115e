package eventbus

import (
	"errors"
	"fmt"

	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/internal/reliability"
)

var (
	// ErrReplyTimeout is returned when no correlated reply arrives in time
	ErrReplyTimeout = errors.New("eventbus: timed out waiting for reply")
	// ErrBusClosed is returned by operations on, or waits interrupted by, a closed bus
	ErrBusClosed = errors.New("eventbus: bus closed")
	// ErrNoHandlers is recorded when a delivery has no registered handler
	ErrNoHandlers = errors.New("eventbus: no handlers registered")
	// ErrNilMessage is returned when sending a nil request or notification
	ErrNilMessage = errors.New("eventbus: message cannot be nil")
)

// Broker errors surfaced by bus operations
var (
	ErrNotConnected      = rabbitmq.ErrNotConnected
	ErrDisposed          = rabbitmq.ErrDisposed
	ErrBrokerUnreachable = rabbitmq.ErrBrokerUnreachable
	ErrUnroutable        = rabbitmq.ErrUnroutable
)

// ConnectionError reports a connection that could not be established
type ConnectionError = rabbitmq.ConnectionError

// PublishError reports a publish the broker did not accept
type PublishError = rabbitmq.PublishError

// HandlerError wraps the failure of a subscribed handler
type HandlerError struct {
	RequestType string
	HandlerType string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("eventbus: handler %s failed for %s: %v", e.HandlerType, e.RequestType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// retryable decides which publish failures the bus retries. Connection
// failures are not: the connection already retried them under the same policy.
func retryable(err error) bool {
	switch {
	case errors.Is(err, rabbitmq.ErrBrokerUnreachable),
		errors.Is(err, rabbitmq.ErrDisposed),
		errors.Is(err, rabbitmq.ErrUnroutable),
		errors.Is(err, ErrBusClosed):
		return false
	case errors.Is(err, rabbitmq.ErrNotConnected),
		errors.Is(err, rabbitmq.ErrChannelClosed),
		errors.Is(err, rabbitmq.ErrPublishTimeout),
		errors.Is(err, rabbitmq.ErrPublishNotConfirmed):
		return true
	}
	return reliability.IsTransient(err)
}
