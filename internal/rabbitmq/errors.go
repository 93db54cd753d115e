package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Sentinels tested with errors.Is. Structured errors below wrap them.
var (
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrDisposed          = errors.New("rabbitmq: connection disposed")
	ErrBrokerUnreachable = errors.New("rabbitmq: broker unreachable")
	ErrConnectionClosed  = errors.New("rabbitmq: connection closed by broker")
	ErrConnectionBlocked = errors.New("rabbitmq: connection blocked by broker")
	ErrCallbackPanic     = errors.New("rabbitmq: delivery handler panicked")

	ErrChannelClosed = errors.New("rabbitmq: channel closed")

	ErrPublishTimeout      = errors.New("rabbitmq: no publisher confirm in time")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish nacked by broker")
	ErrUnroutable          = errors.New("rabbitmq: no queue bound for routing key")
)

// ConnectionError is returned when the broker session cannot be opened or
// closed. URL never carries the password. Attempts is zero for operations
// that are not retried.
type ConnectionError struct {
	Op        string
	URL       string
	Attempts  int
	Timestamp time.Time
	Err       error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("rabbitmq: %s %s", e.Op, e.URL)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" (%d attempts)", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError is returned when a channel cannot be opened on the session
type ChannelError struct {
	Op        string
	Timestamp time.Time
	Err       error
}

func (e *ChannelError) Error() string {
	return "rabbitmq: channel " + e.Op + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }

// PublishError describes a publish the broker did not accept
type PublishError struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Timestamp  time.Time
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to exchange %q with key %q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumerError describes a failure to start or cancel a consumer
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Timestamp   time.Time
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s consumer %q on %q: %v", e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// TopologyError describes a failed declaration. Component is one of
// exchange, queue or binding.
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Timestamp time.Time
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq: %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// SanitizeURL hides the password of a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
