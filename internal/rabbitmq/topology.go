package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings on a caller-owned
// channel. Every declaration is idempotent on the broker side.
type TopologyManager struct {
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// DeclareTopology declares exchanges first, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(ctx, ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := tm.DeclareQueue(ctx, ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(ctx, ch, binding); err != nil {
			return err
		}
	}

	return nil
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, ch Channel, exchange ExchangeDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := exchange.Type
	if kind == "" {
		kind = amqp.ExchangeDirect
	}

	err := ch.ExchangeDeclare(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}

	tm.logger.Debug("exchange declared", "exchange", exchange.Name, "type", kind)
	return nil
}

// DeclareQueue declares a single queue. An empty name lets the broker pick
// one; the returned amqp.Queue carries it.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	if err := ctx.Err(); err != nil {
		return amqp.Queue{}, err
	}

	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, topologyError("queue", queue.Name, "declare", err)
	}

	tm.logger.Debug("queue declared", "queue", q.Name)
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, ch Channel, binding Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange+":"+binding.RoutingKey, "bind", err)
	}

	tm.logger.Debug("queue bound",
		"queue", binding.Queue,
		"exchange", binding.Exchange,
		"routingKey", binding.RoutingKey)
	return nil
}

// CheckExchange verifies an exchange exists without creating it. The broker
// closes ch when the check fails.
func (tm *TopologyManager) CheckExchange(ctx context.Context, ch Channel, exchange ExchangeDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	kind := exchange.Type
	if kind == "" {
		kind = amqp.ExchangeDirect
	}

	err := ch.ExchangeDeclarePassive(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		false,
		false,
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "check", err)
	}
	return nil
}

// QueueWithDeadLetter returns queue arguments routing rejected messages to
// the given dead letter exchange
func QueueWithDeadLetter(exchange, routingKey string) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange": exchange,
	}
	if routingKey != "" {
		args["x-dead-letter-routing-key"] = routingKey
	}
	return args
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
