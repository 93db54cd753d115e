package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the bus relies on
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Transport is one physical broker session
type Transport interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
}

// Dialer opens a transport to the broker at url
type Dialer func(url string, cfg amqp.Config) (Transport, error)

// DialAMQP is the default Dialer backed by amqp.DialConfig
func DialAMQP(url string, cfg amqp.Config) (Transport, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpTransport{conn: conn}, nil
}

type amqpTransport struct {
	conn *amqp.Connection
}

func (t *amqpTransport) Channel() (Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t *amqpTransport) IsClosed() bool {
	return t.conn.IsClosed()
}

func (t *amqpTransport) Close() error {
	return t.conn.Close()
}

func (t *amqpTransport) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return t.conn.NotifyClose(receiver)
}

func (t *amqpTransport) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return t.conn.NotifyBlocked(receiver)
}

var (
	_ Channel   = (*amqp.Channel)(nil)
	_ Transport = (*amqpTransport)(nil)
)
