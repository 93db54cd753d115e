package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
)

// Connection is an in-memory rabbitmq.Transport
type Connection struct {
	broker           *Broker
	closed           bool
	channels         []*Channel
	closeListeners   []chan *amqp.Error
	blockedListeners []chan amqp.Blocking
}

// Channel implements rabbitmq.Transport
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:  b,
		conn:    c,
		unacked: make(map[uint64]unacked),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// IsClosed implements rabbitmq.Transport
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Transport
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// NotifyClose implements rabbitmq.Transport
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
	} else {
		c.closeListeners = append(c.closeListeners, receiver)
	}
	return receiver
}

// NotifyBlocked implements rabbitmq.Transport
func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
	} else {
		c.blockedListeners = append(c.blockedListeners, receiver)
	}
	return receiver
}

func (c *Connection) shutdownLocked(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.closeLocked(err)
		}
	}
	for _, l := range c.closeListeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range c.blockedListeners {
		close(l)
	}
	c.closeListeners = nil
	c.blockedListeners = nil
}

type unacked struct {
	queue *queue
	msg   message
}

// Channel is an in-memory rabbitmq.Channel. It also acknowledges the
// deliveries it hands out.
type Channel struct {
	broker  *Broker
	conn    *Connection
	closed  bool
	confirm bool

	prefetch  int
	publishNo uint64
	nextTag   uint64
	unacked   map[uint64]unacked
	consumers []*consumer

	confirms []chan amqp.Confirmation
	returns  []chan amqp.Return
	closes   []chan *amqp.Error
}

// Prefetch returns the last prefetch count set with Qos
func (ch *Channel) Prefetch() int {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	want := exchange{kind: kind, durable: durable, autoDelete: autoDelete}
	if existing, ok := b.exchanges[name]; ok {
		if existing != want {
			return ch.failLocked(channelError(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name)))
		}
		return nil
	}
	b.exchanges[name] = want
	return nil
}

func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.failLocked(channelError(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", name)))
	}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}

	if existing, ok := b.queues[name]; ok {
		if existing.durable != durable || existing.autoDelete != autoDelete || existing.exclusive != exclusive {
			return amqp.Queue{}, ch.failLocked(channelError(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)))
		}
		return amqp.Queue{Name: name, Messages: len(existing.ready), Consumers: len(existing.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.failLocked(channelError(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(channelError(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name)))
	}

	bd := binding{exchange: exchangeName, key: key, queue: name}
	for _, existing := range b.bindings {
		if existing == bd {
			return nil
		}
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(confirm)
	} else {
		ch.confirms = append(ch.confirms, confirm)
	}
	return confirm
}

func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(c)
	} else {
		ch.returns = append(ch.returns, c)
	}
	return c
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(c)
	} else {
		ch.closes = append(ch.closes, c)
	}
	return c
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; exchangeName != "" && !ok {
		return ch.failLocked(channelError(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)))
	}

	ch.publishNo++
	b.published = append(b.published, Published{
		Exchange:   exchangeName,
		RoutingKey: key,
		Mandatory:  mandatory,
		Msg:        msg,
	})

	targets := b.routeLocked(exchangeName, key)
	if len(targets) == 0 && mandatory {
		ret := amqp.Return{
			ReplyCode:     amqp.NoRoute,
			ReplyText:     "NO_ROUTE",
			Exchange:      exchangeName,
			RoutingKey:    key,
			ContentType:   msg.ContentType,
			CorrelationId: msg.CorrelationId,
			MessageId:     msg.MessageId,
			Body:          msg.Body,
		}
		for _, l := range ch.returns {
			select {
			case l <- ret:
			default:
			}
		}
	}

	for _, q := range targets {
		b.enqueueLocked(q, message{exchange: exchangeName, key: key, msg: msg})
	}

	if ch.confirm {
		confirmation := amqp.Confirmation{DeliveryTag: ch.publishNo, Ack: !b.nackPublish}
		for _, l := range ch.confirms {
			select {
			case l <- confirmation:
			default:
			}
		}
	}
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(channelError(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)))
	}

	c := newConsumer(tag, ch, q)
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	ready := q.ready
	q.ready = nil
	for _, m := range ready {
		b.enqueueLocked(q, m)
	}

	return c.out, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for i, c := range ch.consumers {
		if c.tag == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			b.removeConsumerLocked(c)
			return nil
		}
	}
	return nil
}

func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := ch.unacked[tag]; !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)
	b.acked++
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, requeue)
}

func (ch *Channel) settle(tag uint64, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := ch.unacked[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(ch.unacked, tag)

	if requeue {
		u.msg.redelivered = true
		b.enqueueLocked(u.queue, u.msg)
		return nil
	}
	b.deadLettered = append(b.deadLettered, toDelivery(nil, "", tag, u.msg))
	return nil
}

// failLocked closes the channel the way the broker does on a channel error
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.closeLocked(err)
	return err
}

func (ch *Channel) closeLocked(err *amqp.Error) {
	ch.closed = true
	b := ch.broker

	for _, c := range ch.consumers {
		b.removeConsumerLocked(c)
	}
	ch.consumers = nil

	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		u.msg.redelivered = true
		b.enqueueLocked(u.queue, u.msg)
	}

	for _, l := range ch.closes {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range ch.confirms {
		close(l)
	}
	for _, l := range ch.returns {
		close(l)
	}
	ch.closes, ch.confirms, ch.returns = nil, nil, nil
}

func (ch *Channel) deliverLocked(c *consumer, q *queue, m message) {
	ch.nextTag++
	ch.unacked[ch.nextTag] = unacked{queue: q, msg: m}
	c.push(toDelivery(ch, c.tag, ch.nextTag, m))
}

func toDelivery(ack amqp.Acknowledger, tag string, deliveryTag uint64, m message) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:    ack,
		Headers:         m.msg.Headers,
		ContentType:     m.msg.ContentType,
		ContentEncoding: m.msg.ContentEncoding,
		DeliveryMode:    m.msg.DeliveryMode,
		Priority:        m.msg.Priority,
		CorrelationId:   m.msg.CorrelationId,
		ReplyTo:         m.msg.ReplyTo,
		Expiration:      m.msg.Expiration,
		MessageId:       m.msg.MessageId,
		Timestamp:       m.msg.Timestamp,
		Type:            m.msg.Type,
		UserId:          m.msg.UserId,
		AppId:           m.msg.AppId,
		ConsumerTag:     tag,
		DeliveryTag:     deliveryTag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            m.msg.Body,
	}
}

// consumer buffers deliveries so the broker never blocks on a slow reader
type consumer struct {
	tag   string
	ch    *Channel
	queue *queue

	mu       sync.Mutex
	buf      []amqp.Delivery
	signal   chan struct{}
	out      chan amqp.Delivery
	done     chan struct{}
	stopOnce sync.Once
}

func newConsumer(tag string, ch *Channel, q *queue) *consumer {
	c := &consumer{
		tag:    tag,
		ch:     ch,
		queue:  q,
		signal: make(chan struct{}, 1),
		out:    make(chan amqp.Delivery),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *consumer) push(d amqp.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *consumer) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *consumer) pump() {
	defer close(c.out)

	for {
		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.signal:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}

var (
	_ rabbitmq.Transport = (*Connection)(nil)
	_ rabbitmq.Channel   = (*Channel)(nil)
	_ amqp.Acknowledger  = (*Channel)(nil)
)
