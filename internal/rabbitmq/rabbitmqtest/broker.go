// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Transport and rabbitmq.Channel interfaces for tests.
package rabbitmqtest

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
)

// Published records one accepted publish
type Published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
	ready      []message
	consumers  []*consumer
	next       int
}

type message struct {
	exchange    string
	key         string
	msg         amqp.Publishing
	redelivered bool
}

type binding struct {
	exchange string
	key      string
	queue    string
}

// Broker is a single-node in-memory broker. The zero value is not usable;
// call NewBroker.
type Broker struct {
	mu           sync.Mutex
	exchanges    map[string]exchange
	queues       map[string]*queue
	bindings     []binding
	conns        []*Connection
	published    []Published
	deadLettered []amqp.Delivery
	acked        int
	generated    int
	nackPublish  bool

	dials     int32
	dialErr   error
	dialGate  chan struct{}
	dialDelay time.Duration
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Transport, error) {
	atomic.AddInt32(&b.dials, 1)

	b.mu.Lock()
	gate := b.dialGate
	delay := b.dialDelay
	dialErr := b.dialErr
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if dialErr != nil {
		return nil, dialErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Dials returns how many times Dial was called
func (b *Broker) Dials() int {
	return int(atomic.LoadInt32(&b.dials))
}

// SetUnreachable makes every following dial fail with a refused connection
func (b *Broker) SetUnreachable(unreachable bool) {
	if unreachable {
		b.SetDialError(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
		return
	}
	b.SetDialError(nil)
}

// SetDialError makes every following dial fail with err
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetDialGate blocks dials until gate is closed
func (b *Broker) SetDialGate(gate chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialGate = gate
}

// SetDialDelay slows every dial down by d
func (b *Broker) SetDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

// SetNackPublishes makes the broker nack every confirmed publish
func (b *Broker) SetNackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublish = nack
}

// DropConnections closes every live connection with a server error
func (b *Broker) DropConnections(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := &amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true, Recover: true}
	for _, conn := range b.conns {
		if !conn.closed {
			conn.shutdownLocked(err)
		}
	}
}

// BlockConnections sends a blocked notification to every live connection
func (b *Broker) BlockConnections(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conn := range b.conns {
		if conn.closed {
			continue
		}
		for _, l := range conn.blockedListeners {
			select {
			case l <- amqp.Blocking{Active: true, Reason: reason}:
			default:
			}
		}
	}
}

// OpenConnections counts connections that are not closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		if !conn.closed {
			n++
		}
	}
	return n
}

// HasExchange reports whether name was declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether name was declared
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArguments returns the arguments queue was declared with
func (b *Broker) QueueArguments(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// BindingKeys returns the routing keys queue is bound under on exchange
func (b *Broker) BindingKeys(exchange, queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for _, bd := range b.bindings {
		if bd.exchange == exchange && bd.queue == queue {
			keys = append(keys, bd.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ConsumerCount returns the number of consumers on queue
func (b *Broker) ConsumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(q.consumers)
}

// Published returns every accepted publish in order
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// DeadLettered returns deliveries that were rejected without requeue
func (b *Broker) DeadLettered() []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Delivery(nil), b.deadLettered...)
}

// Acked returns the number of acknowledged deliveries
func (b *Broker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Inject routes msg as if it had been published by another client
func (b *Broker) Inject(exchange, key string, msg amqp.Publishing) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	targets := b.routeLocked(exchange, key)
	for _, q := range targets {
		b.enqueueLocked(q, message{exchange: exchange, key: key, msg: msg})
	}
	return len(targets)
}

// Snapshot renders exchanges, queues and bindings in a stable form
func (b *Broker) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lines []string
	for name, ex := range b.exchanges {
		lines = append(lines, fmt.Sprintf("exchange %s %s durable=%v autoDelete=%v", name, ex.kind, ex.durable, ex.autoDelete))
	}
	for name, q := range b.queues {
		lines = append(lines, fmt.Sprintf("queue %s durable=%v autoDelete=%v exclusive=%v", name, q.durable, q.autoDelete, q.exclusive))
	}
	for _, bd := range b.bindings {
		lines = append(lines, fmt.Sprintf("binding %s %s %s", bd.exchange, bd.key, bd.queue))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (b *Broker) routeLocked(exchangeName, key string) []*queue {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	ex := b.exchanges[exchangeName]
	seen := make(map[string]bool)
	var targets []*queue
	for _, bd := range b.bindings {
		if bd.exchange != exchangeName || seen[bd.queue] {
			continue
		}
		if ex.kind != amqp.ExchangeFanout && bd.key != key {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			targets = append(targets, q)
		}
	}
	return targets
}

func (b *Broker) enqueueLocked(q *queue, m message) {
	if len(q.consumers) == 0 {
		q.ready = append(q.ready, m)
		return
	}

	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	c.ch.deliverLocked(c, q, m)
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	c.stop()
}

func channelError(code int, reason string) *amqp.Error {
	return &amqp.Error{Code: code, Reason: reason, Server: true}
}
