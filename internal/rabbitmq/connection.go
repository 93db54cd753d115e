package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"github.com/inarithefox/partsy-bus/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// FaultKind names the event that moved a connection out of the connected state
type FaultKind string

const (
	FaultShutdown FaultKind = "shutdown"
	FaultBlocked  FaultKind = "blocked"
	FaultCallback FaultKind = "callback"
)

// PersistentConnection keeps a single broker session alive. Connect attempts
// are serialized: concurrent callers share the outcome of the attempt in flight.
// Any fault reported while the connection is not disposed triggers a reconnect.
type PersistentConnection struct {
	url    string
	config amqp.Config
	dialer Dialer
	policy reliability.RetryPolicy
	logger *slog.Logger

	group     singleflight.Group
	connectMu sync.Mutex

	mu        sync.RWMutex
	transport Transport
	disposed  bool

	ctx    context.Context
	cancel context.CancelFunc

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the PersistentConnection
type ConnectionOption func(*PersistentConnection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *PersistentConnection) {
		c.logger = logger
	}
}

// WithDialer replaces the function used to open transports
func WithDialer(dialer Dialer) ConnectionOption {
	return func(c *PersistentConnection) {
		c.dialer = dialer
	}
}

// WithRetryPolicy overrides the backoff used between connect attempts
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(c *PersistentConnection) {
		c.policy = policy
	}
}

// WithAMQPConfig sets the amqp.Config passed to the dialer
func WithAMQPConfig(cfg amqp.Config) ConnectionOption {
	return func(c *PersistentConnection) {
		c.config = cfg
	}
}

// NewPersistentConnection creates a disconnected connection to url that
// retries connect attempts up to retryCount times.
func NewPersistentConnection(url string, retryCount int, options ...ConnectionOption) *PersistentConnection {
	c := &PersistentConnection{
		url:    url,
		dialer: DialAMQP,
		policy: reliability.NewExponentialBackoff(retryCount),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// IsConnected reports whether an open transport exists and the connection is
// not disposed
func (c *PersistentConnection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnectedLocked()
}

func (c *PersistentConnection) isConnectedLocked() bool {
	return !c.disposed && c.transport != nil && !c.transport.IsClosed()
}

// TryConnect connects if needed and reports whether the connection is live
func (c *PersistentConnection) TryConnect(ctx context.Context) bool {
	return c.Connect(ctx) == nil
}

// Connect is TryConnect returning the reason of a failure. Exhausted retries
// yield a *ConnectionError wrapping ErrBrokerUnreachable.
func (c *PersistentConnection) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	result := c.group.DoChan("connect", func() (interface{}, error) {
		return nil, c.connect()
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect runs one full connect attempt, retries included
func (c *PersistentConnection) connect() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	disposed := c.disposed
	connected := c.isConnectedLocked()
	c.mu.RUnlock()

	if disposed {
		return ErrDisposed
	}
	if connected {
		return nil
	}

	c.logger.Info("connecting to broker", "url", SanitizeURL(c.url))

	start := time.Now()
	attempts := 1
	var transport Transport
	err := reliability.Retry(c.ctx, c.policy, reliability.IsTransient,
		func(err error, attempt int, delay time.Duration) {
			attempts = attempt + 1
			c.logger.Warn("broker connection attempt failed",
				"error", err,
				"attempt", attempt,
				"retryIn", delay)
			c.notifyReconnecting(attempt)
		},
		func() error {
			t, err := c.dialer(c.url, c.config)
			if err != nil {
				return err
			}
			transport = t
			return nil
		})

	if err != nil {
		if c.ctx.Err() != nil {
			return ErrDisposed
		}

		connErr := &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       fmt.Errorf("%w: %w", ErrBrokerUnreachable, err),
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
		c.logger.Error("fatal: could not connect to broker",
			"error", err,
			"attempts", attempts,
			"duration", time.Since(start))
		c.notifyDisconnected(connErr)
		return connErr
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		closeTransport(transport, c.logger)
		return ErrDisposed
	}
	c.transport = transport
	c.mu.Unlock()

	closed := transport.NotifyClose(make(chan *amqp.Error, 1))
	blocked := transport.NotifyBlocked(make(chan amqp.Blocking, 1))
	go c.watch(transport, closed, blocked)

	c.logger.Info("connected to broker",
		"url", SanitizeURL(c.url),
		"attempts", attempts,
		"duration", time.Since(start))
	c.notifyConnected()

	return nil
}

// watch forwards fault events of transport until it goes away
func (c *PersistentConnection) watch(transport Transport, closed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case amqpErr, ok := <-closed:
			var err error = ErrConnectionClosed
			if ok && amqpErr != nil {
				err = amqpErr
			}
			c.onTransportFault(transport, FaultShutdown, err)
			return

		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				c.onTransportFault(transport, FaultBlocked, fmt.Errorf("%w: %s", ErrConnectionBlocked, b.Reason))
			} else {
				c.logger.Info("broker connection unblocked")
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ReportFault reports a failure raised inside a consumer callback
func (c *PersistentConnection) ReportFault(err error) {
	c.mu.RLock()
	transport := c.transport
	c.mu.RUnlock()

	c.onTransportFault(transport, FaultCallback, err)
}

// onTransportFault is the single transition taken on every fault event
func (c *PersistentConnection) onTransportFault(transport Transport, kind FaultKind, err error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	if transport != nil && c.transport == transport && transport.IsClosed() {
		c.transport = nil
	}
	connected := c.isConnectedLocked()
	c.mu.Unlock()

	c.logger.Warn("broker connection fault, trying to reconnect",
		"kind", string(kind),
		"error", err)

	if !connected {
		c.notifyDisconnected(err)
	}

	go c.TryConnect(c.ctx)
}

// CreateChannel opens a channel owned by the caller, who must close it
func (c *PersistentConnection) CreateChannel() (Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.disposed {
		return nil, ErrDisposed
	}
	if !c.isConnectedLocked() {
		return nil, ErrNotConnected
	}

	ch, err := c.transport.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Close disposes the connection; it is safe to call more than once
func (c *PersistentConnection) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.cancel()
	transport := c.transport
	c.transport = nil
	c.mu.Unlock()

	c.logger.Info("broker connection disposed")

	if transport == nil {
		return nil
	}
	if err := closeTransport(transport, c.logger); err != nil {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func closeTransport(transport Transport, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while closing transport", "panic", r)
			err = fmt.Errorf("close transport: %v", r)
		}
	}()

	if transport.IsClosed() {
		return nil
	}
	return transport.Close()
}

// AddStateListener adds a connection state listener
func (c *PersistentConnection) AddStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.stateListeners = append(c.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (c *PersistentConnection) RemoveStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.stateListeners {
		if l == listener {
			c.stateListeners = append(c.stateListeners[:i], c.stateListeners[i+1:]...)
			break
		}
	}
}

func (c *PersistentConnection) notifyConnected() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		go listener.OnConnected()
	}
}

func (c *PersistentConnection) notifyDisconnected(err error) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (c *PersistentConnection) notifyReconnecting(attempt int) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
