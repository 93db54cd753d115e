package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inarithefox/partsy-bus/config"
	"github.com/inarithefox/partsy-bus/contracts"
	"github.com/inarithefox/partsy-bus/internal/metrics"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq"
	"github.com/inarithefox/partsy-bus/internal/rabbitmq/rabbitmqtest"
	"github.com/inarithefox/partsy-bus/internal/reliability"
)

type PingRequest struct {
	contracts.BaseRequest
	Message string `json:"message"`
}

type PingResponse struct {
	Handled bool   `json:"handled"`
	Echo    string `json:"echo"`
}

type OrderPlaced struct {
	contracts.BaseRequest
	OrderID string `json:"orderId"`
}

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req PingRequest) (PingResponse, error) {
	return PingResponse{Handled: true, Echo: req.Message}, nil
}

type countingHandler struct {
	calls *int32
	fail  func(call int32) error
}

func (h countingHandler) Handle(_ context.Context, req PingRequest) (contracts.Unit, error) {
	call := atomic.AddInt32(h.calls, 1)
	if h.fail != nil {
		if err := h.fail(call); err != nil {
			return contracts.Unit{}, err
		}
	}
	return contracts.Unit{}, nil
}

type billingHandler struct {
	seen chan string
}

func (h billingHandler) Handle(_ context.Context, n OrderPlaced) error {
	h.seen <- "billing:" + n.OrderID
	return nil
}

type shippingHandler struct {
	seen chan string
}

func (h shippingHandler) Handle(_ context.Context, n OrderPlaced) error {
	h.seen <- "shipping:" + n.OrderID
	return nil
}

type recordingMetrics struct {
	mu         sync.Mutex
	published  map[string]int
	deliveries map[string]int
	waits      int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		published:  make(map[string]int),
		deliveries: make(map[string]int),
	}
}

func (m *recordingMetrics) ObservePublish(kind string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		kind += ":error"
	}
	m.published[kind]++
}

func (m *recordingMetrics) ObserveDelivery(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[result]++
}

func (m *recordingMetrics) ObserveReplyWait(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
}

func (m *recordingMetrics) delivered(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[result]
}

func (m *recordingMetrics) publishes(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[kind]
}

func testSettings() config.BrokerSettings {
	settings := config.DefaultBrokerSettings()
	settings.RetryCount = 2
	settings.ReplyTimeout = 2 * time.Second
	return settings
}

func fastPolicy(retryCount int) reliability.RetryPolicy {
	return reliability.NewExponentialBackoff(retryCount, reliability.WithUnit(time.Millisecond))
}

func newTestBus(t *testing.T, broker *rabbitmqtest.Broker, settings config.BrokerSettings, options ...Option) (*Bus, *rabbitmq.PersistentConnection) {
	t.Helper()

	policy := fastPolicy(settings.RetryCount)
	conn := rabbitmq.NewPersistentConnection(settings.URL(), settings.RetryCount,
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithRetryPolicy(policy),
	)
	bus := New(conn, settings, append([]Option{WithRetryPolicy(policy)}, options...)...)

	t.Cleanup(func() {
		_ = bus.Close()
		_ = conn.Close()
	})
	return bus, conn
}

// bindSink binds a queue nobody consumes so publishes under keys are routable
func bindSink(t *testing.T, broker *rabbitmqtest.Broker, settings config.BrokerSettings, keys ...string) {
	t.Helper()

	transport, err := broker.Dial(settings.URL(), amqp.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	ch, err := transport.Channel()
	require.NoError(t, err)

	topology := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{{
			Name:       settings.Exchange,
			Type:       amqp.ExchangeDirect,
			Durable:    settings.ExchangeDurable,
			AutoDelete: settings.ExchangeAutoDelete,
		}},
		Queues: []rabbitmq.QueueDeclaration{{Name: "sink", Durable: true}},
	}
	for _, key := range keys {
		topology.Bindings = append(topology.Bindings, rabbitmq.Binding{Queue: "sink", Exchange: settings.Exchange, RoutingKey: key})
	}
	require.NoError(t, rabbitmq.NewTopologyManager().DeclareTopology(context.Background(), ch, topology))
}

func newPing(message string) PingRequest {
	return PingRequest{BaseRequest: contracts.NewBaseRequest(), Message: message}
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes a persistent mandatory message routed by type name", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		bus, _ := newTestBus(t, broker, settings)
		bindSink(t, broker, settings, "PingRequest")

		req := newPing("hello")
		require.NoError(t, bus.Send(ctx, req))

		published := broker.Published()
		require.Len(t, published, 1)
		p := published[0]
		assert.Equal(t, settings.Exchange, p.Exchange)
		assert.Equal(t, "PingRequest", p.RoutingKey)
		assert.True(t, p.Mandatory)
		assert.Equal(t, amqp.Persistent, p.Msg.DeliveryMode)
		assert.Equal(t, "application/json", p.Msg.ContentType)
		assert.Equal(t, req.ID.String(), p.Msg.MessageId)
		assert.Equal(t, "PingRequest", p.Msg.Headers[HeaderRequestType])
		assert.Contains(t, string(p.Msg.Body), `"message":"hello"`)

		assert.Contains(t, broker.Snapshot(), "exchange partsy_event_bus direct durable=true autoDelete=true")
	})

	t.Run("connects on first use only", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		bus, conn := newTestBus(t, broker, settings)
		bindSink(t, broker, settings, "PingRequest")
		dials := broker.Dials()

		assert.False(t, conn.IsConnected())
		require.NoError(t, bus.Send(ctx, newPing("one")))
		require.NoError(t, bus.Send(ctx, newPing("two")))

		assert.True(t, conn.IsConnected())
		assert.Equal(t, dials+1, broker.Dials())
	})

	t.Run("unroutable request fails without retry", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newRecordingMetrics()
		bus, _ := newTestBus(t, broker, testSettings(), WithMetrics(m))

		err := bus.Send(ctx, newPing("nobody listens"))

		assert.ErrorIs(t, err, ErrUnroutable)
		assert.Len(t, broker.Published(), 1)
		assert.Equal(t, 1, m.publishes(KindSend+":error"))
	})

	t.Run("unreachable broker fails with a connectivity error after retries", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetUnreachable(true)
		bus, conn := newTestBus(t, broker, testSettings())

		start := time.Now()
		err := bus.Send(ctx, newPing("lost"))
		elapsed := time.Since(start)

		require.Error(t, err)
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.ErrorIs(t, err, ErrBrokerUnreachable)
		assert.Equal(t, 3, broker.Dials())
		assert.GreaterOrEqual(t, elapsed, 6*time.Millisecond)
		assert.Less(t, elapsed, 5*time.Second)
		assert.False(t, conn.IsConnected())
	})

	t.Run("nil request", func(t *testing.T) {
		bus, _ := newTestBus(t, rabbitmqtest.NewBroker(), testSettings())

		assert.ErrorIs(t, bus.Send(ctx, nil), ErrNilMessage)
		assert.ErrorIs(t, bus.Publish(ctx, nil), ErrNilMessage)
	})

	t.Run("cancelled context", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		gate := make(chan struct{})
		defer close(gate)
		broker.SetDialGate(gate)
		bus, _ := newTestBus(t, broker, testSettings())

		cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := bus.Send(cancelled, newPing("late"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("send after close", func(t *testing.T) {
		bus, _ := newTestBus(t, rabbitmqtest.NewBroker(), testSettings())
		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())

		assert.ErrorIs(t, bus.Send(ctx, newPing("closed")), ErrBusClosed)
	})
}

func TestPublishNotification(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.NewBroker()
	bus, _ := newTestBus(t, broker, testSettings())

	seen := make(chan string, 2)
	require.NoError(t, SubscribeNotification[OrderPlaced](ctx, bus, "billing", billingHandler{seen: seen}))
	require.NoError(t, SubscribeNotification[OrderPlaced](ctx, bus, "shipping", shippingHandler{seen: seen}))

	require.NoError(t, bus.Publish(ctx, OrderPlaced{BaseRequest: contracts.NewBaseRequest(), OrderID: "o-1"}))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case s := <-seen:
			got = append(got, s)
		case <-time.After(time.Second):
			t.Fatal("notification not delivered to every queue")
		}
	}
	assert.ElementsMatch(t, []string{"billing:o-1", "shipping:o-1"}, got)
	assert.Eventually(t, func() bool { return broker.Acked() == 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, UnsubscribeNotification[OrderPlaced](ctx, bus, billingHandler{}))
	assert.Equal(t, []string{"shippingHandler"}, bus.Registry().Handlers("OrderPlaced"))
}

func TestSendRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newRecordingMetrics()
		bus, _ := newTestBus(t, broker, testSettings(), WithMetrics(m))
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		req := newPing("ping")
		resp, err := SendRequest[PingResponse](ctx, bus, req)
		require.NoError(t, err)

		assert.True(t, resp.Handled)
		assert.Equal(t, "ping", resp.Echo)
		assert.Equal(t, 0, bus.pending.len())

		var request rabbitmqtest.Published
		for _, p := range broker.Published() {
			if p.RoutingKey == "PingRequest" {
				request = p
			}
		}
		assert.Equal(t, req.ID.String(), request.Msg.CorrelationId)
		assert.Equal(t, "PingResponse", request.Msg.ReplyTo)

		assert.Eventually(t, func() bool {
			return m.delivered(metrics.ResultAcked) == 1 && m.delivered(metrics.ResultReply) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, m.publishes(KindRequest))
		assert.Equal(t, 1, m.publishes(KindReply))
	})

	t.Run("PublishRequest round trip", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		bus, _ := newTestBus(t, broker, testSettings())
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		resp, err := PublishRequest[PingResponse](ctx, bus, newPing("again"))
		require.NoError(t, err)
		assert.True(t, resp.Handled)
	})

	t.Run("concurrent requests get their own replies", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		bus, _ := newTestBus(t, broker, testSettings())
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		const callers = 8
		var wg sync.WaitGroup
		echoes := make([]string, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				resp, err := SendRequest[PingResponse](ctx, bus, newPing(string(rune('a'+i))))
				echoes[i], errs[i] = resp.Echo, err
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, string(rune('a'+i)), echoes[i])
		}
		assert.Equal(t, 0, bus.pending.len())
	})

	t.Run("undecodable reply is dropped and the call times out", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		settings.ReplyTimeout = 100 * time.Millisecond
		bus, _ := newTestBus(t, broker, settings)
		bindSink(t, broker, settings, "PingRequest")

		req := newPing("garbled")
		done := make(chan error, 1)
		go func() {
			_, err := SendRequest[PingResponse](ctx, bus, req)
			done <- err
		}()

		require.Eventually(t, func() bool { return bus.pending.len() == 1 }, time.Second, time.Millisecond)
		routed := broker.Inject(settings.Exchange, "PingResponse", amqp.Publishing{
			CorrelationId: req.ID.String(),
			Body:          []byte("not json"),
		})
		require.Equal(t, 1, routed)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrReplyTimeout)
		case <-time.After(time.Second):
			t.Fatal("request did not time out")
		}

		require.Len(t, broker.DeadLettered(), 1)
		assert.Equal(t, "not json", string(broker.DeadLettered()[0].Body))
		assert.Equal(t, 0, bus.pending.len())
	})

	t.Run("replies nobody waits for are acked", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		bus, _ := newTestBus(t, broker, testSettings())
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))
		_, err := SendRequest[PingResponse](ctx, bus, newPing("warm up"))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return broker.Acked() == 2 }, time.Second, 5*time.Millisecond)
		acked := broker.Acked()

		broker.Inject(testSettings().Exchange, "PingResponse", amqp.Publishing{
			CorrelationId: contracts.NewBaseRequest().ID.String(),
			Body:          []byte(`{"handled":true}`),
		})

		assert.Eventually(t, func() bool { return broker.Acked() == acked+1 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, broker.DeadLettered())
	})

	t.Run("context cancellation releases the pending reply", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		settings.ReplyTimeout = 0
		bus, _ := newTestBus(t, broker, settings)
		bindSink(t, broker, settings, "PingRequest")

		cancelled, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err := SendRequest[PingResponse](cancelled, bus, newPing("slow"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, bus.pending.len())
	})

	t.Run("closing the bus fails waiting calls", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		bus, _ := newTestBus(t, broker, testSettings())
		bindSink(t, broker, testSettings(), "PingRequest")

		done := make(chan error, 1)
		go func() {
			_, err := SendRequest[PingResponse](ctx, bus, newPing("pending"))
			done <- err
		}()
		require.Eventually(t, func() bool { return bus.pending.len() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, bus.Close())

		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrBusClosed)
		case <-time.After(time.Second):
			t.Fatal("request still waiting after close")
		}

		_, err := SendRequest[PingResponse](ctx, bus, newPing("after"))
		assert.ErrorIs(t, err, ErrBusClosed)
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("declares and binds the default queue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		bus, _ := newTestBus(t, broker, settings)

		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		assert.True(t, broker.HasQueue(settings.DefaultQueue))
		assert.Equal(t, []string{"PingRequest"}, broker.BindingKeys(settings.Exchange, settings.DefaultQueue))
		assert.Equal(t, 1, broker.ConsumerCount(settings.DefaultQueue))
		assert.Equal(t, []string{"echoHandler"}, bus.Registry().Handlers("PingRequest"))
		assert.Empty(t, broker.QueueArguments(settings.DefaultQueue))
	})

	t.Run("subscriber queues dead letter to the configured exchange", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		settings.DeadLetterExchange = "partsy_dlx"
		bus, _ := newTestBus(t, broker, settings)

		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "billing", echoHandler{}))

		args := broker.QueueArguments("billing")
		assert.Equal(t, "partsy_dlx", args["x-dead-letter-exchange"])
		assert.Equal(t, "billing", args["x-dead-letter-routing-key"])
	})

	t.Run("subscribing twice keeps one entry and one consumer", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		bus, _ := newTestBus(t, broker, settings)

		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))
		before := broker.Snapshot()
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		assert.Equal(t, before, broker.Snapshot())
		assert.Equal(t, []string{"echoHandler"}, bus.Registry().Handlers("PingRequest"))
		assert.Equal(t, 1, broker.ConsumerCount(settings.DefaultQueue))
	})

	t.Run("same handler on a second queue is a no-op", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		bus, _ := newTestBus(t, broker, settings)

		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "alpha", echoHandler{}))
		before := broker.Snapshot()
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "beta", echoHandler{}))

		assert.Equal(t, before, broker.Snapshot())
		assert.False(t, broker.HasQueue("beta"))
		assert.Equal(t, []string{"echoHandler"}, bus.Registry().Handlers("PingRequest"))

		require.NoError(t, bus.Send(ctx, newPing("once")))

		assert.Eventually(t, func() bool { return broker.Acked() == 1 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, broker.DeadLettered())
	})

	t.Run("unsubscribe removes the entry but keeps the binding", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		m := newRecordingMetrics()
		bus, _ := newTestBus(t, broker, settings, WithMetrics(m))
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		assert.True(t, Unsubscribe[PingRequest, PingResponse](ctx, bus, echoHandler{}))
		assert.False(t, Unsubscribe[PingRequest, PingResponse](ctx, bus, echoHandler{}))

		assert.False(t, bus.Registry().HasSubscriptions("PingRequest"))
		assert.Equal(t, []string{"PingRequest"}, broker.BindingKeys(settings.Exchange, settings.DefaultQueue))

		// still routable, but nobody handles it any more
		require.NoError(t, bus.Send(ctx, newPing("orphan")))
		assert.Eventually(t, func() bool { return len(broker.DeadLettered()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, m.delivered(metrics.ResultRejected))
	})

	t.Run("failed handler requeues once then rejects", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		m := newRecordingMetrics()
		bus, _ := newTestBus(t, broker, testSettings(), WithMetrics(m))

		var calls int32
		handler := countingHandler{calls: &calls, fail: func(int32) error { return errors.New("database down") }}
		require.NoError(t, Subscribe[PingRequest, contracts.Unit](ctx, bus, "", handler))

		require.NoError(t, bus.Send(ctx, newPing("doomed")))

		assert.Eventually(t, func() bool { return len(broker.DeadLettered()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.Equal(t, 0, broker.Acked())
		assert.Equal(t, 1, m.delivered(metrics.ResultRequeued))
		assert.Equal(t, 1, m.delivered(metrics.ResultRejected))
	})

	t.Run("handler succeeding on redelivery is acked", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		bus, _ := newTestBus(t, broker, testSettings())

		var calls int32
		handler := countingHandler{calls: &calls, fail: func(call int32) error {
			if call == 1 {
				return errors.New("flaky")
			}
			return nil
		}}
		require.NoError(t, Subscribe[PingRequest, contracts.Unit](ctx, bus, "", handler))

		require.NoError(t, bus.Send(ctx, newPing("retry me")))

		assert.Eventually(t, func() bool { return broker.Acked() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.Empty(t, broker.DeadLettered())
	})

	t.Run("consumer is restored after the connection drops", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		bus, conn := newTestBus(t, broker, settings)
		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))
		_, err := SendRequest[PingResponse](ctx, bus, newPing("before"))
		require.NoError(t, err)

		broker.DropConnections("node restarting")

		require.Eventually(t, func() bool {
			return conn.IsConnected() && broker.ConsumerCount(settings.DefaultQueue) == 1
		}, 2*time.Second, 5*time.Millisecond)

		resp, err := SendRequest[PingResponse](ctx, bus, newPing("after"))
		require.NoError(t, err)
		assert.Equal(t, "after", resp.Echo)
	})

	t.Run("close does not wait for consumers being restored during an outage", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		settings := testSettings()
		settings.RetryCount = 5

		policy := reliability.NewExponentialBackoff(settings.RetryCount, reliability.WithUnit(100*time.Millisecond))
		conn := rabbitmq.NewPersistentConnection(settings.URL(), settings.RetryCount,
			rabbitmq.WithDialer(broker.Dial),
			rabbitmq.WithRetryPolicy(policy),
		)
		t.Cleanup(func() { _ = conn.Close() })
		bus := New(conn, settings, WithRetryPolicy(policy))

		require.NoError(t, Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{}))

		broker.SetUnreachable(true)
		broker.DropConnections("node down")
		time.Sleep(300 * time.Millisecond)

		start := time.Now()
		_ = bus.Close()
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("subscribe after close", func(t *testing.T) {
		bus, _ := newTestBus(t, rabbitmqtest.NewBroker(), testSettings())
		require.NoError(t, bus.Close())

		err := Subscribe[PingRequest, PingResponse](ctx, bus, "", echoHandler{})
		assert.ErrorIs(t, err, ErrBusClosed)
	})
}
