// Package eventbus implements the partsy event bus on top of an AMQP broker.
//
// A Bus publishes requests and notifications to a single direct exchange,
// routed by the type name of the message. Request/response calls block until
// the correlated reply arrives on the bus reply queue:
//
//	bus := eventbus.New(conn, settings, eventbus.WithLogger(logger))
//	defer bus.Close()
//
//	resp, err := eventbus.SendRequest[PingResponse](ctx, bus, PingRequest{
//		BaseRequest: contracts.NewBaseRequest(),
//		Message:     "ping",
//	})
//
// Handlers are attached with Subscribe. Every subscribed queue runs one
// consumer that dispatches deliveries by routing key and answers requests
// carrying a reply address.
package eventbus
