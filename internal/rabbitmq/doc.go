// Package rabbitmq wraps amqp091-go for the event bus.
//
// This package includes:
//   - PersistentConnection: one broker session with serialized connect attempts
//     and automatic reconnection on faults
//   - TopologyManager: idempotent declaration of exchanges, queues and bindings
//   - Publisher: mandatory publishing in confirm mode
//   - Consumer: manual-ack delivery loops with panic recovery
//
// Channels are never shared. Every operation opens its own through
// PersistentConnection.CreateChannel and closes it when done.
package rabbitmq
