// Package contracts provides the request and handler contracts that flow through the
// partsy event bus.
//
// This package defines:
//   - Request: a message sent to exactly one queue, optionally answered with a response
//   - Notification: a message published to every subscriber of its type
//   - StreamRequest: a request answered with a sequence of responses
//   - RequestHandler / NotificationHandler: the handler side of those contracts
//
// Every message embeds BaseRequest, which carries the identifier used to correlate
// replies and the time the message was created.
package contracts
