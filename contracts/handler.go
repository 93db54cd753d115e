package contracts

import "context"

// RequestHandler handles a request and produces its response
type RequestHandler[TRequest Request, TResponse any] interface {
	Handle(ctx context.Context, request TRequest) (TResponse, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc[TRequest Request, TResponse any] func(ctx context.Context, request TRequest) (TResponse, error)

// Handle implements RequestHandler
func (f RequestHandlerFunc[TRequest, TResponse]) Handle(ctx context.Context, request TRequest) (TResponse, error) {
	return f(ctx, request)
}

// NotificationHandler handles a published notification
type NotificationHandler[TNotification Notification] interface {
	Handle(ctx context.Context, notification TNotification) error
}

// NotificationHandlerFunc is a function adapter for NotificationHandler
type NotificationHandlerFunc[TNotification Notification] func(ctx context.Context, notification TNotification) error

// Handle implements NotificationHandler
func (f NotificationHandlerFunc[TNotification]) Handle(ctx context.Context, notification TNotification) error {
	return f(ctx, notification)
}

// StreamRequestHandler produces a sequence of responses for a stream request.
// The handler closes the returned channel when the sequence ends.
type StreamRequestHandler[TRequest StreamRequest, TResponse any] interface {
	Handle(ctx context.Context, request TRequest) (<-chan TResponse, error)
}
