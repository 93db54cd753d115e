package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the base interface for everything sent over the bus
type Message interface {
	GetID() uuid.UUID
	GetCreatedAt() time.Time
}

// Request is sent to the queue bound for its type. A request may be answered
// with a response when sent through the request/response path.
type Request interface {
	Message
}

// Notification is published to every queue bound for its type
type Notification interface {
	Message
}

// StreamRequest asks for a sequence of responses
type StreamRequest interface {
	Message
}

// BaseRequest provides the identifier and creation time of a message.
// Both are assigned once by NewBaseRequest and never changed afterwards.
type BaseRequest struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewBaseRequest creates a base request with a fresh identifier and the current time
func NewBaseRequest() BaseRequest {
	return BaseRequest{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
}

// GetID returns the request identifier
func (r BaseRequest) GetID() uuid.UUID {
	return r.ID
}

// GetCreatedAt returns when the request was created
func (r BaseRequest) GetCreatedAt() time.Time {
	return r.CreatedAt
}

// Unit is the response of requests that return nothing
type Unit struct{}

// String implements fmt.Stringer
func (Unit) String() string {
	return "()"
}
