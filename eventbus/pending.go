package eventbus

import (
	"sync"

	"github.com/google/uuid"
)

// pendingReply is the single-slot result of one request/response call
type pendingReply struct {
	decode func(body []byte) (any, error)
	slot   chan any
}

// pendingReplies tracks calls waiting for their reply, keyed by request ID
type pendingReplies struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*pendingReply
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{
		entries: make(map[uuid.UUID]*pendingReply),
	}
}

func (p *pendingReplies) register(id uuid.UUID, decode func([]byte) (any, error)) *pendingReply {
	entry := &pendingReply{
		decode: decode,
		slot:   make(chan any, 1),
	}

	p.mu.Lock()
	p.entries[id] = entry
	p.mu.Unlock()

	return entry
}

func (p *pendingReplies) lookup(id uuid.UUID) (*pendingReply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[id]
	return entry, ok
}

// fulfill hands value to the waiting call; later calls for id are no-ops
func (p *pendingReplies) fulfill(id uuid.UUID, value any) bool {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	entry.slot <- value
	return true
}

func (p *pendingReplies) release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func (p *pendingReplies) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
