package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Bus is the in-memory transport: a map from peer id to handler behind a
// single mutex that also guards the counters. Handlers run on the caller's
// goroutine, outside the lock, so a handler may itself call Send without
// deadlocking.
type Bus struct {
	mu           sync.Mutex
	handlers     map[int]Handler
	totalHops    int
	messageCount int
	logger       *zap.Logger
}

// NewBus creates an empty in-memory bus. A nil logger disables logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a peer id, replacing any previous one.
func (b *Bus) Register(id int, h Handler) {
	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()
	b.logger.Debug("peer registered", zap.Int("id", id))
}

// Unregister removes the peer's handler.
func (b *Bus) Unregister(id int) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	b.logger.Debug("peer unregistered", zap.Int("id", id))
}

// Send delivers msg to the destination handler and returns its reply.
func (b *Bus) Send(msg Message, countHop bool) (interface{}, error) {
	b.mu.Lock()
	h, ok := b.handlers[msg.Dst]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, msg.Dst)
	}
	if countHop {
		b.totalHops++
		b.messageCount++
	}
	b.mu.Unlock()

	// Handler invocation happens outside the lock: the handler may forward
	// the request with a re-entrant Send.
	return h(msg)
}

// ResetCounters zeroes the hop and message counters.
func (b *Bus) ResetCounters() {
	b.mu.Lock()
	b.totalHops = 0
	b.messageCount = 0
	b.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{TotalHops: b.totalHops, MessageCount: b.messageCount}
}
