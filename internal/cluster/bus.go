package cluster

import (
	"context"
	"sync"
)

// Handler receives a message published on a subject.
type Handler func(ctx context.Context, data []byte)

// Bus is the instance-to-instance messaging fabric. Each gateway instance
// subscribes to its own dispatch subject; tool calls and results for
// devices held elsewhere travel over it. Delivery is at-most-once and
// best-effort; the dispatch deadline sweep covers lost messages.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
}

// MemoryBus is the in-process bus used in single-node mode and tests.
// Handlers run on a separate goroutine, matching the asynchronous delivery
// of the NATS-backed bus.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		copied := make([]byte, len(data))
		copy(copied, data)
		go h(ctx, copied)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, subject string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[subject][id] = handler

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[subject], id)
	}
	return unsubscribe, nil
}
