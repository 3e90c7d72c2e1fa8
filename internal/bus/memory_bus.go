package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-binary local
// runs. Each (topic, group) pair gets its own buffered channel, so two
// groups on one topic both see every message while subscribers within a
// group compete for them.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan []byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[string]chan []byte)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- value:
		default:
			// A full group buffer drops the message rather than
			// blocking the publisher, mirroring fire-and-forget
			// publish semantics.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	ch := b.groupChan(topic, group)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case value := <-ch:
			// Handler errors are swallowed like the Kafka loop does:
			// the message is considered consumed either way.
			_ = handler(ctx, value)
		}
	}
}

func (b *MemoryBus) groupChan(topic, group string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]chan []byte)
	}
	ch, ok := b.subs[topic][group]
	if !ok {
		ch = make(chan []byte, 256)
		b.subs[topic][group] = ch
	}
	return ch
}
