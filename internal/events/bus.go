// Package events provides the broker fan-out for realtime envelopes.
// The in-memory bus serves single-process deployments and tests; the redis
// broker backs multi-subscriber deployments.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

// Broker delivers committed envelopes to subscribers. Envelope ordering per
// sequence_stream is the publisher's responsibility; brokers only fan out.
type Broker interface {
	Publish(ctx context.Context, env store.Envelope) error
	Subscribe(id string) <-chan store.Envelope
	Unsubscribe(id string)
}

// Bus is the in-memory broker.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan store.Envelope
	bufferSize  int
}

// NewBus creates an in-memory broker.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan store.Envelope),
		bufferSize:  bufferSize,
	}
}

// Publish sends an envelope to all subscribers.
// Non-blocking: drops envelopes for slow subscribers; they resynchronise
// from the store via the sequence contract.
func (b *Bus) Publish(_ context.Context, env store.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			// Drop for slow subscriber — better than blocking
		}
	}
	return nil
}

// Subscribe returns a channel of envelopes. Call Unsubscribe with the same
// id when done.
func (b *Bus) Subscribe(id string) <-chan store.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan store.Envelope, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// EncodeEnvelope serializes an envelope for wire transports.
func EncodeEnvelope(env store.Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}
