package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nodadyoushutup/llmctl/internal/store"
)

const redisChannel = "llmctl:events"

// RedisBroker fans out envelopes over redis pub/sub so subscribers can live
// in other processes.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]chan store.Envelope
	cancel      context.CancelFunc
	bufferSize  int
}

// NewRedisBroker connects a broker to redis and starts its receive loop.
func NewRedisBroker(client *redis.Client, bufferSize int, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize < 1 {
		bufferSize = 64
	}
	b := &RedisBroker{
		client:      client,
		logger:      logger,
		subscribers: make(map[string]chan store.Envelope),
		bufferSize:  bufferSize,
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.receive(ctx)
	return b
}

// Publish sends an envelope to the shared redis channel.
func (b *RedisBroker) Publish(ctx context.Context, env store.Envelope) error {
	return b.client.Publish(ctx, redisChannel, EncodeEnvelope(env)).Err()
}

func (b *RedisBroker) receive(ctx context.Context) {
	sub := b.client.Subscribe(ctx, redisChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env store.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope from redis", zap.Error(err))
				continue
			}
			b.mu.RLock()
			for _, subCh := range b.subscribers {
				select {
				case subCh <- env:
				default:
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Subscribe returns a channel of envelopes received from redis.
func (b *RedisBroker) Subscribe(id string) <-chan store.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan store.Envelope, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *RedisBroker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Close stops the receive loop.
func (b *RedisBroker) Close() { b.cancel() }
