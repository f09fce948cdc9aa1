package cache

import (
	"context"
	"log/slog"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Handler receives every delta that arrives on a subscribed document channel.
type Handler func(docID string, delta []byte)

// Bus fans applied deltas out to the other server processes.
type Bus interface {
	Publish(ctx context.Context, docID string, delta []byte) error
	Subscribe(ctx context.Context, docID string) error
	Unsubscribe(ctx context.Context, docID string) error
	OnMessage(h Handler)
	Close() error
}

// RedisBus is a Bus over Redis pub/sub, one channel per document.
type RedisBus struct {
	rdb    redis.UniversalClient
	ps     *redis.PubSub
	logger *slog.Logger

	mu         sync.Mutex
	subscribed map[string]struct{}
	handlers   []Handler

	done chan struct{}
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(ctx context.Context, rdb redis.UniversalClient, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RedisBus{
		rdb:        rdb,
		ps:         rdb.Subscribe(ctx),
		logger:     logger.With("component", "bus"),
		subscribed: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	go b.receiveLoop(b.ps.Channel())
	return b
}

func (b *RedisBus) Publish(ctx context.Context, docID string, delta []byte) error {
	return b.rdb.Publish(ctx, channel(docID), delta).Err()
}

// Subscribe is idempotent per document.
func (b *RedisBus) Subscribe(ctx context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[docID]; ok {
		return nil
	}
	if err := b.ps.Subscribe(ctx, channel(docID)); err != nil {
		return err
	}
	b.subscribed[docID] = struct{}{}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[docID]; !ok {
		return nil
	}
	delete(b.subscribed, docID)
	return b.ps.Unsubscribe(ctx, channel(docID))
}

func (b *RedisBus) OnMessage(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *RedisBus) receiveLoop(ch <-chan *redis.Message) {
	defer close(b.done)
	for msg := range ch {
		docID, ok := docFromChannel(msg.Channel)
		if !ok {
			continue
		}
		b.mu.Lock()
		hs := b.handlers
		b.mu.Unlock()
		delta := []byte(msg.Payload)
		for _, h := range hs {
			h(docID, delta)
		}
	}
}

func (b *RedisBus) Close() error {
	err := b.ps.Close()
	<-b.done
	return err
}

// NoopBus is used when no Redis is configured; fan-out stays in process.
type NoopBus struct{}

var _ Bus = NoopBus{}

func NewNoopBus() NoopBus { return NoopBus{} }

func (NoopBus) Publish(context.Context, string, []byte) error { return nil }
func (NoopBus) Subscribe(context.Context, string) error       { return nil }
func (NoopBus) Unsubscribe(context.Context, string) error     { return nil }
func (NoopBus) OnMessage(Handler)                             {}
func (NoopBus) Close() error                                  { return nil }
