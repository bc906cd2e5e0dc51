package redis

import (
	"context"
	"fmt"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/messaging"
)

// PubSubClient adapts Cache to messaging.RedisClient.
type PubSubClient struct {
	cache *Cache
}

// NewPubSubClient creates an adapter over cache.
func NewPubSubClient(cache *Cache) *PubSubClient {
	return &PubSubClient{cache: cache}
}

// Publish sends a message on a channel.
func (p *PubSubClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return p.cache.Publish(ctx, channel, message)
}

// Subscribe subscribes to channels and forwards messages until ctx is done.
// The returned channel is closed when the subscription ends.
func (p *PubSubClient) Subscribe(ctx context.Context, channels ...string) (<-chan messaging.RedisMessage, error) {
	ps := p.cache.Subscribe(ctx, channels...)
	// Wait for confirmation that subscription is created
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	out := make(chan messaging.RedisMessage, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- messaging.RedisMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the Cache owns the connection.
func (p *PubSubClient) Close() error {
	return nil
}

var _ messaging.RedisClient = (*PubSubClient)(nil)
