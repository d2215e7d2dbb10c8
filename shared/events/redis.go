package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/carbon-exchange/shared/models"
)

// RedisPublisher pushes events to per-auction pub/sub channels, which the
// broadcast service relays to WebSocket clients.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher shares an existing client. Close does not close it.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.AuctionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(event.AuctionID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }
