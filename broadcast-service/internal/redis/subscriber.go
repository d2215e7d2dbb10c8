package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aaronwang/carbon-exchange/shared/events"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// Pattern matches every auction's event channel.
const Pattern = events.ChannelPrefix + "*"

// Subscriber wraps Redis Pub/Sub functionality
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    zerolog.Logger
}

// NewSubscriber creates a new Redis Pub/Sub subscriber
func NewSubscriber(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*Subscriber, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Subscriber{
		client: rdb,
		log:    log,
	}, nil
}

// SubscribeToAuction subscribes to the events of one auction
// Channel: "auction_events:{auctionID}"
func (s *Subscriber) SubscribeToAuction(ctx context.Context, auctionID string) error {
	s.pubsub = s.client.Subscribe(ctx, events.Channel(auctionID))
	return s.confirm(ctx)
}

// SubscribeToPattern subscribes to all auction events using pattern matching
// Pattern: "auction_events:*" subscribes to all auctions
func (s *Subscriber) SubscribeToPattern(ctx context.Context, pattern string) error {
	s.pubsub = s.client.PSubscribe(ctx, pattern)
	return s.confirm(ctx)
}

// confirm waits for the server to acknowledge the subscription.
func (s *Subscriber) confirm(ctx context.Context) error {
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Listen starts listening for messages and sends them to the provided channel
// This is a blocking operation - run in a goroutine
func (s *Subscriber) Listen(ctx context.Context, messageChan chan<- *Message) error {
	if s.pubsub == nil {
		return fmt.Errorf("not subscribed to any channel")
	}

	// Channel returns raw Redis messages
	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			m, err := parseMessage(msg.Channel, msg.Payload)
			if err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping message")
				continue
			}

			select {
			case messageChan <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Message represents a parsed Pub/Sub message
type Message struct {
	AuctionID string
	Payload   string              // Raw JSON payload
	Event     models.AuctionEvent // Parsed event data
}

// parseMessage decodes one event published on an auction channel.
func parseMessage(channel, payload string) (*Message, error) {
	auctionID := events.AuctionIDFromChannel(channel)
	if auctionID == "" {
		return nil, fmt.Errorf("unexpected channel %q", channel)
	}

	var event models.AuctionEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if event.AuctionID != auctionID {
		return nil, fmt.Errorf("event for auction %q on channel %q", event.AuctionID, channel)
	}

	return &Message{
		AuctionID: auctionID,
		Payload:   payload,
		Event:     event,
	}, nil
}

// Ping checks the Redis connection.
func (s *Subscriber) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the subscriber
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}
