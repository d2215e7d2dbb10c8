package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/carbon-exchange/shared/models"
)

// JetStreamPublisher persists events to the AUCTION_EVENTS stream.
type JetStreamPublisher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// StreamConfig is shared by the publisher and the archival consumer.
func StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Auction events for archival",
		Subjects:    []string{SubjectPrefix + ">"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy, // each message consumed once
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  2 * time.Minute,
		Replicas:    1,
	}
}

// NewJetStreamPublisher connects to NATS and makes sure the stream exists.
func NewJetStreamPublisher(ctx context.Context, natsURL string) (*JetStreamPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("auction-events-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(streamCtx, StreamConfig()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	return &JetStreamPublisher{conn: conn, js: js}, nil
}

// Publish waits for the server to acknowledge the message. The event id is
// the message id, so a republished event is deduplicated by the stream.
func (p *JetStreamPublisher) Publish(ctx context.Context, event models.AuctionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.js.Publish(pubCtx, Subject(event), data, jetstream.WithMsgID(event.EventID)); err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	return nil
}

func (p *JetStreamPublisher) Close() error {
	p.conn.Close()
	return nil
}
