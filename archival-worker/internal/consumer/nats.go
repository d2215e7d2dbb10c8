package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/aaronwang/carbon-exchange/shared/events"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// DurableName is the archival consumer on the AUCTION_EVENTS stream.
const DurableName = "archival-worker"

// Archiver persists one event. It reports false for an event that was
// already stored.
type Archiver interface {
	Archive(ctx context.Context, event models.AuctionEvent, payload []byte) (bool, error)
}

// disposition is what happens to a message after handling.
type disposition int

const (
	ack  disposition = iota
	nak              // redeliver later
	term             // never redeliver
)

// NATSConsumer consumes auction events from JetStream and persists them
type NATSConsumer struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	db      Archiver
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewNATSConsumer creates a new JetStream consumer
func NewNATSConsumer(natsURL string, db Archiver, m *metrics.Metrics, log zerolog.Logger) (*NATSConsumer, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name(DurableName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSConsumer{
		conn:    conn,
		js:      js,
		db:      db,
		metrics: m,
		log:     log,
	}, nil
}

// Start consumes auction.events.> with explicit acks until ctx is cancelled.
func (c *NATSConsumer) Start(ctx context.Context) error {
	if _, err := c.js.CreateOrUpdateStream(ctx, events.StreamConfig()); err != nil {
		return fmt.Errorf("failed to create/update stream: %w", err)
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, events.StreamName, jetstream.ConsumerConfig{
		Durable:       DurableName,
		FilterSubject: events.SubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		switch c.handleMessage(ctx, msg.Data()) {
		case ack:
			msg.Ack()
		case nak:
			msg.NakWithDelay(2 * time.Second)
		case term:
			msg.Term()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	c.log.Info().Str("stream", events.StreamName).Str("consumer", DurableName).Msg("Subscribed to auction events")

	// Keep consumer running until context is cancelled
	<-ctx.Done()
	return nil
}

// handleMessage processes a single auction event message
func (c *NATSConsumer) handleMessage(ctx context.Context, data []byte) disposition {
	var event models.AuctionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.log.Error().Err(err).Msg("Failed to unmarshal event, dropping")
		c.count("invalid")
		return term
	}
	if event.EventID == "" || event.AuctionID == "" {
		c.log.Error().Str("event_id", event.EventID).Msg("Event without id or auction id, dropping")
		c.count("invalid")
		return term
	}

	// Create a timeout context for database operations
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	inserted, err := c.db.Archive(dbCtx, event, data)
	if err != nil {
		c.log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to archive event")
		c.count("error")
		return nak
	}
	if !inserted {
		c.count("duplicate")
		return ack
	}

	c.log.Debug().
		Str("event_id", event.EventID).
		Str("type", event.Type).
		Str("auction_id", event.AuctionID).
		Msg("Archived event")
	c.count("ok")
	return ack
}

func (c *NATSConsumer) count(result string) {
	if c.metrics != nil {
		c.metrics.ArchivedEvents.WithLabelValues(result).Inc()
	}
}

// Close closes the NATS connection
func (c *NATSConsumer) Close() error {
	c.conn.Close()
	return nil
}
