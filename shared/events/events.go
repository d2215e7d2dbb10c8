// Package events publishes auction events to the realtime feed and the
// archival stream.
package events

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aaronwang/carbon-exchange/shared/models"
)

const (
	// StreamName is the JetStream stream holding auction events for archival.
	StreamName = "AUCTION_EVENTS"
	// SubjectPrefix prefixes every JetStream subject: auction.events.{type}.{auctionID}
	SubjectPrefix = "auction.events."
	// ChannelPrefix prefixes Redis pub/sub channels: auction_events:{auctionID}
	ChannelPrefix = "auction_events:"
)

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, event models.AuctionEvent) error
	Close() error
}

// Subject is the JetStream subject for an event.
func Subject(event models.AuctionEvent) string {
	return SubjectPrefix + event.Type + "." + event.AuctionID
}

// Channel is the Redis pub/sub channel for an auction.
func Channel(auctionID string) string {
	return ChannelPrefix + auctionID
}

// AuctionIDFromChannel extracts the auction id from a channel name.
// Example: "auction_events:a1" -> "a1"
func AuctionIDFromChannel(channel string) string {
	if !strings.HasPrefix(channel, ChannelPrefix) {
		return ""
	}
	return channel[len(ChannelPrefix):]
}

// Multi fans an event out to several sinks. Every sink is attempted; the
// errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event models.AuctionEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, models.AuctionEvent) error { return nil }
func (Nop) Close() error                                      { return nil }

// Counter is the EventsPublished vector: sink and result labels.
type Counter interface {
	WithLabelValues(lvs ...string) prometheus.Counter
}

// Instrument counts every publish to p under the given sink label.
func Instrument(sink string, p Publisher, c Counter) Publisher {
	return &instrumented{sink: sink, Publisher: p, counter: c}
}

type instrumented struct {
	Publisher
	sink    string
	counter Counter
}

func (i *instrumented) Publish(ctx context.Context, event models.AuctionEvent) error {
	err := i.Publisher.Publish(ctx, event)
	result := "ok"
	if err != nil {
		result = "error"
	}
	i.counter.WithLabelValues(i.sink, result).Inc()
	return err
}
