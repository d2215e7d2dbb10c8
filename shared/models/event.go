package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionEvent types
const (
	EventAuctionCreated = "created"
	EventAuctionUpdate  = "update" // bid accepted, high bid or deadline changed
	EventAuctionEnded   = "ended"  // settled, failed, cancelled
)

// AuctionEvent is published whenever an auction changes.
// It is sent to:
// 1. Redis Pub/Sub (for real-time WebSocket broadcast)
// 2. NATS JetStream (for archival to PostgreSQL)
type AuctionEvent struct {
	EventID         string              `json:"event_id"`
	Type            string              `json:"type"`
	AuctionID       string              `json:"auction_id"`
	Status          string              `json:"status"`
	BidID           string              `json:"bid_id,omitempty"`
	BidderID        string              `json:"bidder_id,omitempty"`
	Amount          decimal.NullDecimal `json:"amount_per_tonne_eur"`
	PreviousHighBid decimal.NullDecimal `json:"previous_high_bid_eur"`
	BidCount        int                 `json:"bid_count"`
	EffectiveEndsAt time.Time           `json:"effective_ends_at"`
	ExtensionsCount int                 `json:"extensions_count"`
	WinnerID        string              `json:"winner_id,omitempty"`
	WinningPrice    decimal.NullDecimal `json:"winning_price_per_tonne_eur"`
	OrderID         string              `json:"order_id,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}
