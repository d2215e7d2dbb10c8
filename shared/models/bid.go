package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bid is one bidder's offer on an auction. Only Status changes after creation.
type Bid struct {
	ID         string          `json:"id"`
	AuctionID  string          `json:"auction_id"`
	BidderID   string          `json:"bidder_id"`
	Amount     decimal.Decimal `json:"amount_per_tonne_eur"`
	Total      decimal.Decimal `json:"total_eur"` // amount * auction quantity
	PlacedAt   time.Time       `json:"placed_at"`
	PlacedBy   Origin          `json:"placed_by"`
	AgentRunID string          `json:"agent_run_id,omitempty"`
	Status     string          `json:"status"`
	IsBuyNow   bool            `json:"is_buy_now"`
}

// BidStatus constants
const (
	BidStatusActive    = "active"
	BidStatusOutbid    = "outbid"
	BidStatusWon       = "won"
	BidStatusLost      = "lost"
	BidStatusBuyNow    = "buy_now"
	BidStatusRetracted = "retracted" // auction update was rejected after the bid was written
)

// Validate checks the bid invariants.
func (b Bid) Validate() error {
	if b.AuctionID == "" || b.BidderID == "" {
		return errors.New("bid: auction_id and bidder_id are required")
	}
	if !b.Amount.IsPositive() {
		return errors.New("bid: amount must be positive")
	}
	switch b.Status {
	case BidStatusActive, BidStatusOutbid, BidStatusWon, BidStatusLost, BidStatusBuyNow, BidStatusRetracted:
	default:
		return fmt.Errorf("bid: unknown status %q", b.Status)
	}
	return nil
}
