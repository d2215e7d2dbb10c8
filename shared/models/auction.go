package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Origin records whether a person or an automated agent acted
type Origin string

const (
	OriginHuman Origin = "human"
	OriginAgent Origin = "agent"
)

// AuctionStatus constants
const (
	AuctionStatusScheduled = "scheduled"
	AuctionStatusActive    = "active"
	AuctionStatusEnded     = "ended"
	AuctionStatusBoughtNow = "bought_now"
	AuctionStatusSettled   = "settled"
	AuctionStatusFailed    = "failed"
	AuctionStatusCancelled = "cancelled"
)

// AuctionTypeEnglish is the only supported auction type
const AuctionTypeEnglish = "english"

// Defaults applied to a new auction config
var (
	DefaultMinIncrement  = decimal.RequireFromString("0.50")
	DefaultAntiSnipeMins = 5
	DefaultExtensionMins = 5
	DefaultDurationHours = 48.0
)

// AuctionConfig holds the parameters fixed at creation time
type AuctionConfig struct {
	Type             string              `json:"auction_type"`
	StartingPrice    decimal.Decimal     `json:"starting_price_per_tonne_eur"`
	ReservePrice     decimal.NullDecimal `json:"reserve_price_per_tonne_eur"`
	BuyNowPrice      decimal.NullDecimal `json:"buy_now_price_per_tonne_eur"`
	MinIncrement     decimal.Decimal     `json:"min_bid_increment_eur"`
	AntiSnipeMinutes int                 `json:"auto_extend_minutes"`
	ExtensionMinutes int                 `json:"auto_extend_duration_minutes"`
}

// WithDefaults fills unset fields. AntiSnipeMinutes is left alone: zero
// turns extension off.
func (c AuctionConfig) WithDefaults() AuctionConfig {
	if c.Type == "" {
		c.Type = AuctionTypeEnglish
	}
	if c.MinIncrement.IsZero() {
		c.MinIncrement = DefaultMinIncrement
	}
	if c.ExtensionMinutes == 0 {
		c.ExtensionMinutes = DefaultExtensionMins
	}
	return c
}

// AntiSnipeWindow is the time before the deadline in which a bid extends the auction.
func (c AuctionConfig) AntiSnipeWindow() time.Duration {
	return time.Duration(c.AntiSnipeMinutes) * time.Minute
}

// Extension is how far a late bid pushes the deadline.
func (c AuctionConfig) Extension() time.Duration {
	return time.Duration(c.ExtensionMinutes) * time.Minute
}

// Validate checks the config invariants.
func (c AuctionConfig) Validate() error {
	if c.Type != AuctionTypeEnglish {
		return fmt.Errorf("auction config: unsupported type %q", c.Type)
	}
	if !c.StartingPrice.IsPositive() {
		return errors.New("auction config: starting price must be positive")
	}
	if !c.MinIncrement.IsPositive() {
		return errors.New("auction config: minimum increment must be positive")
	}
	if c.ReservePrice.Valid && c.ReservePrice.Decimal.LessThan(c.StartingPrice) {
		return errors.New("auction config: reserve price below starting price")
	}
	if c.BuyNowPrice.Valid && c.BuyNowPrice.Decimal.LessThan(c.StartingPrice) {
		return errors.New("auction config: buy-now price below starting price")
	}
	if c.BuyNowPrice.Valid && c.ReservePrice.Valid && c.BuyNowPrice.Decimal.LessThan(c.ReservePrice.Decimal) {
		return errors.New("auction config: buy-now price below reserve price")
	}
	if c.AntiSnipeMinutes < 0 || c.ExtensionMinutes < 0 {
		return errors.New("auction config: anti-snipe settings must not be negative")
	}
	return nil
}

// Auction is a time-bounded English auction over part of a listing
type Auction struct {
	ID         string        `json:"id"`
	SellerID   string        `json:"seller_id"`
	ListingID  string        `json:"listing_id"`
	CreatedBy  Origin        `json:"created_by"`
	AgentRunID string        `json:"agent_run_id,omitempty"`
	Config     AuctionConfig `json:"config"`

	Quantity decimal.Decimal `json:"quantity_tonnes"`

	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	EffectiveEndsAt time.Time `json:"effective_ends_at"`
	ExtensionsCount int       `json:"extensions_count"`

	Status string `json:"status"`

	// Denormalized high bid, rewritten by every accepted bid
	CurrentHighBid      decimal.NullDecimal `json:"current_high_bid_eur"`
	CurrentHighBidID    string              `json:"current_high_bid_id,omitempty"`
	CurrentHighBidderID string              `json:"current_high_bidder_id,omitempty"`
	BidCount            int                 `json:"bid_count"`

	WinnerID      string              `json:"winner_id,omitempty"`
	WinningBidID  string              `json:"winning_bid_id,omitempty"`
	WinningPrice  decimal.NullDecimal `json:"winning_price_per_tonne_eur"`
	OrderID       string              `json:"order_id,omitempty"`
	SettledAt     *time.Time          `json:"settled_at,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`

	SettlementClaimID   string     `json:"settlement_claim_id,omitempty"`
	SettlementClaimedAt *time.Time `json:"settlement_claimed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the auction can no longer change state.
func (a Auction) IsTerminal() bool {
	switch a.Status {
	case AuctionStatusSettled, AuctionStatusFailed, AuctionStatusCancelled:
		return true
	}
	return false
}

// MinimumBid is the lowest unit amount the next bid may carry.
func (a Auction) MinimumBid() decimal.Decimal {
	if !a.CurrentHighBid.Valid {
		return a.Config.StartingPrice
	}
	return a.CurrentHighBid.Decimal.Add(a.Config.MinIncrement)
}

// ClaimHeld reports whether a settlement claim is still within its lease.
func (a Auction) ClaimHeld(now time.Time, lease time.Duration) bool {
	if a.SettlementClaimID == "" || a.SettlementClaimedAt == nil {
		return false
	}
	return now.Before(a.SettlementClaimedAt.Add(lease))
}

// ReserveMet reports whether the current high bid satisfies the reserve price.
func (a Auction) ReserveMet() bool {
	if !a.Config.ReservePrice.Valid {
		return true
	}
	return a.CurrentHighBid.Valid && a.CurrentHighBid.Decimal.GreaterThanOrEqual(a.Config.ReservePrice.Decimal)
}

// Validate checks the auction invariants.
func (a Auction) Validate() error {
	if a.SellerID == "" || a.ListingID == "" {
		return errors.New("auction: seller_id and listing_id are required")
	}
	if err := a.Config.Validate(); err != nil {
		return err
	}
	if !a.Quantity.IsPositive() {
		return errors.New("auction: quantity_tonnes must be positive")
	}
	if !a.EndsAt.After(a.StartsAt) {
		return errors.New("auction: ends_at must be after starts_at")
	}
	if a.EffectiveEndsAt.Before(a.EndsAt) {
		return errors.New("auction: effective_ends_at before ends_at")
	}
	if a.BidCount < 0 || a.ExtensionsCount < 0 {
		return errors.New("auction: counters must not be negative")
	}
	switch a.Status {
	case AuctionStatusScheduled, AuctionStatusActive, AuctionStatusEnded, AuctionStatusBoughtNow,
		AuctionStatusSettled, AuctionStatusFailed, AuctionStatusCancelled:
	default:
		return fmt.Errorf("auction: unknown status %q", a.Status)
	}
	if a.CurrentHighBid.Valid != (a.CurrentHighBidID != "") {
		return errors.New("auction: high bid amount and id must be set together")
	}
	if a.CurrentHighBid.Valid && a.BidCount == 0 {
		return errors.New("auction: high bid recorded with zero bid_count")
	}
	return nil
}
