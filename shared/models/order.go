package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus constants
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// OrderLineItem is one listing's share of an order
type OrderLineItem struct {
	ListingID     string          `json:"listing_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	PricePerTonne decimal.Decimal `json:"price_per_tonne"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

// Order is the purchase record created for an auction winner
type Order struct {
	ID               string          `json:"id"`
	BuyerID          string          `json:"buyer_id"`
	Status           string          `json:"status"`
	LineItems        []OrderLineItem `json:"line_items"`
	Total            decimal.Decimal `json:"total_eur"`
	SourceAuctionID  string          `json:"source_auction_id,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Validate checks the order invariants.
func (o Order) Validate() error {
	if o.BuyerID == "" {
		return errors.New("order: buyer_id is required")
	}
	if len(o.LineItems) == 0 {
		return errors.New("order: at least one line item is required")
	}
	switch o.Status {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled:
	default:
		return fmt.Errorf("order: unknown status %q", o.Status)
	}
	return nil
}
