package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Listing is a seller's unit-priced carbon credit inventory
type Listing struct {
	ID                string          `json:"id"`
	SellerID          string          `json:"seller_id"`
	RegistryName      string          `json:"registry_name"`
	RegistryProjectID string          `json:"registry_project_id,omitempty"`
	ProjectName       string          `json:"project_name"`
	ProjectType       string          `json:"project_type"`
	ProjectCountry    string          `json:"project_country,omitempty"`
	VintageYear       int             `json:"vintage_year,omitempty"`
	Quantity          decimal.Decimal `json:"quantity_tonnes"`
	Reserved          decimal.Decimal `json:"quantity_reserved"`
	Sold              decimal.Decimal `json:"quantity_sold"`
	PricePerTonne     decimal.Decimal `json:"price_per_tonne_eur"`
	Status            string          `json:"status"`
	SaleReferences    []string        `json:"sale_references,omitempty"` // settled auctions already counted in Sold
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ListingStatus constants
const (
	ListingStatusDraft   = "draft"
	ListingStatusActive  = "active"
	ListingStatusPaused  = "paused"
	ListingStatusSoldOut = "sold_out"
)

// Project types accepted on a listing
var ProjectTypes = []string{
	"afforestation", "renewable", "cookstoves", "methane_capture",
	"fuel_switching", "energy_efficiency", "agriculture", "other",
}

// HasSale reports whether a sale with this reference was already confirmed.
func (l Listing) HasSale(reference string) bool {
	for _, r := range l.SaleReferences {
		if r == reference {
			return true
		}
	}
	return false
}

// Available is the quantity that can still be reserved.
func (l Listing) Available() decimal.Decimal {
	return l.Quantity.Sub(l.Sold).Sub(l.Reserved)
}

// Validate enforces 0 <= reserved <= total - sold and the sold_out status rule.
func (l Listing) Validate() error {
	if l.SellerID == "" {
		return errors.New("listing: seller_id is required")
	}
	if !l.Quantity.IsPositive() {
		return errors.New("listing: quantity_tonnes must be positive")
	}
	if l.Reserved.IsNegative() || l.Sold.IsNegative() {
		return errors.New("listing: reserved and sold quantities must not be negative")
	}
	if l.Reserved.GreaterThan(l.Quantity.Sub(l.Sold)) {
		return fmt.Errorf("listing: reserved %s exceeds unsold %s", l.Reserved, l.Quantity.Sub(l.Sold))
	}
	switch l.Status {
	case ListingStatusDraft, ListingStatusActive, ListingStatusPaused, ListingStatusSoldOut:
	default:
		return fmt.Errorf("listing: unknown status %q", l.Status)
	}
	soldOut := l.Sold.GreaterThanOrEqual(l.Quantity)
	if soldOut != (l.Status == ListingStatusSoldOut) {
		return fmt.Errorf("listing: status %q inconsistent with sold %s of %s", l.Status, l.Sold, l.Quantity)
	}
	return nil
}
