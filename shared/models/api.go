package models

import "github.com/shopspring/decimal"

// CreateListingRequest is the body of POST /api/v1/listings
type CreateListingRequest struct {
	RegistryName      string          `json:"registry_name"`
	RegistryProjectID string          `json:"registry_project_id,omitempty"`
	ProjectName       string          `json:"project_name"`
	ProjectType       string          `json:"project_type"`
	ProjectCountry    string          `json:"project_country,omitempty"`
	VintageYear       int             `json:"vintage_year,omitempty"`
	Quantity          decimal.Decimal `json:"quantity_tonnes"`
	PricePerTonne     decimal.Decimal `json:"price_per_tonne_eur"`
	Status            string          `json:"status,omitempty"`
}

// ListingStatusRequest is the body of POST /api/v1/listings/{id}/status
type ListingStatusRequest struct {
	Status string `json:"status"`
}

// CreateAuctionRequest is the body of POST /api/v1/auctions
type CreateAuctionRequest struct {
	ListingID     string              `json:"listing_id"`
	StartingPrice decimal.Decimal     `json:"starting_price_per_tonne_eur"`
	ReservePrice  decimal.NullDecimal `json:"reserve_price_per_tonne_eur"`
	BuyNowPrice   decimal.NullDecimal `json:"buy_now_price_per_tonne_eur"`
	MinIncrement  decimal.Decimal     `json:"min_bid_increment_eur"`
	Quantity      decimal.Decimal     `json:"quantity_tonnes"`
	DurationHours float64             `json:"duration_hours"`
	StartsInMins  int                 `json:"starts_in_minutes,omitempty"`
	AutoExtendMin *int                `json:"auto_extend_minutes,omitempty"`
	CreatedBy     Origin              `json:"created_by,omitempty"`
}

// BidRequest is the body of POST /api/v1/auctions/{id}/bid
type BidRequest struct {
	Amount   decimal.Decimal `json:"amount_per_tonne_eur"`
	PlacedBy Origin          `json:"placed_by,omitempty"`
}

// BidResponse wraps an accepted bid with the settlement outcome of a buy-now
type BidResponse struct {
	Bid        *Bid   `json:"bid"`
	Settlement string `json:"settlement,omitempty"`
}

// ErrorResponse is the body of every non-2xx API answer
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}
