// Package orders stores the purchase records created for auction winners.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// Collection is the document collection holding orders.
const Collection = "orders"

// Request describes a single-listing purchase.
type Request struct {
	BuyerID       string
	ListingID     string
	AuctionID     string // optional; makes the order id deterministic
	Quantity      decimal.Decimal
	PricePerTonne decimal.Decimal
}

// Service creates and completes orders.
type Service struct {
	orders *docstore.Collection[models.Order]
	policy docstore.RetryPolicy
	now    func() time.Time
}

// New creates a Service.
func New(store docstore.Store, policy docstore.RetryPolicy, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		orders: docstore.NewCollection[models.Order](store, Collection),
		policy: policy,
		now:    now,
	}
}

// OrderID is the id of the order created for an auction's winner.
func OrderID(auctionID string) string {
	return "order-" + auctionID
}

// CreateOrder stores a pending order and returns its id. An auction order is
// created at most once; a repeated call returns the existing id.
func (s *Service) CreateOrder(ctx context.Context, req Request) (string, error) {
	if req.BuyerID == "" || req.ListingID == "" {
		return "", errs.New(errs.Validation, "order buyer and listing are required")
	}
	if !req.Quantity.IsPositive() || !req.PricePerTonne.IsPositive() {
		return "", errs.New(errs.Validation, "order quantity and price must be positive")
	}

	id := uuid.New().String()
	if req.AuctionID != "" {
		id = OrderID(req.AuctionID)
	}
	subtotal := req.Quantity.Mul(req.PricePerTonne).Round(2)
	now := s.now().UTC()
	order := models.Order{
		ID:      id,
		BuyerID: req.BuyerID,
		Status:  models.OrderStatusPending,
		LineItems: []models.OrderLineItem{{
			ListingID:     req.ListingID,
			Quantity:      req.Quantity,
			PricePerTonne: req.PricePerTonne,
			Subtotal:      subtotal,
		}},
		Total:           subtotal,
		SourceAuctionID: req.AuctionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if _, err := s.orders.Create(ctx, id, order); err != nil {
		if errors.Is(err, docstore.ErrAlreadyExists) {
			return id, nil
		}
		return "", docstore.Classify(err, "order", id)
	}
	return id, nil
}

// Complete marks an order completed. Completing twice is a no-op.
func (s *Service) Complete(ctx context.Context, orderID, paymentRef string) error {
	_, err := docstore.Update(ctx, s.orders, orderID, s.policy, func(o *models.Order) error {
		switch o.Status {
		case models.OrderStatusCompleted:
			return nil
		case models.OrderStatusCancelled:
			return errs.Newf(errs.Validation, "order %s is cancelled", orderID)
		}
		now := s.now().UTC()
		o.Status = models.OrderStatusCompleted
		o.PaymentReference = paymentRef
		o.CompletedAt = &now
		o.UpdatedAt = now
		return nil
	})
	return docstore.Classify(err, "order", orderID)
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, orderID string) (models.Order, error) {
	rec, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, docstore.Classify(err, "order", orderID)
	}
	return rec.Value, nil
}

// ListByBuyer returns a buyer's orders, newest first.
func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]models.Order, error) {
	recs, err := s.orders.Query(ctx, docstore.Query{
		Where: []docstore.Condition{docstore.Eq("buyer_id", buyerID)},
		Limit: limit,
	})
	if err != nil {
		return nil, docstore.Classify(err, "orders of buyer", buyerID)
	}
	out := make([]models.Order, len(recs))
	for i, r := range recs {
		out[i] = r.Value
	}
	return out, nil
}
