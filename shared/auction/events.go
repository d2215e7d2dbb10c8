package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

func auctionEvent(eventType string, a models.Auction, at time.Time) models.AuctionEvent {
	return models.AuctionEvent{
		EventID:         uuid.New().String(),
		Type:            eventType,
		AuctionID:       a.ID,
		Status:          a.Status,
		Amount:          a.CurrentHighBid,
		BidCount:        a.BidCount,
		EffectiveEndsAt: a.EffectiveEndsAt,
		ExtensionsCount: a.ExtensionsCount,
		WinnerID:        a.WinnerID,
		WinningPrice:    a.WinningPrice,
		OrderID:         a.OrderID,
		Timestamp:       at,
	}
}

func bidEvent(a models.Auction, b models.Bid, previous decimal.NullDecimal, at time.Time) models.AuctionEvent {
	e := auctionEvent(models.EventAuctionUpdate, a, at)
	e.BidID = b.ID
	e.BidderID = b.BidderID
	e.Amount = decimal.NewNullDecimal(b.Amount)
	e.PreviousHighBid = previous
	return e
}

// publish sends an event off the request path. The auction state is already
// committed; a lost event only delays the live feed and the archive.
func (s *Service) publish(e models.AuctionEvent) {
	s.dispatch("publish_"+e.Type, func(ctx context.Context) error {
		return s.events.Publish(ctx, e)
	})
}

func isExhausted(err error) bool {
	return errs.Is(err, errs.ConcurrentUpdateConflict)
}
