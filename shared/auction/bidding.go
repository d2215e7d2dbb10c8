package auction

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

// PlaceBid records a bid and makes it the auction's high bid.
//
// The Bid record is written once, before the auction update, and is never
// rewritten on retry. If the auction update is definitely rejected the bid
// is marked retracted; a store failure leaves it as written. A bid at or
// above the buy-now price is clamped to it and ends the auction
// immediately; the caller is expected to Settle next.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal, origin models.Origin) (models.Bid, error) {
	start := time.Now()
	bid, err := s.placeBid(ctx, auctionID, bidderID, amount, origin)
	s.metrics.BidLatency.Observe(time.Since(start).Seconds())
	s.metrics.BidsTotal.WithLabelValues(bidOutcome(bid, err)).Inc()
	return bid, err
}

// BuyNow bids the auction's buy-now price.
func (s *Service) BuyNow(ctx context.Context, auctionID, bidderID string, origin models.Origin) (models.Bid, error) {
	a, err := s.Get(ctx, auctionID)
	if err != nil {
		return models.Bid{}, err
	}
	if !a.Config.BuyNowPrice.Valid {
		return models.Bid{}, errs.Newf(errs.Validation, "auction %s has no buy-now price", auctionID)
	}
	return s.PlaceBid(ctx, auctionID, bidderID, a.Config.BuyNowPrice.Decimal, origin)
}

func (s *Service) placeBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal, origin models.Origin) (models.Bid, error) {
	if bidderID == "" {
		return models.Bid{}, errs.New(errs.Validation, "bidder is required")
	}
	if !amount.IsPositive() {
		return models.Bid{}, errs.New(errs.Validation, "bid amount must be positive")
	}
	if origin == "" {
		origin = models.OriginHuman
	}
	if origin != models.OriginHuman && origin != models.OriginAgent {
		return models.Bid{}, errs.Newf(errs.Validation, "unknown origin %q", origin)
	}

	now := s.now().UTC()
	a, err := s.Get(ctx, auctionID)
	if err != nil {
		return models.Bid{}, err
	}
	if err := biddable(a, bidderID, now); err != nil {
		return models.Bid{}, err
	}
	minimum := a.MinimumBid()
	if amount.LessThan(minimum) {
		return models.Bid{}, errs.Newf(errs.Validation, "bid %s is below the minimum of %s", amount, minimum)
	}

	buyNow := false
	if bn := a.Config.BuyNowPrice; bn.Valid && amount.GreaterThanOrEqual(bn.Decimal) && bn.Decimal.GreaterThanOrEqual(minimum) {
		amount = bn.Decimal
		buyNow = true
	}

	bid := models.Bid{
		ID:        uuid.New().String(),
		AuctionID: a.ID,
		BidderID:  bidderID,
		Amount:    amount,
		Total:     amount.Mul(a.Quantity).Round(2),
		PlacedAt:  now,
		PlacedBy:  origin,
		Status:    models.BidStatusActive,
		IsBuyNow:  buyNow,
	}
	if buyNow {
		bid.Status = models.BidStatusBuyNow
	}
	if _, err := s.bids.Create(ctx, bid.ID, bid); err != nil {
		return models.Bid{}, docstore.Classify(err, "bid", bid.ID)
	}

	var (
		previous   decimal.NullDecimal
		previousID string
	)
	updated, err := s.update(ctx, a.ID, func(a *models.Auction) error {
		now := s.now().UTC()
		if err := biddable(*a, bidderID, now); err != nil {
			return err
		}
		if floor := a.MinimumBid(); bid.Amount.LessThan(floor) {
			return errs.Newf(errs.Validation, "outbid while placing: the minimum is now %s", floor)
		}
		previous, previousID = a.CurrentHighBid, a.CurrentHighBidID

		a.CurrentHighBid = decimal.NewNullDecimal(bid.Amount)
		a.CurrentHighBidID = bid.ID
		a.CurrentHighBidderID = bidderID
		a.BidCount++
		if window := a.Config.AntiSnipeWindow(); window > 0 && a.EffectiveEndsAt.Sub(now) <= window {
			a.EffectiveEndsAt = a.EffectiveEndsAt.Add(a.Config.Extension())
			a.ExtensionsCount++
		}
		if buyNow {
			a.Status = models.AuctionStatusBoughtNow
			a.WinnerID = bidderID
			a.WinningBidID = bid.ID
			a.WinningPrice = decimal.NewNullDecimal(bid.Amount)
		}
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		if rejected(err) {
			s.retract(ctx, bid, err)
		} else {
			// the write may have landed, so the bid keeps its status
			s.log.Warn().Err(err).Str("bid_id", bid.ID).Str("auction_id", a.ID).Msg("auction update outcome unknown")
		}
		return models.Bid{}, err
	}

	if previousID != "" && !buyNow {
		s.dispatch("mark_outbid", func(ctx context.Context) error {
			return s.markOutbid(ctx, previousID)
		})
	}
	s.log.Info().
		Str("auction_id", a.ID).
		Str("bid_id", bid.ID).
		Str("bidder_id", bidderID).
		Str("amount", bid.Amount.String()).
		Bool("buy_now", buyNow).
		Int("bid_count", updated.BidCount).
		Msg("bid accepted")
	s.publish(bidEvent(updated, bid, previous, s.now().UTC()))
	return bid, nil
}

// biddable checks that bidderID may bid on a at now.
func biddable(a models.Auction, bidderID string, now time.Time) error {
	switch {
	case a.Status == models.AuctionStatusScheduled:
		return errs.Newf(errs.Validation, "auction %s has not started", a.ID)
	case a.Status != models.AuctionStatusActive:
		return errs.Newf(errs.Validation, "auction %s is %s", a.ID, a.Status)
	case now.After(a.EffectiveEndsAt):
		return errs.Newf(errs.Validation, "auction %s has ended", a.ID)
	case bidderID == a.SellerID:
		return errs.New(errs.Validation, "sellers cannot bid on their own auction")
	}
	return nil
}

// rejected reports whether err proves the auction update was not applied.
// Mutator aborts surface as validation errors.
func rejected(err error) bool {
	return errs.Is(err, errs.Validation) || errs.Is(err, errs.NotFound) || errs.Is(err, errs.ConcurrentUpdateConflict)
}

// retract marks a bid whose auction update was rejected. The bid never
// counted, so a failure here only leaves a stale record.
func (s *Service) retract(ctx context.Context, bid models.Bid, cause error) {
	_, err := s.updateBid(context.WithoutCancel(ctx), bid.ID, func(b *models.Bid) error {
		b.Status = models.BidStatusRetracted
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("bid_id", bid.ID).Msg("failed to retract rejected bid")
		return
	}
	s.log.Debug().Err(cause).Str("bid_id", bid.ID).Str("auction_id", bid.AuctionID).Msg("bid retracted")
}

// markOutbid flags a superseded high bid. Only an active bid changes.
func (s *Service) markOutbid(ctx context.Context, bidID string) error {
	_, err := s.updateBid(ctx, bidID, func(b *models.Bid) error {
		if b.Status != models.BidStatusActive {
			return errUnchanged
		}
		b.Status = models.BidStatusOutbid
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

func bidOutcome(bid models.Bid, err error) string {
	switch {
	case err == nil && bid.IsBuyNow:
		return "buy_now"
	case err == nil:
		return "accepted"
	case errs.Is(err, errs.ConcurrentUpdateConflict):
		return "conflict"
	case errs.Is(err, errs.Validation), errs.Is(err, errs.NotFound):
		return "rejected"
	}
	return "error"
}
