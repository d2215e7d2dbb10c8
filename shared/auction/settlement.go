package auction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/ledger"
	"github.com/aaronwang/carbon-exchange/shared/models"
	"github.com/aaronwang/carbon-exchange/shared/orders"
)

// Settlement results
const (
	ResultSettled      = "settled"
	ResultFailed       = "failed"
	ResultAlreadyFinal = "already_final" // settled, failed or cancelled before this call
	ResultInProgress   = "in_progress"   // another settlement holds the claim
)

// Outcome reports what Settle did.
type Outcome struct {
	AuctionID        string              `json:"auction_id"`
	Result           string              `json:"result"`
	Status           string              `json:"status"`
	WinnerID         string              `json:"winner_id,omitempty"`
	WinningPrice     decimal.NullDecimal `json:"winning_price_per_tonne_eur"`
	OrderID          string              `json:"order_id,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	DownstreamErrors []string            `json:"downstream_errors,omitempty"`
}

var (
	errTerminal  = errors.New("auction already final")
	errClaimed   = errors.New("settlement claimed by another caller")
	errClaimLost = errors.New("settlement claim lost")
)

// Settle closes an auction whose deadline has passed or that was bought
// outright. The first caller claims the auction; concurrent callers get an
// in-progress outcome and callers after completion get already_final.
//
// Order and ledger failures are logged and reported in the outcome but never
// undo the sale. A failed sale confirmation returns an error and leaves the
// claim to expire so a later call retries the whole pipeline. Every step is
// idempotent per auction.
func (s *Service) Settle(ctx context.Context, id string) (Outcome, error) {
	out, err := s.settle(ctx, id)
	switch {
	case err != nil:
		s.metrics.Settlements.WithLabelValues("error").Inc()
	default:
		s.metrics.Settlements.WithLabelValues(out.Result).Inc()
	}
	return out, err
}

func (s *Service) settle(ctx context.Context, id string) (Outcome, error) {
	now := s.now().UTC()
	a, err := s.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if a.IsTerminal() {
		return Outcome{AuctionID: id, Result: ResultAlreadyFinal, Status: a.Status}, nil
	}
	switch a.Status {
	case models.AuctionStatusScheduled:
		return Outcome{}, errs.Newf(errs.Validation, "auction %s has not started", id)
	case models.AuctionStatusActive:
		if !now.After(a.EffectiveEndsAt) {
			return Outcome{}, errs.Newf(errs.Validation, "auction %s runs until %s", id, a.EffectiveEndsAt.Format(time.RFC3339))
		}
	}

	claimID := uuid.New().String()
	var seen string
	a, err = s.update(ctx, id, func(a *models.Auction) error {
		seen = a.Status
		if a.IsTerminal() {
			return errTerminal
		}
		if a.ClaimHeld(now, s.lease) {
			return errClaimed
		}
		switch a.Status {
		case models.AuctionStatusActive:
			if !now.After(a.EffectiveEndsAt) {
				return errs.Newf(errs.Validation, "auction %s was extended to %s", id, a.EffectiveEndsAt.Format(time.RFC3339))
			}
			a.Status = models.AuctionStatusEnded
		case models.AuctionStatusEnded, models.AuctionStatusBoughtNow:
		default:
			return errs.Newf(errs.Validation, "cannot settle %s auction %s", a.Status, id)
		}
		claimedAt := now
		a.SettlementClaimID = claimID
		a.SettlementClaimedAt = &claimedAt
		a.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errTerminal):
		return Outcome{AuctionID: id, Result: ResultAlreadyFinal, Status: seen}, nil
	case errors.Is(err, errClaimed):
		return Outcome{AuctionID: id, Result: ResultInProgress, Status: seen}, nil
	case err != nil:
		return Outcome{}, err
	}

	switch {
	case a.BidCount == 0 || !a.CurrentHighBid.Valid:
		return s.settleFailed(ctx, a, claimID, "no bids")
	case !a.ReserveMet():
		return s.settleFailed(ctx, a, claimID, "reserve price not met")
	}
	return s.settleSold(ctx, a, claimID)
}

func (s *Service) settleFailed(ctx context.Context, a models.Auction, claimID, reason string) (Outcome, error) {
	failed, err := s.fail(ctx, a.ID, reason, claimID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{AuctionID: a.ID, Result: ResultFailed, Status: failed.Status, Reason: reason}, nil
}

func (s *Service) settleSold(ctx context.Context, a models.Auction, claimID string) (Outcome, error) {
	price := a.CurrentHighBid.Decimal
	out := Outcome{
		AuctionID:    a.ID,
		WinnerID:     a.CurrentHighBidderID,
		WinningPrice: a.CurrentHighBid,
	}

	s.markBids(ctx, a.ID, a.CurrentHighBidID)

	orderID, err := s.orders.CreateOrder(ctx, orders.Request{
		BuyerID:       a.CurrentHighBidderID,
		ListingID:     a.ListingID,
		AuctionID:     a.ID,
		Quantity:      a.Quantity,
		PricePerTonne: price,
	})
	if err != nil {
		s.downstream(&out, "order", err)
		orderID = ""
	}
	if orderID != "" {
		paymentRef, err := s.recordPayment(ctx, a, price)
		if err != nil {
			s.downstream(&out, "ledger", err)
		} else if err := s.orders.Complete(ctx, orderID, paymentRef); err != nil {
			s.downstream(&out, "order", err)
		}
	}
	out.OrderID = orderID

	if err := s.inventory.ConfirmSaleOnce(ctx, a.ListingID, saleReference(a.ID), a.Quantity); err != nil {
		s.metrics.DownstreamFailures.WithLabelValues("inventory").Inc()
		s.log.Error().Err(err).
			Str("auction_id", a.ID).
			Str("listing_id", a.ListingID).
			Str("order_id", orderID).
			Msg("sale confirmation failed after order and ledger entries, settlement will be retried when the claim expires")
		return Outcome{}, err
	}

	now := s.now().UTC()
	settled, err := s.update(ctx, a.ID, func(cur *models.Auction) error {
		if cur.SettlementClaimID != claimID {
			return errClaimLost
		}
		cur.Status = models.AuctionStatusSettled
		cur.WinnerID = cur.CurrentHighBidderID
		cur.WinningBidID = cur.CurrentHighBidID
		cur.WinningPrice = cur.CurrentHighBid
		cur.OrderID = orderID
		cur.SettledAt = &now
		cur.SettlementClaimID = ""
		cur.SettlementClaimedAt = nil
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errClaimLost) {
		s.log.Warn().Str("auction_id", a.ID).Msg("settlement claim expired before completion, another settlement took over")
		out.Result = ResultInProgress
		out.Status = models.AuctionStatusEnded
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	out.Result = ResultSettled
	out.Status = settled.Status
	s.log.Info().
		Str("auction_id", a.ID).
		Str("winner_id", settled.WinnerID).
		Str("price", price.String()).
		Str("order_id", orderID).
		Int("downstream_errors", len(out.DownstreamErrors)).
		Msg("auction settled")
	s.publish(auctionEvent(models.EventAuctionEnded, settled, now))
	return out, nil
}

// recordPayment books buyer -> escrow -> seller for the winning total and
// returns the purchase transfer id.
func (s *Service) recordPayment(ctx context.Context, a models.Auction, price decimal.Decimal) (string, error) {
	amount := ledger.ToMinor(price.Mul(a.Quantity).Round(2))
	purchaseID, err := s.ledger.RecordTransfer(ctx, ledger.Transfer{
		From:        ledger.BuyerAccount(a.CurrentHighBidderID),
		To:          ledger.EscrowAccount,
		AmountMinor: amount,
		Code:        ledger.CodePurchase,
		Reference:   "auction:" + a.ID + ":purchase",
	})
	if err != nil {
		return "", err
	}
	if _, err := s.ledger.RecordTransfer(ctx, ledger.Transfer{
		From:        ledger.EscrowAccount,
		To:          ledger.SellerAccount(a.SellerID),
		AmountMinor: amount,
		Code:        ledger.CodeSettlement,
		Reference:   "auction:" + a.ID + ":settlement",
	}); err != nil {
		return "", err
	}
	return purchaseID, nil
}

// markBids sets the winner to won and every other undecided bid to lost. An
// empty winnerID marks all of them lost. Bid statuses are informational; the
// auction's high-bid pointer decides the winner, so failures are only logged.
func (s *Service) markBids(ctx context.Context, auctionID, winnerID string) {
	bids, err := s.allBids(ctx, auctionID)
	if err != nil {
		s.log.Warn().Err(err).Str("auction_id", auctionID).Msg("failed to load bids for final status")
		return
	}
	for _, b := range bids {
		target := models.BidStatusLost
		if b.ID == winnerID {
			target = models.BidStatusWon
		}
		if !needsFinalStatus(b.Status, target) {
			continue
		}
		_, err := s.updateBid(ctx, b.ID, func(cur *models.Bid) error {
			if !needsFinalStatus(cur.Status, target) {
				return errUnchanged
			}
			cur.Status = target
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			s.log.Warn().Err(err).Str("bid_id", b.ID).Str("status", target).Msg("failed to set final bid status")
		}
	}
}

func needsFinalStatus(current, target string) bool {
	if target == models.BidStatusWon {
		return current != models.BidStatusWon
	}
	switch current {
	case models.BidStatusOutbid, models.BidStatusWon, models.BidStatusBuyNow,
		models.BidStatusRetracted, models.BidStatusLost:
		return false
	}
	return true
}

// downstream records an order or ledger failure that settlement carries on past.
func (s *Service) downstream(out *Outcome, target string, err error) {
	s.metrics.DownstreamFailures.WithLabelValues(target).Inc()
	s.log.Error().Err(err).
		Str("auction_id", out.AuctionID).
		Str("target", target).
		Msg("settlement downstream failure, sale stands and must be reconciled by hand")
	out.DownstreamErrors = append(out.DownstreamErrors,
		errs.Wrap(errs.DownstreamFailure, target+" failed", err).Error())
}

func saleReference(auctionID string) string {
	return "auction:" + auctionID
}
