package service

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/auction"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// Auctions is the part of the auction engine the bidding service drives.
// *auction.Service implements it.
type Auctions interface {
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal, origin models.Origin) (models.Bid, error)
	BuyNow(ctx context.Context, auctionID, bidderID string, origin models.Origin) (models.Bid, error)
	Settle(ctx context.Context, id string) (auction.Outcome, error)
}

// BiddingService handles the request-level policy around the auction engine:
// one automatic resubmit when a bid loses the compare-and-swap race, and an
// immediate settlement attempt after a buy-now.
type BiddingService struct {
	auctions Auctions
	log      zerolog.Logger
}

// NewBiddingService creates a new bidding service
func NewBiddingService(auctions Auctions, log zerolog.Logger) *BiddingService {
	return &BiddingService{auctions: auctions, log: log}
}

// PlaceBid handles the complete bid placement workflow:
// 1. Place the bid through the engine
// 2. Resubmit once if the auction update kept conflicting
// 3. Settle at once if the bid hit the buy-now price
func (s *BiddingService) PlaceBid(ctx context.Context, auctionID, bidderID string, req *models.BidRequest) (*models.BidResponse, error) {
	return s.submit(ctx, auctionID, func() (models.Bid, error) {
		return s.auctions.PlaceBid(ctx, auctionID, bidderID, req.Amount, req.PlacedBy)
	})
}

// BuyNow bids the auction's buy-now price and settles it.
func (s *BiddingService) BuyNow(ctx context.Context, auctionID, bidderID string, origin models.Origin) (*models.BidResponse, error) {
	return s.submit(ctx, auctionID, func() (models.Bid, error) {
		return s.auctions.BuyNow(ctx, auctionID, bidderID, origin)
	})
}

func (s *BiddingService) submit(ctx context.Context, auctionID string, place func() (models.Bid, error)) (*models.BidResponse, error) {
	bid, err := place()
	if errs.IsRetryable(err) {
		s.log.Info().Str("auction_id", auctionID).Msg("bid conflicted, resubmitting once")
		bid, err = place()
	}
	if err != nil {
		return nil, err
	}

	resp := &models.BidResponse{Bid: &bid}
	if bid.IsBuyNow {
		resp.Settlement = s.settle(ctx, auctionID)
	}
	return resp, nil
}

// settle runs settlement right after a buy-now. The bid already stands, so a
// failure only delays settlement until the scheduler picks the auction up.
func (s *BiddingService) settle(ctx context.Context, auctionID string) string {
	out, err := s.auctions.Settle(context.WithoutCancel(ctx), auctionID)
	if err != nil {
		s.log.Warn().Err(err).Str("auction_id", auctionID).Msg("immediate settlement failed, scheduler will retry")
		return "pending"
	}
	return out.Result
}
