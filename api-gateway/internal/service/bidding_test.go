package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/auction"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// stubAuctions replays queued PlaceBid/BuyNow errors, then accepts.
type stubAuctions struct {
	failures []error
	calls    int
	settled  []string
	settle   func(id string) (auction.Outcome, error)
}

func (s *stubAuctions) place(auctionID, bidderID string, amount decimal.Decimal, buyNow bool) (models.Bid, error) {
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return models.Bid{}, err
	}
	status := models.BidStatusActive
	if buyNow {
		status = models.BidStatusBuyNow
	}
	return models.Bid{
		ID:        "bid-1",
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		Status:    status,
		IsBuyNow:  buyNow,
	}, nil
}

func (s *stubAuctions) PlaceBid(_ context.Context, auctionID, bidderID string, amount decimal.Decimal, _ models.Origin) (models.Bid, error) {
	return s.place(auctionID, bidderID, amount, false)
}

func (s *stubAuctions) BuyNow(_ context.Context, auctionID, bidderID string, _ models.Origin) (models.Bid, error) {
	return s.place(auctionID, bidderID, decimal.NewFromInt(50), true)
}

func (s *stubAuctions) Settle(_ context.Context, id string) (auction.Outcome, error) {
	s.settled = append(s.settled, id)
	if s.settle != nil {
		return s.settle(id)
	}
	return auction.Outcome{AuctionID: id, Result: auction.ResultSettled, Status: models.AuctionStatusSettled}, nil
}

func conflict() error {
	return errs.New(errs.ConcurrentUpdateConflict, "too many concurrent updates to auctions/a1, retry")
}

func bidRequest(amount string) *models.BidRequest {
	return &models.BidRequest{Amount: decimal.RequireFromString(amount), PlacedBy: models.OriginHuman}
}

func TestPlaceBidResubmitsOnceAfterConflict(t *testing.T) {
	stub := &stubAuctions{failures: []error{conflict()}}
	svc := NewBiddingService(stub, zerolog.Nop())

	resp, err := svc.PlaceBid(context.Background(), "a1", "buyer-1", bidRequest("12.50"))
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("engine calls = %d, want 2", stub.calls)
	}
	if resp.Bid == nil || resp.Bid.ID != "bid-1" || resp.Settlement != "" {
		t.Fatalf("response = %+v", resp)
	}
	if len(stub.settled) != 0 {
		t.Fatalf("settled %v after a plain bid", stub.settled)
	}
}

func TestPlaceBidSurfacesSecondConflict(t *testing.T) {
	stub := &stubAuctions{failures: []error{conflict(), conflict()}}
	svc := NewBiddingService(stub, zerolog.Nop())

	_, err := svc.PlaceBid(context.Background(), "a1", "buyer-1", bidRequest("12.50"))
	if !errs.Is(err, errs.ConcurrentUpdateConflict) {
		t.Fatalf("err = %v, want concurrent_update_conflict", err)
	}
	if stub.calls != 2 {
		t.Fatalf("engine calls = %d, want 2", stub.calls)
	}
}

func TestPlaceBidDoesNotResubmitRejection(t *testing.T) {
	stub := &stubAuctions{failures: []error{errs.New(errs.Validation, "auction a1 has ended")}}
	svc := NewBiddingService(stub, zerolog.Nop())

	_, err := svc.PlaceBid(context.Background(), "a1", "buyer-1", bidRequest("12.50"))
	if !errs.Is(err, errs.Validation) || stub.calls != 1 {
		t.Fatalf("err = %v after %d calls, want validation after 1", err, stub.calls)
	}
}

func TestBuyNowSettlesImmediately(t *testing.T) {
	stub := &stubAuctions{}
	svc := NewBiddingService(stub, zerolog.Nop())

	resp, err := svc.BuyNow(context.Background(), "a1", "buyer-1", models.OriginAgent)
	if err != nil {
		t.Fatalf("buy now: %v", err)
	}
	if resp.Settlement != auction.ResultSettled || !resp.Bid.IsBuyNow {
		t.Fatalf("response = %+v, want settled buy-now", resp)
	}
	if len(stub.settled) != 1 || stub.settled[0] != "a1" {
		t.Fatalf("settled = %v, want [a1]", stub.settled)
	}
}

func TestBuyNowSettlementFailureIsPending(t *testing.T) {
	stub := &stubAuctions{settle: func(string) (auction.Outcome, error) {
		return auction.Outcome{}, errors.New("listing store unavailable")
	}}
	svc := NewBiddingService(stub, zerolog.Nop())

	resp, err := svc.BuyNow(context.Background(), "a1", "buyer-1", models.OriginHuman)
	if err != nil {
		t.Fatalf("buy now: %v", err)
	}
	if resp.Settlement != "pending" || resp.Bid == nil {
		t.Fatalf("response = %+v, want pending settlement with the bid", resp)
	}
}
