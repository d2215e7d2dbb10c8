package auction

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// CreateParams describes a new auction.
type CreateParams struct {
	ListingID  string
	Config     models.AuctionConfig
	Quantity   decimal.Decimal
	StartsAt   time.Time
	EndsAt     time.Time
	CreatedBy  models.Origin
	AgentRunID string
}

// ParamsFromRequest converts an API request into CreateParams relative to now.
func ParamsFromRequest(req models.CreateAuctionRequest, now time.Time) CreateParams {
	hours := req.DurationHours
	if hours <= 0 {
		hours = models.DefaultDurationHours
	}
	antiSnipe := models.DefaultAntiSnipeMins
	if req.AutoExtendMin != nil {
		antiSnipe = *req.AutoExtendMin
	}
	startsAt := now.Add(time.Duration(req.StartsInMins) * time.Minute)
	return CreateParams{
		ListingID: req.ListingID,
		Config: models.AuctionConfig{
			StartingPrice:    req.StartingPrice,
			ReservePrice:     req.ReservePrice,
			BuyNowPrice:      req.BuyNowPrice,
			MinIncrement:     req.MinIncrement,
			AntiSnipeMinutes: antiSnipe,
		},
		Quantity:  req.Quantity,
		StartsAt:  startsAt,
		EndsAt:    startsAt.Add(time.Duration(hours * float64(time.Hour))),
		CreatedBy: req.CreatedBy,
	}
}

// SearchParams filters Search. A set MaxCurrentBid also admits auctions
// without any bid.
type SearchParams struct {
	Status        string
	SellerID      string
	MaxCurrentBid decimal.NullDecimal
	Limit         int
	Offset        int
}

// errUnchanged aborts an update that has nothing to write.
var errUnchanged = errors.New("unchanged")

// Create reserves qty on the listing and opens an auction over it. The
// auction is scheduled when it starts in the future and active otherwise.
func (s *Service) Create(ctx context.Context, sellerID string, p CreateParams) (models.Auction, error) {
	now := s.now().UTC()
	cfg := p.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return models.Auction{}, errs.Wrap(errs.Validation, "invalid auction config", err)
	}
	switch {
	case sellerID == "":
		return models.Auction{}, errs.New(errs.Validation, "seller is required")
	case !p.Quantity.IsPositive():
		return models.Auction{}, errs.New(errs.Validation, "auction quantity must be positive")
	case !p.EndsAt.After(p.StartsAt):
		return models.Auction{}, errs.New(errs.Validation, "auction must end after it starts")
	case !p.EndsAt.After(now):
		return models.Auction{}, errs.New(errs.Validation, "auction end time is in the past")
	}
	origin := p.CreatedBy
	if origin == "" {
		origin = models.OriginHuman
	}
	if origin != models.OriginHuman && origin != models.OriginAgent {
		return models.Auction{}, errs.Newf(errs.Validation, "unknown origin %q", origin)
	}

	listing, err := s.inventory.Get(ctx, p.ListingID)
	if err != nil {
		return models.Auction{}, err
	}
	if listing.SellerID != sellerID {
		return models.Auction{}, errs.Newf(errs.Validation, "listing %s does not belong to seller %s", listing.ID, sellerID)
	}
	if listing.Status != models.ListingStatusActive {
		return models.Auction{}, errs.Newf(errs.Validation, "listing %s is %s, not active", listing.ID, listing.Status)
	}
	if err := s.inventory.Reserve(ctx, listing.ID, p.Quantity); err != nil {
		return models.Auction{}, err
	}

	status := models.AuctionStatusActive
	if p.StartsAt.After(now) {
		status = models.AuctionStatusScheduled
	}
	a := models.Auction{
		ID:              uuid.New().String(),
		SellerID:        sellerID,
		ListingID:       listing.ID,
		CreatedBy:       origin,
		AgentRunID:      p.AgentRunID,
		Config:          cfg,
		Quantity:        p.Quantity,
		StartsAt:        p.StartsAt.UTC(),
		EndsAt:          p.EndsAt.UTC(),
		EffectiveEndsAt: p.EndsAt.UTC(),
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.auctions.Create(ctx, a.ID, a); err != nil {
		s.release(ctx, a, "create_failed")
		return models.Auction{}, docstore.Classify(err, "auction", a.ID)
	}

	s.log.Info().
		Str("auction_id", a.ID).
		Str("listing_id", a.ListingID).
		Str("qty", a.Quantity.String()).
		Str("status", a.Status).
		Msg("auction created")
	s.publish(auctionEvent(models.EventAuctionCreated, a, now))
	return a, nil
}

// Get returns one auction.
func (s *Service) Get(ctx context.Context, id string) (models.Auction, error) {
	rec, err := s.auctions.Get(ctx, id)
	if err != nil {
		return models.Auction{}, docstore.Classify(err, "auction", id)
	}
	return rec.Value, nil
}

// Search returns auctions newest first. Limit defaults to 50 and is capped at 100.
func (s *Service) Search(ctx context.Context, p SearchParams) ([]models.Auction, error) {
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultSearchLimit
	case p.Limit > MaxSearchLimit:
		p.Limit = MaxSearchLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return s.query(ctx, p)
}

// GetBySeller returns a seller's auctions, newest first.
func (s *Service) GetBySeller(ctx context.Context, sellerID string, limit int) ([]models.Auction, error) {
	return s.Search(ctx, SearchParams{SellerID: sellerID, Limit: limit})
}

// ListByStatus returns auctions in one status, newest first. Unlike Search
// it is not capped; a zero limit returns every match.
func (s *Service) ListByStatus(ctx context.Context, status string, limit int) ([]models.Auction, error) {
	return s.query(ctx, SearchParams{Status: status, Limit: limit})
}

func (s *Service) query(ctx context.Context, p SearchParams) ([]models.Auction, error) {
	var where []docstore.Condition
	if p.Status != "" {
		where = append(where, docstore.Eq("status", p.Status))
	}
	if p.SellerID != "" {
		where = append(where, docstore.Eq("seller_id", p.SellerID))
	}
	if p.MaxCurrentBid.Valid {
		where = append(where, docstore.AtMostOrNull("current_high_bid_eur", p.MaxCurrentBid.Decimal))
	}
	recs, err := s.auctions.Query(ctx, docstore.Query{Where: where, Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		return nil, docstore.Classify(err, "auction search", "")
	}
	out := make([]models.Auction, len(recs))
	for i, r := range recs {
		out[i] = r.Value
	}
	return out, nil
}

// Bids returns an auction's bids, highest amount first and earliest first
// among equal amounts. Limit defaults to 100.
func (s *Service) Bids(ctx context.Context, auctionID string, limit int) ([]models.Bid, error) {
	if limit <= 0 {
		limit = DefaultBidsLimit
	}
	bids, err := s.allBids(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if c := bids[i].Amount.Cmp(bids[j].Amount); c != 0 {
			return c > 0
		}
		return bids[i].PlacedAt.Before(bids[j].PlacedAt)
	})
	if len(bids) > limit {
		bids = bids[:limit]
	}
	return bids, nil
}

// BidsByBidder returns a bidder's bids across auctions, newest first.
func (s *Service) BidsByBidder(ctx context.Context, bidderID string, limit int) ([]models.Bid, error) {
	if limit <= 0 {
		limit = DefaultBidsLimit
	}
	recs, err := s.bids.Query(ctx, docstore.Query{
		Where: []docstore.Condition{docstore.Eq("bidder_id", bidderID)},
		Limit: limit,
	})
	if err != nil {
		return nil, docstore.Classify(err, "bids of bidder", bidderID)
	}
	out := make([]models.Bid, len(recs))
	for i, r := range recs {
		out[i] = r.Value
	}
	return out, nil
}

func (s *Service) allBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	recs, err := s.bids.Query(ctx, docstore.Query{
		Where: []docstore.Condition{docstore.Eq("auction_id", auctionID)},
	})
	if err != nil {
		return nil, docstore.Classify(err, "bids of auction", auctionID)
	}
	out := make([]models.Bid, len(recs))
	for i, r := range recs {
		out[i] = r.Value
	}
	return out, nil
}

// Activate opens a scheduled auction for bidding.
func (s *Service) Activate(ctx context.Context, id string) (models.Auction, error) {
	now := s.now().UTC()
	a, err := s.update(ctx, id, func(a *models.Auction) error {
		if a.Status != models.AuctionStatusScheduled {
			return errs.Newf(errs.Validation, "auction %s is %s, not scheduled", id, a.Status)
		}
		a.Status = models.AuctionStatusActive
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Auction{}, err
	}
	s.log.Info().Str("auction_id", id).Msg("auction activated")
	s.publish(auctionEvent(models.EventAuctionUpdate, a, now))
	return a, nil
}

// Cancel withdraws an auction nobody has bid on and returns its quantity to
// the listing.
func (s *Service) Cancel(ctx context.Context, id string) (models.Auction, error) {
	now := s.now().UTC()
	a, err := s.update(ctx, id, func(a *models.Auction) error {
		if a.Status != models.AuctionStatusScheduled && a.Status != models.AuctionStatusActive {
			return errs.Newf(errs.Validation, "cannot cancel %s auction %s", a.Status, id)
		}
		if a.BidCount > 0 {
			return errs.Newf(errs.Validation, "cannot cancel auction %s with %d bids", id, a.BidCount)
		}
		a.Status = models.AuctionStatusCancelled
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Auction{}, err
	}
	s.release(ctx, a, "cancelled")
	s.log.Info().Str("auction_id", id).Msg("auction cancelled")
	s.publish(auctionEvent(models.EventAuctionEnded, a, now))
	return a, nil
}

// Fail closes an active or ended auction without a sale and returns its
// quantity to the listing. It refuses while a settlement holds a live claim.
func (s *Service) Fail(ctx context.Context, id, reason string) (models.Auction, error) {
	return s.fail(ctx, id, reason, "")
}

// fail is Fail on behalf of the settlement holding claimID.
func (s *Service) fail(ctx context.Context, id, reason, claimID string) (models.Auction, error) {
	now := s.now().UTC()
	a, err := s.update(ctx, id, func(a *models.Auction) error {
		if a.Status != models.AuctionStatusActive && a.Status != models.AuctionStatusEnded {
			return errs.Newf(errs.Validation, "cannot fail %s auction %s", a.Status, id)
		}
		if a.SettlementClaimID != claimID && a.ClaimHeld(now, s.lease) {
			return errs.Newf(errs.Validation, "auction %s is being settled", id)
		}
		a.Status = models.AuctionStatusFailed
		a.FailureReason = reason
		a.SettlementClaimID = ""
		a.SettlementClaimedAt = nil
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Auction{}, err
	}
	s.release(ctx, a, "failed")
	s.markBids(ctx, id, "")
	s.log.Info().Str("auction_id", id).Str("reason", reason).Msg("auction failed")
	s.publish(auctionEvent(models.EventAuctionEnded, a, now))
	return a, nil
}

// release returns an auction's reservation. The auction state is already
// final, so a failure is logged for reconciliation and not returned.
func (s *Service) release(ctx context.Context, a models.Auction, why string) {
	if err := s.inventory.Release(ctx, a.ListingID, a.Quantity); err != nil {
		s.metrics.DownstreamFailures.WithLabelValues("inventory").Inc()
		s.log.Error().Err(err).
			Str("auction_id", a.ID).
			Str("listing_id", a.ListingID).
			Str("qty", a.Quantity.String()).
			Str("reason", why).
			Msg("inventory release failed, reservation must be reconciled by hand")
	}
}
