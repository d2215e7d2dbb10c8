// Package inventory reserves, releases and sells listing quantity. Every
// change is a compare-and-swap on the listing record, so concurrent callers
// can never drive reserved + sold above the listed total.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// Collection is the document collection holding listings.
const Collection = "listings"

// Config wires a Controller.
type Config struct {
	Store   docstore.Store
	Policy  docstore.RetryPolicy
	Metrics *metrics.Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

// Controller owns every write to listing quantities.
type Controller struct {
	listings *docstore.Collection[models.Listing]
	policy   docstore.RetryPolicy
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	policy := cfg.Policy
	if policy.MaxRetries == 0 && policy.InitialBackoff == 0 {
		policy = docstore.DefaultRetryPolicy()
		policy.Sleep = cfg.Policy.Sleep
	}
	if policy.OnConflict == nil {
		policy.OnConflict = cfg.Metrics.CASConflict
	}
	return &Controller{
		listings: docstore.NewCollection[models.Listing](cfg.Store, Collection),
		policy:   policy,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
		now:      cfg.Now,
	}
}

// Reserve carves qty out of the listing's available quantity. A negative qty
// releases |qty| instead.
func (c *Controller) Reserve(ctx context.Context, listingID string, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return c.Release(ctx, listingID, qty.Neg())
	}
	if qty.IsZero() {
		return errs.New(errs.Validation, "reserve quantity must not be zero")
	}

	err := c.update(ctx, "reserve", listingID, func(l *models.Listing) error {
		unsold := l.Quantity.Sub(l.Sold)
		next := l.Reserved.Add(qty)
		if next.GreaterThan(unsold) {
			return errs.Newf(errs.InsufficientAvailability,
				"listing %s has %s tonnes available, %s requested", listingID, unsold.Sub(l.Reserved), qty)
		}
		l.Reserved = next
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Debug().Str("listing_id", listingID).Str("qty", qty.String()).Msg("inventory reserved")
	return nil
}

// Release returns |qty| to the available pool. reserved never drops below zero.
func (c *Controller) Release(ctx context.Context, listingID string, qty decimal.Decimal) error {
	qty = qty.Abs()
	err := c.update(ctx, "release", listingID, func(l *models.Listing) error {
		l.Reserved = decimal.Max(l.Reserved.Sub(qty), decimal.Zero)
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Debug().Str("listing_id", listingID).Str("qty", qty.String()).Msg("inventory released")
	return nil
}

// ConfirmSale moves qty from reserved to sold in a single write and marks the
// listing sold out once nothing is left.
func (c *Controller) ConfirmSale(ctx context.Context, listingID string, qty decimal.Decimal) error {
	return c.confirmSale(ctx, listingID, qty, "")
}

// ConfirmSaleOnce is ConfirmSale keyed by reference. A reference already
// recorded on the listing makes the call a no-op, so a repeated settlement
// never sells the same tonnes twice.
func (c *Controller) ConfirmSaleOnce(ctx context.Context, listingID, reference string, qty decimal.Decimal) error {
	if reference == "" {
		return errs.New(errs.Validation, "sale reference is required")
	}
	return c.confirmSale(ctx, listingID, qty, reference)
}

func (c *Controller) confirmSale(ctx context.Context, listingID string, qty decimal.Decimal, reference string) error {
	if !qty.IsPositive() {
		return errs.New(errs.Validation, "sale quantity must be positive")
	}
	repeated := false
	err := c.update(ctx, "confirm_sale", listingID, func(l *models.Listing) error {
		if reference != "" && l.HasSale(reference) {
			repeated = true
			return errUnchanged
		}
		if qty.GreaterThan(l.Reserved) {
			return errs.Newf(errs.Validation,
				"listing %s: sale of %s exceeds reserved %s", listingID, qty, l.Reserved)
		}
		l.Reserved = l.Reserved.Sub(qty)
		l.Sold = l.Sold.Add(qty)
		if reference != "" {
			l.SaleReferences = append(l.SaleReferences, reference)
		}
		if l.Sold.GreaterThanOrEqual(l.Quantity) {
			l.Status = models.ListingStatusSoldOut
		}
		return nil
	})
	if err != nil {
		return err
	}
	if repeated {
		c.log.Info().Str("listing_id", listingID).Str("reference", reference).Msg("sale already confirmed")
		return nil
	}
	c.log.Info().Str("listing_id", listingID).Str("qty", qty.String()).Str("reference", reference).Msg("inventory sold")
	return nil
}

// CreateListing stores a new listing for sellerID.
func (c *Controller) CreateListing(ctx context.Context, sellerID string, req models.CreateListingRequest) (models.Listing, error) {
	status := req.Status
	if status == "" {
		status = models.ListingStatusDraft
	}
	if status != models.ListingStatusDraft && status != models.ListingStatusActive {
		return models.Listing{}, errs.Newf(errs.Validation, "new listing status must be draft or active, got %q", status)
	}
	projectType := req.ProjectType
	if projectType == "" {
		projectType = "other"
	}
	if !knownProjectType(projectType) {
		return models.Listing{}, errs.Newf(errs.Validation, "unknown project type %q", projectType)
	}
	if req.ProjectName == "" || req.RegistryName == "" {
		return models.Listing{}, errs.New(errs.Validation, "project_name and registry_name are required")
	}
	if !req.PricePerTonne.IsPositive() {
		return models.Listing{}, errs.New(errs.Validation, "price_per_tonne_eur must be positive")
	}

	now := c.now().UTC()
	l := models.Listing{
		ID:                uuid.New().String(),
		SellerID:          sellerID,
		RegistryName:      req.RegistryName,
		RegistryProjectID: req.RegistryProjectID,
		ProjectName:       req.ProjectName,
		ProjectType:       projectType,
		ProjectCountry:    req.ProjectCountry,
		VintageYear:       req.VintageYear,
		Quantity:          req.Quantity,
		PricePerTonne:     req.PricePerTonne,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.Validate(); err != nil {
		return models.Listing{}, errs.Wrap(errs.Validation, "invalid listing", err)
	}
	if _, err := c.listings.Create(ctx, l.ID, l); err != nil {
		return models.Listing{}, docstore.Classify(err, "listing", l.ID)
	}
	return l, nil
}

// Get returns one listing.
func (c *Controller) Get(ctx context.Context, listingID string) (models.Listing, error) {
	rec, err := c.listings.Get(ctx, listingID)
	if err != nil {
		return models.Listing{}, docstore.Classify(err, "listing", listingID)
	}
	return rec.Value, nil
}

// ListBySeller returns a seller's listings, newest first.
func (c *Controller) ListBySeller(ctx context.Context, sellerID string, limit int) ([]models.Listing, error) {
	recs, err := c.listings.Query(ctx, docstore.Query{
		Where: []docstore.Condition{docstore.Eq("seller_id", sellerID)},
		Limit: limit,
	})
	if err != nil {
		return nil, docstore.Classify(err, "listings of seller", sellerID)
	}
	out := make([]models.Listing, len(recs))
	for i, r := range recs {
		out[i] = r.Value
	}
	return out, nil
}

// SetStatus moves a listing between draft, active and paused. sold_out is
// only ever set by ConfirmSale.
func (c *Controller) SetStatus(ctx context.Context, listingID, sellerID, status string) (models.Listing, error) {
	switch status {
	case models.ListingStatusDraft, models.ListingStatusActive, models.ListingStatusPaused:
	default:
		return models.Listing{}, errs.Newf(errs.Validation, "cannot set listing status to %q", status)
	}
	rec, err := docstore.Update(ctx, c.listings, listingID, c.policy, func(l *models.Listing) error {
		if l.SellerID != sellerID {
			return errs.Newf(errs.Validation, "listing %s does not belong to seller %s", listingID, sellerID)
		}
		if l.Status == models.ListingStatusSoldOut {
			return errs.Newf(errs.Validation, "listing %s is sold out", listingID)
		}
		l.Status = status
		l.UpdatedAt = c.now().UTC()
		return nil
	})
	if err != nil {
		return models.Listing{}, docstore.Classify(err, "listing", listingID)
	}
	return rec.Value, nil
}

// errUnchanged aborts an update that has nothing to write.
var errUnchanged = errors.New("unchanged")

func (c *Controller) update(ctx context.Context, op, listingID string, mutate func(*models.Listing) error) error {
	_, err := docstore.Update(ctx, c.listings, listingID, c.policy, func(l *models.Listing) error {
		if err := mutate(l); err != nil {
			return err
		}
		l.UpdatedAt = c.now().UTC()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(docstore.Classify(err, "listing", listingID)))
		if errs.Is(err, errs.ConcurrentUpdateConflict) {
			c.metrics.CASExhausted.WithLabelValues(Collection).Inc()
		}
		if !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("op", op).Str("listing_id", listingID).Msg("inventory operation failed")
		}
	}
	c.metrics.InventoryOps.WithLabelValues(op, result).Inc()
	return docstore.Classify(err, "listing", listingID)
}

func knownProjectType(t string) bool {
	for _, known := range models.ProjectTypes {
		if known == t {
			return true
		}
	}
	return false
}
