// Package auction runs English auctions over listing inventory: creation,
// bid placement with anti-sniping, and settlement into orders and ledger
// transfers. Every state change is a compare-and-swap on the auction record;
// there are no locks.
package auction

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/events"
	"github.com/aaronwang/carbon-exchange/shared/ledger"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/models"
	"github.com/aaronwang/carbon-exchange/shared/orders"
	"github.com/aaronwang/carbon-exchange/shared/tasks"
)

// Document collections
const (
	Collection    = "auctions"
	BidCollection = "bids"
)

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 100
	DefaultBidsLimit   = 100
	DefaultClaimLease  = 2 * time.Minute
)

// Inventory is the part of the inventory controller the engine needs.
type Inventory interface {
	Get(ctx context.Context, listingID string) (models.Listing, error)
	Reserve(ctx context.Context, listingID string, qty decimal.Decimal) error
	Release(ctx context.Context, listingID string, qty decimal.Decimal) error
	ConfirmSaleOnce(ctx context.Context, listingID, reference string, qty decimal.Decimal) error
}

// Orders creates and completes the winner's order.
type Orders interface {
	CreateOrder(ctx context.Context, req orders.Request) (string, error)
	Complete(ctx context.Context, orderID, paymentRef string) error
}

// Deps wires a Service. Store, Inventory, Orders and Ledger are required.
type Deps struct {
	Store     docstore.Store
	Inventory Inventory
	Orders    Orders
	Ledger    ledger.Ledger
	Events    events.Publisher // defaults to events.Nop
	Tasks     tasks.Dispatcher // defaults to tasks.Inline
	Metrics   *metrics.Metrics // defaults to an unregistered set
	Log       zerolog.Logger
	Now       func() time.Time
	Policy    docstore.RetryPolicy // zero means docstore.DefaultRetryPolicy
	Lease     time.Duration        // settlement claim lease, defaults to DefaultClaimLease
}

// Service is the auction engine.
type Service struct {
	auctions  *docstore.Collection[models.Auction]
	bids      *docstore.Collection[models.Bid]
	inventory Inventory
	orders    Orders
	ledger    ledger.Ledger
	events    events.Publisher
	tasks     tasks.Dispatcher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	policy    docstore.RetryPolicy
	lease     time.Duration
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Tasks == nil {
		d.Tasks = tasks.Inline{Log: d.Log}
	}
	if d.Lease <= 0 {
		d.Lease = DefaultClaimLease
	}
	policy := d.Policy
	if policy.MaxRetries == 0 && policy.InitialBackoff == 0 {
		policy = docstore.DefaultRetryPolicy()
		policy.Sleep = d.Policy.Sleep
	}
	if policy.OnConflict == nil {
		policy.OnConflict = d.Metrics.CASConflict
	}
	return &Service{
		auctions:  docstore.NewCollection[models.Auction](d.Store, Collection),
		bids:      docstore.NewCollection[models.Bid](d.Store, BidCollection),
		inventory: d.Inventory,
		orders:    d.Orders,
		ledger:    d.Ledger,
		events:    d.Events,
		tasks:     d.Tasks,
		metrics:   d.Metrics,
		log:       d.Log,
		now:       d.Now,
		policy:    policy,
		lease:     d.Lease,
	}
}

// update is docstore.Update on the auctions collection with exhaustion
// counted and store errors classified. errUnchanged is returned as is.
func (s *Service) update(ctx context.Context, id string, mutate func(*models.Auction) error) (models.Auction, error) {
	rec, err := docstore.Update(ctx, s.auctions, id, s.policy, mutate)
	if err != nil {
		return models.Auction{}, s.classify(err, Collection, "auction", id)
	}
	return rec.Value, nil
}

func (s *Service) updateBid(ctx context.Context, id string, mutate func(*models.Bid) error) (models.Bid, error) {
	rec, err := docstore.Update(ctx, s.bids, id, s.policy, mutate)
	if err != nil {
		return models.Bid{}, s.classify(err, BidCollection, "bid", id)
	}
	return rec.Value, nil
}

func (s *Service) classify(err error, collection, kind, id string) error {
	if errors.Is(err, errUnchanged) {
		return errUnchanged
	}
	err = docstore.Classify(err, kind, id)
	if isExhausted(err) {
		s.metrics.CASExhausted.WithLabelValues(collection).Inc()
	}
	return err
}

// dispatch hands a best-effort side effect to the task queue.
func (s *Service) dispatch(name string, run func(ctx context.Context) error) {
	s.tasks.Dispatch(tasks.Task{Name: name, Run: run})
}
