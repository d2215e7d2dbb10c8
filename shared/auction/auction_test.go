package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/errs"
	"github.com/aaronwang/carbon-exchange/shared/inventory"
	"github.com/aaronwang/carbon-exchange/shared/ledger"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/models"
	"github.com/aaronwang/carbon-exchange/shared/orders"
	"github.com/aaronwang/carbon-exchange/shared/tasks"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func noSleep(context.Context, time.Duration) error { return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dur)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []models.AuctionEvent
}

func (r *recorder) Publish(_ context.Context, e models.AuctionEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// flakyInventory fails ConfirmSaleOnce a set number of times.
type flakyInventory struct {
	*inventory.Controller
	mu       sync.Mutex
	failures int
}

func (f *flakyInventory) ConfirmSaleOnce(ctx context.Context, listingID, ref string, qty decimal.Decimal) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errs.New(errs.Internal, "listing store unavailable")
	}
	f.mu.Unlock()
	return f.Controller.ConfirmSaleOnce(ctx, listingID, ref, qty)
}

type brokenLedger struct{}

func (brokenLedger) RecordTransfer(context.Context, ledger.Transfer) (string, error) {
	return "", errors.New("ledger cluster unreachable")
}

func (brokenLedger) Balance(context.Context, string) (int64, error) { return 0, nil }

type fixture struct {
	svc     *Service
	inv     *inventory.Controller
	orders  *orders.Service
	ledger  *ledger.Memory
	events  *recorder
	metrics *metrics.Metrics
	clock   *clock
	listing models.Listing
}

type option func(*Deps, *fixture)

func withInventory(wrap func(*inventory.Controller) Inventory) option {
	return func(d *Deps, f *fixture) { d.Inventory = wrap(f.inv) }
}

func withLedger(l ledger.Ledger) option {
	return func(d *Deps, _ *fixture) { d.Ledger = l }
}

func withStore(wrap func(docstore.Store) docstore.Store) option {
	return func(d *Deps, _ *fixture) { d.Store = wrap(d.Store) }
}

func withPolicy(p docstore.RetryPolicy) option {
	return func(d *Deps, _ *fixture) { d.Policy = p }
}

// failingAuctionWrites answers every auction write with err and counts
// the attempts. Other collections pass through.
type failingAuctionWrites struct {
	docstore.Store
	err error

	mu       sync.Mutex
	attempts int
}

func (s *failingAuctionWrites) PutIfVersion(ctx context.Context, collection, id string, data []byte, expected docstore.Version) (docstore.Version, error) {
	if collection != Collection {
		return s.Store.PutIfVersion(ctx, collection, id, data, expected)
	}
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return 0, s.err
}

func (s *failingAuctionWrites) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func newFixture(t testing.TB, total string, opts ...option) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	store := docstore.NewMemory(docstore.WithClock(clk.Now))
	m := metrics.New(prometheus.NewRegistry())
	policy := docstore.RetryPolicy{MaxRetries: 1000, Sleep: noSleep}

	f := &fixture{
		inv: inventory.New(inventory.Config{
			Store: store, Policy: policy, Metrics: m, Log: zerolog.Nop(), Now: clk.Now,
		}),
		orders:  orders.New(store, policy, clk.Now),
		ledger:  ledger.NewMemory(),
		events:  &recorder{},
		metrics: m,
		clock:   clk,
	}
	deps := Deps{
		Store:     store,
		Inventory: f.inv,
		Orders:    f.orders,
		Ledger:    f.ledger,
		Events:    f.events,
		Tasks:     tasks.Inline{Log: zerolog.Nop()},
		Metrics:   m,
		Log:       zerolog.Nop(),
		Now:       clk.Now,
		Policy:    policy,
	}
	for _, o := range opts {
		o(&deps, f)
	}
	f.svc = New(deps)

	l, err := f.inv.CreateListing(context.Background(), "seller-1", models.CreateListingRequest{
		RegistryName:  "Gold Standard",
		ProjectName:   "Kasigau Corridor",
		ProjectType:   "afforestation",
		VintageYear:   2022,
		Quantity:      d(total),
		PricePerTonne: d("12.00"),
		Status:        models.ListingStatusActive,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	f.listing = l
	return f
}

func (f *fixture) params(qty string, cfg models.AuctionConfig) CreateParams {
	now := f.clock.Now()
	return CreateParams{
		ListingID: f.listing.ID,
		Config:    cfg,
		Quantity:  d(qty),
		StartsAt:  now,
		EndsAt:    now.Add(time.Hour),
	}
}

func (f *fixture) create(t testing.TB, qty string, cfg models.AuctionConfig) models.Auction {
	t.Helper()
	a, err := f.svc.Create(context.Background(), "seller-1", f.params(qty, cfg))
	if err != nil {
		t.Fatalf("create auction: %v", err)
	}
	return a
}

func (f *fixture) auction(t testing.TB, id string) models.Auction {
	t.Helper()
	a, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	return a
}

func (f *fixture) bid(t testing.TB, auctionID, bidderID, amount string) models.Bid {
	t.Helper()
	b, err := f.svc.PlaceBid(context.Background(), auctionID, bidderID, d(amount), models.OriginHuman)
	if err != nil {
		t.Fatalf("bid %s by %s: %v", amount, bidderID, err)
	}
	return b
}

func (f *fixture) bidStatus(t testing.TB, bidID string) string {
	t.Helper()
	rec, err := f.svc.bids.Get(context.Background(), bidID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	return rec.Value.Status
}

func (f *fixture) getListing(t testing.TB) models.Listing {
	t.Helper()
	l, err := f.inv.Get(context.Background(), f.listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	return l
}

func starting(price string) models.AuctionConfig {
	return models.AuctionConfig{StartingPrice: d(price), AntiSnipeMinutes: models.DefaultAntiSnipeMins}
}

// --- Lifecycle ---

func TestCreateReservesInventory(t *testing.T) {
	f := newFixture(t, "100")
	a := f.create(t, "100", starting("10.00"))

	if a.Status != models.AuctionStatusActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	if !a.EffectiveEndsAt.Equal(a.EndsAt) {
		t.Fatalf("effective_ends_at = %v, want %v", a.EffectiveEndsAt, a.EndsAt)
	}
	if !a.Config.MinIncrement.Equal(models.DefaultMinIncrement) || a.Config.ExtensionMinutes != models.DefaultExtensionMins {
		t.Fatalf("config defaults not applied: %+v", a.Config)
	}
	if got := f.getListing(t).Reserved; !got.Equal(d("100")) {
		t.Fatalf("reserved = %s, want 100", got)
	}

	_, err := f.svc.Create(context.Background(), "seller-1", f.params("1", starting("10.00")))
	if !errs.Is(err, errs.InsufficientAvailability) {
		t.Fatalf("second auction err = %v, want insufficient_availability", err)
	}
	list, err := f.svc.GetBySeller(context.Background(), "seller-1", 0)
	if err != nil {
		t.Fatalf("get by seller: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("auctions = %d, want 1", len(list))
	}
}

func TestCreateRejects(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	tests := []struct {
		name   string
		seller string
		edit   func(*CreateParams)
	}{
		{"foreign listing", "seller-2", func(*CreateParams) {}},
		{"zero quantity", "seller-1", func(p *CreateParams) { p.Quantity = decimal.Zero }},
		{"ends before start", "seller-1", func(p *CreateParams) { p.EndsAt = p.StartsAt.Add(-time.Minute) }},
		{"ends in the past", "seller-1", func(p *CreateParams) {
			p.StartsAt = p.StartsAt.Add(-2 * time.Hour)
			p.EndsAt = p.StartsAt.Add(time.Hour)
		}},
		{"reserve below start", "seller-1", func(p *CreateParams) { p.Config.ReservePrice = nd("5") }},
		{"buy-now below reserve", "seller-1", func(p *CreateParams) {
			p.Config.ReservePrice = nd("30")
			p.Config.BuyNowPrice = nd("20")
		}},
		{"unknown origin", "seller-1", func(p *CreateParams) { p.CreatedBy = "robot" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := f.params("10", starting("10.00"))
			tt.edit(&p)
			if _, err := f.svc.Create(ctx, tt.seller, p); !errs.Is(err, errs.Validation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
	if got := f.getListing(t).Reserved; !got.IsZero() {
		t.Fatalf("reserved = %s after rejected creates, want 0", got)
	}
}

func TestCreateRequiresActiveListing(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	if _, err := f.inv.SetStatus(ctx, f.listing.ID, "seller-1", models.ListingStatusPaused); err != nil {
		t.Fatalf("pause listing: %v", err)
	}
	if _, err := f.svc.Create(ctx, "seller-1", f.params("10", starting("10"))); !errs.Is(err, errs.Validation) {
		t.Fatalf("err = %v, want validation", err)
	}
	_, err := f.svc.Create(ctx, "seller-1", CreateParams{ListingID: "missing", Config: starting("10"),
		Quantity: d("1"), StartsAt: f.clock.Now(), EndsAt: f.clock.Now().Add(time.Hour)})
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("missing listing err = %v, want not_found", err)
	}
}

func TestScheduledAuctionActivation(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	p := f.params("10", starting("10"))
	p.StartsAt = f.clock.Now().Add(30 * time.Minute)
	p.EndsAt = p.StartsAt.Add(time.Hour)

	a, err := f.svc.Create(ctx, "seller-1", p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != models.AuctionStatusScheduled {
		t.Fatalf("status = %s, want scheduled", a.Status)
	}
	if _, err := f.svc.PlaceBid(ctx, a.ID, "buyer-1", d("10"), ""); !errs.Is(err, errs.Validation) {
		t.Fatalf("bid on scheduled err = %v, want validation", err)
	}
	if _, err := f.svc.Settle(ctx, a.ID); !errs.Is(err, errs.Validation) {
		t.Fatalf("settle scheduled err = %v, want validation", err)
	}

	a, err = f.svc.Activate(ctx, a.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if a.Status != models.AuctionStatusActive {
		t.Fatalf("status = %s, want active", a.Status)
	}
	if _, err := f.svc.Activate(ctx, a.ID); !errs.Is(err, errs.Validation) {
		t.Fatalf("second activate err = %v, want validation", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	a := f.create(t, "40", starting("10"))
	a, err := f.svc.Cancel(ctx, a.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != models.AuctionStatusCancelled {
		t.Fatalf("status = %s, want cancelled", a.Status)
	}
	if got := f.getListing(t).Reserved; !got.IsZero() {
		t.Fatalf("reserved = %s, want 0", got)
	}
	if _, err := f.svc.Cancel(ctx, a.ID); !errs.Is(err, errs.Validation) {
		t.Fatalf("cancel twice err = %v, want validation", err)
	}

	b := f.create(t, "40", starting("10"))
	f.bid(t, b.ID, "buyer-1", "10")
	if _, err := f.svc.Cancel(ctx, b.ID); !errs.Is(err, errs.Validation) {
		t.Fatalf("cancel with bids err = %v, want validation", err)
	}
	if got := f.getListing(t).Reserved; !got.Equal(d("40")) {
		t.Fatalf("reserved = %s, want 40", got)
	}
}

func TestFail(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	a := f.create(t, "25", starting("10"))
	a, err := f.svc.Fail(ctx, a.ID, "seller withdrew")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if a.Status != models.AuctionStatusFailed || a.FailureReason != "seller withdrew" {
		t.Fatalf("auction = %s/%q, want failed/seller withdrew", a.Status, a.FailureReason)
	}
	if got := f.getListing(t).Reserved; !got.IsZero() {
		t.Fatalf("reserved = %s, want 0", got)
	}
	if _, err := f.svc.Fail(ctx, a.ID, "again"); !errs.Is(err, errs.Validation) {
		t.Fatalf("fail twice err = %v, want validation", err)
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	none := f.create(t, "10", starting("10"))
	f.clock.Advance(time.Second)
	low := f.create(t, "10", starting("10"))
	f.bid(t, low.ID, "buyer-1", "12")
	f.clock.Advance(time.Second)
	high := f.create(t, "10", starting("10"))
	f.bid(t, high.ID, "buyer-1", "30")
	f.clock.Advance(time.Second)
	cancelled := f.create(t, "10", starting("10"))
	if _, err := f.svc.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ids := func(list []models.Auction) []string {
		out := make([]string, len(list))
		for i, a := range list {
			out[i] = a.ID
		}
		return out
	}
	equal := func(got, want []string) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	tests := []struct {
		name string
		p    SearchParams
		want []string
	}{
		{"all newest first", SearchParams{}, []string{cancelled.ID, high.ID, low.ID, none.ID}},
		{"active", SearchParams{Status: models.AuctionStatusActive}, []string{high.ID, low.ID, none.ID}},
		{"bid ceiling admits unbid", SearchParams{Status: models.AuctionStatusActive, MaxCurrentBid: nd("15")}, []string{low.ID, none.ID}},
		{"paged", SearchParams{Limit: 2, Offset: 1}, []string{high.ID, low.ID}},
		{"other seller", SearchParams{SellerID: "seller-2"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.Search(ctx, tt.p)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if !equal(ids(got), tt.want) {
				t.Fatalf("ids = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

// --- Bidding ---

func TestMinimumBid(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "100", starting("10.00"))

	_, err := f.svc.PlaceBid(ctx, a.ID, "buyer-1", d("9.99"), models.OriginHuman)
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("bid 9.99 err = %v, want validation", err)
	}
	b := f.bid(t, a.ID, "buyer-1", "10.00")
	if !b.Total.Equal(d("1000")) || b.Status != models.BidStatusActive {
		t.Fatalf("bid = total %s status %s, want 1000/active", b.Total, b.Status)
	}
	a = f.auction(t, a.ID)
	if !a.CurrentHighBid.Decimal.Equal(d("10.00")) || a.BidCount != 1 || a.CurrentHighBidID != b.ID {
		t.Fatalf("auction high bid = %v count %d id %s", a.CurrentHighBid, a.BidCount, a.CurrentHighBidID)
	}

	// equal amounts never tie: the increment applies
	if _, err := f.svc.PlaceBid(ctx, a.ID, "buyer-2", d("10.00"), models.OriginHuman); !errs.Is(err, errs.Validation) {
		t.Fatalf("equal bid err = %v, want validation", err)
	}
	if _, err := f.svc.PlaceBid(ctx, a.ID, "buyer-2", d("10.49"), models.OriginHuman); !errs.Is(err, errs.Validation) {
		t.Fatalf("bid under increment err = %v, want validation", err)
	}
	f.bid(t, a.ID, "buyer-2", "10.50")
	if got := testutil.ToFloat64(f.metrics.BidsTotal.WithLabelValues("rejected")); got != 3 {
		t.Fatalf("rejected bids = %v, want 3", got)
	}
}

func TestBidRejects(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "10", starting("10"))

	if _, err := f.svc.PlaceBid(ctx, a.ID, "seller-1", d("11"), ""); !errs.Is(err, errs.Validation) {
		t.Fatalf("self bid err = %v, want validation", err)
	}
	if _, err := f.svc.PlaceBid(ctx, a.ID, "buyer-1", d("-1"), ""); !errs.Is(err, errs.Validation) {
		t.Fatalf("negative bid err = %v, want validation", err)
	}
	if _, err := f.svc.PlaceBid(ctx, "missing", "buyer-1", d("11"), ""); !errs.Is(err, errs.NotFound) {
		t.Fatalf("missing auction err = %v, want not_found", err)
	}
	f.clock.Advance(time.Hour + time.Second)
	if _, err := f.svc.PlaceBid(ctx, a.ID, "buyer-1", d("11"), ""); !errs.Is(err, errs.Validation) {
		t.Fatalf("late bid err = %v, want validation", err)
	}
	if got := f.auction(t, a.ID).BidCount; got != 0 {
		t.Fatalf("bid_count = %d, want 0", got)
	}
}

func TestAntiSnipeExtendsDeadline(t *testing.T) {
	f := newFixture(t, "100")
	a := f.create(t, "100", starting("10.00"))
	first := f.bid(t, a.ID, "buyer-1", "10.00")
	if got := f.auction(t, a.ID).ExtensionsCount; got != 0 {
		t.Fatalf("extensions after early bid = %d, want 0", got)
	}

	f.clock.Advance(time.Hour - 3*time.Second)
	second := f.bid(t, a.ID, "buyer-2", "10.50")

	got := f.auction(t, a.ID)
	want := a.EndsAt.Add(a.Config.Extension())
	if !got.EffectiveEndsAt.Equal(want) {
		t.Fatalf("effective_ends_at = %v, want %v", got.EffectiveEndsAt, want)
	}
	if got.ExtensionsCount != 1 || got.BidCount != 2 || got.CurrentHighBidID != second.ID {
		t.Fatalf("auction = extensions %d bids %d high %s", got.ExtensionsCount, got.BidCount, got.CurrentHighBidID)
	}
	if s := f.bidStatus(t, first.ID); s != models.BidStatusOutbid {
		t.Fatalf("first bid status = %s, want outbid", s)
	}

	// the extension keeps the auction open past the original deadline
	f.clock.Advance(time.Minute)
	f.bid(t, a.ID, "buyer-1", "11.00")
	if got := f.auction(t, a.ID).ExtensionsCount; got != 2 {
		t.Fatalf("extensions = %d, want 2", got)
	}
}

func TestZeroAntiSnipeWindowNeverExtends(t *testing.T) {
	f := newFixture(t, "100")
	cfg := starting("10.00")
	cfg.AntiSnipeMinutes = 0
	a := f.create(t, "100", cfg)
	if a.Config.AntiSnipeMinutes != 0 {
		t.Fatalf("stored anti-snipe minutes = %d, want 0", a.Config.AntiSnipeMinutes)
	}

	f.clock.Advance(time.Hour - 3*time.Second)
	f.bid(t, a.ID, "buyer-1", "10.00")

	got := f.auction(t, a.ID)
	if got.ExtensionsCount != 0 || !got.EffectiveEndsAt.Equal(a.EndsAt) {
		t.Fatalf("extensions = %d effective_ends_at = %v, want 0 and %v", got.ExtensionsCount, got.EffectiveEndsAt, a.EndsAt)
	}
}

func TestBuyNowInsideWindowExtendsThenCloses(t *testing.T) {
	f := newFixture(t, "100")
	cfg := starting("10.00")
	cfg.BuyNowPrice = nd("50.00")
	a := f.create(t, "100", cfg)

	f.clock.Advance(time.Hour - 3*time.Second)
	b := f.bid(t, a.ID, "buyer-1", "50.00")

	got := f.auction(t, a.ID)
	if got.Status != models.AuctionStatusBoughtNow || got.WinningBidID != b.ID {
		t.Fatalf("auction = %s winning bid %s, want bought_now/%s", got.Status, got.WinningBidID, b.ID)
	}
	if got.ExtensionsCount != 1 || !got.EffectiveEndsAt.Equal(a.EndsAt.Add(a.Config.Extension())) {
		t.Fatalf("extensions = %d effective_ends_at = %v", got.ExtensionsCount, got.EffectiveEndsAt)
	}
}

func TestBuyNowClampsAndCloses(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	cfg := starting("10.00")
	cfg.BuyNowPrice = nd("50.00")
	a := f.create(t, "100", cfg)
	f.bid(t, a.ID, "buyer-2", "20")

	b := f.bid(t, a.ID, "buyer-1", "60.00")
	if !b.Amount.Equal(d("50")) || !b.IsBuyNow || b.Status != models.BidStatusBuyNow {
		t.Fatalf("bid = %s buy_now=%v status %s, want 50/true/buy_now", b.Amount, b.IsBuyNow, b.Status)
	}
	got := f.auction(t, a.ID)
	if got.Status != models.AuctionStatusBoughtNow || got.WinnerID != "buyer-1" || got.WinningBidID != b.ID ||
		!got.WinningPrice.Decimal.Equal(d("50")) {
		t.Fatalf("auction = %s winner %s bid %s price %v", got.Status, got.WinnerID, got.WinningBidID, got.WinningPrice)
	}
	if _, err := f.svc.PlaceBid(ctx, a.ID, "buyer-3", d("70"), ""); !errs.Is(err, errs.Validation) {
		t.Fatalf("bid after buy-now err = %v, want validation", err)
	}

	out, err := f.svc.Settle(ctx, a.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Result != ResultSettled || out.WinnerID != "buyer-1" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := testutil.ToFloat64(f.metrics.BidsTotal.WithLabelValues("buy_now")); got != 1 {
		t.Fatalf("buy_now bids = %v, want 1", got)
	}
}

func TestBuyNowEndpoint(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	plain := f.create(t, "10", starting("10"))
	if _, err := f.svc.BuyNow(ctx, plain.ID, "buyer-1", ""); !errs.Is(err, errs.Validation) {
		t.Fatalf("buy-now without price err = %v, want validation", err)
	}

	cfg := starting("10")
	cfg.BuyNowPrice = nd("25")
	a := f.create(t, "10", cfg)
	b, err := f.svc.BuyNow(ctx, a.ID, "buyer-1", models.OriginAgent)
	if err != nil {
		t.Fatalf("buy now: %v", err)
	}
	if !b.IsBuyNow || b.PlacedBy != models.OriginAgent || !b.Total.Equal(d("250")) {
		t.Fatalf("bid = %+v", b)
	}
}

func TestBuyNowBelowMinimumIsOrdinaryBid(t *testing.T) {
	f := newFixture(t, "100")
	cfg := starting("10")
	cfg.BuyNowPrice = nd("20")
	cfg.MinIncrement = d("5")
	a := f.create(t, "10", cfg)
	f.bid(t, a.ID, "buyer-1", "18")

	// the minimum is now 23, above the buy-now price
	b := f.bid(t, a.ID, "buyer-2", "23")
	if b.IsBuyNow || !b.Amount.Equal(d("23")) {
		t.Fatalf("bid = %s buy_now=%v, want 23/false", b.Amount, b.IsBuyNow)
	}
	if s := f.auction(t, a.ID).Status; s != models.AuctionStatusActive {
		t.Fatalf("status = %s, want active", s)
	}
}

func TestBidsOrdering(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "10", starting("10"))
	for _, amount := range []string{"10", "11", "12.5"} {
		f.bid(t, a.ID, "buyer-1", amount)
		f.clock.Advance(time.Second)
	}
	other := f.create(t, "10", starting("10"))
	f.bid(t, other.ID, "buyer-2", "10")

	bids, err := f.svc.Bids(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("bids: %v", err)
	}
	if len(bids) != 3 || !bids[0].Amount.Equal(d("12.5")) || !bids[2].Amount.Equal(d("10")) {
		t.Fatalf("bids = %+v", bids)
	}
	if top, _ := f.svc.Bids(ctx, a.ID, 1); len(top) != 1 || !top[0].Amount.Equal(d("12.5")) {
		t.Fatalf("limited bids = %+v", top)
	}

	mine, err := f.svc.BidsByBidder(ctx, "buyer-1", 0)
	if err != nil {
		t.Fatalf("bids by bidder: %v", err)
	}
	if len(mine) != 3 || !mine[0].Amount.Equal(d("12.5")) {
		t.Fatalf("bidder bids = %+v", mine)
	}
}

func TestExhaustedRetriesRetractBid(t *testing.T) {
	store := &failingAuctionWrites{err: docstore.ErrVersionConflict}
	policy := docstore.DefaultRetryPolicy()
	policy.Sleep = noSleep
	f := newFixture(t, "100",
		withStore(func(s docstore.Store) docstore.Store { store.Store = s; return store }),
		withPolicy(policy),
	)
	ctx := context.Background()
	a := f.create(t, "10", starting("10"))

	_, err := f.svc.PlaceBid(ctx, a.ID, "buyer-1", d("10"), models.OriginHuman)
	if !errs.Is(err, errs.ConcurrentUpdateConflict) {
		t.Fatalf("err = %v, want concurrent_update_conflict", err)
	}
	if n := store.count(); n != 6 {
		t.Fatalf("write attempts = %d, want 6", n)
	}
	if got := testutil.ToFloat64(f.metrics.CASExhausted.WithLabelValues(Collection)); got != 1 {
		t.Fatalf("cas exhausted = %v, want 1", got)
	}

	bids, err := f.svc.Bids(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("bids: %v", err)
	}
	if len(bids) != 1 || bids[0].Status != models.BidStatusRetracted {
		t.Fatalf("bids = %+v, want one retracted", bids)
	}
	if got := f.auction(t, a.ID); got.BidCount != 0 || got.CurrentHighBidID != "" {
		t.Fatalf("auction bid_count = %d high = %q, want untouched", got.BidCount, got.CurrentHighBidID)
	}
}

func TestStoreFailureKeepsBid(t *testing.T) {
	store := &failingAuctionWrites{err: errors.New("read tcp 10.0.0.7:6379: connection reset by peer")}
	f := newFixture(t, "100",
		withStore(func(s docstore.Store) docstore.Store { store.Store = s; return store }),
	)
	ctx := context.Background()
	a := f.create(t, "10", starting("10"))

	_, err := f.svc.PlaceBid(ctx, a.ID, "buyer-1", d("10"), models.OriginHuman)
	if !errs.Is(err, errs.Internal) {
		t.Fatalf("err = %v, want internal", err)
	}
	if n := store.count(); n != 1 {
		t.Fatalf("write attempts = %d, want 1", n)
	}

	bids, err := f.svc.Bids(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("bids: %v", err)
	}
	// the outcome of the write is unknown, so the bid must not be retracted
	if len(bids) != 1 || bids[0].Status != models.BidStatusActive {
		t.Fatalf("bids = %+v, want one active", bids)
	}
}

func TestConcurrentBidsKeepCountConsistent(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "10", starting("10"))

	const bidders = 24
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []models.Bid
	)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := d("10").Add(decimal.NewFromInt(int64(i)).Mul(d("0.5")))
			b, err := f.svc.PlaceBid(ctx, a.ID, "buyer-"+amount.String(), amount, models.OriginAgent)
			if err != nil {
				if !errs.Is(err, errs.Validation) {
					t.Errorf("bid %s: unexpected error %v", amount, err)
				}
				return
			}
			mu.Lock()
			accepted = append(accepted, b)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	got := f.auction(t, a.ID)
	if got.BidCount != len(accepted) {
		t.Fatalf("bid_count = %d, accepted = %d", got.BidCount, len(accepted))
	}

	bids, err := f.svc.Bids(ctx, a.ID, 1000)
	if err != nil {
		t.Fatalf("bids: %v", err)
	}
	counted := 0
	var highest models.Bid
	for _, b := range bids {
		if b.Status == models.BidStatusRetracted {
			continue
		}
		counted++
		if highest.ID == "" || b.Amount.GreaterThan(highest.Amount) {
			highest = b
		}
	}
	if counted != got.BidCount {
		t.Fatalf("non-retracted bids = %d, bid_count = %d", counted, got.BidCount)
	}
	if got.CurrentHighBidID != highest.ID || !got.CurrentHighBid.Decimal.Equal(highest.Amount) {
		t.Fatalf("high bid = %s/%v, highest accepted = %s/%s",
			got.CurrentHighBidID, got.CurrentHighBid, highest.ID, highest.Amount)
	}
}

// --- Settlement ---

func TestSettleSellsToHighestBidder(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "100", starting("10.00"))
	first := f.bid(t, a.ID, "buyer-1", "10.00")
	second := f.bid(t, a.ID, "buyer-2", "12.25")

	if _, err := f.svc.Settle(ctx, a.ID); !errs.Is(err, errs.Validation) {
		t.Fatalf("early settle err = %v, want validation", err)
	}
	f.clock.Advance(time.Hour + time.Second)

	out, err := f.svc.Settle(ctx, a.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Result != ResultSettled || out.WinnerID != "buyer-2" || out.OrderID != orders.OrderID(a.ID) || len(out.DownstreamErrors) != 0 {
		t.Fatalf("outcome = %+v", out)
	}

	got := f.auction(t, a.ID)
	if got.Status != models.AuctionStatusSettled || got.WinningBidID != second.ID || got.SettledAt == nil ||
		got.SettlementClaimID != "" || !got.WinningPrice.Decimal.Equal(d("12.25")) {
		t.Fatalf("auction = %+v", got)
	}
	if s := f.bidStatus(t, second.ID); s != models.BidStatusWon {
		t.Fatalf("winning bid status = %s, want won", s)
	}
	if s := f.bidStatus(t, first.ID); s != models.BidStatusOutbid {
		t.Fatalf("first bid status = %s, want outbid", s)
	}

	order, err := f.orders.Get(ctx, out.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != models.OrderStatusCompleted || !order.Total.Equal(d("1225")) || order.BuyerID != "buyer-2" {
		t.Fatalf("order = %+v", order)
	}

	balances := map[string]int64{
		ledger.BuyerAccount("buyer-2"):   -122500,
		ledger.EscrowAccount:             0,
		ledger.SellerAccount("seller-1"): 122500,
	}
	for account, want := range balances {
		if got, _ := f.ledger.Balance(ctx, account); got != want {
			t.Fatalf("balance %s = %d, want %d", account, got, want)
		}
	}

	l := f.getListing(t)
	if !l.Sold.Equal(d("100")) || !l.Reserved.IsZero() || l.Status != models.ListingStatusSoldOut {
		t.Fatalf("listing = sold %s reserved %s status %s", l.Sold, l.Reserved, l.Status)
	}
}

func TestSettleReserveNotMet(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	cfg := starting("10.00")
	cfg.ReservePrice = nd("20.00")
	a := f.create(t, "100", cfg)
	b := f.bid(t, a.ID, "buyer-1", "15.00")
	f.clock.Advance(2 * time.Hour)

	out, err := f.svc.Settle(ctx, a.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Result != ResultFailed || out.Status != models.AuctionStatusFailed || out.Reason != "reserve price not met" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := f.getListing(t).Reserved; !got.IsZero() {
		t.Fatalf("reserved = %s, want 0", got)
	}
	if s := f.bidStatus(t, b.ID); s != models.BidStatusLost {
		t.Fatalf("bid status = %s, want lost", s)
	}
	if _, err := f.orders.Get(ctx, orders.OrderID(a.ID)); !errs.Is(err, errs.NotFound) {
		t.Fatalf("order for failed auction err = %v, want not_found", err)
	}
}

func TestSettleWithoutBids(t *testing.T) {
	f := newFixture(t, "100")
	a := f.create(t, "30", starting("10"))
	f.clock.Advance(2 * time.Hour)

	out, err := f.svc.Settle(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Result != ResultFailed || out.Reason != "no bids" {
		t.Fatalf("outcome = %+v", out)
	}
	if got := f.getListing(t).Available(); !got.Equal(d("100")) {
		t.Fatalf("available = %s, want 100", got)
	}
}

func TestSettleTwice(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "60", starting("10"))
	f.bid(t, a.ID, "buyer-1", "11")
	f.clock.Advance(2 * time.Hour)

	if _, err := f.svc.Settle(ctx, a.ID); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	out, err := f.svc.Settle(ctx, a.ID)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if out.Result != ResultAlreadyFinal || out.Status != models.AuctionStatusSettled {
		t.Fatalf("second outcome = %+v", out)
	}
	if l := f.getListing(t); !l.Sold.Equal(d("60")) {
		t.Fatalf("sold = %s, want 60", l.Sold)
	}
	if n := f.ledger.Transfers(); n != 2 {
		t.Fatalf("transfers = %d, want 2", n)
	}
}

func TestConcurrentSettleCreatesOneOrder(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()
	a := f.create(t, "100", starting("10"))
	f.bid(t, a.ID, "buyer-1", "14")
	f.clock.Advance(2 * time.Hour)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.Settle(ctx, a.ID)
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			mu.Lock()
			results[out.Result]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if results[ResultSettled] != 1 || results[ResultInProgress]+results[ResultAlreadyFinal] != callers-1 {
		t.Fatalf("results = %v", results)
	}
	list, err := f.orders.ListByBuyer(ctx, "buyer-1", 0)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("orders = %d, want 1", len(list))
	}
	if l := f.getListing(t); !l.Sold.Equal(d("100")) || !l.Reserved.IsZero() {
		t.Fatalf("listing = sold %s reserved %s, want 100/0", l.Sold, l.Reserved)
	}
}

func TestSettleRetriesAfterConfirmFailure(t *testing.T) {
	var flaky *flakyInventory
	f := newFixture(t, "100", withInventory(func(c *inventory.Controller) Inventory {
		flaky = &flakyInventory{Controller: c, failures: 1}
		return flaky
	}))
	ctx := context.Background()
	a := f.create(t, "50", starting("10"))
	f.bid(t, a.ID, "buyer-1", "10")
	f.clock.Advance(2 * time.Hour)

	if _, err := f.svc.Settle(ctx, a.ID); err == nil {
		t.Fatal("settle with failing sale confirmation returned nil error")
	}
	held := f.auction(t, a.ID)
	if held.Status != models.AuctionStatusEnded || held.SettlementClaimID == "" {
		t.Fatalf("auction = %s claim %q, want ended with claim", held.Status, held.SettlementClaimID)
	}

	out, err := f.svc.Settle(ctx, a.ID)
	if err != nil || out.Result != ResultInProgress {
		t.Fatalf("settle under live claim = %+v, %v; want in_progress", out, err)
	}
	if _, err := f.svc.Fail(ctx, a.ID, "manual"); !errs.Is(err, errs.Validation) {
		t.Fatalf("fail under live claim err = %v, want validation", err)
	}

	f.clock.Advance(DefaultClaimLease + time.Second)
	out, err = f.svc.Settle(ctx, a.ID)
	if err != nil {
		t.Fatalf("settle after lease: %v", err)
	}
	if out.Result != ResultSettled {
		t.Fatalf("outcome = %+v", out)
	}
	if n := f.ledger.Transfers(); n != 2 {
		t.Fatalf("transfers = %d, want 2", n)
	}
	if l := f.getListing(t); !l.Sold.Equal(d("50")) || !l.Reserved.IsZero() {
		t.Fatalf("listing = sold %s reserved %s, want 50/0", l.Sold, l.Reserved)
	}
}

func TestSettleDownstreamFailureKeepsSale(t *testing.T) {
	f := newFixture(t, "100", withLedger(brokenLedger{}))
	ctx := context.Background()
	a := f.create(t, "20", starting("10"))
	f.bid(t, a.ID, "buyer-1", "10")
	f.clock.Advance(2 * time.Hour)

	out, err := f.svc.Settle(ctx, a.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if out.Result != ResultSettled || len(out.DownstreamErrors) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	order, err := f.orders.Get(ctx, out.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != models.OrderStatusPending {
		t.Fatalf("order status = %s, want pending", order.Status)
	}
	if l := f.getListing(t); !l.Sold.Equal(d("20")) {
		t.Fatalf("sold = %s, want 20", l.Sold)
	}
	if got := testutil.ToFloat64(f.metrics.DownstreamFailures.WithLabelValues("ledger")); got != 1 {
		t.Fatalf("ledger failures = %v, want 1", got)
	}
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t, "100")
	a := f.create(t, "10", starting("10"))
	f.bid(t, a.ID, "buyer-1", "10")
	f.clock.Advance(2 * time.Hour)
	if _, err := f.svc.Settle(context.Background(), a.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	want := []string{models.EventAuctionCreated, models.EventAuctionUpdate, models.EventAuctionEnded}
	got := f.events.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if e := f.events.events[1]; e.BidderID != "buyer-1" || !e.Amount.Decimal.Equal(d("10")) || e.PreviousHighBid.Valid {
		t.Fatalf("bid event = %+v", e)
	}
}

func TestParamsFromRequest(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := ParamsFromRequest(models.CreateAuctionRequest{
		ListingID:     "l1",
		StartingPrice: d("8"),
		Quantity:      d("5"),
		StartsInMins:  10,
	}, now)
	if !p.StartsAt.Equal(now.Add(10*time.Minute)) || !p.EndsAt.Equal(p.StartsAt.Add(48*time.Hour)) {
		t.Fatalf("window = %v .. %v", p.StartsAt, p.EndsAt)
	}
	if p.ListingID != "l1" || !p.Config.StartingPrice.Equal(d("8")) {
		t.Fatalf("params = %+v", p)
	}
	if p.Config.AntiSnipeMinutes != models.DefaultAntiSnipeMins {
		t.Fatalf("absent auto_extend_minutes = %d, want %d", p.Config.AntiSnipeMinutes, models.DefaultAntiSnipeMins)
	}

	off := 0
	p = ParamsFromRequest(models.CreateAuctionRequest{StartingPrice: d("8"), Quantity: d("5"), AutoExtendMin: &off}, now)
	if p.Config.AntiSnipeMinutes != 0 {
		t.Fatalf("explicit auto_extend_minutes 0 became %d", p.Config.AntiSnipeMinutes)
	}
}
