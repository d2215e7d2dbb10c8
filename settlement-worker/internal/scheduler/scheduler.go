// Package scheduler drives auctions through time: it opens scheduled
// auctions when they start and settles auctions whose bidding is over.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aaronwang/carbon-exchange/shared/auction"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/models"
)

// Auctions is the part of the auction engine the scheduler drives.
type Auctions interface {
	ListByStatus(ctx context.Context, status string, limit int) ([]models.Auction, error)
	Activate(ctx context.Context, id string) (models.Auction, error)
	Settle(ctx context.Context, id string) (auction.Outcome, error)
}

// Config tunes a Scheduler.
type Config struct {
	Interval    time.Duration // between passes, defaults to 5s
	Concurrency int           // settlements in flight per pass, defaults to 4
	Lease       time.Duration // settlement claim lease, skips auctions being settled
	Now         func() time.Time
}

// Scheduler periodically activates and settles auctions.
type Scheduler struct {
	auctions Auctions
	metrics  *metrics.Metrics
	log      zerolog.Logger
	cfg      Config
}

// Report counts what one pass did.
type Report struct {
	Activated int
	Settled   int
	Failed    int
	Skipped   int
	Errors    int
}

// New creates a scheduler.
func New(auctions Auctions, m *metrics.Metrics, log zerolog.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = auction.DefaultClaimLease
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{auctions: auctions, metrics: m, log: log, cfg: cfg}
}

// Run executes a pass every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		r := s.RunOnce(ctx)
		if r != (Report{}) {
			s.log.Info().
				Int("activated", r.Activated).
				Int("settled", r.Settled).
				Int("failed", r.Failed).
				Int("skipped", r.Skipped).
				Int("errors", r.Errors).
				Msg("scheduler pass")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce activates every due scheduled auction, then settles every auction
// whose bidding is over.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var r Report
	now := s.cfg.Now().UTC()

	scheduled, err := s.auctions.ListByStatus(ctx, models.AuctionStatusScheduled, 0)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list scheduled auctions")
		r.Errors++
	}
	for _, a := range scheduled {
		if a.StartsAt.After(now) {
			continue
		}
		if _, err := s.auctions.Activate(ctx, a.ID); err != nil {
			s.log.Warn().Err(err).Str("auction_id", a.ID).Msg("activation failed")
			s.count("activate", "error")
			r.Errors++
			continue
		}
		s.count("activate", "ok")
		r.Activated++
	}

	due := s.due(ctx, now, &r)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range due {
		g.Go(func() error {
			out, err := s.auctions.Settle(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Str("auction_id", id).Msg("settlement failed, will retry")
				s.count("settle", "error")
				r.Errors++
				return nil
			}
			s.count("settle", out.Result)
			switch out.Result {
			case auction.ResultSettled:
				r.Settled++
			case auction.ResultFailed:
				r.Failed++
			default:
				r.Skipped++
			}
			return nil
		})
	}
	g.Wait()
	return r
}

// due lists auctions ready for settlement: active ones past their effective
// end, bought-now ones and ended ones whose claim has lapsed.
func (s *Scheduler) due(ctx context.Context, now time.Time, r *Report) []string {
	var ids []string
	for _, status := range []string{
		models.AuctionStatusActive,
		models.AuctionStatusBoughtNow,
		models.AuctionStatusEnded,
	} {
		list, err := s.auctions.ListByStatus(ctx, status, 0)
		if err != nil {
			s.log.Error().Err(err).Str("status", status).Msg("Failed to list auctions")
			r.Errors++
			continue
		}
		for _, a := range list {
			if a.Status == models.AuctionStatusActive && !now.After(a.EffectiveEndsAt) {
				continue
			}
			if a.ClaimHeld(now, s.cfg.Lease) {
				r.Skipped++
				continue
			}
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (s *Scheduler) count(action, result string) {
	if s.metrics != nil {
		s.metrics.SchedulerActions.WithLabelValues(action, result).Inc()
	}
}
