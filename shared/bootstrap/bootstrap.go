// Package bootstrap builds the auction engine and its collaborators from
// configuration. Every service constructs one Engine at startup and closes
// it on shutdown; nothing is kept in package-level state.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aaronwang/carbon-exchange/shared/auction"
	"github.com/aaronwang/carbon-exchange/shared/config"
	"github.com/aaronwang/carbon-exchange/shared/docstore"
	"github.com/aaronwang/carbon-exchange/shared/docstore/backend"
	"github.com/aaronwang/carbon-exchange/shared/docstore/redisstore"
	"github.com/aaronwang/carbon-exchange/shared/docstore/sqlstore"
	"github.com/aaronwang/carbon-exchange/shared/events"
	"github.com/aaronwang/carbon-exchange/shared/inventory"
	"github.com/aaronwang/carbon-exchange/shared/ledger"
	"github.com/aaronwang/carbon-exchange/shared/metrics"
	"github.com/aaronwang/carbon-exchange/shared/orders"
	"github.com/aaronwang/carbon-exchange/shared/tasks"
)

// Engine is a wired auction engine.
type Engine struct {
	Store     docstore.Store
	Inventory *inventory.Controller
	Orders    *orders.Service
	Ledger    ledger.Ledger
	Auctions  *auction.Service
	Events    events.Publisher
	Pool      *tasks.Pool
	Metrics   *metrics.Metrics

	closers []func() error // run in reverse order after the pool drains
}

// Open connects every backend named in cfg. On error everything opened so
// far is closed again.
func Open(ctx context.Context, cfg config.Engine, reg prometheus.Registerer, log zerolog.Logger) (_ *Engine, err error) {
	e := &Engine{Metrics: metrics.New(reg)}
	defer func() {
		if err != nil {
			e.closeBackends()
		}
	}()

	e.Store, err = backend.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	e.closers = append(e.closers, e.Store.Close)
	log.Info().Str("backend", cfg.Store.Backend).Msg("document store connected")

	if e.Ledger, err = e.openLedger(ctx, cfg); err != nil {
		return nil, err
	}
	if e.Events, err = e.openEvents(ctx, cfg); err != nil {
		return nil, err
	}

	e.Pool = tasks.NewPool(tasks.PoolConfig{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.QueueSize,
		OnFailure: func(name string, _ error) {
			e.Metrics.SideEffectFailures.WithLabelValues(name).Inc()
		},
		OnDrop: func(string) { e.Metrics.SideEffectsDropped.Inc() },
	}, log.With().Str("module", "tasks").Logger())

	policy := docstore.DefaultRetryPolicy()
	policy.OnConflict = e.Metrics.CASConflict

	e.Inventory = inventory.New(inventory.Config{
		Store:   e.Store,
		Policy:  policy,
		Metrics: e.Metrics,
		Log:     log.With().Str("module", "inventory").Logger(),
	})
	e.Orders = orders.New(e.Store, policy, nil)
	e.Auctions = auction.New(auction.Deps{
		Store:     e.Store,
		Inventory: e.Inventory,
		Orders:    e.Orders,
		Ledger:    e.Ledger,
		Events:    e.Events,
		Tasks:     e.Pool,
		Metrics:   e.Metrics,
		Log:       log.With().Str("module", "auction").Logger(),
		Policy:    policy,
		Lease:     cfg.SettlementLease,
	})
	return e, nil
}

func (e *Engine) openLedger(ctx context.Context, cfg config.Engine) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "memory":
		return ledger.NewMemory(), nil
	case "postgres":
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	var db *sql.DB
	if s, ok := e.Store.(*sqlstore.Store); ok && cfg.Store.Backend == "postgres" {
		db = s.DB()
	} else {
		var err error
		db, err = sql.Open("postgres", cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger database: %w", err)
		}
		e.closers = append(e.closers, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to ping ledger database: %w", err)
		}
	}
	l := ledger.NewPostgres(db)
	if err := l.InitSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (e *Engine) openEvents(ctx context.Context, cfg config.Engine) (events.Publisher, error) {
	var sinks events.Multi

	if cfg.Events.Redis {
		var client *redis.Client
		if s, ok := e.Store.(*redisstore.Store); ok {
			client = s.Client()
		} else {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Store.RedisAddr,
				Password: cfg.Store.RedisPassword,
				DB:       cfg.Store.RedisDB,
			})
			e.closers = append(e.closers, client.Close)
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, fmt.Errorf("failed to connect to Redis for events: %w", err)
			}
		}
		sinks = append(sinks, events.Instrument("redis", events.NewRedisPublisher(client), e.Metrics.EventsPublished))
	}

	if cfg.Events.JetStream {
		js, err := events.NewJetStreamPublisher(ctx, cfg.Events.NatsURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, js.Close)
		sinks = append(sinks, events.Instrument("jetstream", js, e.Metrics.EventsPublished))
	}

	if len(sinks) == 0 {
		return events.Nop{}, nil
	}
	return sinks, nil
}

// Ping checks the document store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.Store.Ping(ctx)
}

// Close drains queued side effects, then closes every backend.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Pool != nil {
		if err := e.Pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain side effects: %w", err))
		}
	}
	if err := e.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) closeBackends() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
