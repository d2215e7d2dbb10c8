package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aaronwang/carbon-exchange/settlement-worker/internal/scheduler"
	"github.com/aaronwang/carbon-exchange/shared/bootstrap"
	"github.com/aaronwang/carbon-exchange/shared/config"
	"github.com/aaronwang/carbon-exchange/shared/logging"
)

// Config holds application configuration
type Config struct {
	config.Engine
	MetricsAddr string        `env:"METRICS_ADDR" envDefault:":9090"`
	Interval    time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"5s"`
	Concurrency int           `env:"SCHEDULER_CONCURRENCY" envDefault:"4"`
}

func main() {
	log := logging.New("settlement-worker")
	log.Info().Msg("Starting Settlement Worker...")

	var cfg Config
	if err := config.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	engine, err := bootstrap.Open(startCtx, cfg.Engine, reg, log)
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start auction engine")
	}

	sched := scheduler.New(engine.Auctions, engine.Metrics, log.With().Str("module", "scheduler").Logger(), scheduler.Config{
		Interval:    cfg.Interval,
		Concurrency: cfg.Concurrency,
		Lease:       cfg.SettlementLease,
	})

	// Metrics and health endpoint
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}).Methods("GET")
	server := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Metrics server error")
		}
	}()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info().Dur("interval", cfg.Interval).Msg("Scheduler started")
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	cancel()
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown incomplete")
	}

	log.Info().Msg("Worker stopped gracefully")
}
