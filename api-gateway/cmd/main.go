package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aaronwang/carbon-exchange/api-gateway/internal/handlers"
	"github.com/aaronwang/carbon-exchange/api-gateway/internal/service"
	"github.com/aaronwang/carbon-exchange/shared/bootstrap"
	"github.com/aaronwang/carbon-exchange/shared/config"
	"github.com/aaronwang/carbon-exchange/shared/logging"
)

// Config holds application configuration
type Config struct {
	config.Engine
	ServerAddr string `env:"SERVER_ADDR" envDefault:":8080"`
}

func main() {
	log := logging.New("api-gateway")
	log.Info().Msg("Starting API Gateway...")

	// Load configuration from environment variables
	var cfg Config
	if err := config.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Connect the document store, ledger and event sinks
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	engine, err := bootstrap.Open(startCtx, cfg.Engine, reg, log)
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start auction engine")
	}

	// Initialize services and HTTP handlers
	handler := handlers.NewHandler(handlers.Deps{
		Bidding:  service.NewBiddingService(engine.Auctions, log.With().Str("module", "bidding").Logger()),
		Auctions: engine.Auctions,
		Listings: engine.Inventory,
		Metrics:  engine.Metrics,
		Gatherer: reg,
		Ping:     engine.Ping,
		Log:      log,
	})
	router := handler.SetupRoutes()

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("API Gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with 30 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := engine.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown incomplete")
	}

	log.Info().Msg("Server stopped gracefully")
}
