package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisClient "github.com/aaronwang/carbon-exchange/broadcast-service/internal/redis"
	wsHandler "github.com/aaronwang/carbon-exchange/broadcast-service/internal/websocket"
	"github.com/aaronwang/carbon-exchange/shared/config"
	"github.com/aaronwang/carbon-exchange/shared/logging"
)

// Config holds application configuration
type Config struct {
	ServerAddr    string `env:"SERVER_ADDR" envDefault:":8081"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

func main() {
	log := logging.New("broadcast-service")
	log.Info().Msg("Starting Broadcast Service...")

	// Load configuration
	var cfg Config
	if err := config.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis subscriber
	subscriber, err := redisClient.NewSubscriber(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log.With().Str("module", "subscriber").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer subscriber.Close()

	// Subscribe to all auction events using pattern matching
	if err := subscriber.SubscribeToPattern(ctx, redisClient.Pattern); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to Redis channels")
	}
	log.Info().Str("pattern", redisClient.Pattern).Msg("Subscribed to auction events")

	// Initialize WebSocket manager
	wsManager := wsHandler.NewManager(log.With().Str("module", "websocket").Logger())
	go wsManager.Run(ctx)

	// Create a channel for Redis messages
	messageChan := make(chan *redisClient.Message, 256)

	// Start Redis subscriber in a goroutine
	go func() {
		defer close(messageChan)
		if err := subscriber.Listen(ctx, messageChan); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Redis listener stopped")
			cancel()
		}
	}()

	// Forward Redis Pub/Sub messages to WebSocket clients
	go func() {
		for msg := range messageChan {
			wsManager.Broadcast(msg.AuctionID, []byte(msg.Payload))
		}
	}()

	// Initialize HTTP server for WebSocket connections
	handler := wsHandler.NewHandler(wsManager, subscriber.Ping, log)
	router := handler.SetupRoutes()

	server := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start HTTP server in goroutine
	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("Broadcast Service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped gracefully")
}
