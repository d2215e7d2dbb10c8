package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/carbon-exchange/shared/models"
)

// PostgresClient wraps the PostgreSQL database connection
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(connStr string) (*PostgresClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresClient{db: db}, nil
}

// NewFromDB wraps an open database handle.
func NewFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// InitSchema creates the necessary database tables
func (c *PostgresClient) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS auction_events (
		event_id VARCHAR(255) PRIMARY KEY,
		type VARCHAR(32) NOT NULL,
		auction_id VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		bid_id VARCHAR(255),
		bidder_id VARCHAR(255),
		amount NUMERIC(18, 2),
		previous_high_bid NUMERIC(18, 2),
		bid_count INTEGER NOT NULL DEFAULT 0,
		effective_ends_at TIMESTAMPTZ,
		extensions_count INTEGER NOT NULL DEFAULT 0,
		winner_id VARCHAR(255),
		winning_price NUMERIC(18, 2),
		order_id VARCHAR(255),
		occurred_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		archived_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS auction_snapshots (
		auction_id VARCHAR(255) PRIMARY KEY,
		status VARCHAR(32) NOT NULL,
		current_high_bid NUMERIC(18, 2),
		high_bidder_id VARCHAR(255),
		bid_count INTEGER NOT NULL DEFAULT 0,
		effective_ends_at TIMESTAMPTZ,
		extensions_count INTEGER NOT NULL DEFAULT 0,
		winner_id VARCHAR(255),
		winning_price NUMERIC(18, 2),
		order_id VARCHAR(255),
		last_event_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_auction_events_auction_id ON auction_events(auction_id);
	CREATE INDEX IF NOT EXISTS idx_auction_events_bidder_id ON auction_events(bidder_id);
	CREATE INDEX IF NOT EXISTS idx_auction_events_occurred_at ON auction_events(occurred_at);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

const insertEvent = `
	INSERT INTO auction_events (
		event_id, type, auction_id, status, bid_id, bidder_id, amount, previous_high_bid,
		bid_count, effective_ends_at, extensions_count, winner_id, winning_price, order_id,
		occurred_at, payload
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (event_id) DO NOTHING
`

// upsertSnapshot keeps the row of the newest event; redelivered or
// out-of-order older events leave it alone.
const upsertSnapshot = `
	INSERT INTO auction_snapshots (
		auction_id, status, current_high_bid, high_bidder_id, bid_count, effective_ends_at,
		extensions_count, winner_id, winning_price, order_id, last_event_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (auction_id) DO UPDATE SET
		status = EXCLUDED.status,
		current_high_bid = COALESCE(EXCLUDED.current_high_bid, auction_snapshots.current_high_bid),
		high_bidder_id = COALESCE(EXCLUDED.high_bidder_id, auction_snapshots.high_bidder_id),
		bid_count = EXCLUDED.bid_count,
		effective_ends_at = EXCLUDED.effective_ends_at,
		extensions_count = EXCLUDED.extensions_count,
		winner_id = COALESCE(EXCLUDED.winner_id, auction_snapshots.winner_id),
		winning_price = COALESCE(EXCLUDED.winning_price, auction_snapshots.winning_price),
		order_id = COALESCE(EXCLUDED.order_id, auction_snapshots.order_id),
		last_event_at = EXCLUDED.last_event_at,
		updated_at = CURRENT_TIMESTAMP
	WHERE auction_snapshots.last_event_at <= EXCLUDED.last_event_at
`

// Archive stores an event and folds it into the auction snapshot in one
// transaction. It reports false when the event was already archived.
func (c *PostgresClient) Archive(ctx context.Context, event models.AuctionEvent, payload []byte) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, insertEvent,
		event.EventID,
		event.Type,
		event.AuctionID,
		event.Status,
		nullString(event.BidID),
		nullString(event.BidderID),
		event.Amount,
		event.PreviousHighBid,
		event.BidCount,
		nullTime(event.EffectiveEndsAt),
		event.ExtensionsCount,
		nullString(event.WinnerID),
		event.WinningPrice,
		nullString(event.OrderID),
		event.Timestamp,
		payload,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, upsertSnapshot,
		event.AuctionID,
		event.Status,
		event.Amount,
		nullString(event.BidderID),
		event.BidCount,
		nullTime(event.EffectiveEndsAt),
		event.ExtensionsCount,
		nullString(event.WinnerID),
		event.WinningPrice,
		nullString(event.OrderID),
		event.Timestamp,
	); err != nil {
		return false, fmt.Errorf("failed to update snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// GetEventHistory retrieves an auction's archived events, newest first
func (c *PostgresClient) GetEventHistory(ctx context.Context, auctionID string, limit int) ([]models.AuctionEvent, error) {
	query := `
		SELECT event_id, type, auction_id, status, COALESCE(bidder_id, ''), amount, bid_count, occurred_at
		FROM auction_events
		WHERE auction_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := c.db.QueryContext(ctx, query, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.AuctionEvent
	for rows.Next() {
		var e models.AuctionEvent
		err := rows.Scan(
			&e.EventID,
			&e.Type,
			&e.AuctionID,
			&e.Status,
			&e.BidderID,
			&e.Amount,
			&e.BidCount,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// Ping checks the connection.
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	return c.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
