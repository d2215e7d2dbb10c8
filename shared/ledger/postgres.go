package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Postgres books transfers into a ledger_transfers table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// InitSchema creates the transfers table.
func (p *Postgres) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_transfers (
		transfer_id UUID PRIMARY KEY,
		debit_account VARCHAR(255) NOT NULL,
		credit_account VARCHAR(255) NOT NULL,
		amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
		code SMALLINT NOT NULL,
		reference TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_debit ON ledger_transfers(debit_account);
	CREATE INDEX IF NOT EXISTS idx_ledger_credit ON ledger_transfers(credit_account);
	`

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

func (p *Postgres) RecordTransfer(ctx context.Context, t Transfer) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	id := TransferID(t.Reference)

	query := `
		INSERT INTO ledger_transfers (transfer_id, debit_account, credit_account, amount_minor, code, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transfer_id) DO NOTHING
	`
	if _, err := p.db.ExecContext(ctx, query, id, t.From, t.To, t.AmountMinor, int64(t.Code), t.Reference); err != nil {
		return "", fmt.Errorf("failed to record transfer %s: %w", t.Reference, err)
	}
	return id, nil
}

func (p *Postgres) Balance(ctx context.Context, account string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(CASE WHEN credit_account = $1 THEN amount_minor ELSE -amount_minor END), 0)
		FROM ledger_transfers
		WHERE credit_account = $1 OR debit_account = $1
	`
	var balance int64
	if err := p.db.QueryRowContext(ctx, query, account).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to read balance of %s: %w", account, err)
	}
	return balance, nil
}
