// Package ledger records double-entry money transfers between named accounts.
// Transfers are idempotent per reference: recording the same reference twice
// moves money once.
package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/carbon-exchange/shared/errs"
)

// Code is the purpose of a transfer
type Code uint16

const (
	CodePurchase   Code = 1 // buyer -> escrow
	CodeSettlement Code = 2 // escrow -> seller
)

// EscrowAccount holds buyer funds between purchase and settlement.
const EscrowAccount = "platform:escrow"

// BuyerAccount is the ledger account of a buyer.
func BuyerAccount(userID string) string { return "buyer:" + userID }

// SellerAccount is the ledger account of a seller.
func SellerAccount(userID string) string { return "seller:" + userID }

// Transfer moves AmountMinor (cents, always positive) from one account to another.
type Transfer struct {
	From        string
	To          string
	AmountMinor int64
	Code        Code
	Reference   string // idempotency key
}

// Ledger is implemented by every backend.
type Ledger interface {
	// RecordTransfer books t once per Reference and returns its transfer id.
	RecordTransfer(ctx context.Context, t Transfer) (string, error)
	// Balance is credits minus debits for an account, in minor units.
	Balance(ctx context.Context, account string) (int64, error)
}

var transferNamespace = uuid.MustParse("6f1c2b65-8a4e-4d7b-9a53-2f0d3c1e9b77")

// TransferID derives the transfer id from the idempotency reference.
func TransferID(reference string) string {
	return uuid.NewSHA1(transferNamespace, []byte(reference)).String()
}

// ToMinor converts a euro amount to cents, rounding half away from zero.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Validate rejects malformed transfers.
func (t Transfer) Validate() error {
	switch {
	case t.From == "" || t.To == "":
		return errs.New(errs.Validation, "transfer accounts are required")
	case t.From == t.To:
		return errs.Newf(errs.Validation, "transfer from %s to itself", t.From)
	case t.AmountMinor <= 0:
		return errs.Newf(errs.Validation, "transfer amount must be positive, got %d", t.AmountMinor)
	case t.Reference == "":
		return errs.New(errs.Validation, "transfer reference is required")
	}
	return nil
}

// Memory is an in-process Ledger.
type Memory struct {
	mu        sync.Mutex
	transfers map[string]Transfer
	balances  map[string]int64
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		transfers: make(map[string]Transfer),
		balances:  make(map[string]int64),
	}
}

func (m *Memory) RecordTransfer(_ context.Context, t Transfer) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	id := TransferID(t.Reference)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[id]; ok {
		return id, nil
	}
	m.transfers[id] = t
	m.balances[t.From] -= t.AmountMinor
	m.balances[t.To] += t.AmountMinor
	return id, nil
}

func (m *Memory) Balance(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

// Transfers returns the number of booked transfers.
func (m *Memory) Transfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}
