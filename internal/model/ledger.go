package model

import (
	"time"

	"github.com/holiman/uint256"
)

// EntryType classifies a ledger entry.
type EntryType string

// Ledger entry types.
const (
	EntryDeposit     EntryType = "DEPOSIT"
	EntryWithdrawal  EntryType = "WITHDRAWAL"
	EntryPoolFund    EntryType = "POOL_FUND"
	EntryFeeWithhold EntryType = "FEE_WITHHOLD"
	EntryPoolPayout  EntryType = "POOL_PAYOUT"
	EntryPoolRefund  EntryType = "POOL_REFUND"
	EntryFeeRefund   EntryType = "FEE_REFUND"
	EntryFeeCollect  EntryType = "FEE_COLLECT"
)

// Balance is a user's holding of a single token.
type Balance struct {
	UpdatedAt time.Time
	Amount    *uint256.Int
	UserID    string
	TokenID   string
}

// LedgerEntry is an append-only audit record of a single balance mutation.
type LedgerEntry struct {
	CreatedAt time.Time
	// Amount is the magnitude; Debit carries the sign.
	Amount         *uint256.Int
	Fee            *uint256.Int
	ID             string
	Type           EntryType
	UserID         string
	TokenID        string
	CounterpartyID string
	CorrelationRef string
	Debit          bool
}

// SignedAmount renders the amount with a leading minus for debits.
func (e *LedgerEntry) SignedAmount() string {
	if e.Amount == nil {
		return "0"
	}
	if e.Debit && !e.Amount.IsZero() {
		return "-" + e.Amount.Dec()
	}
	return e.Amount.Dec()
}
