// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/grouptip/internal/model"
	"github.com/holiman/uint256"
)

// LedgerFilter narrows an audit export.
type LedgerFilter struct {
	Since   *time.Time
	Until   *time.Time
	UserID  string
	TokenID string
	PoolID  string
	Type    model.EntryType
	Limit   int
}

// Reader holds queries that are valid both inside and outside a transaction.
type Reader interface {
	GetPool(ctx context.Context, id string) (*model.Pool, error)
	ListClaims(ctx context.Context, poolID string) ([]model.Claim, error)
	GetBalance(ctx context.Context, userID, tokenID string) (*model.Balance, error)
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	Reader

	// Pool queries
	ListPoolsByStatus(ctx context.Context, status model.PoolStatus, limit int) ([]model.Pool, error)
	ListActivePools(ctx context.Context) ([]model.Pool, error)
	ListFinalizablePools(ctx context.Context, now, resumeBefore time.Time, limit int) ([]model.Pool, error)
	ListUnnotifiedPools(ctx context.Context, limit int) ([]model.Pool, error)

	// Conditional pool transitions that commit on their own
	AcquireFinalization(ctx context.Context, poolID string, now time.Time) (bool, error)
	AcquireCancellation(ctx context.Context, poolID, funderID string, now time.Time) (bool, error)
	AcquireAbort(ctx context.Context, poolID, reason string, now time.Time) (bool, error)
	RecordSettlementFailure(ctx context.Context, poolID, reason string) error
	MarkNotified(ctx context.Context, poolID string, at time.Time) (bool, error)

	// Audit
	ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, poolID string) (int, error)

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Transaction, error)
	Close() error
}

// Transaction is a single atomic unit of work. Every method runs inside the
// same database transaction; nothing is visible to others until Commit.
type Transaction interface {
	Reader

	Commit() error
	Rollback() error

	// Pools
	InsertPool(ctx context.Context, pool *model.Pool) error
	// LockFinalizingPool touches a FINALIZING pool so concurrent settlers
	// serialize on the row. It reports false when the pool is no longer
	// FINALIZING.
	LockFinalizingPool(ctx context.Context, poolID string) (bool, error)
	CompletePool(ctx context.Context, poolID string, status model.PoolStatus, reason string, at time.Time) (bool, error)
	// LockActivePool touches a pool that is ACTIVE and unexpired at now so the
	// rest of the transaction serializes against finalization.
	LockActivePool(ctx context.Context, poolID string, now time.Time) (bool, error)
	// IncrementClaimCount bumps the pool's claim counter only while it is
	// ACTIVE and unexpired at now, returning the new count.
	IncrementClaimCount(ctx context.Context, poolID string, now time.Time) (int, bool, error)

	// Claims
	InsertClaim(ctx context.Context, claim *model.Claim) error
	AcceptClaim(ctx context.Context, poolID, claimantID string, at time.Time) (bool, error)
	RefundClaims(ctx context.Context, poolID string, from []model.ClaimStatus, at time.Time) (int, error)

	// Ledger
	EnsureBalance(ctx context.Context, userID, tokenID string, at time.Time) error
	// SwapBalance replaces a balance only if it still equals expected.
	SwapBalance(ctx context.Context, userID, tokenID string, expected, next *uint256.Int, at time.Time) (bool, error)
	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
}

// TokenRegistry supplies read-only token metadata.
type TokenRegistry interface {
	Token(ctx context.Context, id string) (model.Token, error)
}

// SettlementEvent carries display-ready settlement values to renderers.
type SettlementEvent struct {
	SettledAt   time.Time     `json:"settled_at"`
	PoolID      string        `json:"pool_id"`
	FunderID    string        `json:"funder_id"`
	TokenID     string        `json:"token_id"`
	TokenSymbol string        `json:"token_symbol"`
	Outcome     model.Outcome `json:"outcome"`
	Total       string        `json:"total"`
	Fee         string        `json:"fee"`
	Refund      string        `json:"refund,omitempty"`
	ExternalRef string        `json:"external_ref,omitempty"`
	Payouts     []EventPayout `json:"payouts"`
}

// EventPayout is one claimant's display-ready share.
type EventPayout struct {
	ClaimantID string `json:"claimant_id"`
	Amount     string `json:"amount"`
}

// Notifier publishes settlement results. It is never called inside a
// settlement transaction.
type Notifier interface {
	PoolSettled(ctx context.Context, event SettlementEvent) error
}
