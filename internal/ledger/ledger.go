// Package ledger moves token balances and records every movement as an
// append-only entry in the caller's transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/holiman/uint256"
)

// Meta carries the optional fields of a ledger entry.
type Meta struct {
	Fee            *uint256.Int
	CounterpartyID string
	CorrelationRef string
}

// Ledger applies credits and debits.
type Ledger struct {
	store   service.Storage
	metrics *metrics.Metrics
	now     func() time.Time
	retry   common.RetryOptions
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMetrics records written entries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithRetryOptions sets the backoff used by Deposit and Withdraw on balance
// conflicts.
func WithRetryOptions(opts common.RetryOptions) Option {
	return func(l *Ledger) { l.retry = opts }
}

// New creates a Ledger. store is only needed for Deposit and Withdraw, which
// open their own transactions.
func New(store service.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		retry: common.RetryOptions{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Credit adds value to a balance inside tx and appends the matching entry.
// A zero value leaves the balance untouched but is still recorded.
func (l *Ledger) Credit(ctx context.Context, tx service.Transaction, userID, tokenID string, value *uint256.Int, kind model.EntryType, meta Meta) (*model.LedgerEntry, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: nil credit", common.ErrInvalidAmount)
	}
	at := l.now().UTC()

	if !value.IsZero() {
		if err := tx.EnsureBalance(ctx, userID, tokenID, at); err != nil {
			return nil, err
		}
		current, err := tx.GetBalance(ctx, userID, tokenID)
		if err != nil {
			return nil, err
		}
		next, err := amount.Add(current.Amount, value)
		if err != nil {
			return nil, err
		}
		if err := l.swap(ctx, tx, userID, tokenID, current.Amount, next, at); err != nil {
			return nil, err
		}
	}

	return l.record(ctx, tx, userID, tokenID, value, kind, meta, false, at)
}

// Debit removes value from a balance inside tx and appends the matching entry.
// It fails with common.ErrInsufficientBalance when the balance is too low.
func (l *Ledger) Debit(ctx context.Context, tx service.Transaction, userID, tokenID string, value *uint256.Int, kind model.EntryType, meta Meta) (*model.LedgerEntry, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: nil debit", common.ErrInvalidAmount)
	}
	at := l.now().UTC()

	if !value.IsZero() {
		current, err := tx.GetBalance(ctx, userID, tokenID)
		if err != nil {
			return nil, err
		}
		if current.Amount.Lt(value) {
			return nil, fmt.Errorf("%w: %s holds %s %s, needs %s",
				common.ErrInsufficientBalance, userID, current.Amount.Dec(), tokenID, value.Dec())
		}
		next := new(uint256.Int).Sub(current.Amount, value)
		if err := l.swap(ctx, tx, userID, tokenID, current.Amount, next, at); err != nil {
			return nil, err
		}
	}

	return l.record(ctx, tx, userID, tokenID, value, kind, meta, true, at)
}

func (l *Ledger) swap(ctx context.Context, tx service.Transaction, userID, tokenID string, expected, next *uint256.Int, at time.Time) error {
	ok, err := tx.SwapBalance(ctx, userID, tokenID, expected, next, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: balance of %s in %s changed", common.ErrConcurrentUpdate, userID, tokenID)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, tx service.Transaction, userID, tokenID string, value *uint256.Int, kind model.EntryType, meta Meta, debit bool, at time.Time) (*model.LedgerEntry, error) {
	fee := meta.Fee
	if fee == nil {
		fee = new(uint256.Int)
	}
	entry := &model.LedgerEntry{
		ID:             model.NewID(),
		Type:           kind,
		UserID:         userID,
		TokenID:        tokenID,
		Amount:         new(uint256.Int).Set(value),
		Fee:            fee,
		Debit:          debit,
		CounterpartyID: meta.CounterpartyID,
		CorrelationRef: meta.CorrelationRef,
		CreatedAt:      at,
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	l.metrics.LedgerEntry(string(kind))
	return entry, nil
}

// Deposit credits a user in its own transaction, standing in for an external
// deposit watcher.
func (l *Ledger) Deposit(ctx context.Context, userID, tokenID string, value *uint256.Int, ref string) (*model.LedgerEntry, error) {
	return l.standalone(ctx, func(tx service.Transaction) (*model.LedgerEntry, error) {
		return l.Credit(ctx, tx, userID, tokenID, value, model.EntryDeposit, Meta{CorrelationRef: ref})
	})
}

// Withdraw debits a user in its own transaction, standing in for an external
// withdrawal watcher.
func (l *Ledger) Withdraw(ctx context.Context, userID, tokenID string, value *uint256.Int, ref string) (*model.LedgerEntry, error) {
	return l.standalone(ctx, func(tx service.Transaction) (*model.LedgerEntry, error) {
		return l.Debit(ctx, tx, userID, tokenID, value, model.EntryWithdrawal, Meta{CorrelationRef: ref})
	})
}

func (l *Ledger) standalone(ctx context.Context, fn func(service.Transaction) (*model.LedgerEntry, error)) (*model.LedgerEntry, error) {
	if l.store == nil {
		return nil, fmt.Errorf("%w: ledger has no storage", common.ErrMissingConfig)
	}

	var entry *model.LedgerEntry
	err := common.WithRetry(ctx, func() error {
		e, err := service.InTx(ctx, l.store, fn)
		if err != nil {
			if errors.Is(err, common.ErrConcurrentUpdate) {
				return err
			}
			return common.Permanent(err)
		}
		entry = e
		return nil
	}, l.retry)
	if err != nil {
		return nil, err
	}

	slog.Debug("Ledger entry committed",
		"type", entry.Type,
		"user_id", entry.UserID,
		"token_id", entry.TokenID,
		"amount", entry.SignedAmount())
	return entry, nil
}
