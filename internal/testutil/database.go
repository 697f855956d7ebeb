// Package testutil provides test helpers shared across grouptip packages: a
// migrated throwaway database, balance fixtures, and a controllable clock.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/Veraticus/grouptip/internal/storage"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TestDB represents a test database with associated test utilities.
type TestDB struct {
	Storage *storage.SQLStorage
	t       *testing.T
}

// SetupTestDB creates a migrated SQLite database in a temp dir. It is closed
// when the test finishes.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{})
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	CustomSetup    func(context.Context, service.Storage) error
	SkipMigrations bool
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "grouptip.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	ctx := context.Background()

	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return &TestDB{
		Storage: store,
		t:       t,
	}
}

// WithTransaction executes the given function within a database transaction.
// The transaction is automatically rolled back after the function completes.
func (db *TestDB) WithTransaction(fn func(tx service.Transaction) error) error {
	ctx := context.Background()
	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	return fn(tx)
}

// Fund sets up a starting balance of atomic units for user, recorded as a
// deposit so audit totals stay consistent.
func (db *TestDB) Fund(user, token string, atomic uint64) {
	db.t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := db.Storage.BeginTx(ctx)
	if err != nil {
		db.t.Fatalf("failed to begin transaction: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.EnsureBalance(ctx, user, token, now); err != nil {
		db.t.Fatalf("failed to create balance: %v", err)
	}
	current, err := tx.GetBalance(ctx, user, token)
	if err != nil {
		db.t.Fatalf("failed to read balance: %v", err)
	}
	value := uint256.NewInt(atomic)
	next := new(uint256.Int).Add(current.Amount, value)
	if ok, err := tx.SwapBalance(ctx, user, token, current.Amount, next, now); err != nil || !ok {
		db.t.Fatalf("failed to fund %s: ok=%v err=%v", user, ok, err)
	}
	if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
		ID:        uuid.NewString(),
		Type:      model.EntryDeposit,
		UserID:    user,
		TokenID:   token,
		Amount:    value,
		CreatedAt: now,
	}); err != nil {
		db.t.Fatalf("failed to record deposit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		db.t.Fatalf("failed to commit funding: %v", err)
	}
}

// Balance returns a user's balance as a decimal string of atomic units.
func (db *TestDB) Balance(user, token string) string {
	db.t.Helper()
	bal, err := db.Storage.GetBalance(context.Background(), user, token)
	if err != nil {
		db.t.Fatalf("failed to read balance: %v", err)
	}
	return bal.Amount.Dec()
}
