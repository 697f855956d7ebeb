package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Helper function to create test storage.
func createTestStorage(t *testing.T) (*SQLStorage, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		t.Fatalf("Failed to migrate: %v", err)
	}

	return store, func() { _ = store.Close() }
}

func newTestPool(id, funder string, expiresIn time.Duration) *model.Pool {
	return &model.Pool{
		ID:        id,
		FunderID:  funder,
		TokenID:   "usdc",
		Total:     uint256.NewInt(1_000_000),
		Fee:       uint256.NewInt(10_000),
		CreatedAt: baseTime,
		ExpiresAt: baseTime.Add(expiresIn),
		Status:    model.PoolActive,
	}
}

// inTx runs fn in a transaction and commits it.
func inTx(t *testing.T, store *SQLStorage, fn func(tx service.Transaction)) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func insertTestPool(t *testing.T, store *SQLStorage, pool *model.Pool) {
	t.Helper()
	inTx(t, store, func(tx service.Transaction) {
		require.NoError(t, tx.InsertPool(context.Background(), pool))
	})
}

func TestSQLStorage_PoolRoundTrip(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	pool := newTestPool("pool-1", "alice", time.Hour)
	pool.ExternalRef = "chat:42"
	insertTestPool(t, store, pool)

	got, err := store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.FunderID)
	assert.Equal(t, "1000000", got.Total.Dec())
	assert.Equal(t, "10000", got.Fee.Dec())
	assert.Equal(t, model.PoolActive, got.Status)
	assert.Equal(t, "chat:42", got.ExternalRef)
	assert.True(t, got.ExpiresAt.Equal(pool.ExpiresAt))
	assert.Nil(t, got.FinalizingAt)
	assert.Nil(t, got.NotifiedAt)

	_, err = store.GetPool(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrPoolNotFound)
}

func TestSQLStorage_InsertPoolDuplicate(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	err = tx.InsertPool(ctx, newTestPool("pool-1", "bob", time.Hour))
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)
}

func TestSQLStorage_InsertClaimUniquePerClaimant(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))

	inTx(t, store, func(tx service.Transaction) {
		require.NoError(t, tx.InsertClaim(ctx, &model.Claim{
			ID: "claim-1", PoolID: "pool-1", ClaimantID: "bob",
			Status: model.ClaimClaimed, CreatedAt: baseTime, ClaimedAt: &baseTime,
		}))
	})

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	err = tx.InsertClaim(ctx, &model.Claim{
		ID: "claim-2", PoolID: "pool-1", ClaimantID: "bob",
		Status: model.ClaimClaimed, CreatedAt: baseTime.Add(time.Second),
	})
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)
	require.NoError(t, tx.Rollback())

	claims, err := store.ListClaims(ctx, "pool-1")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "claim-1", claims[0].ID)
}

func TestSQLStorage_ListClaimsOrdered(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))

	claimants := []string{"carol", "bob", "dave"}
	inTx(t, store, func(tx service.Transaction) {
		for i, who := range claimants {
			require.NoError(t, tx.InsertClaim(ctx, &model.Claim{
				ID: "claim-" + who, PoolID: "pool-1", ClaimantID: who,
				Status: model.ClaimClaimed, CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			}))
		}
	})

	claims, err := store.ListClaims(ctx, "pool-1")
	require.NoError(t, err)
	require.Len(t, claims, 3)
	for i, who := range claimants {
		assert.Equal(t, who, claims[i].ClaimantID)
	}
}

func TestSQLStorage_IncrementClaimCount(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))

	tests := []struct {
		now       time.Time
		name      string
		wantCount int
		wantOK    bool
	}{
		{name: "before expiry", now: baseTime.Add(time.Minute), wantCount: 1, wantOK: true},
		{name: "again before expiry", now: baseTime.Add(2 * time.Minute), wantCount: 2, wantOK: true},
		{name: "at expiry", now: baseTime.Add(time.Hour), wantOK: false},
		{name: "after expiry", now: baseTime.Add(2 * time.Hour), wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inTx(t, store, func(tx service.Transaction) {
				count, ok, err := tx.IncrementClaimCount(ctx, "pool-1", tt.now)
				require.NoError(t, err)
				assert.Equal(t, tt.wantOK, ok)
				if tt.wantOK {
					assert.Equal(t, tt.wantCount, count)
				}
			})
		})
	}
}

func TestSQLStorage_PoolTransitions(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))

	ok, err := store.AcquireFinalization(ctx, "pool-1", baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "unexpired pool must not be acquired")

	expiredAt := baseTime.Add(time.Hour)
	ok, err = store.AcquireFinalization(ctx, "pool-1", expiredAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireFinalization(ctx, "pool-1", expiredAt)
	require.NoError(t, err)
	assert.False(t, ok, "second acquisition must lose")

	pool, err := store.GetPool(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, model.PoolFinalizing, pool.Status)
	require.NotNil(t, pool.FinalizingAt)
	assert.True(t, pool.FinalizingAt.Equal(expiredAt))

	inTx(t, store, func(tx service.Transaction) {
		locked, err := tx.LockFinalizingPool(ctx, "pool-1")
		require.NoError(t, err)
		assert.True(t, locked)

		done, err := tx.CompletePool(ctx, "pool-1", model.PoolFinalized, "", expiredAt)
		require.NoError(t, err)
		assert.True(t, done)

		done, err = tx.CompletePool(ctx, "pool-1", model.PoolRefunded, "", expiredAt)
		require.NoError(t, err)
		assert.False(t, done, "terminal pools never transition again")
	})

	inTx(t, store, func(tx service.Transaction) {
		locked, err := tx.LockFinalizingPool(ctx, "pool-1")
		require.NoError(t, err)
		assert.False(t, locked)

		_, err = tx.CompletePool(ctx, "pool-1", model.PoolActive, "", expiredAt)
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestSQLStorage_AcquireCancellation(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))
	insertTestPool(t, store, newTestPool("pool-2", "alice", time.Minute))

	ok, err := store.AcquireCancellation(ctx, "pool-1", "bob", baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "only the funder may cancel")

	ok, err = store.AcquireCancellation(ctx, "pool-2", "alice", baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "expired pools cannot be cancelled")

	ok, err = store.AcquireCancellation(ctx, "pool-1", "alice", baseTime)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireAbort(ctx, "pool-1", "never posted", baseTime)
	require.NoError(t, err)
	assert.False(t, ok, "abort needs an ACTIVE pool")

	ok, err = store.AcquireAbort(ctx, "pool-2", "never posted", baseTime)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLStorage_ListFinalizablePools(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("live", "alice", 2*time.Hour))
	insertTestPool(t, store, newTestPool("expired", "alice", time.Minute))
	insertTestPool(t, store, newTestPool("stuck", "alice", time.Minute))
	insertTestPool(t, store, newTestPool("fresh", "alice", time.Minute))

	_, err := store.AcquireFinalization(ctx, "stuck", baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	_, err = store.AcquireFinalization(ctx, "fresh", baseTime.Add(20*time.Minute))
	require.NoError(t, err)

	now := baseTime.Add(21 * time.Minute)
	pools, err := store.ListFinalizablePools(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)

	var ids []string
	for _, p := range pools {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"expired", "stuck"}, ids)

	require.NoError(t, store.RecordSettlementFailure(ctx, "stuck", "boom"))
	stuck, err := store.GetPool(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, stuck.SettleAttempts)
	assert.Equal(t, "boom", stuck.FailureReason)
}

func TestSQLStorage_MarkNotified(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Minute))
	settledAt := baseTime.Add(time.Minute)
	_, err := store.AcquireFinalization(ctx, "pool-1", settledAt)
	require.NoError(t, err)

	unnotified, err := store.ListUnnotifiedPools(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unnotified, "FINALIZING pools have nothing to announce")

	inTx(t, store, func(tx service.Transaction) {
		_, err := tx.CompletePool(ctx, "pool-1", model.PoolRefunded, "", settledAt)
		require.NoError(t, err)
	})

	unnotified, err = store.ListUnnotifiedPools(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unnotified, 1)

	ok, err := store.MarkNotified(ctx, "pool-1", settledAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkNotified(ctx, "pool-1", settledAt)
	require.NoError(t, err)
	assert.False(t, ok)

	unnotified, err = store.ListUnnotifiedPools(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unnotified)
}

func TestSQLStorage_RefundClaims(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	insertTestPool(t, store, newTestPool("pool-1", "alice", time.Hour))
	inTx(t, store, func(tx service.Transaction) {
		require.NoError(t, tx.InsertClaim(ctx, &model.Claim{
			ID: "c1", PoolID: "pool-1", ClaimantID: "bob", Status: model.ClaimPending, CreatedAt: baseTime,
		}))
		require.NoError(t, tx.InsertClaim(ctx, &model.Claim{
			ID: "c2", PoolID: "pool-1", ClaimantID: "carol", Status: model.ClaimClaimed, CreatedAt: baseTime,
		}))
	})

	inTx(t, store, func(tx service.Transaction) {
		n, err := tx.RefundClaims(ctx, "pool-1", []model.ClaimStatus{model.ClaimPending}, baseTime)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		accepted, err := tx.AcceptClaim(ctx, "pool-1", "bob", baseTime)
		require.NoError(t, err)
		assert.False(t, accepted, "refunded claims cannot be accepted")
	})

	claims, err := store.ListClaims(ctx, "pool-1")
	require.NoError(t, err)
	statuses := map[string]model.ClaimStatus{}
	for _, c := range claims {
		statuses[c.ClaimantID] = c.Status
	}
	assert.Equal(t, model.ClaimRefunded, statuses["bob"])
	assert.Equal(t, model.ClaimClaimed, statuses["carol"])
}

func TestSQLStorage_SwapBalance(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	bal, err := store.GetBalance(ctx, "alice", "usdc")
	require.NoError(t, err)
	assert.True(t, bal.Amount.IsZero(), "missing balance reads as zero")

	inTx(t, store, func(tx service.Transaction) {
		require.NoError(t, tx.EnsureBalance(ctx, "alice", "usdc", baseTime))
		require.NoError(t, tx.EnsureBalance(ctx, "alice", "usdc", baseTime))

		ok, err := tx.SwapBalance(ctx, "alice", "usdc", uint256.NewInt(0), uint256.NewInt(500), baseTime)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.SwapBalance(ctx, "alice", "usdc", uint256.NewInt(0), uint256.NewInt(900), baseTime)
		require.NoError(t, err)
		assert.False(t, ok, "stale expected value must not write")

		bal, err := tx.GetBalance(ctx, "alice", "usdc")
		require.NoError(t, err)
		assert.Equal(t, "500", bal.Amount.Dec())
	})

	bal, err = store.GetBalance(ctx, "alice", "usdc")
	require.NoError(t, err)
	assert.Equal(t, "500", bal.Amount.Dec())
}

func TestSQLStorage_RollbackDiscardsWork(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertPool(ctx, newTestPool("pool-1", "alice", time.Hour)))
	require.NoError(t, tx.EnsureBalance(ctx, "alice", "usdc", baseTime))
	_, err = tx.SwapBalance(ctx, "alice", "usdc", uint256.NewInt(0), uint256.NewInt(7), baseTime)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = store.GetPool(ctx, "pool-1")
	assert.ErrorIs(t, err, common.ErrPoolNotFound)
	bal, err := store.GetBalance(ctx, "alice", "usdc")
	require.NoError(t, err)
	assert.True(t, bal.Amount.IsZero())
}

func TestSQLStorage_LedgerEntries(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	inTx(t, store, func(tx service.Transaction) {
		require.NoError(t, tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID: "e1", Type: model.EntryPoolFund, UserID: "alice", TokenID: "usdc",
			Amount: uint256.NewInt(100), Debit: true, CorrelationRef: "pool-1", CreatedAt: baseTime,
		}))
		require.NoError(t, tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID: "e2", Type: model.EntryPoolPayout, UserID: "bob", TokenID: "usdc",
			Amount: uint256.NewInt(100), Fee: uint256.NewInt(1), CounterpartyID: "alice",
			CorrelationRef: "pool-1", CreatedAt: baseTime.Add(time.Second),
		}))
		require.NoError(t, tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID: "e3", Type: model.EntryDeposit, UserID: "carol", TokenID: "usdc",
			Amount: uint256.NewInt(5), CreatedAt: baseTime.Add(2 * time.Second),
		}))
	})

	count, err := store.CountLedgerEntries(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	entries, err := store.ListLedgerEntries(ctx, service.LedgerFilter{PoolID: "pool-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Debit)
	assert.Equal(t, "-100", entries[0].SignedAmount())
	assert.False(t, entries[1].Debit)
	assert.Equal(t, "1", entries[1].Fee.Dec())
	assert.Equal(t, "alice", entries[1].CounterpartyID)

	since := baseTime.Add(2 * time.Second)
	entries, err = store.ListLedgerEntries(ctx, service.LedgerFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].UserID)

	_, err = store.db.ExecContext(ctx, `UPDATE ledger_entries SET signed_amount = '0' WHERE id = 'e1'`)
	assert.Error(t, err, "ledger entries are append-only")
	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = 'e1'`)
	assert.Error(t, err, "ledger entries are append-only")
}
