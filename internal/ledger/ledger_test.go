package ledger_test

import (
	"context"
	"testing"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/Veraticus/grouptip/internal/testutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newLedger(t *testing.T) (*ledger.Ledger, *testutil.TestDB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	clock := testutil.NewClock()
	return ledger.New(db.Storage, ledger.WithClock(clock.Now)), db
}

func TestLedger_CreditAndDebit(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	_, err := service.InTx(ctx, db.Storage, func(tx service.Transaction) (*model.LedgerEntry, error) {
		if _, err := l.Credit(ctx, tx, "alice", "usdc", uint256.NewInt(1000), model.EntryDeposit, ledger.Meta{}); err != nil {
			return nil, err
		}
		return l.Debit(ctx, tx, "alice", "usdc", uint256.NewInt(400), model.EntryPoolFund, ledger.Meta{CorrelationRef: "pool-1"})
	})
	require.NoError(t, err)
	assert.Equal(t, "600", db.Balance("alice", "usdc"))

	entries, err := db.Storage.ListLedgerEntries(ctx, service.LedgerFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryDeposit, entries[0].Type)
	assert.Equal(t, "1000", entries[0].SignedAmount())
	assert.Equal(t, model.EntryPoolFund, entries[1].Type)
	assert.Equal(t, "-400", entries[1].SignedAmount())
	assert.Equal(t, "pool-1", entries[1].CorrelationRef)
}

func TestLedger_DebitInsufficientBalance(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	db.Fund("alice", "usdc", 50)

	_, err := l.Withdraw(ctx, "alice", "usdc", uint256.NewInt(51), "")
	require.ErrorIs(t, err, common.ErrInsufficientBalance)
	assert.Equal(t, "50", db.Balance("alice", "usdc"))

	_, err = l.Withdraw(ctx, "nobody", "usdc", uint256.NewInt(1), "")
	require.ErrorIs(t, err, common.ErrInsufficientBalance)

	entries, err := db.Storage.ListLedgerEntries(ctx, service.LedgerFilter{Type: model.EntryWithdrawal})
	require.NoError(t, err)
	assert.Empty(t, entries, "failed debits leave no trace")
}

func TestLedger_ZeroAmountRecordsEntryOnly(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	_, err := service.InTx(ctx, db.Storage, func(tx service.Transaction) (*model.LedgerEntry, error) {
		return l.Debit(ctx, tx, "alice", "usdc", uint256.NewInt(0), model.EntryFeeWithhold, ledger.Meta{CorrelationRef: "pool-1"})
	})
	require.NoError(t, err)
	assert.Equal(t, "0", db.Balance("alice", "usdc"))

	count, err := db.Storage.CountLedgerEntries(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLedger_NilAmountRejected(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	err := db.WithTransaction(func(tx service.Transaction) error {
		_, err := l.Credit(ctx, tx, "alice", "usdc", nil, model.EntryDeposit, ledger.Meta{})
		return err
	})
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
}

func TestLedger_CreditOverflow(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	ceiling := new(uint256.Int).SetAllOne()
	_, err := l.Deposit(ctx, "alice", "usdc", ceiling, "")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, "alice", "usdc", uint256.NewInt(1), "")
	require.ErrorIs(t, err, common.ErrAmountOverflow)
	assert.Equal(t, ceiling.Dec(), db.Balance("alice", "usdc"))
}

func TestLedger_RollbackDiscardsBalanceAndEntry(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	db.Fund("alice", "usdc", 100)

	_, err := service.InTx(ctx, db.Storage, func(tx service.Transaction) (*model.LedgerEntry, error) {
		if _, err := l.Debit(ctx, tx, "alice", "usdc", uint256.NewInt(60), model.EntryPoolFund, ledger.Meta{CorrelationRef: "p"}); err != nil {
			return nil, err
		}
		// Second debit fails and takes the first one down with it.
		return l.Debit(ctx, tx, "alice", "usdc", uint256.NewInt(60), model.EntryFeeWithhold, ledger.Meta{CorrelationRef: "p"})
	})
	require.ErrorIs(t, err, common.ErrInsufficientBalance)
	assert.Equal(t, "100", db.Balance("alice", "usdc"))

	count, err := db.Storage.CountLedgerEntries(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLedger_ConcurrentDepositsConserve(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	const workers = 16
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := l.Deposit(ctx, "alice", "usdc", uint256.NewInt(5), "")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, "80", db.Balance("alice", "usdc"))
}
