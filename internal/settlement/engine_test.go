package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/claims"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/Veraticus/grouptip/internal/settlement"
	"github.com/Veraticus/grouptip/internal/testutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const collector = "treasury"

type recordingNotifier struct {
	err    error
	events []service.SettlementEvent
	mu     sync.Mutex
}

func (n *recordingNotifier) PoolSettled(_ context.Context, event service.SettlementEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) Events() []service.SettlementEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]service.SettlementEvent(nil), n.events...)
}

type harness struct {
	db       *testutil.TestDB
	clock    *testutil.Clock
	ledger   *ledger.Ledger
	claims   *claims.Registry
	engine   *settlement.Engine
	notifier *recordingNotifier
	tokens   testutil.Tokens
	cfg      settlement.Config
}

func newHarness(t *testing.T, mutate ...func(*settlement.Config)) *harness {
	t.Helper()
	db := testutil.SetupTestDB(t)
	clock := testutil.NewClock()
	h := &harness{
		db:       db,
		clock:    clock,
		ledger:   ledger.New(db.Storage, ledger.WithClock(clock.Now)),
		claims:   claims.NewRegistry(db.Storage, claims.WithClock(clock.Now)),
		notifier: &recordingNotifier{},
		tokens:   testutil.NewTokens(),
		cfg: settlement.Config{
			CollectorID: collector,
			ResumeAfter: 2 * time.Minute,
			RefundFee:   true,
		},
	}
	for _, m := range mutate {
		m(&h.cfg)
	}
	h.engine = h.newEngine(t, db.Storage)
	return h
}

func (h *harness) newEngine(t *testing.T, store service.Storage) *settlement.Engine {
	t.Helper()
	engine, err := settlement.NewEngine(store, h.ledger, h.tokens, h.cfg,
		settlement.WithClock(h.clock.Now),
		settlement.WithNotifier(h.notifier))
	require.NoError(t, err)
	return engine
}

// openPool funds funder with exactly total plus fee and opens a pool that
// debits both, the way pool creation does.
func (h *harness) openPool(t *testing.T, funder string, token model.Token, total uint64, ttl time.Duration) *model.Pool {
	t.Helper()
	ctx := context.Background()
	value := uint256.NewInt(total)
	fee, err := amount.ComputeFee(value, token.FeeBasisPoints)
	require.NoError(t, err)
	h.db.Fund(funder, token.ID, total+fee.Uint64())

	now := h.clock.Now()
	pool := &model.Pool{
		ID:        model.NewID(),
		FunderID:  funder,
		TokenID:   token.ID,
		Total:     value,
		Fee:       fee,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Status:    model.PoolActive,
	}
	_, err = service.InTx(ctx, h.db.Storage, func(tx service.Transaction) (*model.Pool, error) {
		meta := ledger.Meta{CorrelationRef: pool.ID}
		if _, err := h.ledger.Debit(ctx, tx, funder, token.ID, value, model.EntryPoolFund, meta); err != nil {
			return nil, err
		}
		if _, err := h.ledger.Debit(ctx, tx, funder, token.ID, fee, model.EntryFeeWithhold, meta); err != nil {
			return nil, err
		}
		return pool, tx.InsertPool(ctx, pool)
	})
	require.NoError(t, err)
	return pool
}

func (h *harness) claim(t *testing.T, poolID string, claimants ...string) {
	t.Helper()
	for _, c := range claimants {
		_, err := h.claims.RegisterClaim(context.Background(), poolID, c)
		require.NoError(t, err)
	}
}

func (h *harness) pool(t *testing.T, id string) *model.Pool {
	t.Helper()
	pool, err := h.db.Storage.GetPool(context.Background(), id)
	require.NoError(t, err)
	return pool
}

func (h *harness) entries(t *testing.T, poolID string) int {
	t.Helper()
	n, err := h.db.Storage.CountLedgerEntries(context.Background(), poolID)
	require.NoError(t, err)
	return n
}

func sumBalances(t *testing.T, h *harness, token string, users ...string) *uint256.Int {
	t.Helper()
	sum := new(uint256.Int)
	for _, u := range users {
		sum.Add(sum, uint256.MustFromDecimal(h.db.Balance(u, token)))
	}
	return sum
}

func TestFinalize_Conservation(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 13} {
		t.Run(fmt.Sprintf("%d claimants", n), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			pool := h.openPool(t, "funder", testutil.USDC, 10_000_001, time.Minute)

			claimants := make([]string, n)
			for i := range claimants {
				claimants[i] = fmt.Sprintf("claimant-%02d", i)
			}
			h.claim(t, pool.ID, claimants...)

			h.clock.Advance(time.Minute)
			result, err := h.engine.Finalize(ctx, pool.ID)
			require.NoError(t, err)
			assert.Equal(t, model.OutcomeFinalized, result.Outcome)
			require.Len(t, result.Payouts, n)

			paid := sumBalances(t, h, "usdc", claimants...)
			assert.Equal(t, pool.Total.Dec(), paid.Dec(), "claimants receive exactly the total")
			assert.Equal(t, pool.Fee.Dec(), h.db.Balance(collector, "usdc"))
			assert.Equal(t, "0", h.db.Balance("funder", "usdc"))

			everyone := append([]string{"funder", collector}, claimants...)
			funded := new(uint256.Int).Add(pool.Total, pool.Fee)
			assert.Equal(t, funded.Dec(), sumBalances(t, h, "usdc", everyone...).Dec())

			settled := h.pool(t, pool.ID)
			assert.Equal(t, model.PoolFinalized, settled.Status)
			require.NotNil(t, settled.SettledAt)
			assert.Equal(t, 2+n+1, h.entries(t, pool.ID))
		})
	}
}

func TestFinalize_RemainderGoesToFirstClaimant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 100, time.Minute)
	h.claim(t, pool.ID, "zed", "amy", "bob")

	h.clock.Advance(time.Minute)
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)

	got := map[string]string{}
	for _, p := range result.Payouts {
		got[p.ClaimantID] = p.Amount.Dec()
	}
	assert.Equal(t, map[string]string{"zed": "34", "amy": "33", "bob": "33"}, got)
	assert.Equal(t, "34", h.db.Balance("zed", "pts"))
	assert.Equal(t, "33", h.db.Balance("amy", "pts"))
	assert.Equal(t, "33", h.db.Balance("bob", "pts"))
}

func TestFinalize_NotExpiredIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 100, time.Hour)
	h.claim(t, pool.ID, "bob")

	h.clock.Advance(59 * time.Minute)
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoop, result.Outcome)
	assert.Equal(t, model.PoolActive, h.pool(t, pool.ID).Status)
	assert.Equal(t, "0", h.db.Balance("bob", "pts"))
}

func TestFinalize_UnknownPool(t *testing.T) {
	h := newHarness(t)
	result, err := h.engine.Finalize(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoop, result.Outcome)
	assert.Equal(t, "missing", result.PoolID)

	_, err = h.engine.ForceExpire(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrPoolNotFound)
}

func TestFinalize_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 90, time.Minute)
	h.claim(t, pool.ID, "bob", "carol")
	h.clock.Advance(time.Minute)

	first, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeFinalized, first.Outcome)
	entries := h.entries(t, pool.ID)

	h.clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		again, err := h.engine.Finalize(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeNoop, again.Outcome)
	}
	assert.Equal(t, entries, h.entries(t, pool.ID), "a repeated finalize writes nothing")
	assert.Equal(t, "45", h.db.Balance("bob", "pts"))
	assert.Len(t, h.notifier.Events(), 1)
}

func TestFinalize_ConcurrentCallersSettleOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.USDC, 3_000_000, time.Minute)
	h.claim(t, pool.ID, "bob", "carol", "dave")
	h.clock.Advance(time.Minute)

	const callers = 8
	outcomes := make([]model.Outcome, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			result, err := h.engine.Finalize(ctx, pool.ID)
			if err != nil {
				return err
			}
			outcomes[i] = result.Outcome
			return nil
		})
	}
	require.NoError(t, g.Wait())

	counts := map[model.Outcome]int{}
	for _, o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[model.OutcomeFinalized])
	assert.Equal(t, callers-1, counts[model.OutcomeNoop])
	assert.Equal(t, "1000000", h.db.Balance("bob", "usdc"))
	assert.Equal(t, "1000000", h.db.Balance("carol", "usdc"))
	assert.Equal(t, "1000000", h.db.Balance("dave", "usdc"))
	assert.Equal(t, 2+3+1, h.entries(t, pool.ID))
}

func TestFinalize_NoClaimsRefundsFunder(t *testing.T) {
	t.Run("fee refunded", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		pool := h.openPool(t, "funder", testutil.USDC, 5_000_000, time.Minute)
		debited := new(uint256.Int).Add(pool.Total, pool.Fee)

		h.clock.Advance(time.Minute)
		result, err := h.engine.Finalize(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRefunded, result.Outcome)
		assert.Equal(t, pool.Total.Dec(), result.Refund.Dec())
		assert.Empty(t, result.Payouts)

		assert.Equal(t, debited.Dec(), h.db.Balance("funder", "usdc"), "funder gets back exactly what was debited")
		assert.Equal(t, "0", h.db.Balance(collector, "usdc"))
		assert.Equal(t, model.PoolRefunded, h.pool(t, pool.ID).Status)

		refunds, err := h.db.Storage.ListLedgerEntries(ctx, service.LedgerFilter{PoolID: pool.ID, Type: model.EntryFeeRefund})
		require.NoError(t, err)
		require.Len(t, refunds, 1)
		assert.Equal(t, pool.Fee.Dec(), refunds[0].Amount.Dec())
	})

	t.Run("fee collected", func(t *testing.T) {
		h := newHarness(t, func(c *settlement.Config) { c.RefundFee = false })
		ctx := context.Background()
		pool := h.openPool(t, "funder", testutil.USDC, 5_000_000, time.Minute)

		h.clock.Advance(time.Minute)
		result, err := h.engine.Finalize(ctx, pool.ID)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRefunded, result.Outcome)
		assert.Equal(t, pool.Total.Dec(), h.db.Balance("funder", "usdc"))
		assert.Equal(t, pool.Fee.Dec(), h.db.Balance(collector, "usdc"))
	})
}

func TestFinalize_PendingClaimsAreRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 50, time.Minute)
	h.claim(t, pool.ID, "bob")
	_, err := h.claims.RegisterPendingClaim(ctx, pool.ID, "carol")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFinalized, result.Outcome)
	assert.Equal(t, 1, result.RefundedClaims)
	assert.Equal(t, "50", h.db.Balance("bob", "pts"))
	assert.Equal(t, "0", h.db.Balance("carol", "pts"))

	claims, err := h.db.Storage.ListClaims(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, model.ClaimClaimed, claims[0].Status)
	assert.Equal(t, model.ClaimRefunded, claims[1].Status)
	assert.NotNil(t, claims[1].RefundedAt)
}

func TestFinalize_OnlyPendingClaimsRefundsFunder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 50, time.Minute)
	_, err := h.claims.RegisterPendingClaim(ctx, pool.ID, "carol")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRefunded, result.Outcome)
	assert.Equal(t, 1, result.RefundedClaims)
	assert.Equal(t, "50", h.db.Balance("funder", "pts"))
}

func TestFinalize_ResumesStalledSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 10, time.Minute)
	h.claim(t, pool.ID, "bob")
	h.clock.Advance(time.Minute)

	// A settler took the pool and died before its transaction committed.
	ok, err := h.db.Storage.AcquireFinalization(ctx, pool.ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoop, result.Outcome, "inside the resume grace the owner may still be working")
	assert.Equal(t, model.PoolFinalizing, h.pool(t, pool.ID).Status)

	h.clock.Advance(2 * time.Minute)
	result, err = h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFinalized, result.Outcome)
	assert.Equal(t, "10", h.db.Balance("bob", "pts"))
}

func TestFinalize_ResumedAbortKeepsIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 10, time.Hour)
	h.claim(t, pool.ID, "bob")

	ok, err := h.db.Storage.AcquireAbort(ctx, pool.ID, "post was deleted", h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(3 * time.Minute)
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	assert.Equal(t, "10", h.db.Balance("funder", "pts"))
	assert.Equal(t, "0", h.db.Balance("bob", "pts"))

	settled := h.pool(t, pool.ID)
	assert.Equal(t, model.PoolFailed, settled.Status)
	assert.Equal(t, "post was deleted", settled.FailureReason)
}

func TestForceExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 10, time.Minute)
	h.claim(t, pool.ID, "bob")

	_, err := h.engine.ForceExpire(ctx, pool.ID)
	require.ErrorIs(t, err, common.ErrPoolNotExpired)

	h.clock.Advance(time.Minute)
	result, err := h.engine.ForceExpire(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFinalized, result.Outcome)

	_, err = h.engine.ForceExpire(ctx, pool.ID)
	require.ErrorIs(t, err, common.ErrPoolNotActive)

	_, err = h.engine.ForceExpire(ctx, "missing")
	require.ErrorIs(t, err, common.ErrPoolNotFound)
}

func TestForceExpire_ResumesWithoutGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 10, time.Minute)
	h.clock.Advance(time.Minute)

	ok, err := h.db.Storage.AcquireFinalization(ctx, pool.ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	result, err := h.engine.ForceExpire(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRefunded, result.Outcome)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.USDC, 2_000_000, time.Hour)
	h.claim(t, pool.ID, "bob")
	debited := new(uint256.Int).Add(pool.Total, pool.Fee)

	_, err := h.engine.Cancel(ctx, pool.ID, "bob")
	require.ErrorIs(t, err, common.ErrNotPoolFunder)
	assert.Equal(t, model.PoolActive, h.pool(t, pool.ID).Status)

	result, err := h.engine.Cancel(ctx, pool.ID, "funder")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCancelled, result.Outcome)
	assert.Equal(t, 1, result.RefundedClaims)
	assert.Equal(t, debited.Dec(), h.db.Balance("funder", "usdc"))
	assert.Equal(t, "0", h.db.Balance("bob", "usdc"))
	assert.Equal(t, model.PoolCancelled, h.pool(t, pool.ID).Status)

	_, err = h.engine.Cancel(ctx, pool.ID, "funder")
	require.ErrorIs(t, err, common.ErrPoolNotActive)

	_, err = h.claims.RegisterClaim(ctx, pool.ID, "carol")
	require.ErrorIs(t, err, common.ErrPoolNotActive)
}

func TestCancel_AfterExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 10, time.Minute)
	h.clock.Advance(time.Minute)

	_, err := h.engine.Cancel(ctx, pool.ID, "funder")
	require.ErrorIs(t, err, common.ErrPoolExpired)

	_, err = h.engine.Cancel(ctx, "missing", "funder")
	require.ErrorIs(t, err, common.ErrPoolNotFound)
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.USDC, 1_000_000, time.Hour)
	h.claim(t, pool.ID, "bob", "carol")
	debited := new(uint256.Int).Add(pool.Total, pool.Fee)

	result, err := h.engine.Abort(ctx, pool.ID, "message never posted")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, result.Outcome)
	assert.Equal(t, 2, result.RefundedClaims)
	assert.Equal(t, debited.Dec(), h.db.Balance("funder", "usdc"))

	settled := h.pool(t, pool.ID)
	assert.Equal(t, model.PoolFailed, settled.Status)
	assert.Equal(t, "message never posted", settled.FailureReason)

	_, err = h.engine.Abort(ctx, pool.ID, "again")
	require.ErrorIs(t, err, common.ErrPoolNotActive)
}

// failingStore fails every payout credit so settlement rolls back.
type failingStore struct {
	service.Storage
}

func (s failingStore) BeginTx(ctx context.Context) (service.Transaction, error) {
	tx, err := s.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{Transaction: tx}, nil
}

type failingTx struct {
	service.Transaction
}

var errDiskFull = errors.New("disk full")

func (tx failingTx) AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if entry.Type == model.EntryPoolPayout {
		return errDiskFull
	}
	return tx.Transaction.AppendLedgerEntry(ctx, entry)
}

func TestFinalize_FailureRollsBackAndIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 20, time.Minute)
	h.claim(t, pool.ID, "bob", "carol")
	h.clock.Advance(time.Minute)

	broken := h.newEngine(t, failingStore{Storage: h.db.Storage})
	_, err := broken.Finalize(ctx, pool.ID)
	require.ErrorIs(t, err, common.ErrSettlementFailed)
	require.ErrorIs(t, err, errDiskFull)

	stuck := h.pool(t, pool.ID)
	assert.Equal(t, model.PoolFinalizing, stuck.Status)
	assert.Equal(t, 1, stuck.SettleAttempts)
	assert.Contains(t, stuck.FailureReason, "disk full")
	assert.Equal(t, 2, h.entries(t, pool.ID), "nothing from the failed attempt is kept")
	assert.Equal(t, "0", h.db.Balance("bob", "pts"))

	h.clock.Advance(2 * time.Minute)
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFinalized, result.Outcome)

	settled := h.pool(t, pool.ID)
	assert.Equal(t, model.PoolFinalized, settled.Status)
	assert.Empty(t, settled.FailureReason)
	assert.Equal(t, "10", h.db.Balance("bob", "pts"))
	assert.Equal(t, "10", h.db.Balance("carol", "pts"))
}

func TestNotification_Event(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.USDC, 10_000_000, time.Minute)
	h.claim(t, pool.ID, "bob", "carol", "dave")
	h.clock.Advance(time.Minute)

	_, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err)

	events := h.notifier.Events()
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, pool.ID, event.PoolID)
	assert.Equal(t, "USDC", event.TokenSymbol)
	assert.Equal(t, model.OutcomeFinalized, event.Outcome)
	assert.Equal(t, "10", event.Total)
	assert.Equal(t, "0.1", event.Fee)
	require.Len(t, event.Payouts, 3)
	assert.Equal(t, service.EventPayout{ClaimantID: "bob", Amount: "3.333334"}, event.Payouts[0])
	assert.Equal(t, "3.333333", event.Payouts[1].Amount)
	assert.Equal(t, h.clock.Now(), event.SettledAt)

	assert.NotNil(t, h.pool(t, pool.ID).NotifiedAt)
}

func TestNotification_FailureIsRetriedBySweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pool := h.openPool(t, "funder", testutil.Points, 9, time.Minute)
	h.claim(t, pool.ID, "bob", "carol")
	h.clock.Advance(time.Minute)

	h.notifier.setErr(errors.New("renderer offline"))
	result, err := h.engine.Finalize(ctx, pool.ID)
	require.NoError(t, err, "a failed notification never fails settlement")
	assert.Equal(t, model.OutcomeFinalized, result.Outcome)
	assert.Nil(t, h.pool(t, pool.ID).NotifiedAt)
	assert.Equal(t, "5", h.db.Balance("bob", "pts"))

	delivered, err := h.engine.RetryNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, delivered)

	h.notifier.setErr(nil)
	delivered, err = h.engine.RetryNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.NotNil(t, h.pool(t, pool.ID).NotifiedAt)

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.OutcomeFinalized, events[0].Outcome)
	require.Len(t, events[0].Payouts, 2)
	assert.Equal(t, "bob", events[0].Payouts[0].ClaimantID)
	assert.Equal(t, "5", events[0].Payouts[0].Amount)
	assert.Equal(t, "4", events[0].Payouts[1].Amount)

	delivered, err = h.engine.RetryNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestNewEngine_RequiresCollector(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, err := settlement.NewEngine(db.Storage, ledger.New(db.Storage), testutil.NewTokens(), settlement.Config{})
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}
