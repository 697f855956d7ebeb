// Package settlement finalizes pools: it takes exclusive finalization rights,
// distributes or refunds the pool in a single transaction, and publishes the
// result once the transaction has committed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/holiman/uint256"
)

// Config holds settlement policy.
type Config struct {
	// CollectorID receives withheld fees that are not refunded.
	CollectorID string
	// ResumeAfter is how long a pool may sit in FINALIZING before another
	// caller picks its settlement back up.
	ResumeAfter time.Duration
	// RefundFee returns the fee to the funder when a pool expires unclaimed.
	RefundFee bool
}

// Engine settles pools.
type Engine struct {
	store    service.Storage
	ledger   *ledger.Ledger
	tokens   service.TokenRegistry
	notifier service.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	cfg      Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records settlement outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier publishes settled pools. Without one, pools are marked
// notified as soon as they settle.
func WithNotifier(n service.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine creates a settlement engine.
func NewEngine(store service.Storage, l *ledger.Ledger, tokens service.TokenRegistry, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil || l == nil || tokens == nil {
		return nil, fmt.Errorf("%w: settlement engine needs storage, ledger and tokens", common.ErrMissingConfig)
	}
	if strings.TrimSpace(cfg.CollectorID) == "" {
		return nil, fmt.Errorf("%w: fee collector id", common.ErrMissingConfig)
	}
	e := &Engine{
		store:  store,
		ledger: l,
		tokens: tokens,
		now:    time.Now,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Finalize settles an expired ACTIVE pool, or resumes a FINALIZING pool whose
// settlement stalled longer than ResumeAfter. Any other state is a NOOP, so
// Finalize may be called any number of times from any number of callers.
func (e *Engine) Finalize(ctx context.Context, poolID string) (*model.SettlementResult, error) {
	return e.finalize(ctx, poolID, false)
}

// ForceExpire settles an ACTIVE pool that is already past expiry without
// waiting for its timer or the next sweep. A pool stuck in FINALIZING is
// resumed immediately.
func (e *Engine) ForceExpire(ctx context.Context, poolID string) (*model.SettlementResult, error) {
	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	switch {
	case pool.Status == model.PoolActive && pool.ExpiresAt.After(now):
		return nil, fmt.Errorf("%w: pool %s expires at %s", common.ErrPoolNotExpired, poolID, pool.ExpiresAt.Format(time.RFC3339))
	case pool.Status.IsTerminal():
		return nil, fmt.Errorf("%w: pool %s is %s", common.ErrPoolNotActive, poolID, pool.Status)
	}
	return e.finalize(ctx, poolID, true)
}

func (e *Engine) finalize(ctx context.Context, poolID string, force bool) (*model.SettlementResult, error) {
	now := e.now().UTC()
	acquired, err := e.store.AcquireFinalization(ctx, poolID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire finalization: %w", err)
	}
	if acquired {
		return e.settle(ctx, poolID)
	}

	pool, err := e.store.GetPool(ctx, poolID)
	if errors.Is(err, common.ErrPoolNotFound) {
		slog.Debug("Finalize skipped", "pool_id", poolID, "reason", "not found")
		return &model.SettlementResult{PoolID: poolID, Outcome: model.OutcomeNoop}, nil
	}
	if err != nil {
		return nil, err
	}
	if pool.Status == model.PoolFinalizing && (force || e.stalled(pool, now)) {
		slog.Info("Resuming stalled settlement",
			"pool_id", poolID,
			"finalizing_at", pool.FinalizingAt,
			"attempts", pool.SettleAttempts)
		return e.settle(ctx, poolID)
	}

	slog.Debug("Finalize skipped", "pool_id", poolID, "status", pool.Status)
	return noop(pool), nil
}

func (e *Engine) stalled(pool *model.Pool, now time.Time) bool {
	if pool.FinalizingAt == nil {
		return true
	}
	return !pool.FinalizingAt.After(now.Add(-e.cfg.ResumeAfter))
}

// Cancel refunds an ACTIVE, unexpired pool to its funder. Only the funder may
// cancel.
func (e *Engine) Cancel(ctx context.Context, poolID, requesterID string) (*model.SettlementResult, error) {
	now := e.now().UTC()
	acquired, err := e.store.AcquireCancellation(ctx, poolID, requesterID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cancellation: %w", err)
	}
	if !acquired {
		pool, err := e.store.GetPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		switch {
		case pool.FunderID != requesterID:
			return nil, common.ErrNotPoolFunder
		case pool.Status != model.PoolActive:
			return nil, fmt.Errorf("%w: pool %s is %s", common.ErrPoolNotActive, poolID, pool.Status)
		case !pool.ExpiresAt.After(now):
			return nil, fmt.Errorf("%w: pool %s", common.ErrPoolExpired, poolID)
		default:
			return nil, fmt.Errorf("%w: pool %s changed during cancellation", common.ErrConcurrentUpdate, poolID)
		}
	}
	return e.settle(ctx, poolID)
}

// Abort refunds an ACTIVE pool in full and marks it FAILED. It is the signal
// that a step required after creation never completed.
func (e *Engine) Abort(ctx context.Context, poolID, reason string) (*model.SettlementResult, error) {
	acquired, err := e.store.AcquireAbort(ctx, poolID, reason, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire abort: %w", err)
	}
	if !acquired {
		pool, err := e.store.GetPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: pool %s is %s", common.ErrPoolNotActive, poolID, pool.Status)
	}
	return e.settle(ctx, poolID)
}

// settle runs the settlement transaction for a pool this caller has moved
// into FINALIZING, then publishes the result.
func (e *Engine) settle(ctx context.Context, poolID string) (*model.SettlementResult, error) {
	start := e.now()
	result, err := service.InTx(ctx, e.store, func(tx service.Transaction) (*model.SettlementResult, error) {
		return e.settleTx(ctx, tx, poolID)
	})
	if err != nil {
		e.metrics.SettlementFailed()
		e.metrics.ObserveSettlement(string(model.OutcomeFailed), e.now().Sub(start))
		if recErr := e.store.RecordSettlementFailure(ctx, poolID, err.Error()); recErr != nil {
			slog.Warn("Failed to record settlement failure", "pool_id", poolID, "error", recErr)
		}
		slog.Error("Settlement failed", "pool_id", poolID, "error", err)
		return nil, fmt.Errorf("%w: pool %s: %w", common.ErrSettlementFailed, poolID, err)
	}
	e.metrics.ObserveSettlement(string(result.Outcome), e.now().Sub(start))

	if result.Outcome == model.OutcomeNoop {
		slog.Debug("Settlement already taken", "pool_id", poolID)
		return result, nil
	}

	slog.Info("Pool settled",
		"pool_id", poolID,
		"outcome", result.Outcome,
		"payouts", len(result.Payouts),
		"refunded_claims", result.RefundedClaims)

	e.publish(ctx, result)
	return result, nil
}

func (e *Engine) settleTx(ctx context.Context, tx service.Transaction, poolID string) (*model.SettlementResult, error) {
	locked, err := tx.LockFinalizingPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if !locked {
		pool, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		return noop(pool), nil
	}

	pool, err := tx.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	claims, err := tx.ListClaims(ctx, poolID)
	if err != nil {
		return nil, err
	}

	var claimed []model.Claim
	for _, c := range claims {
		if c.Status == model.ClaimClaimed {
			claimed = append(claimed, c)
		}
	}

	var result *model.SettlementResult
	switch {
	case pool.TargetStatus == model.PoolCancelled || pool.TargetStatus == model.PoolFailed:
		result, err = e.refund(ctx, tx, pool, pool.TargetStatus, true)
	case len(claimed) == 0:
		result, err = e.refund(ctx, tx, pool, model.PoolRefunded, e.cfg.RefundFee)
	default:
		result, err = e.distribute(ctx, tx, pool, claimed)
	}
	if err != nil {
		return nil, err
	}

	// Only a FAILED pool keeps its reason; earlier retried errors are cleared.
	reason := ""
	if result.Pool.Status == model.PoolFailed {
		reason = pool.FailureReason
	}
	at := e.now().UTC()
	done, err := tx.CompletePool(ctx, poolID, result.Pool.Status, reason, at)
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, fmt.Errorf("%w: pool %s left FINALIZING", common.ErrConcurrentUpdate, poolID)
	}
	result.Pool.SettledAt = &at
	result.Pool.FailureReason = reason
	return result, nil
}

// refund returns the total to the funder and releases the fee either back to
// the funder or to the collector. Every open claim is refunded.
func (e *Engine) refund(ctx context.Context, tx service.Transaction, pool *model.Pool, status model.PoolStatus, refundFee bool) (*model.SettlementResult, error) {
	meta := ledger.Meta{CorrelationRef: pool.ID}
	if _, err := e.ledger.Credit(ctx, tx, pool.FunderID, pool.TokenID, pool.Total, model.EntryPoolRefund, meta); err != nil {
		return nil, err
	}
	if err := e.releaseFee(ctx, tx, pool, refundFee); err != nil {
		return nil, err
	}

	refunded, err := tx.RefundClaims(ctx, pool.ID, []model.ClaimStatus{model.ClaimPending, model.ClaimClaimed}, e.now().UTC())
	if err != nil {
		return nil, err
	}

	settled := *pool
	settled.Status = status
	return &model.SettlementResult{
		Pool:           &settled,
		PoolID:         pool.ID,
		Outcome:        outcomeFor(status),
		Refund:         new(uint256.Int).Set(pool.Total),
		RefundedClaims: refunded,
	}, nil
}

// distribute splits the total among CLAIMED claims in their stored order and
// sends the fee to the collector. Claims still PENDING are refunded.
func (e *Engine) distribute(ctx context.Context, tx service.Transaction, pool *model.Pool, claimed []model.Claim) (*model.SettlementResult, error) {
	shares, err := SplitPayout(pool.Total, len(claimed))
	if err != nil {
		return nil, err
	}

	payouts := make([]model.Payout, 0, len(claimed))
	for i, c := range claimed {
		meta := ledger.Meta{CounterpartyID: pool.FunderID, CorrelationRef: pool.ID}
		if _, err := e.ledger.Credit(ctx, tx, c.ClaimantID, pool.TokenID, shares[i], model.EntryPoolPayout, meta); err != nil {
			return nil, err
		}
		payouts = append(payouts, model.Payout{
			ClaimID:    c.ID,
			ClaimantID: c.ClaimantID,
			Amount:     shares[i],
		})
	}
	if err := e.releaseFee(ctx, tx, pool, false); err != nil {
		return nil, err
	}

	refunded, err := tx.RefundClaims(ctx, pool.ID, []model.ClaimStatus{model.ClaimPending}, e.now().UTC())
	if err != nil {
		return nil, err
	}

	settled := *pool
	settled.Status = model.PoolFinalized
	return &model.SettlementResult{
		Pool:           &settled,
		PoolID:         pool.ID,
		Outcome:        model.OutcomeFinalized,
		Payouts:        payouts,
		RefundedClaims: refunded,
	}, nil
}

func (e *Engine) releaseFee(ctx context.Context, tx service.Transaction, pool *model.Pool, toFunder bool) error {
	if toFunder {
		_, err := e.ledger.Credit(ctx, tx, pool.FunderID, pool.TokenID, pool.Fee, model.EntryFeeRefund,
			ledger.Meta{CorrelationRef: pool.ID})
		return err
	}
	_, err := e.ledger.Credit(ctx, tx, e.cfg.CollectorID, pool.TokenID, pool.Fee, model.EntryFeeCollect,
		ledger.Meta{CounterpartyID: pool.FunderID, CorrelationRef: pool.ID})
	return err
}

func outcomeFor(status model.PoolStatus) model.Outcome {
	switch status {
	case model.PoolFinalized:
		return model.OutcomeFinalized
	case model.PoolRefunded:
		return model.OutcomeRefunded
	case model.PoolCancelled:
		return model.OutcomeCancelled
	case model.PoolFailed:
		return model.OutcomeFailed
	default:
		return model.OutcomeNoop
	}
}

func noop(pool *model.Pool) *model.SettlementResult {
	return &model.SettlementResult{
		Pool:    pool,
		PoolID:  pool.ID,
		Outcome: model.OutcomeNoop,
	}
}
