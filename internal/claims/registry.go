// Package claims registers users' claims on active pools.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
)

// Claim registration results reported to metrics.
const (
	resultAccepted       = "accepted"
	resultPending        = "pending"
	resultAlreadyClaimed = "already_claimed"
	resultSelfClaim      = "self_claim"
	resultNotFound       = "not_found"
	resultNotActive      = "not_active"
	resultExpired        = "expired"
	resultError          = "error"
)

// Registry records claims. It holds no locks: the unique (pool, claimant)
// index and the pool's conditional claim counter do the serializing.
type Registry struct {
	store   service.Storage
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics records registration results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates a claim registry.
func NewRegistry(store service.Storage, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterClaim records claimantID's claim on poolID and returns the pool's
// new claim count.
func (r *Registry) RegisterClaim(ctx context.Context, poolID, claimantID string) (int, error) {
	return r.register(ctx, poolID, claimantID, model.ClaimClaimed)
}

// RegisterPendingClaim records a claim that only counts toward the payout
// once AcceptClaim completes it. Pending claims left at expiry are refunded.
func (r *Registry) RegisterPendingClaim(ctx context.Context, poolID, claimantID string) (int, error) {
	return r.register(ctx, poolID, claimantID, model.ClaimPending)
}

func (r *Registry) register(ctx context.Context, poolID, claimantID string, status model.ClaimStatus) (int, error) {
	claimantID = strings.TrimSpace(claimantID)
	if claimantID == "" {
		return 0, fmt.Errorf("%w: empty claimant", common.ErrInvalidClaimant)
	}
	now := r.now().UTC()

	count, err := service.InTx(ctx, r.store, func(tx service.Transaction) (int, error) {
		pool, err := tx.GetPool(ctx, poolID)
		if err != nil {
			return 0, err
		}
		if err := checkClaimable(pool, claimantID, now); err != nil {
			return 0, err
		}

		claim := &model.Claim{
			ID:         model.NewID(),
			PoolID:     poolID,
			ClaimantID: claimantID,
			Status:     status,
			CreatedAt:  now,
		}
		if status == model.ClaimClaimed {
			claim.ClaimedAt = &now
		}
		if err := tx.InsertClaim(ctx, claim); err != nil {
			if errors.Is(err, common.ErrDuplicateEntry) {
				return 0, fmt.Errorf("%w: %s on pool %s", common.ErrAlreadyClaimed, claimantID, poolID)
			}
			return 0, err
		}

		count, ok, err := tx.IncrementClaimCount(ctx, poolID, now)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, closedReason(ctx, tx, poolID, now)
		}
		return count, nil
	})

	r.metrics.ClaimResult(resultFor(err, status))
	if err != nil {
		logRejection(poolID, claimantID, err)
		return 0, err
	}

	slog.Info("Claim registered",
		"pool_id", poolID,
		"claimant_id", claimantID,
		"status", status,
		"claim_count", count)
	return count, nil
}

// AcceptClaim completes a PENDING claim while its pool is still open.
func (r *Registry) AcceptClaim(ctx context.Context, poolID, claimantID string) error {
	now := r.now().UTC()

	_, err := service.InTx(ctx, r.store, func(tx service.Transaction) (struct{}, error) {
		locked, err := tx.LockActivePool(ctx, poolID, now)
		if err != nil {
			return struct{}{}, err
		}
		if !locked {
			return struct{}{}, closedReason(ctx, tx, poolID, now)
		}

		accepted, err := tx.AcceptClaim(ctx, poolID, claimantID, now)
		if err != nil {
			return struct{}{}, err
		}
		if !accepted {
			return struct{}{}, fmt.Errorf("%w: no pending claim by %s on pool %s", common.ErrClaimNotFound, claimantID, poolID)
		}
		return struct{}{}, nil
	})
	if err != nil {
		logRejection(poolID, claimantID, err)
		return err
	}

	r.metrics.ClaimResult(resultAccepted)
	slog.Info("Pending claim accepted", "pool_id", poolID, "claimant_id", claimantID)
	return nil
}

func checkClaimable(pool *model.Pool, claimantID string, now time.Time) error {
	switch {
	case pool.FunderID == claimantID:
		return fmt.Errorf("%w: %s funded pool %s", common.ErrSelfClaimForbidden, claimantID, pool.ID)
	case pool.Status != model.PoolActive:
		return fmt.Errorf("%w: pool %s is %s", common.ErrPoolNotActive, pool.ID, pool.Status)
	case !now.Before(pool.ExpiresAt):
		return fmt.Errorf("%w: pool %s expired at %s", common.ErrPoolExpired, pool.ID, pool.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// closedReason explains why a conditional pool update matched nothing.
func closedReason(ctx context.Context, tx service.Transaction, poolID string, now time.Time) error {
	pool, err := tx.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool.Status != model.PoolActive {
		return fmt.Errorf("%w: pool %s is %s", common.ErrPoolNotActive, poolID, pool.Status)
	}
	if !now.Before(pool.ExpiresAt) {
		return fmt.Errorf("%w: pool %s", common.ErrPoolExpired, poolID)
	}
	return fmt.Errorf("%w: pool %s changed during claim", common.ErrConcurrentUpdate, poolID)
}

func resultFor(err error, status model.ClaimStatus) string {
	switch {
	case err == nil && status == model.ClaimPending:
		return resultPending
	case err == nil:
		return resultAccepted
	case errors.Is(err, common.ErrAlreadyClaimed):
		return resultAlreadyClaimed
	case errors.Is(err, common.ErrSelfClaimForbidden):
		return resultSelfClaim
	case errors.Is(err, common.ErrPoolNotFound), errors.Is(err, common.ErrClaimNotFound):
		return resultNotFound
	case errors.Is(err, common.ErrPoolNotActive):
		return resultNotActive
	case errors.Is(err, common.ErrPoolExpired):
		return resultExpired
	default:
		return resultError
	}
}

// Expected rejections are routine and stay at debug.
func logRejection(poolID, claimantID string, err error) {
	if resultFor(err, "") == resultError {
		slog.Error("Claim failed", "pool_id", poolID, "claimant_id", claimantID, "error", err)
		return
	}
	slog.Debug("Claim rejected", "pool_id", poolID, "claimant_id", claimantID, "reason", err)
}
