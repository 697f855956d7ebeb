package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
)

const poolColumns = `id, funder_id, token_id, total, fee, expires_at, status, external_ref,
	claim_count, created_at, finalizing_at, settled_at, notified_at, target_status, failure_reason,
	settle_attempts`

// GetPool returns a pool by id, or common.ErrPoolNotFound.
func (s *SQLStorage) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}
	return s.getPool(ctx, s.db, id)
}

func (s *SQLStorage) getPool(ctx context.Context, q queryable, id string) (*model.Pool, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+poolColumns+` FROM pools WHERE id = ?`), id)

	pool, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", common.ErrPoolNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}
	return pool, nil
}

// ListPoolsByStatus returns pools in the given status, oldest first.
func (s *SQLStorage) ListPoolsByStatus(ctx context.Context, status model.PoolStatus, limit int) ([]model.Pool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	query := `SELECT ` + poolColumns + ` FROM pools WHERE status = ? ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPools(ctx, query, args...)
}

// ListActivePools returns every ACTIVE pool, including expired ones.
func (s *SQLStorage) ListActivePools(ctx context.Context) ([]model.Pool, error) {
	return s.ListPoolsByStatus(ctx, model.PoolActive, 0)
}

// ListFinalizablePools returns ACTIVE pools past expiry at now together with
// FINALIZING pools whose settlement started at or before resumeBefore.
func (s *SQLStorage) ListFinalizablePools(ctx context.Context, now, resumeBefore time.Time, limit int) ([]model.Pool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + poolColumns + ` FROM pools
		WHERE (status = ? AND expires_at <= ?)
		   OR (status = ? AND finalizing_at <= ?)
		ORDER BY expires_at, id`
	args := []any{string(model.PoolActive), utc(now), string(model.PoolFinalizing), utc(resumeBefore)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPools(ctx, query, args...)
}

// ListUnnotifiedPools returns settled pools whose result notification has not
// been delivered yet.
func (s *SQLStorage) ListUnnotifiedPools(ctx context.Context, limit int) ([]model.Pool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	query := `SELECT ` + poolColumns + ` FROM pools
		WHERE status IN (?, ?, ?, ?) AND notified_at IS NULL
		ORDER BY settled_at, id`
	args := []any{
		string(model.PoolFinalized), string(model.PoolRefunded),
		string(model.PoolFailed), string(model.PoolCancelled),
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryPools(ctx, query, args...)
}

func (s *SQLStorage) queryPools(ctx context.Context, query string, args ...any) ([]model.Pool, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pools []model.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, *pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pools: %w", err)
	}
	return pools, nil
}

// AcquireFinalization moves an expired ACTIVE pool to FINALIZING. It is the
// only way out of ACTIVE on the expiry path; false means another caller won,
// the pool is not expired yet, or it does not exist.
func (s *SQLStorage) AcquireFinalization(ctx context.Context, poolID string, now time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pools SET status = ?, finalizing_at = ?
		WHERE id = ? AND status = ? AND expires_at <= ?`),
		string(model.PoolFinalizing), utc(now), poolID, string(model.PoolActive), utc(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire finalization: %w", err)
	}
	return affectedOne(result)
}

// AcquireCancellation moves an unexpired ACTIVE pool to FINALIZING on behalf of
// its funder, with CANCELLED as the settlement target.
func (s *SQLStorage) AcquireCancellation(ctx context.Context, poolID, funderID string, now time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pools SET status = ?, finalizing_at = ?, target_status = ?
		WHERE id = ? AND status = ? AND funder_id = ? AND expires_at > ?`),
		string(model.PoolFinalizing), utc(now), string(model.PoolCancelled),
		poolID, string(model.PoolActive), funderID, utc(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire cancellation: %w", err)
	}
	return affectedOne(result)
}

// AcquireAbort moves any ACTIVE pool to FINALIZING regardless of expiry, with
// FAILED as the settlement target.
func (s *SQLStorage) AcquireAbort(ctx context.Context, poolID, reason string, now time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pools SET status = ?, finalizing_at = ?, target_status = ?, failure_reason = ?
		WHERE id = ? AND status = ?`),
		string(model.PoolFinalizing), utc(now), string(model.PoolFailed), reason,
		poolID, string(model.PoolActive))
	if err != nil {
		return false, fmt.Errorf("failed to acquire abort: %w", err)
	}
	return affectedOne(result)
}

// RecordSettlementFailure notes a failed settlement attempt on a FINALIZING pool.
// An aborted pool keeps the reason it was aborted with.
func (s *SQLStorage) RecordSettlementFailure(ctx context.Context, poolID, reason string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pools SET settle_attempts = settle_attempts + 1,
			failure_reason = CASE WHEN target_status = ? THEN failure_reason ELSE ? END
		WHERE id = ? AND status = ?`),
		string(model.PoolFailed), reason, poolID, string(model.PoolFinalizing))
	if err != nil {
		return fmt.Errorf("failed to record settlement failure: %w", err)
	}
	return nil
}

// MarkNotified records delivery of a settlement notification. It reports
// false if another caller already marked it.
func (s *SQLStorage) MarkNotified(ctx context.Context, poolID string, at time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pools SET notified_at = ? WHERE id = ? AND notified_at IS NULL`),
		utc(at), poolID)
	if err != nil {
		return false, fmt.Errorf("failed to mark pool notified: %w", err)
	}
	return affectedOne(result)
}

func (s *SQLStorage) insertPool(ctx context.Context, q queryable, pool *model.Pool) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO pools (`+poolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pool.ID,
		pool.FunderID,
		pool.TokenID,
		amount.FormatAtomic(pool.Total),
		amount.FormatAtomic(pool.Fee),
		utc(pool.ExpiresAt),
		string(pool.Status),
		pool.ExternalRef,
		pool.ClaimCount,
		utc(pool.CreatedAt),
		nullTime(pool.FinalizingAt),
		nullTime(pool.SettledAt),
		nullTime(pool.NotifiedAt),
		string(pool.TargetStatus),
		pool.FailureReason,
		pool.SettleAttempts,
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: pool %s", common.ErrDuplicateEntry, pool.ID)
		}
		return fmt.Errorf("failed to insert pool: %w", err)
	}

	slog.Debug("Inserted pool", "pool_id", pool.ID, "expires_at", pool.ExpiresAt)
	return nil
}

func (s *SQLStorage) lockFinalizingPool(ctx context.Context, q queryable, poolID string) (bool, error) {
	result, err := q.ExecContext(ctx, s.q(`
		UPDATE pools SET finalizing_at = finalizing_at WHERE id = ? AND status = ?`),
		poolID, string(model.PoolFinalizing))
	if err != nil {
		return false, fmt.Errorf("failed to lock pool: %w", err)
	}
	return affectedOne(result)
}

func (s *SQLStorage) lockActivePool(ctx context.Context, q queryable, poolID string, now time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, s.q(`
		UPDATE pools SET claim_count = claim_count
		WHERE id = ? AND status = ? AND expires_at > ?`),
		poolID, string(model.PoolActive), utc(now))
	if err != nil {
		return false, fmt.Errorf("failed to lock pool: %w", err)
	}
	return affectedOne(result)
}

func (s *SQLStorage) completePool(ctx context.Context, q queryable, poolID string, status model.PoolStatus, reason string, at time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, s.q(`
		UPDATE pools SET status = ?, settled_at = ?, failure_reason = ?
		WHERE id = ? AND status = ?`),
		string(status), utc(at), reason, poolID, string(model.PoolFinalizing))
	if err != nil {
		return false, fmt.Errorf("failed to complete pool: %w", err)
	}
	return affectedOne(result)
}

func (s *SQLStorage) incrementClaimCount(ctx context.Context, q queryable, poolID string, now time.Time) (int, bool, error) {
	var count int
	err := q.QueryRowContext(ctx, s.q(`
		UPDATE pools SET claim_count = claim_count + 1
		WHERE id = ? AND status = ? AND expires_at > ?
		RETURNING claim_count`),
		poolID, string(model.PoolActive), utc(now)).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment claim count: %w", err)
	}
	return count, true, nil
}

func scanPool(row rowScanner) (*model.Pool, error) {
	var (
		pool                             model.Pool
		total, fee, status, target       string
		finalizingAt, settledAt, notedAt sql.NullTime
	)

	err := row.Scan(
		&pool.ID,
		&pool.FunderID,
		&pool.TokenID,
		&total,
		&fee,
		&pool.ExpiresAt,
		&status,
		&pool.ExternalRef,
		&pool.ClaimCount,
		&pool.CreatedAt,
		&finalizingAt,
		&settledAt,
		&notedAt,
		&target,
		&pool.FailureReason,
		&pool.SettleAttempts,
	)
	if err != nil {
		return nil, err
	}

	if pool.Total, err = amount.ParseAtomic(total); err != nil {
		return nil, err
	}
	if pool.Fee, err = amount.ParseAtomic(fee); err != nil {
		return nil, err
	}
	pool.Status = model.PoolStatus(status)
	pool.TargetStatus = model.PoolStatus(target)
	pool.ExpiresAt = pool.ExpiresAt.UTC()
	pool.CreatedAt = pool.CreatedAt.UTC()
	pool.FinalizingAt = timePtr(finalizingAt)
	pool.SettledAt = timePtr(settledAt)
	pool.NotifiedAt = timePtr(notedAt)

	return &pool, nil
}
