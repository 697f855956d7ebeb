package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/model"
)

const claimColumns = `id, pool_id, claimant_id, status, created_at, claimed_at, refunded_at`

// ListClaims returns a pool's claims in stable claim order.
func (s *SQLStorage) ListClaims(ctx context.Context, poolID string) ([]model.Claim, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(poolID, "poolID"); err != nil {
		return nil, err
	}
	return s.listClaims(ctx, s.db, poolID)
}

func (s *SQLStorage) listClaims(ctx context.Context, q queryable, poolID string) ([]model.Claim, error) {
	rows, err := q.QueryContext(ctx, s.q(`
		SELECT `+claimColumns+` FROM claims
		WHERE pool_id = ?
		ORDER BY created_at, id`), poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claims []model.Claim
	for rows.Next() {
		var (
			claim                 model.Claim
			status                string
			claimedAt, refundedAt sql.NullTime
		)
		if err := rows.Scan(&claim.ID, &claim.PoolID, &claim.ClaimantID, &status,
			&claim.CreatedAt, &claimedAt, &refundedAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claim.Status = model.ClaimStatus(status)
		claim.CreatedAt = claim.CreatedAt.UTC()
		claim.ClaimedAt = timePtr(claimedAt)
		claim.RefundedAt = timePtr(refundedAt)
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claims: %w", err)
	}
	return claims, nil
}

// insertClaim relies on the (pool_id, claimant_id) unique index to reject
// duplicates; there is deliberately no existence check beforehand.
func (s *SQLStorage) insertClaim(ctx context.Context, q queryable, claim *model.Claim) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		claim.ID,
		claim.PoolID,
		claim.ClaimantID,
		string(claim.Status),
		utc(claim.CreatedAt),
		nullTime(claim.ClaimedAt),
		nullTime(claim.RefundedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: claim by %s on pool %s", common.ErrDuplicateEntry, claim.ClaimantID, claim.PoolID)
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	return nil
}

func (s *SQLStorage) acceptClaim(ctx context.Context, q queryable, poolID, claimantID string, at time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, s.q(`
		UPDATE claims SET status = ?, claimed_at = ?
		WHERE pool_id = ? AND claimant_id = ? AND status = ?`),
		string(model.ClaimClaimed), utc(at), poolID, claimantID, string(model.ClaimPending))
	if err != nil {
		return false, fmt.Errorf("failed to accept claim: %w", err)
	}
	return affectedOne(result)
}

func (s *SQLStorage) refundClaims(ctx context.Context, q queryable, poolID string, from []model.ClaimStatus, at time.Time) (int, error) {
	if len(from) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(from))
	args := []any{string(model.ClaimRefunded), utc(at), poolID}
	for i, status := range from {
		if status == model.ClaimRefunded {
			return 0, fmt.Errorf("%w: cannot refund from %s", ErrInvalidStatus, status)
		}
		placeholders[i] = "?"
		args = append(args, string(status))
	}

	result, err := q.ExecContext(ctx, s.q(`
		UPDATE claims SET status = ?, refunded_at = ?
		WHERE pool_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to refund claims: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
