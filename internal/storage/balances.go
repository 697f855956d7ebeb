package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/holiman/uint256"
)

// GetBalance returns a user's balance of a token. A missing row is a zero
// balance, not an error.
func (s *SQLStorage) GetBalance(ctx context.Context, userID, tokenID string) (*model.Balance, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateBalanceKey(userID, tokenID); err != nil {
		return nil, err
	}
	return s.getBalance(ctx, s.db, userID, tokenID)
}

func (s *SQLStorage) getBalance(ctx context.Context, q queryable, userID, tokenID string) (*model.Balance, error) {
	var (
		raw       string
		updatedAt time.Time
	)
	err := q.QueryRowContext(ctx, s.q(`
		SELECT amount, updated_at FROM balances WHERE user_id = ? AND token_id = ?`),
		userID, tokenID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.Balance{UserID: userID, TokenID: tokenID, Amount: new(uint256.Int)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}

	value, err := amount.ParseAtomic(raw)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		UserID:    userID,
		TokenID:   tokenID,
		Amount:    value,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

func (s *SQLStorage) ensureBalance(ctx context.Context, q queryable, userID, tokenID string, at time.Time) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO balances (user_id, token_id, amount, updated_at)
		VALUES (?, ?, '0', ?)
		ON CONFLICT (user_id, token_id) DO NOTHING`),
		userID, tokenID, utc(at))
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

// swapBalance is a compare-and-swap on the stored amount. Balances are never
// written without the previous value as a precondition.
func (s *SQLStorage) swapBalance(ctx context.Context, q queryable, userID, tokenID string, expected, next *uint256.Int, at time.Time) (bool, error) {
	result, err := q.ExecContext(ctx, s.q(`
		UPDATE balances SET amount = ?, updated_at = ?
		WHERE user_id = ? AND token_id = ? AND amount = ?`),
		amount.FormatAtomic(next), utc(at), userID, tokenID, amount.FormatAtomic(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}
	return affectedOne(result)
}
