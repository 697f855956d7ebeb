package service

import (
	"context"
	"fmt"
	"log/slog"
)

// InTx runs fn in a new transaction, committing on success and rolling back
// otherwise.
func InTx[T any](ctx context.Context, store Storage, fn func(Transaction) (T, error)) (T, error) {
	var zero T

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return zero, err
	}

	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("Rollback failed", "error", rbErr)
		}
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}
