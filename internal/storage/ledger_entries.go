package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
)

const ledgerColumns = `id, entry_type, user_id, token_id, signed_amount, fee,
	counterparty_id, correlation_ref, created_at`

func (s *SQLStorage) appendLedgerEntry(ctx context.Context, q queryable, entry *model.LedgerEntry) error {
	_, err := q.ExecContext(ctx, s.q(`
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID,
		string(entry.Type),
		entry.UserID,
		entry.TokenID,
		entry.SignedAmount(),
		amount.FormatAtomic(entry.Fee),
		entry.CounterpartyID,
		entry.CorrelationRef,
		utc(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// ListLedgerEntries returns audit entries matching filter in write order.
func (s *SQLStorage) ListLedgerEntries(ctx context.Context, filter service.LedgerFilter) ([]model.LedgerEntry, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var (
		conditions []string
		args       []any
	)
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.TokenID != "" {
		conditions = append(conditions, "token_id = ?")
		args = append(args, filter.TokenID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "entry_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.PoolID != "" {
		conditions = append(conditions, "correlation_ref = ?")
		args = append(args, filter.PoolID)
	}
	if filter.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, utc(*filter.Since))
	}
	if filter.Until != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, utc(*filter.Until))
	}

	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			entry        model.LedgerEntry
			kind, signed string
			fee          string
		)
		if err := rows.Scan(&entry.ID, &kind, &entry.UserID, &entry.TokenID, &signed, &fee,
			&entry.CounterpartyID, &entry.CorrelationRef, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		entry.Type = model.EntryType(kind)
		entry.CreatedAt = entry.CreatedAt.UTC()
		if strings.HasPrefix(signed, "-") {
			entry.Debit = true
			signed = signed[1:]
		}
		if entry.Amount, err = amount.ParseAtomic(signed); err != nil {
			return nil, err
		}
		if entry.Fee, err = amount.ParseAtomic(fee); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// CountLedgerEntries counts entries correlated with a pool.
func (s *SQLStorage) CountLedgerEntries(ctx context.Context, poolID string) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM ledger_entries WHERE correlation_ref = ?`), poolID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return count, nil
}
