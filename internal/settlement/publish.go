package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/holiman/uint256"
)

// publish hands a committed settlement to the notifier and records delivery.
// A failed delivery leaves notified_at empty for the sweep to retry.
func (e *Engine) publish(ctx context.Context, result *model.SettlementResult) {
	if e.notifier != nil {
		event := e.Event(ctx, result)
		if err := e.notifier.PoolSettled(ctx, event); err != nil {
			e.metrics.Notification("error")
			slog.Warn("Settlement notification failed, will retry",
				"pool_id", result.PoolID,
				"outcome", result.Outcome,
				"error", err)
			return
		}
		e.metrics.Notification("ok")
	}

	if _, err := e.store.MarkNotified(ctx, result.PoolID, e.now().UTC()); err != nil {
		slog.Warn("Failed to mark pool notified", "pool_id", result.PoolID, "error", err)
	}
}

// RetryNotifications redelivers notifications for settled pools that were
// never marked notified. It returns how many were delivered.
func (e *Engine) RetryNotifications(ctx context.Context, limit int) (int, error) {
	pools, err := e.store.ListUnnotifiedPools(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unnotified pools: %w", err)
	}

	delivered := 0
	for i := range pools {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		pool := &pools[i]
		result, err := e.reconstruct(ctx, pool)
		if err != nil {
			slog.Warn("Failed to rebuild settlement for notification", "pool_id", pool.ID, "error", err)
			continue
		}
		e.publish(ctx, result)

		refreshed, err := e.store.GetPool(ctx, pool.ID)
		if err == nil && refreshed.NotifiedAt != nil {
			delivered++
		}
	}
	return delivered, nil
}

// reconstruct rebuilds a settlement result for a terminal pool from its
// ledger entries.
func (e *Engine) reconstruct(ctx context.Context, pool *model.Pool) (*model.SettlementResult, error) {
	entries, err := e.store.ListLedgerEntries(ctx, service.LedgerFilter{PoolID: pool.ID})
	if err != nil {
		return nil, err
	}

	result := &model.SettlementResult{
		Pool:    pool,
		PoolID:  pool.ID,
		Outcome: outcomeFor(pool.Status),
	}
	for _, entry := range entries {
		switch entry.Type {
		case model.EntryPoolPayout:
			result.Payouts = append(result.Payouts, model.Payout{
				ClaimantID: entry.UserID,
				Amount:     entry.Amount,
			})
		case model.EntryPoolRefund:
			result.Refund = new(uint256.Int).Set(entry.Amount)
		}
	}
	return result, nil
}

// Event renders a settlement result with display values for the token.
// Unknown tokens fall back to atomic units.
func (e *Engine) Event(ctx context.Context, result *model.SettlementResult) service.SettlementEvent {
	pool := result.Pool
	token, err := e.tokens.Token(ctx, pool.TokenID)
	if err != nil {
		token = model.Token{ID: pool.TokenID, Symbol: pool.TokenID}
	}
	display := func(v *uint256.Int) string {
		if v == nil {
			return ""
		}
		return amount.ToDecimalString(v, token.Precision)
	}

	event := service.SettlementEvent{
		PoolID:      pool.ID,
		FunderID:    pool.FunderID,
		TokenID:     pool.TokenID,
		TokenSymbol: token.Symbol,
		Outcome:     result.Outcome,
		Total:       display(pool.Total),
		Fee:         display(pool.Fee),
		Refund:      display(result.Refund),
		ExternalRef: pool.ExternalRef,
		Payouts:     make([]service.EventPayout, 0, len(result.Payouts)),
	}
	if pool.SettledAt != nil {
		event.SettledAt = *pool.SettledAt
	}
	for _, p := range result.Payouts {
		event.Payouts = append(event.Payouts, service.EventPayout{
			ClaimantID: p.ClaimantID,
			Amount:     display(p.Amount),
		})
	}
	return event
}
