// Package notify delivers settlement results to whatever renders them.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Veraticus/grouptip/internal/service"
)

// Event is the display-ready payload every notifier receives.
type Event = service.SettlementEvent

// Log writes each settlement to the structured log. It never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a notifier that logs through logger, or the default logger
// when nil.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// PoolSettled implements service.Notifier.
func (l *Log) PoolSettled(ctx context.Context, event Event) error {
	l.logger.InfoContext(ctx, "Settlement published",
		"pool_id", event.PoolID,
		"outcome", event.Outcome,
		"token", event.TokenSymbol,
		"total", event.Total,
		"payouts", len(event.Payouts))
	return nil
}

// Multi fans an event out to several notifiers. Every notifier is tried;
// the joined error reports the ones that failed.
type Multi []service.Notifier

// PoolSettled implements service.Notifier.
func (m Multi) PoolSettled(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.PoolSettled(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
