package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Veraticus/grouptip/internal/claims"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/config"
	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/notify"
	"github.com/Veraticus/grouptip/internal/pools"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/Veraticus/grouptip/internal/settlement"
	"github.com/Veraticus/grouptip/internal/storage"
	"github.com/Veraticus/grouptip/internal/tokens"
)

// initStorage opens the configured database and brings its schema up to date.
func initStorage(ctx context.Context, cfg *config.Config) (*storage.SQLStorage, error) {
	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// app wires the components every command shares.
type app struct {
	cfg     *config.Config
	store   *storage.SQLStorage
	tokens  *tokens.Registry
	ledger  *ledger.Ledger
	claims  *claims.Registry
	engine  *settlement.Engine
	metrics *metrics.Metrics
}

func openApp(ctx context.Context, m *metrics.Metrics) (*app, error) {
	cfg := appConfig
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration not loaded", common.ErrMissingConfig)
	}

	registry, err := tokens.NewRegistry(cfg.ModelTokens())
	if err != nil {
		return nil, err
	}

	store, err := initStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	l := ledger.New(store, ledger.WithMetrics(m))
	notifier, err := newNotifier(cfg.Notify)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := settlement.NewEngine(store, l, registry, settlement.Config{
		CollectorID: cfg.Fees.CollectorID,
		ResumeAfter: cfg.Settlement.ResumeAfter,
		RefundFee:   cfg.Settlement.RefundFee,
	}, settlement.WithMetrics(m), settlement.WithNotifier(notifier))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		store:   store,
		tokens:  registry,
		ledger:  l,
		claims:  claims.NewRegistry(store, claims.WithMetrics(m)),
		engine:  engine,
		metrics: m,
	}, nil
}

// poolService builds the pool service. timers may be nil outside serve; the sweep
// settles those pools instead.
func (a *app) poolService(timers pools.Timers) *pools.Service {
	opts := []pools.Option{pools.WithMetrics(a.metrics)}
	if timers != nil {
		opts = append(opts, pools.WithTimers(timers))
	}
	return pools.NewService(a.store, a.ledger, a.tokens, pools.Config{
		MinAmount:   a.cfg.Pools.MinAmount,
		MinDuration: a.cfg.Pools.MinDuration,
		MaxDuration: a.cfg.Pools.MaxDuration,
	}, opts...)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close storage", "error", err)
	}
}

// newNotifier always logs settlements and also posts them when a webhook is
// configured.
func newNotifier(cfg config.NotifyConfig) (service.Notifier, error) {
	multi := notify.Multi{notify.NewLog(slog.Default())}
	if cfg.WebhookURL == "" {
		return multi, nil
	}
	hook, err := notify.NewWebhook(notify.WebhookConfig{
		URL:         cfg.WebhookURL,
		Secret:      cfg.WebhookSecret,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return append(multi, hook), nil
}
