// Package scheduler triggers settlement when pools expire. Per-pool timers
// give prompt settlement; a periodic sweep catches everything the timers
// missed, including pools whose settlement stalled and undelivered
// notifications.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
)

// Finalizer settles pools. Finalize must be idempotent.
type Finalizer interface {
	Finalize(ctx context.Context, poolID string) (*model.SettlementResult, error)
	RetryNotifications(ctx context.Context, limit int) (int, error)
}

// Config controls the sweep.
type Config struct {
	SweepInterval time.Duration
	SweepBatch    int
	// ResumeAfter matches the settlement engine's grace so the sweep only
	// picks up FINALIZING pools the engine will resume.
	ResumeAfter time.Duration
}

// Scheduler owns the expiry timers and the sweep loop.
type Scheduler struct {
	store     service.Storage
	finalizer Finalizer
	metrics   *metrics.Metrics
	now       func() time.Time
	timers    map[string]*armed
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
	wg        sync.WaitGroup
	mu        sync.Mutex
	stopped   bool
}

// rearmDelay is the shortest delay used when a timer fired before the
// stored expiry and has to be armed again.
const rearmDelay = 10 * time.Millisecond

type armed struct {
	timer *time.Timer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used to compute timer delays and
// sweep cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records sweeps and armed timers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler. Nothing runs until Arm, Rearm or Run is called.
func New(store service.Storage, finalizer Finalizer, cfg Config, opts ...Option) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:     store,
		finalizer: finalizer,
		now:       time.Now,
		timers:    make(map[string]*armed),
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm schedules Finalize for poolID at expiresAt, replacing any earlier timer
// for the same pool. A past expiry fires immediately.
func (s *Scheduler) Arm(poolID string, expiresAt time.Time) {
	s.arm(poolID, expiresAt, 0)
}

func (s *Scheduler) arm(poolID string, expiresAt time.Time, minDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if existing, ok := s.timers[poolID]; ok {
		existing.timer.Stop()
	}
	delay := max(expiresAt.Sub(s.now()), minDelay)

	entry := &armed{}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(poolID, entry)
	})
	s.timers[poolID] = entry
	s.metrics.SetArmedTimers(len(s.timers))
}

func (s *Scheduler) fire(poolID string, entry *armed) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.timers[poolID] == entry {
		delete(s.timers, poolID)
	}
	s.metrics.SetArmedTimers(len(s.timers))
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	result := s.finalize(s.ctx, poolID, "timer")
	if result == nil || result.Outcome != model.OutcomeNoop || result.Pool == nil {
		return
	}
	if result.Pool.Status == model.PoolActive {
		// Timers run on the monotonic clock and may fire just ahead of the
		// wall-clock expiry the conditional update checks.
		s.arm(poolID, result.Pool.ExpiresAt, rearmDelay)
	}
}

// Armed reports how many timers are pending.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Rearm arms a timer for every ACTIVE pool in storage. It is called once at
// startup since timers do not survive a restart.
func (s *Scheduler) Rearm(ctx context.Context) (int, error) {
	pools, err := s.store.ListActivePools(ctx)
	if err != nil {
		return 0, err
	}
	for _, pool := range pools {
		s.Arm(pool.ID, pool.ExpiresAt)
	}
	slog.Info("Expiry timers re-armed", "pools", len(pools))
	return len(pools), nil
}

// Sweep finalizes one batch of expired ACTIVE pools and stalled FINALIZING
// pools, then retries undelivered notifications.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now().UTC()
	pools, err := s.store.ListFinalizablePools(ctx, now, now.Add(-s.cfg.ResumeAfter), s.cfg.SweepBatch)
	if err != nil {
		s.metrics.SweepRun("error")
		return err
	}

	for _, pool := range pools {
		if ctx.Err() != nil {
			s.metrics.SweepRun("cancelled")
			return ctx.Err()
		}
		s.finalize(ctx, pool.ID, "sweep")
	}

	delivered, err := s.finalizer.RetryNotifications(ctx, s.cfg.SweepBatch)
	if err != nil {
		s.metrics.SweepRun("error")
		return err
	}

	s.metrics.SweepRun("ok")
	if len(pools) > 0 || delivered > 0 {
		slog.Info("Sweep completed", "finalizable", len(pools), "notifications_delivered", delivered)
	}
	return nil
}

func (s *Scheduler) finalize(ctx context.Context, poolID, trigger string) *model.SettlementResult {
	result, err := s.finalizer.Finalize(ctx, poolID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("Finalize failed", "pool_id", poolID, "trigger", trigger, "error", err)
		}
		return nil
	}
	slog.Debug("Finalize triggered", "pool_id", poolID, "trigger", trigger, "outcome", result.Outcome)
	return result
}

// Run re-arms timers from storage, sweeps once, and then sweeps every
// SweepInterval until ctx is cancelled. It stops all timers before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Stop()

	if _, err := s.Rearm(ctx); err != nil {
		return err
	}
	if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("Initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("Sweep failed", "error", err)
			}
		}
	}
}

// Stop cancels every pending timer and waits for callbacks already running.
// Stop is idempotent; Arm is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.metrics.SetArmedTimers(0)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}
