// Package pools opens funded pools and answers pool queries.
package pools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/grouptip/internal/amount"
	"github.com/Veraticus/grouptip/internal/common"
	"github.com/Veraticus/grouptip/internal/ledger"
	"github.com/Veraticus/grouptip/internal/metrics"
	"github.com/Veraticus/grouptip/internal/model"
	"github.com/Veraticus/grouptip/internal/service"
	"github.com/holiman/uint256"
)

// Config bounds what a pool may look like.
type Config struct {
	// MinAmount is the smallest total in display units. Empty allows any
	// positive amount.
	MinAmount   string
	MinDuration time.Duration
	MaxDuration time.Duration
}

// Timers is notified of every new pool so it can fire at expiry.
type Timers interface {
	Arm(poolID string, expiresAt time.Time)
}

// CreateRequest describes a new pool. Amount is in display units of the token.
type CreateRequest struct {
	FunderID    string
	TokenID     string
	Amount      string
	ExternalRef string
	Duration    time.Duration
}

// Service creates and reads pools.
type Service struct {
	store   service.Storage
	ledger  *ledger.Ledger
	tokens  service.TokenRegistry
	timers  Timers
	metrics *metrics.Metrics
	now     func() time.Time
	cfg     Config
	retry   common.RetryOptions
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics counts created pools.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTimers arms an expiry timer for each created pool.
func WithTimers(t Timers) Option {
	return func(s *Service) { s.timers = t }
}

// NewService creates a pool service.
func NewService(store service.Storage, l *ledger.Ledger, tokens service.TokenRegistry, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ledger: l,
		tokens: tokens,
		now:    time.Now,
		cfg:    cfg,
		retry: common.RetryOptions{
			MaxAttempts:  5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create debits the funder the pool total plus the token's fee and opens the
// pool. Both debits and the pool row commit together.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Pool, error) {
	funder := strings.TrimSpace(req.FunderID)
	if funder == "" {
		return nil, common.ErrInvalidFunder
	}
	if err := s.checkDuration(req.Duration); err != nil {
		return nil, err
	}

	token, err := s.tokens.Token(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	if !token.Active {
		return nil, fmt.Errorf("%w: %s", common.ErrTokenInactive, token.ID)
	}

	total, err := s.parseTotal(req.Amount, token)
	if err != nil {
		return nil, err
	}
	fee, err := amount.ComputeFee(total, token.FeeBasisPoints)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	pool := &model.Pool{
		ID:          model.NewID(),
		FunderID:    funder,
		TokenID:     token.ID,
		Total:       total,
		Fee:         fee,
		ExternalRef: req.ExternalRef,
		CreatedAt:   now,
		ExpiresAt:   now.Add(req.Duration),
		Status:      model.PoolActive,
	}

	err = common.WithRetry(ctx, func() error {
		_, err := service.InTx(ctx, s.store, func(tx service.Transaction) (struct{}, error) {
			return struct{}{}, s.fund(ctx, tx, pool)
		})
		if err != nil && !errors.Is(err, common.ErrConcurrentUpdate) {
			return common.Permanent(err)
		}
		return err
	}, s.retry)
	if err != nil {
		return nil, err
	}

	if s.timers != nil {
		s.timers.Arm(pool.ID, pool.ExpiresAt)
	}
	s.metrics.PoolCreated(token.ID)
	common.LogInfo("Pool created", common.Fields{
		"pool_id":    pool.ID,
		"funder_id":  pool.FunderID,
		"token_id":   pool.TokenID,
		"total":      pool.Total.Dec(),
		"fee":        pool.Fee.Dec(),
		"expires_at": pool.ExpiresAt,
	})
	return pool, nil
}

func (s *Service) fund(ctx context.Context, tx service.Transaction, pool *model.Pool) error {
	meta := ledger.Meta{CorrelationRef: pool.ID}
	if _, err := s.ledger.Debit(ctx, tx, pool.FunderID, pool.TokenID, pool.Total, model.EntryPoolFund, meta); err != nil {
		return err
	}
	if _, err := s.ledger.Debit(ctx, tx, pool.FunderID, pool.TokenID, pool.Fee, model.EntryFeeWithhold, meta); err != nil {
		return err
	}
	return tx.InsertPool(ctx, pool)
}

func (s *Service) checkDuration(d time.Duration) error {
	if d <= 0 || d < s.cfg.MinDuration || (s.cfg.MaxDuration > 0 && d > s.cfg.MaxDuration) {
		return fmt.Errorf("%w: %s is outside %s..%s", common.ErrInvalidDuration, d, s.cfg.MinDuration, s.cfg.MaxDuration)
	}
	return nil
}

func (s *Service) parseTotal(input string, token model.Token) (*uint256.Int, error) {
	total, err := amount.ToAtomic(input, token.Precision)
	if err != nil {
		return nil, err
	}
	if total.IsZero() {
		return nil, fmt.Errorf("%w: pool amount must be positive", common.ErrInvalidAmount)
	}
	if s.cfg.MinAmount == "" {
		return total, nil
	}
	floor, err := amount.ToAtomic(s.cfg.MinAmount, token.Precision)
	if err != nil {
		return nil, fmt.Errorf("%w: pools.min_amount %q for %s: %w", common.ErrInvalidConfig, s.cfg.MinAmount, token.ID, err)
	}
	if total.Lt(floor) {
		return nil, fmt.Errorf("%w: %s %s is below the minimum of %s", common.ErrInvalidAmount, input, token.Symbol, s.cfg.MinAmount)
	}
	return total, nil
}

// Get returns a pool by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Pool, error) {
	return s.store.GetPool(ctx, id)
}

// Claims returns a pool's claims in registration order.
func (s *Service) Claims(ctx context.Context, id string) ([]model.Claim, error) {
	if _, err := s.store.GetPool(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListClaims(ctx, id)
}

// List returns pools in a status, oldest first.
func (s *Service) List(ctx context.Context, status model.PoolStatus, limit int) ([]model.Pool, error) {
	return s.store.ListPoolsByStatus(ctx, status, limit)
}
