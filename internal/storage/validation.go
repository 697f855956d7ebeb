// Package storage provides the data persistence layer for grouptip.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/grouptip/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidPool        = errors.New("invalid pool")
	ErrInvalidClaim       = errors.New("invalid claim")
	ErrInvalidLedgerEntry = errors.New("invalid ledger entry")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateBalanceKey(userID, tokenID string) error {
	if err := validateString(userID, "userID"); err != nil {
		return err
	}
	return validateString(tokenID, "tokenID")
}

// validatePool validates a pool before insert.
func validatePool(pool *model.Pool) error {
	if pool == nil {
		return fmt.Errorf("%w: pool", ErrNilParameter)
	}
	if pool.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidPool)
	}
	if strings.TrimSpace(pool.FunderID) == "" {
		return fmt.Errorf("%w: missing funder", ErrInvalidPool)
	}
	if strings.TrimSpace(pool.TokenID) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidPool)
	}
	if pool.Total == nil || pool.Total.IsZero() {
		return fmt.Errorf("%w: total must be positive", ErrInvalidPool)
	}
	if pool.Fee == nil {
		return fmt.Errorf("%w: missing fee", ErrInvalidPool)
	}
	if pool.CreatedAt.IsZero() || pool.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: missing timestamps", ErrInvalidPool)
	}
	if !pool.ExpiresAt.After(pool.CreatedAt) {
		return fmt.Errorf("%w: expiry must be after creation", ErrInvalidPool)
	}
	if pool.Status != model.PoolActive {
		return fmt.Errorf("%w: new pools must be %s, got %s", ErrInvalidStatus, model.PoolActive, pool.Status)
	}
	return nil
}

// validateClaim validates a claim before insert.
func validateClaim(claim *model.Claim) error {
	if claim == nil {
		return fmt.Errorf("%w: claim", ErrNilParameter)
	}
	if claim.ID == "" || claim.PoolID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidClaim)
	}
	if strings.TrimSpace(claim.ClaimantID) == "" {
		return fmt.Errorf("%w: missing claimant", ErrInvalidClaim)
	}
	if claim.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrInvalidClaim)
	}

	switch claim.Status {
	case model.ClaimPending, model.ClaimClaimed:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStatus, claim.Status)
	}
	return nil
}

// validateLedgerEntry validates an audit entry before append.
func validateLedgerEntry(entry *model.LedgerEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: ledger entry", ErrNilParameter)
	}
	if entry.ID == "" {
		return fmt.Errorf("%w: missing ID", ErrInvalidLedgerEntry)
	}
	if err := validateBalanceKey(entry.UserID, entry.TokenID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLedgerEntry, err)
	}
	if entry.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidLedgerEntry)
	}
	if entry.Amount == nil {
		return fmt.Errorf("%w: missing amount", ErrInvalidLedgerEntry)
	}
	if entry.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrInvalidLedgerEntry)
	}
	return nil
}
