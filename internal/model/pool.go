// Package model defines the core domain models used throughout the application.
package model

import (
	"time"

	"github.com/holiman/uint256"
)

// PoolStatus is the stored lifecycle state of a pool.
type PoolStatus string

// Pool status constants. Status only ever moves forward:
// ACTIVE -> FINALIZING -> {FINALIZED, REFUNDED, FAILED, CANCELLED}.
const (
	PoolActive     PoolStatus = "ACTIVE"
	PoolFinalizing PoolStatus = "FINALIZING"
	PoolFinalized  PoolStatus = "FINALIZED"
	PoolRefunded   PoolStatus = "REFUNDED"
	PoolFailed     PoolStatus = "FAILED"
	PoolCancelled  PoolStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s PoolStatus) IsTerminal() bool {
	switch s {
	case PoolFinalized, PoolRefunded, PoolFailed, PoolCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s PoolStatus) IsValid() bool {
	switch s {
	case PoolActive, PoolFinalizing, PoolFinalized, PoolRefunded, PoolFailed, PoolCancelled:
		return true
	default:
		return false
	}
}

// Pool is a funded, time-boxed shared payment awaiting distribution.
type Pool struct {
	CreatedAt    time.Time
	ExpiresAt    time.Time
	FinalizingAt *time.Time
	SettledAt    *time.Time
	NotifiedAt   *time.Time
	// Total is the funder's contribution before fee, in atomic units.
	Total *uint256.Int
	// Fee is withheld from the funder at creation and released at settlement.
	Fee           *uint256.Int
	ID            string
	FunderID      string
	TokenID       string
	ExternalRef   string
	FailureReason string
	Status        PoolStatus
	// TargetStatus is the terminal status chosen when settlement was
	// requested by cancellation or abort. Empty means the claims decide.
	TargetStatus   PoolStatus
	ClaimCount     int
	SettleAttempts int
}

// IsExpired reports whether an ACTIVE pool is past its expiry at now.
// Expiry is derived, never stored.
func (p *Pool) IsExpired(now time.Time) bool {
	return p.Status == PoolActive && !p.ExpiresAt.After(now)
}

// DisplayStatus returns the status shown to readers, with EXPIRED applied
// to ACTIVE pools that are past expiry but not yet finalized.
func (p *Pool) DisplayStatus(now time.Time) string {
	if p.IsExpired(now) {
		return "EXPIRED"
	}
	return string(p.Status)
}
