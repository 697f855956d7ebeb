package model

import "github.com/holiman/uint256"

// Outcome is the result of a settlement attempt.
type Outcome string

// Settlement outcomes. NOOP is a normal result: the caller lost the race,
// the pool is not yet expired, or it was already settled.
const (
	OutcomeNoop      Outcome = "NOOP"
	OutcomeFinalized Outcome = "FINALIZED"
	OutcomeRefunded  Outcome = "REFUNDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Payout is the amount credited to one claimant.
type Payout struct {
	Amount     *uint256.Int
	ClaimantID string
	ClaimID    string
}

// SettlementResult summarizes a settlement attempt.
type SettlementResult struct {
	Pool    *Pool
	Refund  *uint256.Int
	PoolID  string
	Outcome Outcome
	Payouts []Payout
	// RefundedClaims counts claims moved to REFUNDED.
	RefundedClaims int
}
