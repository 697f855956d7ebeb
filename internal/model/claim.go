package model

import "time"

// ClaimStatus indicates where a claim is in its lifecycle.
type ClaimStatus string

// Claim status constants.
const (
	ClaimPending  ClaimStatus = "PENDING"
	ClaimClaimed  ClaimStatus = "CLAIMED"
	ClaimRefunded ClaimStatus = "REFUNDED"
)

// Claim is one user's registered intent to receive a share of a pool.
type Claim struct {
	CreatedAt  time.Time
	ClaimedAt  *time.Time
	RefundedAt *time.Time
	ID         string
	PoolID     string
	ClaimantID string
	Status     ClaimStatus
}
