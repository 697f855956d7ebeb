// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEntry    = errors.New("duplicate entry")
	ErrDatabaseCorrupted = errors.New("database corrupted")
	ErrConcurrentUpdate  = errors.New("concurrent update")

	// Amount and ledger errors.
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountOverflow      = errors.New("amount overflow")

	// Token errors.
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenInactive = errors.New("token inactive")

	// Pool and claim errors.
	ErrPoolNotFound       = errors.New("pool not found")
	ErrPoolNotActive      = errors.New("pool not active")
	ErrPoolExpired        = errors.New("pool expired")
	ErrPoolNotExpired     = errors.New("pool not yet expired")
	ErrInvalidDuration    = errors.New("invalid pool duration")
	ErrSelfClaimForbidden = errors.New("funder cannot claim own pool")
	ErrAlreadyClaimed     = errors.New("already claimed")
	ErrClaimNotFound      = errors.New("claim not found")
	ErrInvalidClaimant    = errors.New("invalid claimant")
	ErrInvalidFunder      = errors.New("invalid funder")
	ErrNotPoolFunder      = errors.New("only the funder may cancel a pool")

	// Settlement errors.
	ErrSettlementFailed = errors.New("settlement failed")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// UserMessage returns a short, non-alarming message for the known error taxonomy.
// Unknown errors get a generic message.
func UserMessage(err error) string {
	var userErr *UserError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &userErr):
		return userErr.UserMessage
	case errors.Is(err, ErrInvalidAmount):
		return "That amount isn't valid for this token."
	case errors.Is(err, ErrInsufficientBalance):
		return "Your balance is too low for that."
	case errors.Is(err, ErrSelfClaimForbidden):
		return "You can't claim your own tip."
	case errors.Is(err, ErrAlreadyClaimed):
		return "You've already claimed this tip."
	case errors.Is(err, ErrPoolExpired):
		return "This tip has already expired."
	case errors.Is(err, ErrPoolNotActive):
		return "This tip is no longer open."
	case errors.Is(err, ErrPoolNotFound):
		return "That tip doesn't exist."
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrTokenInactive):
		return "That token isn't available."
	case errors.Is(err, ErrInvalidDuration):
		return "That duration is out of range."
	case errors.Is(err, ErrNotPoolFunder):
		return "Only the funder can cancel this tip."
	case errors.Is(err, ErrClaimNotFound):
		return "There's no pending claim to accept."
	case errors.Is(err, ErrInvalidClaimant):
		return "A claimant is required."
	case errors.Is(err, ErrInvalidFunder):
		return "A funder is required."
	case errors.Is(err, ErrPoolNotExpired):
		return "This tip hasn't expired yet."
	default:
		return "Something went wrong. Please try again later."
	}
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
