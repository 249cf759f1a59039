package common

import "errors"

// Error kinds shared by every native module. Callers match them with
// errors.Is; modules wrap them with context before returning.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrIntentNotMatchable    = errors.New("intent not matchable")
	ErrOverFill              = errors.New("fill exceeds remaining amount")
	ErrUnfairPrice           = errors.New("price below posted rate")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSigningFailed         = errors.New("signing failed")
	ErrTransitionNotVerified = errors.New("transition not verified")
	ErrProofMismatch         = errors.New("proof mismatch")
	ErrNotFound              = errors.New("not found")

	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidBatch      = errors.New("invalid batch")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("unauthorized")
)
