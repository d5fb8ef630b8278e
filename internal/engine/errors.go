package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrAmountMustBePositive rejects nil, zero, and negative amounts on
	// every mutating entry point.
	ErrAmountMustBePositive = errors.New("engine: amount must be positive")

	// ErrTransferFailed is returned when an asset or debt-unit transfer
	// collaborator reports failure. The enclosing operation is rolled back
	// in full.
	ErrTransferFailed = errors.New("engine: token transfer failed")

	// ErrMintFailed is returned when the debt token's mint authority
	// reports failure.
	ErrMintFailed = errors.New("engine: debt token mint failed")

	// ErrBurnFailed is returned when the debt token's burn reports failure.
	ErrBurnFailed = errors.New("engine: debt token burn failed")

	// ErrInsufficientCollateral guards the redeem underflow: collateral
	// balances never go negative, and the failure happens before any
	// transfer is attempted.
	ErrInsufficientCollateral = errors.New("engine: insufficient collateral balance")

	// ErrInsufficientDebt guards the burn underflow.
	ErrInsufficientDebt = errors.New("engine: burn exceeds outstanding debt")

	// ErrHealthFactorTooLow is the solvency violation: the operation would
	// leave the position below the minimum health factor.
	ErrHealthFactorTooLow = errors.New("engine: health factor below minimum")

	// ErrPositionHealthy rejects liquidation of a solvent position.
	ErrPositionHealthy = errors.New("engine: position is healthy, nothing to liquidate")

	// ErrHealthFactorNotImproved rejects a liquidation that did not
	// strictly raise the target's health factor.
	ErrHealthFactorNotImproved = errors.New("engine: liquidation did not improve health factor")

	// ErrReentrantCall rejects a mutating call made while another mutating
	// operation is in flight on the same engine, including collaborator
	// callbacks.
	ErrReentrantCall = errors.New("engine: reentrant call rejected")

	// ErrTokenNotConfigured is a construction fault: a registered asset has
	// no transfer collaborator wired.
	ErrTokenNotConfigured = errors.New("engine: no token collaborator for asset")
)

// HealthFactorError carries the offending user and the ratio that failed
// the solvency check, so callers can diagnose without re-querying state.
type HealthFactorError struct {
	UserID string
	Factor *big.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("engine: health factor below minimum: user %s factor %s", e.UserID, e.Factor)
}

// Unwrap ties the rich error to the ErrHealthFactorTooLow sentinel so
// errors.Is keeps working.
func (e *HealthFactorError) Unwrap() error { return ErrHealthFactorTooLow }
