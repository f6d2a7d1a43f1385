package credit

import (
	"errors"

	"ghostcredit/native/vault"
)

var (
	// Input validation. Always returned before any write.
	ErrUnauthorized          = errors.New("credit: caller not authorized")
	ErrAccountNotFound       = errors.New("credit: account not found")
	ErrAccountExists         = errors.New("credit: account already exists")
	ErrInvalidConfig         = errors.New("credit: invalid config")
	ErrInvalidMessage        = errors.New("credit: invalid message")
	ErrUnsupportedCollateral = errors.New("credit: denom is not accepted as collateral")
	ErrVaultNotFound         = errors.New("credit: no vault registered for denom")
	ErrPreferencesTooLarge   = errors.New("credit: liquidation preferences exceed bounds")
	ErrTooManySteps          = errors.New("credit: too many liquidation steps")
	ErrUnknownTarget         = errors.New("credit: unknown execute target")
	ErrSessionNotFound       = errors.New("credit: liquidation session not found")
	ErrSessionClosed         = errors.New("credit: liquidation session already finished")
	errNilState              = errors.New("credit: state not configured")
	errNilOracle             = errors.New("credit: price oracle not configured")

	// Economic policy.
	ErrUnsafe                = errors.New("credit: account would be above adjustment threshold")
	ErrNotLiquidatable       = errors.New("credit: account is not liquidatable")
	ErrSlippageExceeded      = errors.New("credit: liquidation slippage exceeded")
	ErrLiquidationOrder      = errors.New("credit: liquidation order violated")
	ErrZeroValueSpent        = errors.New("credit: liquidation spent no value")
	ErrLiquidationIncomplete = errors.New("credit: liquidation queue exhausted while still liquidatable")

	// External calls made by liquidation steps.
	ErrStepFailed  = errors.New("credit: liquidation step failed")
	ErrStepTimeout = errors.New("credit: liquidation step exceeded its budget")
)

// IsPolicyError reports whether err is an expected economic rejection rather
// than a bug or bad input.
func IsPolicyError(err error) bool {
	for _, target := range []error{
		ErrUnsafe,
		ErrNotLiquidatable,
		ErrSlippageExceeded,
		ErrLiquidationOrder,
		ErrZeroValueSpent,
		ErrLiquidationIncomplete,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return vault.IsPolicyError(err)
}

// IsValidationError reports whether err rejects the caller's input.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrUnauthorized,
		ErrAccountNotFound,
		ErrAccountExists,
		ErrInvalidConfig,
		ErrInvalidMessage,
		ErrUnsupportedCollateral,
		ErrVaultNotFound,
		ErrPreferencesTooLarge,
		ErrTooManySteps,
		ErrUnknownTarget,
		ErrSessionNotFound,
		ErrSessionClosed,
		vault.ErrInvalidAmount,
		vault.ErrUnauthorizedBorrower,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsInvariantError reports arithmetic or accounting corruption.
func IsInvariantError(err error) bool {
	return vault.IsInvariantError(err)
}
