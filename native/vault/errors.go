package vault

import "errors"

var (
	// Input validation.
	ErrInvalidAmount        = errors.New("vault: amount must be positive")
	ErrInvalidConfig        = errors.New("vault: invalid config")
	ErrUnauthorizedBorrower = errors.New("vault: borrower not whitelisted")
	ErrUnknownDelegate      = errors.New("vault: delegate has no position")
	errNilState             = errors.New("vault: state not configured")
	errNilBank              = errors.New("vault: bank not configured")
	errNilOracle            = errors.New("vault: price oracle not configured")

	// Arithmetic and invariant violations. These indicate a bug or corrupted
	// state, never a recoverable business condition.
	ErrOverflow       = errors.New("vault: arithmetic overflow")
	ErrPoolParity     = errors.New("vault: debt pool exceeds deposit pool")
	ErrDivisionByZero = errors.New("vault: division by zero")

	// Share pool conditions.
	ErrZeroIssuance       = errors.New("vault: issuance rounds to zero shares")
	ErrInsufficientShares = errors.New("vault: insufficient shares")
	ErrEmptyPool          = errors.New("vault: pool has no shareholders")

	// Economic policy.
	ErrBorrowLimitReached    = errors.New("vault: borrow limit reached")
	ErrBorrowerFrozen        = errors.New("vault: borrower over cap, borrowing frozen")
	ErrInsufficientLiquidity = errors.New("vault: insufficient liquidity")
	ErrNothingToRepay        = errors.New("vault: no outstanding debt")
)

// IsInvariantError reports whether err signals an arithmetic or pool-parity
// violation.
func IsInvariantError(err error) bool {
	return errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrPoolParity) ||
		errors.Is(err, ErrDivisionByZero)
}

// IsPolicyError reports whether err is an expected economic rejection.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrBorrowLimitReached) ||
		errors.Is(err, ErrBorrowerFrozen) ||
		errors.Is(err, ErrInsufficientLiquidity) ||
		errors.Is(err, ErrNothingToRepay)
}
