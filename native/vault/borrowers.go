package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Borrower is a whitelisted debtor of a vault. Shares are debt pool shares;
// Delegated is the part of Shares earmarked for delegates and always equals
// the sum of the borrower's delegate positions.
type Borrower struct {
	Address   common.Address
	Limit     decimal.Decimal
	Shares    *uint256.Int
	Delegated *uint256.Int
}

// Delegate tracks the debt shares a borrower holds on behalf of a delegate.
type Delegate struct {
	Borrower common.Address
	Delegate common.Address
	Shares   *uint256.Int
}

// NewBorrower returns a borrower with no debt.
func NewBorrower(addr common.Address, limit decimal.Decimal) *Borrower {
	return &Borrower{Address: addr, Limit: limit, Shares: new(uint256.Int), Delegated: new(uint256.Int)}
}

func (b *Borrower) ensure() {
	if b.Shares == nil {
		b.Shares = new(uint256.Int)
	}
	if b.Delegated == nil {
		b.Delegated = new(uint256.Int)
	}
}

// Undelegated returns the shares not earmarked for any delegate.
func (b *Borrower) Undelegated() *uint256.Int {
	b.ensure()
	out, underflow := new(uint256.Int).SubOverflow(b.Shares, b.Delegated)
	if underflow {
		return new(uint256.Int)
	}
	return out
}

// Value prices the borrower's total position in USD against pool.
func (b *Borrower) Value(pool SharePool, price decimal.Decimal) (decimal.Decimal, error) {
	b.ensure()
	owed, err := pool.Ownership(b.Shares)
	if err != nil {
		return decimal.Zero, err
	}
	return toDecimal(owed).Mul(price), nil
}

// OverCap reports whether the current position is worth more than Limit.
// Interest accrual alone can push a borrower over its cap.
func (b *Borrower) OverCap(pool SharePool, price decimal.Decimal) (bool, error) {
	value, err := b.Value(pool, price)
	if err != nil {
		return false, err
	}
	return value.GreaterThan(b.Limit), nil
}

// checkBorrow verifies that holding shares more debt shares stays within the
// USD limit. pool must already include the shares being issued.
func (b *Borrower) checkBorrow(pool SharePool, price decimal.Decimal, shares *uint256.Int) error {
	b.ensure()
	total, overflow := new(uint256.Int).AddOverflow(b.Shares, shares)
	if overflow {
		return ErrOverflow
	}
	owed, err := pool.Ownership(total)
	if err != nil {
		return err
	}
	if toDecimal(owed).Mul(price).GreaterThan(b.Limit) {
		return ErrBorrowLimitReached
	}
	return nil
}

// Borrow adds shares to the position after a limit check.
func (b *Borrower) Borrow(pool SharePool, price decimal.Decimal, shares *uint256.Int) error {
	if err := b.checkBorrow(pool, price, shares); err != nil {
		return err
	}
	b.Shares = new(uint256.Int).Add(b.Shares, shares)
	return nil
}

// DelegateBorrow earmarks shares for d and adds them to the position. The
// limit check covers the aggregate exposure across all delegates; on failure
// neither the borrower nor the delegate changes.
func (b *Borrower) DelegateBorrow(pool SharePool, price decimal.Decimal, d *Delegate, shares *uint256.Int) error {
	if err := b.checkBorrow(pool, price, shares); err != nil {
		return err
	}
	if d.Shares == nil {
		d.Shares = new(uint256.Int)
	}
	delegated, overflow := new(uint256.Int).AddOverflow(b.Delegated, shares)
	if overflow {
		return ErrOverflow
	}
	d.Shares = new(uint256.Int).Add(d.Shares, shares)
	b.Delegated = delegated
	b.Shares = new(uint256.Int).Add(b.Shares, shares)
	return nil
}

// Repay burns up to shares from the undelegated part of the position and
// returns the shares that could not be applied.
func (b *Borrower) Repay(shares *uint256.Int) *uint256.Int {
	b.ensure()
	applied := minInt(shares, b.Undelegated())
	b.Shares = new(uint256.Int).Sub(b.Shares, applied)
	return new(uint256.Int).Sub(shares, applied)
}

// DelegateRepay burns up to shares from d's position. The same capped amount
// leaves both the delegate counter and the borrower totals; the remainder is
// returned to the caller.
func (b *Borrower) DelegateRepay(d *Delegate, shares *uint256.Int) *uint256.Int {
	b.ensure()
	if d.Shares == nil {
		d.Shares = new(uint256.Int)
	}
	applied := minInt(minInt(shares, d.Shares), b.Delegated)
	d.Shares = new(uint256.Int).Sub(d.Shares, applied)
	b.Delegated = new(uint256.Int).Sub(b.Delegated, applied)
	b.Shares = new(uint256.Int).Sub(b.Shares, applied)
	return new(uint256.Int).Sub(shares, applied)
}

func minInt(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

func toDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}
