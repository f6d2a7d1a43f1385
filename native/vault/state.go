package vault

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// State is the accounting core of a vault: two share pools plus the
// fractional interest remainders carried between accrual periods.
//
// DepositPool.Size >= DebtPool.Size must hold before and after every
// mutation; a violation is reported as ErrPoolParity.
type State struct {
	DepositPool     SharePool
	DebtPool        SharePool
	PendingInterest *big.Rat
	PendingFees     *big.Rat
	LastUpdated     uint64
}

// Accrual is the outcome of an interest calculation. Interest and Fee are
// whole units; the pending fields are the remainders in [0,1).
type Accrual struct {
	Interest        *uint256.Int
	Fee             *uint256.Int
	PendingInterest *big.Rat
	PendingFees     *big.Rat
}

// Distribution reports what DistributeInterest applied.
type Distribution struct {
	Interest  *uint256.Int
	Fee       *uint256.Int
	FeeShares *uint256.Int
}

// Repayment reports the outcome of a repay. Amount is what left the debt pool
// and Refund is the part of the payment that must go back to the payer.
type Repayment struct {
	Shares *uint256.Int
	Amount *uint256.Int
	Refund *uint256.Int
}

// NewState returns an empty vault state anchored at now.
func NewState(now uint64) *State {
	return &State{
		DepositPool:     NewSharePool(),
		DebtPool:        NewSharePool(),
		PendingInterest: new(big.Rat),
		PendingFees:     new(big.Rat),
		LastUpdated:     now,
	}
}

func (s *State) ensure() {
	s.DepositPool.ensure()
	s.DebtPool.ensure()
	if s.PendingInterest == nil {
		s.PendingInterest = new(big.Rat)
	}
	if s.PendingFees == nil {
		s.PendingFees = new(big.Rat)
	}
}

// Available returns the liquidity that is deposited but not lent out.
func (s *State) Available() (*uint256.Int, error) {
	s.ensure()
	out, underflow := new(uint256.Int).SubOverflow(s.DepositPool.Size, s.DebtPool.Size)
	if underflow {
		return nil, ErrPoolParity
	}
	return out, nil
}

// Utilization returns debt/deposits, zero for an empty vault.
func (s *State) Utilization() (*big.Rat, error) {
	available, err := s.Available()
	if err != nil {
		return nil, err
	}
	if s.DepositPool.Size.IsZero() {
		return new(big.Rat), nil
	}
	idle := new(big.Rat).SetFrac(available.ToBig(), s.DepositPool.Size.ToBig())
	return idle.Sub(big.NewRat(1, 1), idle), nil
}

// CalculateInterest computes the interest owed between LastUpdated and now
// without mutating the state.
func (s *State) CalculateInterest(curve InterestCurve, feeRate *big.Rat, now uint64) (Accrual, error) {
	s.ensure()
	accrual := Accrual{
		Interest:        new(uint256.Int),
		Fee:             new(uint256.Int),
		PendingInterest: cloneRat(s.PendingInterest),
		PendingFees:     cloneRat(s.PendingFees),
	}
	if now <= s.LastUpdated || s.DebtPool.Size.IsZero() {
		return accrual, nil
	}
	u, err := s.Utilization()
	if err != nil {
		return accrual, err
	}
	elapsed := new(big.Rat).SetFrac(new(big.Int).SetUint64(now-s.LastUpdated), big.NewInt(SecondsPerYear))
	raw := new(big.Rat).SetInt(s.DebtPool.Size.ToBig())
	raw.Mul(raw, curve.Rate(u))
	raw.Mul(raw, elapsed)

	fee := new(big.Rat).Mul(raw, cloneRat(feeRate))
	net := new(big.Rat).Sub(raw, fee)

	net.Add(net, accrual.PendingInterest)
	fee.Add(fee, accrual.PendingFees)

	netWhole, netRem := splitRat(net)
	feeWhole, feeRem := splitRat(fee)
	netInt, overflow := uint256.FromBig(netWhole)
	if overflow {
		return accrual, ErrOverflow
	}
	feeInt, overflow := uint256.FromBig(feeWhole)
	if overflow {
		return accrual, ErrOverflow
	}
	accrual.Interest = netInt
	accrual.Fee = feeInt
	accrual.PendingInterest = netRem
	accrual.PendingFees = feeRem
	return accrual, nil
}

// DistributeInterest accrues interest up to now. The debt pool is always
// charged interest plus fee; depositors receive the interest as yield and the
// fee is minted as deposit shares for the fee collector. When the fee is too
// small to mint a share it is added to the deposit pool as yield instead.
func (s *State) DistributeInterest(curve InterestCurve, feeRate *big.Rat, now uint64) (Distribution, error) {
	dist := Distribution{Interest: new(uint256.Int), Fee: new(uint256.Int), FeeShares: new(uint256.Int)}
	accrual, err := s.CalculateInterest(curve, feeRate, now)
	if err != nil {
		return dist, err
	}
	if now > s.LastUpdated {
		s.LastUpdated = now
	}
	s.PendingInterest = accrual.PendingInterest
	s.PendingFees = accrual.PendingFees

	total, overflow := new(uint256.Int).AddOverflow(accrual.Interest, accrual.Fee)
	if overflow {
		return dist, ErrOverflow
	}
	if total.IsZero() {
		return dist, nil
	}
	if err := s.DebtPool.Deposit(total); err != nil {
		return dist, err
	}
	if err := s.DepositPool.Deposit(accrual.Interest); err != nil {
		return dist, err
	}
	if !accrual.Fee.IsZero() {
		shares, err := s.DepositPool.Join(accrual.Fee)
		switch {
		case err == nil:
			dist.FeeShares = shares
		case errors.Is(err, ErrZeroIssuance):
			if err := s.DepositPool.Deposit(accrual.Fee); err != nil {
				return dist, err
			}
		default:
			return dist, err
		}
	}
	dist.Interest = accrual.Interest
	dist.Fee = accrual.Fee
	return dist, s.CheckParity()
}

// CheckParity verifies the deposit pool covers the debt pool.
func (s *State) CheckParity() error {
	_, err := s.Available()
	return err
}

// Deposit adds liquidity and returns the deposit shares minted for it.
func (s *State) Deposit(amount *uint256.Int) (*uint256.Int, error) {
	s.ensure()
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	return s.DepositPool.Join(amount)
}

// Withdraw redeems deposit shares for underlying, provided the liquidity is
// not lent out.
func (s *State) Withdraw(shares *uint256.Int) (*uint256.Int, error) {
	s.ensure()
	if shares == nil || shares.IsZero() {
		return nil, ErrInvalidAmount
	}
	if shares.Gt(s.DepositPool.Shares) {
		return nil, ErrInsufficientShares
	}
	preview := s.DepositPool.Clone()
	amount, err := preview.Leave(shares)
	if err != nil {
		return nil, err
	}
	available, err := s.Available()
	if err != nil {
		return nil, err
	}
	if amount.Gt(available) {
		return nil, ErrInsufficientLiquidity
	}
	s.DepositPool = preview
	return amount, s.CheckParity()
}

// Borrow lends amount to b, earmarked for d when d is non-nil, and returns
// the debt shares issued.
func (s *State) Borrow(b *Borrower, d *Delegate, price decimal.Decimal, amount *uint256.Int) (*uint256.Int, error) {
	s.ensure()
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	available, err := s.Available()
	if err != nil {
		return nil, err
	}
	if amount.Gt(available) {
		return nil, ErrInsufficientLiquidity
	}
	pool := s.DebtPool.Clone()
	shares, err := pool.Join(amount)
	if err != nil {
		return nil, err
	}
	if d != nil {
		err = b.DelegateBorrow(pool, price, d, shares)
	} else {
		err = b.Borrow(pool, price, shares)
	}
	if err != nil {
		return nil, err
	}
	s.DebtPool = pool
	return shares, s.CheckParity()
}

// Repay burns debt shares worth at most amount from b's position, or from the
// part earmarked for d when d is non-nil. Paying more than is owed clears the
// position and reports the excess as Refund.
func (s *State) Repay(b *Borrower, d *Delegate, amount *uint256.Int) (Repayment, error) {
	s.ensure()
	b.ensure()
	out := Repayment{Shares: new(uint256.Int), Amount: new(uint256.Int), Refund: new(uint256.Int)}
	if amount == nil || amount.IsZero() {
		return out, ErrInvalidAmount
	}
	var position *uint256.Int
	if d != nil {
		if d.Shares == nil {
			d.Shares = new(uint256.Int)
		}
		position = minInt(d.Shares, b.Delegated)
	} else {
		position = b.Undelegated()
	}
	if position.IsZero() {
		return out, ErrNothingToRepay
	}

	owed, err := s.DebtPool.Ownership(position)
	if err != nil {
		return out, err
	}
	shares := position
	if amount.Lt(owed) {
		if shares, err = s.DebtPool.SharesFor(amount); err != nil {
			return out, err
		}
		shares = minInt(shares, position)
	}
	if shares.IsZero() {
		out.Refund = amount.Clone()
		return out, nil
	}

	var leftover *uint256.Int
	if d != nil {
		leftover = b.DelegateRepay(d, shares)
	} else {
		leftover = b.Repay(shares)
	}
	applied := new(uint256.Int).Sub(shares, leftover)
	if applied.IsZero() {
		out.Refund = amount.Clone()
		return out, nil
	}
	repaid, err := s.DebtPool.Leave(applied)
	if err != nil {
		return out, err
	}
	refund, underflow := new(uint256.Int).SubOverflow(amount, repaid)
	if underflow {
		return out, ErrOverflow
	}
	out.Shares = applied
	out.Amount = repaid
	out.Refund = refund
	return out, s.CheckParity()
}
