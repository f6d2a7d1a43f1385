package vault

import (
	"math/big"

	"github.com/holiman/uint256"
)

// SharePool maps fungible ownership shares to a pooled quantity. It backs both
// the deposit side and the debt side of a vault.
//
// Size == 0 if and only if Shares == 0. All division truncates toward zero,
// so a pool never pays out more than it holds.
type SharePool struct {
	Size   *uint256.Int
	Shares *uint256.Int
}

// NewSharePool returns an empty pool.
func NewSharePool() SharePool {
	return SharePool{Size: new(uint256.Int), Shares: new(uint256.Int)}
}

// Clone returns a deep copy of the pool.
func (p SharePool) Clone() SharePool {
	return SharePool{Size: cloneInt(p.Size), Shares: cloneInt(p.Shares)}
}

func (p *SharePool) ensure() {
	if p.Size == nil {
		p.Size = new(uint256.Int)
	}
	if p.Shares == nil {
		p.Shares = new(uint256.Int)
	}
}

// IsEmpty reports whether the pool holds nothing.
func (p *SharePool) IsEmpty() bool {
	p.ensure()
	return p.Shares.IsZero()
}

// Join adds amount to the pool and mints shares at the current ratio, or 1:1
// when the pool is empty.
func (p *SharePool) Join(amount *uint256.Int) (*uint256.Int, error) {
	shares, err := p.PreviewJoin(amount)
	if err != nil {
		return nil, err
	}
	size, overflow := new(uint256.Int).AddOverflow(p.Size, amount)
	if overflow {
		return nil, ErrOverflow
	}
	total, overflow := new(uint256.Int).AddOverflow(p.Shares, shares)
	if overflow {
		return nil, ErrOverflow
	}
	p.Size, p.Shares = size, total
	return shares, nil
}

// PreviewJoin returns the shares Join would mint without mutating the pool.
func (p *SharePool) PreviewJoin(amount *uint256.Int) (*uint256.Int, error) {
	p.ensure()
	if amount == nil || amount.IsZero() {
		return nil, ErrZeroIssuance
	}
	if p.Shares.IsZero() {
		return amount.Clone(), nil
	}
	if p.Size.IsZero() {
		return nil, ErrDivisionByZero
	}
	shares, overflow := new(uint256.Int).MulDivOverflow(p.Shares, amount, p.Size)
	if overflow {
		return nil, ErrOverflow
	}
	if shares.IsZero() {
		return nil, ErrZeroIssuance
	}
	return shares, nil
}

// Leave burns shares and returns the proportional amount, rounded down.
// Burning every outstanding share drains the pool exactly.
func (p *SharePool) Leave(shares *uint256.Int) (*uint256.Int, error) {
	p.ensure()
	if shares == nil || shares.IsZero() {
		return nil, ErrInvalidAmount
	}
	if shares.Gt(p.Shares) {
		return nil, ErrInsufficientShares
	}
	if shares.Eq(p.Shares) {
		amount := p.Size.Clone()
		p.Size, p.Shares = new(uint256.Int), new(uint256.Int)
		return amount, nil
	}
	amount, err := p.Ownership(shares)
	if err != nil {
		return nil, err
	}
	size, underflow := new(uint256.Int).SubOverflow(p.Size, amount)
	if underflow {
		return nil, ErrOverflow
	}
	total, underflow := new(uint256.Int).SubOverflow(p.Shares, shares)
	if underflow {
		return nil, ErrOverflow
	}
	p.Size, p.Shares = size, total
	return amount, nil
}

// Deposit grows Size without minting, distributing amount pro rata to every
// shareholder.
func (p *SharePool) Deposit(amount *uint256.Int) error {
	p.ensure()
	if amount == nil || amount.IsZero() {
		return nil
	}
	if p.Shares.IsZero() {
		return ErrEmptyPool
	}
	size, overflow := new(uint256.Int).AddOverflow(p.Size, amount)
	if overflow {
		return ErrOverflow
	}
	p.Size = size
	return nil
}

// Ownership returns the amount that shares currently represent.
func (p *SharePool) Ownership(shares *uint256.Int) (*uint256.Int, error) {
	p.ensure()
	if shares == nil || shares.IsZero() || p.Shares.IsZero() {
		return new(uint256.Int), nil
	}
	amount, overflow := new(uint256.Int).MulDivOverflow(p.Size, shares, p.Shares)
	if overflow {
		return nil, ErrOverflow
	}
	return amount, nil
}

// SharesFor returns the number of shares worth at most amount.
func (p *SharePool) SharesFor(amount *uint256.Int) (*uint256.Int, error) {
	p.ensure()
	if amount == nil || amount.IsZero() || p.Size.IsZero() {
		return new(uint256.Int), nil
	}
	shares, overflow := new(uint256.Int).MulDivOverflow(amount, p.Shares, p.Size)
	if overflow {
		return nil, ErrOverflow
	}
	return shares, nil
}

// Ratio returns Size/Shares, or one for an empty pool.
func (p *SharePool) Ratio() *big.Rat {
	p.ensure()
	if p.Shares.IsZero() {
		return big.NewRat(1, 1)
	}
	return new(big.Rat).SetFrac(p.Size.ToBig(), p.Shares.ToBig())
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
