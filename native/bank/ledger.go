package bank

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"ghostcredit/core/state"
)

var (
	ErrInvalidDenom       = errors.New("bank: denom required")
	ErrInvalidAmount      = errors.New("bank: amount must be positive")
	ErrDuplicateDenom     = errors.New("bank: duplicate denom")
	ErrInsufficientFunds  = errors.New("bank: insufficient funds")
	ErrSupplyOverflow     = errors.New("bank: supply overflow")
	errNilState           = errors.New("bank: state not configured")
	errSelfTransferDenied = errors.New("bank: sender and recipient must differ")
)

var (
	balancePrefix = []byte("bank/balance/")
	supplyPrefix  = []byte("bank/supply/")
)

func balanceKey(addr common.Address, denom string) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(denom)+1+common.AddressLength)
	buf = append(buf, balancePrefix...)
	buf = append(buf, denom...)
	buf = append(buf, '/')
	return append(buf, addr.Bytes()...)
}

func supplyKey(denom string) []byte {
	return append(append([]byte(nil), supplyPrefix...), denom...)
}

// Ledger tracks per-address balances and per-denom supply in state.
type Ledger struct {
	state *state.Manager
}

// NewLedger binds a ledger to the provided state manager.
func NewLedger(st *state.Manager) *Ledger {
	return &Ledger{state: st}
}

// WithState returns a ledger bound to another manager, typically a branch.
func (l *Ledger) WithState(st *state.Manager) *Ledger {
	return &Ledger{state: st}
}

func (l *Ledger) load(key []byte) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	value := new(uint256.Int)
	ok, err := l.state.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return value, nil
}

func (l *Ledger) store(key []byte, value *uint256.Int) error {
	if value.IsZero() {
		return l.state.KVDelete(key)
	}
	return l.state.KVPut(key, value)
}

// Balance returns the balance of addr in denom.
func (l *Ledger) Balance(addr common.Address, denom string) (*uint256.Int, error) {
	return l.load(balanceKey(addr, NormalizeDenom(denom)))
}

// Supply returns the total minted supply of denom.
func (l *Ledger) Supply(denom string) (*uint256.Int, error) {
	return l.load(supplyKey(NormalizeDenom(denom)))
}

func (l *Ledger) debit(addr common.Address, denom string, amount *uint256.Int) error {
	key := balanceKey(addr, denom)
	balance, err := l.load(key)
	if err != nil {
		return err
	}
	next, underflow := new(uint256.Int).SubOverflow(balance, amount)
	if underflow {
		return fmt.Errorf("%w: have %s%s, need %s", ErrInsufficientFunds, balance.Dec(), denom, amount.Dec())
	}
	return l.store(key, next)
}

func (l *Ledger) credit(addr common.Address, denom string, amount *uint256.Int) error {
	key := balanceKey(addr, denom)
	balance, err := l.load(key)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	return l.store(key, next)
}

// Transfer moves coin from one address to another.
func (l *Ledger) Transfer(from, to common.Address, coin Coin) error {
	if err := coin.Validate(); err != nil {
		return err
	}
	if from == to {
		return errSelfTransferDenied
	}
	denom := NormalizeDenom(coin.Denom)
	if err := l.debit(from, denom, coin.Amount); err != nil {
		return err
	}
	return l.credit(to, denom, coin.Amount)
}

// TransferCoins moves every coin in order, stopping at the first failure.
// Callers run it on a branch so a partial failure is discarded.
func (l *Ledger) TransferCoins(from, to common.Address, coins Coins) error {
	if err := coins.Validate(); err != nil {
		return err
	}
	for _, coin := range coins {
		if err := l.Transfer(from, to, coin); err != nil {
			return err
		}
	}
	return nil
}

// Mint creates coin out of thin air and credits it to addr.
func (l *Ledger) Mint(to common.Address, coin Coin) error {
	if err := coin.Validate(); err != nil {
		return err
	}
	denom := NormalizeDenom(coin.Denom)
	supply, err := l.load(supplyKey(denom))
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(supply, coin.Amount)
	if overflow {
		return ErrSupplyOverflow
	}
	if err := l.store(supplyKey(denom), next); err != nil {
		return err
	}
	return l.credit(to, denom, coin.Amount)
}

// Burn destroys coin held by addr.
func (l *Ledger) Burn(from common.Address, coin Coin) error {
	if err := coin.Validate(); err != nil {
		return err
	}
	denom := NormalizeDenom(coin.Denom)
	if err := l.debit(from, denom, coin.Amount); err != nil {
		return err
	}
	supply, err := l.load(supplyKey(denom))
	if err != nil {
		return err
	}
	next, underflow := new(uint256.Int).SubOverflow(supply, coin.Amount)
	if underflow {
		return fmt.Errorf("%w: supply below burn", ErrInsufficientFunds)
	}
	return l.store(supplyKey(denom), next)
}
