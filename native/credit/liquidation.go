package credit

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"ghostcredit/native/bank"
)

// SessionStatus tracks a liquidation through its continuations.
type SessionStatus uint8

const (
	SessionRunning SessionStatus = iota + 1
	SessionCompleted
	SessionFailed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionRunning:
		return "running"
	case SessionCompleted:
		return "completed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot captures the balances of every collateral denom and the debt owed
// to every vault.
type Snapshot struct {
	Collaterals bank.Coins
	Debts       bank.Coins
}

func (s Snapshot) collateral(denom string) *uint256.Int {
	return coinAmount(s.Collaterals, denom)
}

func (s Snapshot) debt(denom string) *uint256.Int {
	return coinAmount(s.Debts, denom)
}

func coinAmount(coins bank.Coins, denom string) *uint256.Int {
	for _, c := range coins {
		if c.Denom == denom && c.Amount != nil {
			return new(uint256.Int).Set(c.Amount)
		}
	}
	return new(uint256.Int)
}

// Session is a persisted liquidation. Params and Order are frozen when the
// session starts so that admin changes never affect it.
type Session struct {
	ID            string
	Account       common.Address
	Liquidator    common.Address
	Queue         []Step
	Executed      uint32
	Baseline      Snapshot
	Params        Config
	Order         []OrderRule
	Continuations uint32
	Status        SessionStatus
	Error         string
	SpentUSD      decimal.Decimal
	RepaidUSD     decimal.Decimal
	CreatedAt     uint64

	err error
}

// Err returns the terminal failure recorded during this process, if any.
func (s *Session) Err() error {
	return s.err
}

// Done reports whether the session reached a terminal status.
func (s *Session) Done() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Outcome is the value moved by a liquidation.
type Outcome struct {
	Spent     bank.Coins
	SpentUSD  decimal.Decimal
	RepaidUSD decimal.Decimal
}

// ValidateLiquidation compares the account now against its baseline. Spent
// collateral must respect the owner's order, must be worth something, and
// must not lose more than params.MaxSlip of its value compared with the
// debt it repaid.
func ValidateLiquidation(baseline, current Snapshot, params Config, order []OrderRule, price PriceFunc) (Outcome, error) {
	var out Outcome
	for _, base := range baseline.Collaterals {
		cur := current.collateral(base.Denom)
		if base.Amount == nil || !base.Amount.Gt(cur) {
			continue
		}
		spent := new(uint256.Int).Sub(base.Amount, cur)
		out.Spent = append(out.Spent, bank.Coin{Denom: base.Denom, Amount: spent})
	}

	for _, spent := range out.Spent {
		for _, rule := range order {
			if rule.Then != spent.Denom {
				continue
			}
			if current.collateral(rule.First).Sign() > 0 {
				return out, fmt.Errorf("%w: %s spent while %s remains", ErrLiquidationOrder, spent.Denom, rule.First)
			}
		}
	}

	out.SpentUSD = decimal.Zero
	for _, spent := range out.Spent {
		p, err := price(spent.Denom)
		if err != nil {
			return out, fmt.Errorf("price spent %s: %w", spent.Denom, err)
		}
		out.SpentUSD = out.SpentUSD.Add(amountDecimal(spent.Amount).Mul(p))
	}

	out.RepaidUSD = decimal.Zero
	for _, base := range baseline.Debts {
		cur := current.debt(base.Denom)
		if base.Amount == nil || !base.Amount.Gt(cur) {
			continue
		}
		p, err := price(base.Denom)
		if err != nil {
			return out, fmt.Errorf("price repaid %s: %w", base.Denom, err)
		}
		repaid := new(uint256.Int).Sub(base.Amount, cur)
		out.RepaidUSD = out.RepaidUSD.Add(amountDecimal(repaid).Mul(p))
	}

	if !out.SpentUSD.IsPositive() {
		return out, ErrZeroValueSpent
	}
	loss := out.SpentUSD.Sub(out.RepaidUSD)
	if loss.GreaterThan(params.MaxSlip.Mul(out.SpentUSD)) {
		return out, fmt.Errorf("%w: spent %s USD, repaid %s USD", ErrSlippageExceeded, out.SpentUSD.StringFixed(2), out.RepaidUSD.StringFixed(2))
	}
	return out, nil
}
