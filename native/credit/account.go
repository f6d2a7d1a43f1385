package credit

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"ghostcredit/native/bank"
)

// AccountRecord is the persisted part of a credit account.
type AccountRecord struct {
	Address     common.Address
	Owner       common.Address
	Tag         string
	Preferences Preferences
}

// AccountAddress derives the address of the account owner opens under tag.
func AccountAddress(owner common.Address, tag string) common.Address {
	buf := make([]byte, 0, len("credit-account")+common.AddressLength+len(tag))
	buf = append(buf, "credit-account"...)
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, tag...)
	return common.BytesToAddress(ethcrypto.Keccak256(buf)[12:])
}

// Collateral is a balance held by a credit account.
type Collateral struct {
	Denom  string
	Amount *uint256.Int
}

// Debt is the amount an account owes one vault.
type Debt struct {
	Denom  string
	Amount *uint256.Int
}

// Valued pairs an item with its USD value at valuation time.
type Valued[T any] struct {
	Item          T
	Value         decimal.Decimal
	ValueAdjusted decimal.Decimal
}

// State classifies an account against the configured thresholds.
type State uint8

const (
	StateSafe State = iota
	StateAdjustable
	StateLiquidatable
)

func (s State) String() string {
	switch s {
	case StateSafe:
		return "safe"
	case StateAdjustable:
		return "adjustable"
	case StateLiquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

// CreditAccount is an account valued at current prices. It is rebuilt on
// every load and never persisted.
type CreditAccount struct {
	Record      AccountRecord
	Collaterals []Valued[Collateral]
	Debts       []Valued[Debt]
}

// PriceFunc resolves the USD price of one unit of denom.
type PriceFunc func(denom string) (decimal.Decimal, error)

// Value prices collaterals and debts. Zero amounts are dropped without
// consulting prices; denoms without a ratio are not counted as collateral.
func Value(record AccountRecord, collaterals []Collateral, debts []Debt, ratios map[string]decimal.Decimal, price PriceFunc) (CreditAccount, error) {
	acct := CreditAccount{Record: record}
	for _, c := range collaterals {
		if c.Amount == nil || c.Amount.IsZero() {
			continue
		}
		ratio, ok := ratios[bank.NormalizeDenom(c.Denom)]
		if !ok {
			continue
		}
		p, err := price(c.Denom)
		if err != nil {
			return CreditAccount{}, fmt.Errorf("value collateral %s: %w", c.Denom, err)
		}
		value := amountDecimal(c.Amount).Mul(p)
		acct.Collaterals = append(acct.Collaterals, Valued[Collateral]{
			Item:          Collateral{Denom: c.Denom, Amount: new(uint256.Int).Set(c.Amount)},
			Value:         value,
			ValueAdjusted: value.Mul(ratio),
		})
	}
	for _, d := range debts {
		if d.Amount == nil || d.Amount.IsZero() {
			continue
		}
		p, err := price(d.Denom)
		if err != nil {
			return CreditAccount{}, fmt.Errorf("value debt %s: %w", d.Denom, err)
		}
		value := amountDecimal(d.Amount).Mul(p)
		acct.Debts = append(acct.Debts, Valued[Debt]{
			Item:          Debt{Denom: d.Denom, Amount: new(uint256.Int).Set(d.Amount)},
			Value:         value,
			ValueAdjusted: value,
		})
	}
	return acct, nil
}

// TotalCollateral is the raw USD value of the collaterals.
func (a CreditAccount) TotalCollateral() decimal.Decimal {
	total := decimal.Zero
	for _, c := range a.Collaterals {
		total = total.Add(c.Value)
	}
	return total
}

// TotalAdjusted is the USD value of the collaterals after ratios.
func (a CreditAccount) TotalAdjusted() decimal.Decimal {
	total := decimal.Zero
	for _, c := range a.Collaterals {
		total = total.Add(c.ValueAdjusted)
	}
	return total
}

// TotalDebt is the USD value owed across vaults.
func (a CreditAccount) TotalDebt() decimal.Decimal {
	total := decimal.Zero
	for _, d := range a.Debts {
		total = total.Add(d.Value)
	}
	return total
}

// AdjustedLTV returns debt over adjusted collateral. It is zero without debt
// and bounded is false when there is debt but no adjusted collateral.
func (a CreditAccount) AdjustedLTV() (ltv decimal.Decimal, bounded bool) {
	debt := a.TotalDebt()
	if debt.IsZero() {
		return decimal.Zero, true
	}
	adjusted := a.TotalAdjusted()
	if !adjusted.IsPositive() {
		return decimal.Zero, false
	}
	return debt.Div(adjusted), true
}

// FormatLTV renders the adjusted LTV for events and API responses.
func (a CreditAccount) FormatLTV() string {
	ltv, bounded := a.AdjustedLTV()
	if !bounded {
		return "inf"
	}
	return ltv.StringFixed(6)
}

// exceeds reports debt >= threshold * adjusted collateral for positive debt.
func (a CreditAccount) exceeds(threshold decimal.Decimal) bool {
	debt := a.TotalDebt()
	if !debt.IsPositive() {
		return false
	}
	return debt.GreaterThanOrEqual(threshold.Mul(a.TotalAdjusted()))
}

// Classify places the account relative to the thresholds in cfg.
func (a CreditAccount) Classify(cfg Config) State {
	switch {
	case a.exceeds(cfg.LiquidationThreshold):
		return StateLiquidatable
	case a.exceeds(cfg.AdjustmentThreshold):
		return StateAdjustable
	default:
		return StateSafe
	}
}

// Balance returns the held amount of denom, zero when absent.
func (a CreditAccount) Balance(denom string) *uint256.Int {
	denom = bank.NormalizeDenom(denom)
	for _, c := range a.Collaterals {
		if c.Item.Denom == denom {
			return new(uint256.Int).Set(c.Item.Amount)
		}
	}
	return new(uint256.Int)
}

func amountDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}
