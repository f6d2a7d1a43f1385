package credit

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ghostcredit/native/bank"
)

const (
	DefaultMaxPreferenceMessages = 8
	DefaultMaxPreferenceOrder    = 16
	DefaultMaxLiquidatorSteps    = 32
	DefaultStepTimeout           = 5 * time.Second
)

// Config holds the admin-controlled risk parameters of the credit engine. A
// liquidation session keeps its own copy taken when it starts.
type Config struct {
	// AdjustmentThreshold bounds the adjusted LTV an owner may leave an
	// account at after executing messages.
	AdjustmentThreshold decimal.Decimal
	// LiquidationThreshold is the adjusted LTV from which anyone may
	// liquidate the account.
	LiquidationThreshold decimal.Decimal
	// MaxSlip is the largest share of spent collateral value a liquidation
	// may lose before it is rejected.
	MaxSlip       decimal.Decimal
	FeeProtocol   decimal.Decimal
	FeeLiquidator decimal.Decimal
	FeeAddress    common.Address
	// CollateralRatios maps every accepted collateral denom to the share of
	// its value counted towards borrowing power.
	CollateralRatios map[string]decimal.Decimal

	MaxPreferenceMessages int
	MaxPreferenceOrder    int
	MaxLiquidatorSteps    int
	StepTimeout           time.Duration
}

// DefaultConfig returns conservative parameters with no collateral accepted.
func DefaultConfig() Config {
	return Config{
		AdjustmentThreshold:   decimal.RequireFromString("0.8"),
		LiquidationThreshold:  decimal.RequireFromString("0.9"),
		MaxSlip:               decimal.RequireFromString("0.3"),
		FeeProtocol:           decimal.Zero,
		FeeLiquidator:         decimal.Zero,
		CollateralRatios:      map[string]decimal.Decimal{},
		MaxPreferenceMessages: DefaultMaxPreferenceMessages,
		MaxPreferenceOrder:    DefaultMaxPreferenceOrder,
		MaxLiquidatorSteps:    DefaultMaxLiquidatorSteps,
		StepTimeout:           DefaultStepTimeout,
	}
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	clone := c
	clone.CollateralRatios = make(map[string]decimal.Decimal, len(c.CollateralRatios))
	for denom, ratio := range c.CollateralRatios {
		clone.CollateralRatios[denom] = ratio
	}
	return clone
}

// CollateralDenoms returns the accepted collateral denoms in sorted order.
func (c Config) CollateralDenoms() []string {
	denoms := make([]string, 0, len(c.CollateralRatios))
	for denom := range c.CollateralRatios {
		denoms = append(denoms, denom)
	}
	sort.Strings(denoms)
	return denoms
}

// Ratio returns the collateral ratio for denom and whether it is accepted.
func (c Config) Ratio(denom string) (decimal.Decimal, bool) {
	ratio, ok := c.CollateralRatios[bank.NormalizeDenom(denom)]
	return ratio, ok
}

// Fees returns the combined fee rate charged on liquidation repayments.
func (c Config) Fees() decimal.Decimal {
	return c.FeeProtocol.Add(c.FeeLiquidator)
}

// Validate enforces 0 < adjustment < liquidation <= 1, ratios and slip in
// [0,1] and fees summing below 1.
func (c Config) Validate() error {
	one := decimal.NewFromInt(1)
	if !c.AdjustmentThreshold.IsPositive() {
		return fmt.Errorf("%w: adjustment threshold must be positive", ErrInvalidConfig)
	}
	if !c.AdjustmentThreshold.LessThan(c.LiquidationThreshold) {
		return fmt.Errorf("%w: adjustment threshold must be below liquidation threshold", ErrInvalidConfig)
	}
	if c.LiquidationThreshold.GreaterThan(one) {
		return fmt.Errorf("%w: liquidation threshold must not exceed 1", ErrInvalidConfig)
	}
	if c.MaxSlip.IsNegative() || c.MaxSlip.GreaterThan(one) {
		return fmt.Errorf("%w: max slip must be within [0,1]", ErrInvalidConfig)
	}
	if c.FeeProtocol.IsNegative() || c.FeeLiquidator.IsNegative() {
		return fmt.Errorf("%w: fees must not be negative", ErrInvalidConfig)
	}
	if !c.Fees().LessThan(one) {
		return fmt.Errorf("%w: fees must sum below 1", ErrInvalidConfig)
	}
	if c.FeeProtocol.IsPositive() && c.FeeAddress == (common.Address{}) {
		return fmt.Errorf("%w: protocol fee requires a fee address", ErrInvalidConfig)
	}
	for denom, ratio := range c.CollateralRatios {
		if denom == "" || denom != bank.NormalizeDenom(denom) {
			return fmt.Errorf("%w: collateral denom %q must be normalised", ErrInvalidConfig, denom)
		}
		if ratio.IsNegative() || ratio.GreaterThan(one) {
			return fmt.Errorf("%w: collateral ratio for %s must be within [0,1]", ErrInvalidConfig, denom)
		}
	}
	if c.MaxPreferenceMessages < 0 || c.MaxPreferenceOrder < 0 {
		return fmt.Errorf("%w: preference bounds must not be negative", ErrInvalidConfig)
	}
	if c.MaxLiquidatorSteps <= 0 {
		return fmt.Errorf("%w: liquidator step bound must be positive", ErrInvalidConfig)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("%w: step timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
