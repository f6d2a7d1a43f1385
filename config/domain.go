package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ghostcredit/native/bank"
	"ghostcredit/native/credit"
	"ghostcredit/native/vault"
)

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseDecimal(field, raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// Params converts the section into credit engine parameters. Unset fields
// take the engine defaults.
func (c CreditConfig) Params() (credit.Config, error) {
	out := credit.DefaultConfig()
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"adjustment_threshold", c.AdjustmentThreshold, &out.AdjustmentThreshold},
		{"liquidation_threshold", c.LiquidationThreshold, &out.LiquidationThreshold},
		{"max_slip", c.MaxSlip, &out.MaxSlip},
		{"fee_protocol", c.FeeProtocol, &out.FeeProtocol},
		{"fee_liquidator", c.FeeLiquidator, &out.FeeLiquidator},
	}
	for _, f := range fields {
		v, err := parseDecimal("credit."+f.name, f.raw, *f.dst)
		if err != nil {
			return credit.Config{}, err
		}
		*f.dst = v
	}
	if strings.TrimSpace(c.FeeAddress) != "" {
		addr, err := ParseAddress(c.FeeAddress)
		if err != nil {
			return credit.Config{}, fmt.Errorf("credit.fee_address: %w", err)
		}
		out.FeeAddress = addr
	}
	for denom, raw := range c.CollateralRatios {
		ratio, err := parseDecimal("credit.collateral_ratios."+denom, raw, decimal.Zero)
		if err != nil {
			return credit.Config{}, err
		}
		out.CollateralRatios[bank.NormalizeDenom(denom)] = ratio
	}
	if c.MaxPreferenceMessages > 0 {
		out.MaxPreferenceMessages = c.MaxPreferenceMessages
	}
	if c.MaxPreferenceOrder > 0 {
		out.MaxPreferenceOrder = c.MaxPreferenceOrder
	}
	if c.MaxLiquidatorSteps > 0 {
		out.MaxLiquidatorSteps = c.MaxLiquidatorSteps
	}
	if c.StepTimeoutMillis > 0 {
		out.StepTimeout = time.Duration(c.StepTimeoutMillis) * time.Millisecond
	}
	if err := out.Validate(); err != nil {
		return credit.Config{}, err
	}
	return out, nil
}

// Params converts the section into vault parameters. Unset curve fields
// take the default curve.
func (v VaultConfig) Params() (vault.Config, error) {
	out := vault.DefaultConfig()
	def := out.Interest
	pick := func(raw string, fallback *big.Rat) string {
		if strings.TrimSpace(raw) == "" {
			return fallback.RatString()
		}
		return strings.TrimSpace(raw)
	}
	curve, err := vault.NewInterestCurve(
		pick(v.TargetUtilization, def.TargetUtilization),
		pick(v.BaseRate, def.BaseRate),
		pick(v.Step1, def.Step1),
		pick(v.Step2, def.Step2),
	)
	if err != nil {
		return vault.Config{}, fmt.Errorf("vault %s: %w", v.Denom, err)
	}
	out.Interest = curve
	fee, err := parseDecimal("vault "+v.Denom+" fee_rate", v.FeeRate, decimal.Zero)
	if err != nil {
		return vault.Config{}, err
	}
	out.FeeRate = fee.Rat()
	if strings.TrimSpace(v.FeeCollector) != "" {
		addr, err := ParseAddress(v.FeeCollector)
		if err != nil {
			return vault.Config{}, fmt.Errorf("vault %s fee_collector: %w", v.Denom, err)
		}
		out.FeeCollector = addr
	}
	policy, err := vault.ParseDriftPolicy(v.DriftPolicy)
	if err != nil {
		return vault.Config{}, fmt.Errorf("vault %s: %w", v.Denom, err)
	}
	out.DriftPolicy = policy
	if err := out.Validate(); err != nil {
		return vault.Config{}, fmt.Errorf("vault %s: %w", v.Denom, err)
	}
	return out, nil
}

// Borrower is a parsed vault whitelist entry.
type Borrower struct {
	Address common.Address
	Limit   decimal.Decimal
}

// BorrowerList parses the whitelist, including the credit engine when
// CreditLimit is set.
func (v VaultConfig) BorrowerList() ([]Borrower, error) {
	out := make([]Borrower, 0, len(v.Borrowers)+1)
	if strings.TrimSpace(v.CreditLimit) != "" {
		limit, err := parseDecimal("vault "+v.Denom+" credit_limit", v.CreditLimit, decimal.Zero)
		if err != nil {
			return nil, err
		}
		out = append(out, Borrower{Address: credit.ModuleAddress(), Limit: limit})
	}
	for i, b := range v.Borrowers {
		addr, err := ParseAddress(b.Address)
		if err != nil {
			return nil, fmt.Errorf("vault %s borrower %d: %w", v.Denom, i, err)
		}
		limit, err := parseDecimal(fmt.Sprintf("vault %s borrower %d limit", v.Denom, i), b.Limit, decimal.Zero)
		if err != nil {
			return nil, err
		}
		if limit.IsNegative() {
			return nil, fmt.Errorf("vault %s borrower %d: negative limit", v.Denom, i)
		}
		out = append(out, Borrower{Address: addr, Limit: limit})
	}
	return out, nil
}

// PriceSeeds parses the manual oracle seed prices.
func (cfg *Config) PriceSeeds() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(cfg.Prices))
	for denom, raw := range cfg.Prices {
		price, err := parseDecimal("prices."+denom, raw, decimal.Zero)
		if err != nil {
			return nil, err
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("prices.%s: must be positive", denom)
		}
		out[bank.NormalizeDenom(denom)] = price
	}
	return out, nil
}
