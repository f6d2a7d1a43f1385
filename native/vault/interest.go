package vault

import (
	"fmt"
	"math/big"
)

// SecondsPerYear converts elapsed seconds into a fraction of an annual rate.
const SecondsPerYear = 31_536_000

// InterestCurve is a piecewise-linear borrow rate keyed on utilisation.
type InterestCurve struct {
	// TargetUtilization is the kink where the curve switches to Step2.
	TargetUtilization *big.Rat
	// BaseRate is the annual rate at zero utilisation.
	BaseRate *big.Rat
	// Step1 is added linearly between zero and target utilisation.
	Step1 *big.Rat
	// Step2 is added linearly between target and full utilisation.
	Step2 *big.Rat
}

// NewInterestCurve parses decimal strings such as "0.8" or "1/20".
func NewInterestCurve(target, base, step1, step2 string) (InterestCurve, error) {
	values := make([]*big.Rat, 4)
	for i, raw := range []string{target, base, step1, step2} {
		r, ok := new(big.Rat).SetString(raw)
		if !ok {
			return InterestCurve{}, fmt.Errorf("%w: bad rate %q", ErrInvalidConfig, raw)
		}
		values[i] = r
	}
	curve := InterestCurve{TargetUtilization: values[0], BaseRate: values[1], Step1: values[2], Step2: values[3]}
	return curve, curve.Validate()
}

// DefaultInterestCurve charges 2% at idle, 10% at the 80% target and 110% at
// full utilisation.
func DefaultInterestCurve() InterestCurve {
	return InterestCurve{
		TargetUtilization: big.NewRat(4, 5),
		BaseRate:          big.NewRat(1, 50),
		Step1:             big.NewRat(2, 25),
		Step2:             big.NewRat(1, 1),
	}
}

// Clone returns a deep copy of the curve.
func (c InterestCurve) Clone() InterestCurve {
	return InterestCurve{
		TargetUtilization: cloneRat(c.TargetUtilization),
		BaseRate:          cloneRat(c.BaseRate),
		Step1:             cloneRat(c.Step1),
		Step2:             cloneRat(c.Step2),
	}
}

// Validate requires 0 < target < 1 and non-negative rates.
func (c InterestCurve) Validate() error {
	target := cloneRat(c.TargetUtilization)
	if target.Sign() <= 0 || target.Cmp(big.NewRat(1, 1)) >= 0 {
		return fmt.Errorf("%w: target utilization must be in (0,1)", ErrInvalidConfig)
	}
	for name, r := range map[string]*big.Rat{"base": c.BaseRate, "step1": c.Step1, "step2": c.Step2} {
		if cloneRat(r).Sign() < 0 {
			return fmt.Errorf("%w: %s rate must not be negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Rate returns the annual borrow rate at utilisation u.
func (c InterestCurve) Rate(u *big.Rat) *big.Rat {
	target := cloneRat(c.TargetUtilization)
	rate := cloneRat(c.BaseRate)
	if target.Sign() <= 0 {
		return rate
	}
	if u.Cmp(target) < 0 {
		slope := new(big.Rat).Mul(cloneRat(c.Step1), u)
		return rate.Add(rate, slope.Quo(slope, target))
	}
	rate.Add(rate, cloneRat(c.Step1))
	span := new(big.Rat).Sub(big.NewRat(1, 1), target)
	if span.Sign() <= 0 {
		return rate
	}
	excess := new(big.Rat).Sub(u, target)
	excess.Mul(excess, cloneRat(c.Step2))
	return rate.Add(rate, excess.Quo(excess, span))
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// splitRat truncates r into an integer part and the fractional remainder.
func splitRat(r *big.Rat) (*big.Int, *big.Rat) {
	whole := new(big.Int).Quo(r.Num(), r.Denom())
	rem := new(big.Rat).Sub(r, new(big.Rat).SetInt(whole))
	return whole, rem
}
