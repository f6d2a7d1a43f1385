package vault

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DriftPolicy decides what happens to a borrower whose owed value has grown
// past its limit through interest accrual alone.
type DriftPolicy string

const (
	// DriftAccept enforces the limit only when new debt is taken on.
	DriftAccept DriftPolicy = "accept"
	// DriftFreeze rejects every borrow while the position is over its cap.
	DriftFreeze DriftPolicy = "freeze"
)

// ParseDriftPolicy maps a config string onto a policy. Empty means accept.
func ParseDriftPolicy(raw string) (DriftPolicy, error) {
	switch DriftPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DriftAccept:
		return DriftAccept, nil
	case DriftFreeze:
		return DriftFreeze, nil
	default:
		return "", fmt.Errorf("%w: unknown drift policy %q", ErrInvalidConfig, raw)
	}
}

// Config carries the administrator-controlled parameters of a vault.
type Config struct {
	Interest     InterestCurve
	FeeRate      *big.Rat
	FeeCollector common.Address
	DriftPolicy  DriftPolicy
}

// DefaultConfig returns the default curve with no protocol fee.
func DefaultConfig() Config {
	return Config{
		Interest:    DefaultInterestCurve(),
		FeeRate:     new(big.Rat),
		DriftPolicy: DriftAccept,
	}
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	return Config{
		Interest:     c.Interest.Clone(),
		FeeRate:      cloneRat(c.FeeRate),
		FeeCollector: c.FeeCollector,
		DriftPolicy:  c.DriftPolicy,
	}
}

// Validate checks the curve, a fee rate in [0,1) and that a fee collector is
// set whenever fees are charged.
func (c Config) Validate() error {
	if err := c.Interest.Validate(); err != nil {
		return err
	}
	fee := cloneRat(c.FeeRate)
	if fee.Sign() < 0 || fee.Cmp(big.NewRat(1, 1)) >= 0 {
		return fmt.Errorf("%w: fee rate must be in [0,1)", ErrInvalidConfig)
	}
	if fee.Sign() > 0 && c.FeeCollector == (common.Address{}) {
		return fmt.Errorf("%w: fee collector required", ErrInvalidConfig)
	}
	if _, err := ParseDriftPolicy(string(c.DriftPolicy)); err != nil {
		return err
	}
	return nil
}
