package bank

import (
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// Coin is an amount of a single denomination in base units.
type Coin struct {
	Denom  string
	Amount *uint256.Int
}

// NewCoin normalises the denom and copies amount.
func NewCoin(denom string, amount uint64) Coin {
	return Coin{Denom: NormalizeDenom(denom), Amount: uint256.NewInt(amount)}
}

func (c Coin) String() string {
	amount := "0"
	if c.Amount != nil {
		amount = c.Amount.Dec()
	}
	return amount + c.Denom
}

// Validate rejects empty denoms and zero or missing amounts.
func (c Coin) Validate() error {
	if NormalizeDenom(c.Denom) == "" {
		return ErrInvalidDenom
	}
	if c.Amount == nil || c.Amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

// Coins is a list of coins with distinct denominations.
type Coins []Coin

// Validate checks every coin and rejects duplicate denominations.
func (cs Coins) Validate() error {
	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		denom := NormalizeDenom(c.Denom)
		if _, dup := seen[denom]; dup {
			return fmt.Errorf("%s: %w", denom, ErrDuplicateDenom)
		}
		seen[denom] = struct{}{}
	}
	return nil
}

// Sorted returns a copy ordered by denomination.
func (cs Coins) Sorted() Coins {
	out := append(Coins(nil), cs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	return out
}

func (cs Coins) String() string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs.Sorted() {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

// NormalizeDenom lowercases and trims a denomination.
func NormalizeDenom(denom string) string {
	return strings.ToLower(strings.TrimSpace(denom))
}
