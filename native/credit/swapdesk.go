package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"ghostcredit/native/bank"
	"ghostcredit/native/oracle"
)

var ErrSwapBelowMinimum = errors.New("credit: swap output below minimum")

// SwapOrder is the payload accepted by a SwapDesk.
type SwapOrder struct {
	Denom  string `json:"denom"`
	MinOut string `json:"minOut,omitempty"`
}

// SwapDesk is an executor that buys whatever funds it is sent with inventory
// held at its target address, priced by the oracle less a spread.
type SwapDesk struct {
	name   string
	prices oracle.PriceOracle
	spread decimal.Decimal
}

// NewSwapDesk creates a desk registered under name. spread must be in [0,1).
func NewSwapDesk(name string, prices oracle.PriceOracle, spread decimal.Decimal) (*SwapDesk, error) {
	if spread.IsNegative() || !spread.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: swap spread must be within [0,1)", ErrInvalidConfig)
	}
	return &SwapDesk{name: name, prices: prices, spread: spread}, nil
}

func (d *SwapDesk) Name() string { return d.name }

// Address is where the desk keeps its inventory.
func (d *SwapDesk) Address() common.Address { return TargetAddress(d.name) }

func (d *SwapDesk) Execute(ctx context.Context, req ExecuteRequest) error {
	var order SwapOrder
	if err := json.Unmarshal(req.Payload, &order); err != nil {
		return fmt.Errorf("swap order: %w", err)
	}
	outDenom := bank.NormalizeDenom(order.Denom)
	if outDenom == "" {
		return fmt.Errorf("%w: swap output denom required", ErrInvalidMessage)
	}
	outPrice, err := d.prices.GetPrice(ctx, outDenom)
	if err != nil {
		return fmt.Errorf("price %s: %w", outDenom, err)
	}
	if !outPrice.IsPositive() {
		return fmt.Errorf("price %s: %w", outDenom, oracle.ErrUnavailable)
	}

	total := decimal.Zero
	for _, in := range req.Funds {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := d.prices.GetPrice(ctx, in.Denom)
		if err != nil {
			return fmt.Errorf("price %s: %w", in.Denom, err)
		}
		total = total.Add(amountDecimal(in.Amount).Mul(p))
	}
	out, err := decimalToAmount(total.Mul(decimal.NewFromInt(1).Sub(d.spread)).Div(outPrice).Floor())
	if err != nil {
		return err
	}
	if order.MinOut != "" {
		minOut, err := uint256.FromDecimal(order.MinOut)
		if err != nil {
			return fmt.Errorf("%w: minOut: %v", ErrInvalidMessage, err)
		}
		if out.Lt(minOut) {
			return fmt.Errorf("%w: %s < %s", ErrSwapBelowMinimum, out.Dec(), minOut.Dec())
		}
	}
	if out.IsZero() {
		return fmt.Errorf("%w: nothing to pay out", ErrSwapBelowMinimum)
	}
	return req.Bank.Transfer(req.Target, req.Account, bank.Coin{Denom: outDenom, Amount: out})
}
