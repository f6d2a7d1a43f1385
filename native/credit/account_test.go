package credit

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ghostcredit/native/bank"
	"ghostcredit/native/oracle"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func staticPrices(prices map[string]string) PriceFunc {
	return func(denom string) (decimal.Decimal, error) {
		p, ok := prices[denom]
		if !ok {
			return decimal.Zero, oracle.ErrNotFound
		}
		return d(p), nil
	}
}

func TestAccountAddressIsDeterministic(t *testing.T) {
	owner := common.HexToAddress("0x01")
	require.Equal(t, AccountAddress(owner, "main"), AccountAddress(owner, "main"))
	require.NotEqual(t, AccountAddress(owner, "main"), AccountAddress(owner, "alt"))
	require.NotEqual(t, AccountAddress(owner, ""), AccountAddress(common.HexToAddress("0x02"), ""))
}

func TestValueSkipsZeroBalancesWithoutPricing(t *testing.T) {
	calls := map[string]int{}
	price := func(denom string) (decimal.Decimal, error) {
		calls[denom]++
		if denom == "btc" {
			return decimal.Zero, oracle.ErrUnavailable
		}
		return d("2"), nil
	}
	ratios := map[string]decimal.Decimal{"atom": d("0.5"), "btc": d("0.8")}

	acct, err := Value(AccountRecord{},
		[]Collateral{{Denom: "atom", Amount: u(100)}, {Denom: "btc", Amount: u(0)}},
		[]Debt{{Denom: "usdc", Amount: u(30)}, {Denom: "eth", Amount: new(uint256.Int)}},
		ratios, price)
	require.NoError(t, err)
	require.Zero(t, calls["btc"])
	require.Zero(t, calls["eth"])
	require.True(t, acct.TotalCollateral().Equal(d("200")))
	require.True(t, acct.TotalAdjusted().Equal(d("100")))
	require.True(t, acct.TotalDebt().Equal(d("60")))

	ltv, bounded := acct.AdjustedLTV()
	require.True(t, bounded)
	require.True(t, ltv.Equal(d("0.6")))

	_, err = Value(AccountRecord{}, []Collateral{{Denom: "btc", Amount: u(1)}}, nil, ratios, price)
	require.ErrorIs(t, err, oracle.ErrUnavailable)
}

func TestValueIgnoresUnconfiguredCollateral(t *testing.T) {
	acct, err := Value(AccountRecord{},
		[]Collateral{{Denom: "doge", Amount: u(1000)}},
		nil,
		map[string]decimal.Decimal{"atom": d("1")},
		staticPrices(map[string]string{}))
	require.NoError(t, err)
	require.Empty(t, acct.Collaterals)
}

func TestAdjustedLTVIsMonotonicInRatio(t *testing.T) {
	prices := staticPrices(map[string]string{"atom": "3.7", "usdc": "1"})
	collaterals := []Collateral{{Denom: "atom", Amount: u(1234)}}
	debts := []Debt{{Denom: "usdc", Amount: u(999)}}

	previous := decimal.Zero
	for ratio := 100; ratio >= 5; ratio -= 5 {
		ratios := map[string]decimal.Decimal{"atom": decimal.New(int64(ratio), -2)}
		acct, err := Value(AccountRecord{}, collaterals, debts, ratios, prices)
		require.NoError(t, err)
		ltv, bounded := acct.AdjustedLTV()
		require.True(t, bounded)
		require.True(t, ltv.GreaterThanOrEqual(previous), "ratio %d: %s < %s", ratio, ltv, previous)
		previous = ltv
	}
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdjustmentThreshold = d("0.8")
	cfg.LiquidationThreshold = d("0.9")

	account := func(collateral, debt string) CreditAccount {
		acct := CreditAccount{}
		if collateral != "0" {
			acct.Collaterals = []Valued[Collateral]{{Value: d(collateral), ValueAdjusted: d(collateral)}}
		}
		if debt != "0" {
			acct.Debts = []Valued[Debt]{{Value: d(debt), ValueAdjusted: d(debt)}}
		}
		return acct
	}

	cases := []struct {
		name       string
		collateral string
		debt       string
		want       State
	}{
		{"no debt", "0", "0", StateSafe},
		{"below adjustment", "100", "79", StateSafe},
		{"at adjustment", "100", "80", StateAdjustable},
		{"between thresholds", "100", "85", StateAdjustable},
		{"at liquidation", "100", "90", StateLiquidatable},
		{"debt without collateral", "0", "1", StateLiquidatable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, account(tc.collateral, tc.debt).Classify(cfg))
		})
	}

	_, bounded := account("0", "1").AdjustedLTV()
	require.False(t, bounded)
	require.Equal(t, "inf", account("0", "1").FormatLTV())
}

func coins(pairs ...any) bank.Coins {
	out := bank.Coins{}
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, bank.Coin{Denom: pairs[i].(string), Amount: u(uint64(pairs[i+1].(int)))})
	}
	return out
}

func TestValidateLiquidation(t *testing.T) {
	params := DefaultConfig()
	params.MaxSlip = d("0.3")
	prices := staticPrices(map[string]string{"atom": "1", "osmo": "1", "usdc": "1"})
	baseline := Snapshot{Collaterals: coins("atom", 1000, "osmo", 500), Debts: coins("usdc", 900)}

	t.Run("loss exactly at max slip", func(t *testing.T) {
		current := Snapshot{Collaterals: coins("atom", 0, "osmo", 500), Debts: coins("usdc", 200)}
		out, err := ValidateLiquidation(baseline, current, params, nil, prices)
		require.NoError(t, err)
		require.True(t, out.SpentUSD.Equal(d("1000")))
		require.True(t, out.RepaidUSD.Equal(d("700")))
	})

	t.Run("loss above tighter max slip", func(t *testing.T) {
		current := Snapshot{Collaterals: coins("atom", 0, "osmo", 500), Debts: coins("usdc", 200)}
		strict := params.Clone()
		strict.MaxSlip = d("0.29")
		_, err := ValidateLiquidation(baseline, current, strict, nil, prices)
		require.ErrorIs(t, err, ErrSlippageExceeded)
	})

	t.Run("slippage exceeded", func(t *testing.T) {
		current := Snapshot{Collaterals: coins("atom", 0, "osmo", 500), Debts: coins("usdc", 300)}
		_, err := ValidateLiquidation(baseline, current, params, nil, prices)
		require.ErrorIs(t, err, ErrSlippageExceeded)
		require.True(t, IsPolicyError(err))
	})

	t.Run("order respected", func(t *testing.T) {
		order := []OrderRule{{First: "atom", Then: "osmo"}}
		current := Snapshot{Collaterals: coins("atom", 0, "osmo", 0), Debts: coins("usdc", 0)}
		loose := params.Clone()
		loose.MaxSlip = d("1")
		_, err := ValidateLiquidation(baseline, current, loose, order, prices)
		require.NoError(t, err)
	})

	t.Run("order violated", func(t *testing.T) {
		order := []OrderRule{{First: "atom", Then: "osmo"}}
		current := Snapshot{Collaterals: coins("atom", 1000, "osmo", 0), Debts: coins("usdc", 400)}
		_, err := ValidateLiquidation(baseline, current, params, order, prices)
		require.ErrorIs(t, err, ErrLiquidationOrder)
	})

	t.Run("nothing spent", func(t *testing.T) {
		current := Snapshot{Collaterals: coins("atom", 1000, "osmo", 500), Debts: coins("usdc", 0)}
		_, err := ValidateLiquidation(baseline, current, params, nil, prices)
		require.ErrorIs(t, err, ErrZeroValueSpent)
	})

	t.Run("worthless collateral spent", func(t *testing.T) {
		zero := staticPrices(map[string]string{"atom": "0", "osmo": "1", "usdc": "1"})
		current := Snapshot{Collaterals: coins("atom", 0, "osmo", 500), Debts: coins("usdc", 0)}
		_, err := ValidateLiquidation(baseline, current, params, nil, zero)
		require.ErrorIs(t, err, ErrZeroValueSpent)
	})

	t.Run("price failure", func(t *testing.T) {
		current := Snapshot{Collaterals: coins("atom", 0, "osmo", 500), Debts: coins("usdc", 0)}
		_, err := ValidateLiquidation(baseline, current, params, nil, staticPrices(map[string]string{}))
		require.True(t, errors.Is(err, oracle.ErrNotFound))
	})
}
