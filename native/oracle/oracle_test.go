package oracle

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestManualOracle(t *testing.T) {
	ctx := context.Background()
	m := NewManual()

	_, err := m.GetPrice(ctx, "eth")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetString("ETH", "2500.5"))
	price, err := m.GetPrice(ctx, " eth ")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("2500.5")))

	m.MarkUnavailable("eth")
	_, err = m.GetPrice(ctx, "eth")
	require.ErrorIs(t, err, ErrUnavailable)

	require.Error(t, m.Set("eth", decimal.Zero))
	require.Error(t, m.SetString("eth", "abc"))
}

func TestAggregatorFallsBack(t *testing.T) {
	ctx := context.Background()
	primary := NewManual()
	secondary := NewManual()
	require.NoError(t, secondary.SetString("btc", "60000"))

	agg := NewAggregator("primary")
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	price, err := agg.GetPrice(ctx, "btc")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(60000)))

	_, err = agg.GetPrice(ctx, "doge")
	require.ErrorIs(t, err, ErrNotFound)

	secondary.MarkUnavailable("doge")
	_, err = agg.GetPrice(ctx, "doge")
	require.ErrorIs(t, err, ErrUnavailable)
}
