package vault

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDelegateBorrowSharesOneLimit(t *testing.T) {
	pool := SharePool{Size: u(100), Shares: u(100)}
	b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(150))
	d1 := &Delegate{Delegate: common.HexToAddress("0xd1")}
	d2 := &Delegate{Delegate: common.HexToAddress("0xd2")}
	price := decimal.NewFromInt(1)

	require.NoError(t, b.DelegateBorrow(pool, price, d1, u(100)))
	err := b.DelegateBorrow(pool, price, d2, u(60))
	require.ErrorIs(t, err, ErrBorrowLimitReached)
	require.Nil(t, d2.Shares)
	require.Equal(t, uint64(100), b.Shares.Uint64())
	require.Equal(t, uint64(100), b.Delegated.Uint64())

	require.NoError(t, b.DelegateBorrow(pool, price, d2, u(50)))
	require.Equal(t, uint64(150), b.Delegated.Uint64())
}

func TestRegularRepayCannotTouchDelegatedShares(t *testing.T) {
	pool := SharePool{Size: u(1000), Shares: u(1000)}
	b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(1000))
	d := &Delegate{Delegate: common.HexToAddress("0xd")}
	price := decimal.NewFromInt(1)

	require.NoError(t, b.Borrow(pool, price, u(30)))
	require.NoError(t, b.DelegateBorrow(pool, price, d, u(70)))

	leftover := b.Repay(u(50))
	require.Equal(t, uint64(20), leftover.Uint64())
	require.Equal(t, uint64(70), b.Shares.Uint64())
	require.Equal(t, uint64(70), b.Delegated.Uint64())
	require.Equal(t, uint64(70), d.Shares.Uint64())
}

func TestDelegateRepayReturnsLeftover(t *testing.T) {
	pool := SharePool{Size: u(1000), Shares: u(1000)}
	b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(1000))
	d := &Delegate{Delegate: common.HexToAddress("0xd")}
	require.NoError(t, b.DelegateBorrow(pool, decimal.NewFromInt(1), d, u(40)))

	leftover := b.DelegateRepay(d, u(55))
	require.Equal(t, uint64(15), leftover.Uint64())
	require.True(t, d.Shares.IsZero())
	require.True(t, b.Delegated.IsZero())
	require.True(t, b.Shares.IsZero())
}

func TestOverCapThroughAccrual(t *testing.T) {
	pool := SharePool{Size: u(100), Shares: u(100)}
	b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(100))
	require.NoError(t, b.Borrow(pool, decimal.NewFromInt(1), u(100)))

	over, err := b.OverCap(pool, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.False(t, over)

	require.NoError(t, pool.Deposit(u(10)))
	over, err = b.OverCap(pool, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, over)
}
