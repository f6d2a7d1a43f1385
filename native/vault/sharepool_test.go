package vault

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestSharePoolJoinLeave(t *testing.T) {
	pool := NewSharePool()

	shares, err := pool.Join(u(100))
	require.NoError(t, err)
	require.Equal(t, uint64(100), shares.Uint64())
	require.Equal(t, 0, pool.Ratio().Cmp(big.NewRat(1, 1)))

	require.NoError(t, pool.Deposit(u(50)))
	shares, err = pool.Join(u(30))
	require.NoError(t, err)
	require.Equal(t, uint64(20), shares.Uint64())

	amount, err := pool.Leave(u(20))
	require.NoError(t, err)
	require.Equal(t, uint64(30), amount.Uint64())

	amount, err = pool.Leave(u(100))
	require.NoError(t, err)
	require.Equal(t, uint64(150), amount.Uint64())
	require.True(t, pool.IsEmpty())
	require.True(t, pool.Size.IsZero())
}

func TestSharePoolZeroIssuance(t *testing.T) {
	pool := SharePool{Size: u(1000), Shares: u(1)}
	_, err := pool.Join(u(999))
	require.ErrorIs(t, err, ErrZeroIssuance)
	require.Equal(t, uint64(1000), pool.Size.Uint64())

	_, err = pool.Join(u(0))
	require.ErrorIs(t, err, ErrZeroIssuance)
}

func TestSharePoolLeaveBounds(t *testing.T) {
	pool := SharePool{Size: u(10), Shares: u(3)}
	_, err := pool.Leave(u(4))
	require.ErrorIs(t, err, ErrInsufficientShares)

	amount, err := pool.Leave(u(1))
	require.NoError(t, err)
	require.Equal(t, uint64(3), amount.Uint64())
	require.Equal(t, uint64(7), pool.Size.Uint64())
	require.Equal(t, uint64(2), pool.Shares.Uint64())

	amount, err = pool.Leave(u(2))
	require.NoError(t, err)
	require.Equal(t, uint64(7), amount.Uint64())
	require.True(t, pool.IsEmpty())
}

func TestSharePoolDepositIntoEmptyPool(t *testing.T) {
	pool := NewSharePool()
	require.ErrorIs(t, pool.Deposit(u(5)), ErrEmptyPool)
	require.NoError(t, pool.Deposit(u(0)))
}

func TestSharePoolOverflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	pool := SharePool{Size: u(1), Shares: u(2)}
	_, err := pool.Join(max)
	require.ErrorIs(t, err, ErrOverflow)
	require.True(t, IsInvariantError(err))

	full := SharePool{Size: max.Clone(), Shares: u(1)}
	err = full.Deposit(u(1))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestSharePoolRoundTripNeverCreatesValue(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		shares := uint64(rng.Int63n(1_000_000) + 1)
		size := shares + uint64(rng.Int63n(1_000_000))
		pool := SharePool{Size: u(size), Shares: u(shares)}
		amount := u(uint64(rng.Int63n(1_000_000) + 1))

		minted, err := pool.Join(amount)
		if err != nil {
			require.ErrorIs(t, err, ErrZeroIssuance)
			continue
		}
		back, err := pool.Leave(minted)
		require.NoError(t, err)
		require.False(t, back.Gt(amount), "round trip returned %s for %s", back, amount)
	}
}

func TestSharePoolRoundTripAtParIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		base := uint64(rng.Int63n(1_000_000) + 1)
		pool := SharePool{Size: u(base), Shares: u(base)}
		amount := u(uint64(rng.Int63n(1_000_000) + 1))
		minted, err := pool.Join(amount)
		require.NoError(t, err)
		back, err := pool.Leave(minted)
		require.NoError(t, err)
		require.True(t, back.Eq(amount))
	}
}

func TestSharePoolSharesFor(t *testing.T) {
	pool := SharePool{Size: u(150), Shares: u(100)}
	shares, err := pool.SharesFor(u(30))
	require.NoError(t, err)
	require.Equal(t, uint64(20), shares.Uint64())

	owned, err := pool.Ownership(u(20))
	require.NoError(t, err)
	require.Equal(t, uint64(30), owned.Uint64())
}
