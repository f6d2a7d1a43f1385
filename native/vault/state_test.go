package vault

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func flatCurve(t *testing.T, base string) InterestCurve {
	t.Helper()
	curve, err := NewInterestCurve("1/2", base, "0", "0")
	require.NoError(t, err)
	return curve
}

func TestInterestCurveRate(t *testing.T) {
	curve := InterestCurve{
		TargetUtilization: big.NewRat(4, 5),
		BaseRate:          big.NewRat(1, 50),
		Step1:             big.NewRat(2, 25),
		Step2:             big.NewRat(1, 1),
	}
	require.Equal(t, 0, curve.Rate(new(big.Rat)).Cmp(big.NewRat(1, 50)))
	// Halfway to target: 0.02 + 0.08*0.5 = 0.06.
	require.Equal(t, 0, curve.Rate(big.NewRat(2, 5)).Cmp(big.NewRat(3, 50)))
	require.Equal(t, 0, curve.Rate(big.NewRat(4, 5)).Cmp(big.NewRat(1, 10)))
	// Halfway past target: 0.1 + 1*0.5 = 0.6.
	require.Equal(t, 0, curve.Rate(big.NewRat(9, 10)).Cmp(big.NewRat(3, 5)))
	require.Equal(t, 0, curve.Rate(big.NewRat(1, 1)).Cmp(big.NewRat(11, 10)))

	_, err := NewInterestCurve("1", "0", "0", "0")
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewInterestCurve("0.5", "-0.1", "0", "0")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCalculateInterestCarriesRemainder(t *testing.T) {
	curve := flatCurve(t, "1/10")
	st := &State{
		DepositPool: SharePool{Size: u(2000), Shares: u(2000)},
		DebtPool:    SharePool{Size: u(1000), Shares: u(1000)},
	}
	// Each period accrues 1000 * 0.1 / 400 = 0.25 units.
	period := uint64(SecondsPerYear / 400)
	total := new(uint256.Int)
	for i := 1; i <= 4; i++ {
		dist, err := st.DistributeInterest(curve, new(big.Rat), uint64(i)*period)
		require.NoError(t, err)
		total.Add(total, dist.Interest)
		if i < 4 {
			require.True(t, dist.Interest.IsZero())
		}
	}
	require.Equal(t, uint64(1), total.Uint64())
	require.Equal(t, 0, st.PendingInterest.Sign())
	require.Equal(t, uint64(1001), st.DebtPool.Size.Uint64())
	require.Equal(t, uint64(2001), st.DepositPool.Size.Uint64())
}

func TestDistributeInterestChargesFeeToDebt(t *testing.T) {
	curve := flatCurve(t, "1/10")
	st := &State{
		DepositPool: SharePool{Size: u(10000), Shares: u(10000)},
		DebtPool:    SharePool{Size: u(5000), Shares: u(5000)},
	}
	dist, err := st.DistributeInterest(curve, big.NewRat(1, 5), SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, uint64(400), dist.Interest.Uint64())
	require.Equal(t, uint64(100), dist.Fee.Uint64())
	// 100 * 10000 / 10400
	require.Equal(t, uint64(96), dist.FeeShares.Uint64())
	require.Equal(t, uint64(5500), st.DebtPool.Size.Uint64())
	require.Equal(t, uint64(10500), st.DepositPool.Size.Uint64())
	require.Equal(t, uint64(10096), st.DepositPool.Shares.Uint64())
}

func TestDistributeInterestFeeFallsBackToYield(t *testing.T) {
	curve := flatCurve(t, "1")
	st := &State{
		DepositPool: SharePool{Size: u(1_000_000), Shares: u(1)},
		DebtPool:    SharePool{Size: u(500_000), Shares: u(500_000)},
	}
	dist, err := st.DistributeInterest(curve, big.NewRat(1, 2), SecondsPerYear)
	require.NoError(t, err)
	require.Equal(t, uint64(250_000), dist.Fee.Uint64())
	require.True(t, dist.FeeShares.IsZero())
	require.Equal(t, uint64(1_000_000), st.DebtPool.Size.Uint64())
	require.Equal(t, uint64(1_500_000), st.DepositPool.Size.Uint64())
	require.Equal(t, uint64(1), st.DepositPool.Shares.Uint64())
	require.NoError(t, st.CheckParity())
}

func TestParityViolationIsDetected(t *testing.T) {
	st := &State{
		DepositPool: SharePool{Size: u(10), Shares: u(10)},
		DebtPool:    SharePool{Size: u(11), Shares: u(11)},
	}
	_, err := st.Utilization()
	require.ErrorIs(t, err, ErrPoolParity)
	require.True(t, IsInvariantError(err))
	require.False(t, IsPolicyError(err))

	_, err = st.DistributeInterest(DefaultInterestCurve(), new(big.Rat), 100)
	require.ErrorIs(t, err, ErrPoolParity)
}

func TestStateBorrowRepayWithRefund(t *testing.T) {
	st := NewState(0)
	_, err := st.Deposit(u(1000))
	require.NoError(t, err)

	b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(500))
	price := decimal.NewFromInt(1)

	_, err = st.Borrow(b, nil, price, u(2000))
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	shares, err := st.Borrow(b, nil, price, u(400))
	require.NoError(t, err)
	require.Equal(t, uint64(400), shares.Uint64())

	_, err = st.Borrow(b, nil, price, u(200))
	require.ErrorIs(t, err, ErrBorrowLimitReached)
	require.True(t, IsPolicyError(err))
	require.Equal(t, uint64(400), b.Shares.Uint64())
	require.Equal(t, uint64(400), st.DebtPool.Size.Uint64())

	res, err := st.Repay(b, nil, u(450))
	require.NoError(t, err)
	require.Equal(t, uint64(400), res.Amount.Uint64())
	require.Equal(t, uint64(50), res.Refund.Uint64())
	require.True(t, b.Shares.IsZero())
	require.True(t, st.DebtPool.IsEmpty())

	_, err = st.Repay(b, nil, u(1))
	require.ErrorIs(t, err, ErrNothingToRepay)

	_, err = st.Withdraw(u(1000))
	require.NoError(t, err)
}

func TestStatePartialRepayNeverOvercharges(t *testing.T) {
	st := &State{
		DepositPool: SharePool{Size: u(10_000), Shares: u(10_000)},
		DebtPool:    SharePool{Size: u(1_000), Shares: u(700)},
	}
	b := &Borrower{Limit: decimal.NewFromInt(1_000_000), Shares: u(700), Delegated: u(0)}
	res, err := st.Repay(b, nil, u(10))
	require.NoError(t, err)
	// floor(10*700/1000) = 7 shares, worth floor(7*1000/700) = 10.
	require.Equal(t, uint64(7), res.Shares.Uint64())
	require.Equal(t, uint64(10), res.Amount.Uint64())
	require.True(t, res.Refund.IsZero())

	res, err = st.Repay(b, nil, u(1))
	require.NoError(t, err)
	require.True(t, res.Shares.IsZero())
	require.Equal(t, uint64(1), res.Refund.Uint64())
}

func TestWithdrawRespectsLiquidity(t *testing.T) {
	st := NewState(0)
	_, err := st.Deposit(u(100))
	require.NoError(t, err)
	b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(1000))
	_, err = st.Borrow(b, nil, decimal.NewFromInt(1), u(60))
	require.NoError(t, err)

	_, err = st.Withdraw(u(50))
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	amount, err := st.Withdraw(u(40))
	require.NoError(t, err)
	require.Equal(t, uint64(40), amount.Uint64())
}

// TestRandomCallSequencesPreserveInvariants drives a vault through random
// borrows, repays, deposits, withdrawals and accruals and checks pool parity
// and delegate accounting after every call.
func TestRandomCallSequencesPreserveInvariants(t *testing.T) {
	curve := DefaultInterestCurve()
	feeRate := big.NewRat(1, 10)
	price := decimal.NewFromInt(1)

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		st := NewState(0)
		_, err := st.Deposit(u(1_000_000))
		require.NoError(t, err)

		b := NewBorrower(common.HexToAddress("0xb"), decimal.NewFromInt(800_000))
		delegates := []*Delegate{
			{Borrower: b.Address, Delegate: common.HexToAddress("0xd1"), Shares: new(uint256.Int)},
			{Borrower: b.Address, Delegate: common.HexToAddress("0xd2"), Shares: new(uint256.Int)},
		}
		now := uint64(0)

		for step := 0; step < 300; step++ {
			amount := u(uint64(rng.Int63n(50_000) + 1))
			var d *Delegate
			if pick := rng.Intn(3); pick < len(delegates) {
				d = delegates[pick]
			}
			var err error
			switch rng.Intn(5) {
			case 0:
				_, err = st.Borrow(b, d, price, amount)
			case 1:
				_, err = st.Repay(b, d, amount)
			case 2:
				now += uint64(rng.Int63n(30 * 86_400))
				_, err = st.DistributeInterest(curve, feeRate, now)
			case 3:
				_, err = st.Deposit(amount)
			case 4:
				_, err = st.Withdraw(amount)
			}
			require.False(t, IsInvariantError(err), "seed %d step %d: %v", seed, step, err)

			require.NoError(t, st.CheckParity(), "seed %d step %d", seed, step)
			sum := new(uint256.Int)
			for _, del := range delegates {
				sum.Add(sum, del.Shares)
			}
			require.True(t, sum.Eq(b.Delegated), "seed %d step %d: delegate sum %s != %s", seed, step, sum, b.Delegated)
			require.False(t, b.Delegated.Gt(b.Shares), "seed %d step %d", seed, step)
			require.True(t, b.Shares.Eq(st.DebtPool.Shares), "seed %d step %d", seed, step)
		}
	}
}
