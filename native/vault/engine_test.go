package vault

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ghostcredit/core/events"
	"ghostcredit/core/state"
	"ghostcredit/native/bank"
	nativecommon "ghostcredit/native/common"
	"ghostcredit/native/oracle"
	"ghostcredit/observability"
	"ghostcredit/storage"
)

var (
	lender    = common.HexToAddress("0x1e")
	borrower  = common.HexToAddress("0xb0")
	payer     = common.HexToAddress("0xfa")
	collector = common.HexToAddress("0xfc")
	delegate  = common.HexToAddress("0xde")
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type vaultFixture struct {
	vault    *Vault
	ledger   *bank.Ledger
	prices   *oracle.Manual
	clock    *testClock
	recorder *events.Recorder
}

func newVaultFixture(t *testing.T, cfg Config) *vaultFixture {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(st)
	prices := oracle.NewManual()
	require.NoError(t, prices.Set("usdc", decimal.NewFromInt(1)))

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	recorder := &events.Recorder{}
	v := New("USDC", st, ledger, prices)
	v.SetClock(clock.Now)
	v.SetEmitter(recorder)
	require.NoError(t, v.Init(cfg))

	for _, addr := range []common.Address{lender, borrower, payer} {
		require.NoError(t, ledger.Mint(addr, bank.NewCoin("usdc", 100_000)))
	}
	return &vaultFixture{vault: v, ledger: ledger, prices: prices, clock: clock, recorder: recorder}
}

func (f *vaultFixture) balance(t *testing.T, addr common.Address, denom string) uint64 {
	t.Helper()
	bal, err := f.ledger.Balance(addr, denom)
	require.NoError(t, err)
	return bal.Uint64()
}

func TestVaultDepositBorrowRepayWithdraw(t *testing.T) {
	f := newVaultFixture(t, DefaultConfig())
	ctx := context.Background()
	v := f.vault

	shares, err := v.Deposit(lender, u(1000))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), shares.Uint64())
	require.Equal(t, uint64(1000), f.balance(t, lender, ReceiptDenom("usdc")))

	err = v.Borrow(ctx, borrower, u(100), nil)
	require.ErrorIs(t, err, ErrUnauthorizedBorrower)

	require.NoError(t, v.SetBorrower(borrower, decimal.NewFromInt(500)))
	require.NoError(t, v.Borrow(ctx, borrower, u(400), nil))
	require.Equal(t, uint64(100_400), f.balance(t, borrower, "usdc"))

	err = v.Borrow(ctx, borrower, u(200), nil)
	require.ErrorIs(t, err, ErrBorrowLimitReached)

	applied, refund, err := v.Repay(payer, borrower, u(450), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(400), applied.Uint64())
	require.Equal(t, uint64(50), refund.Uint64())
	require.Equal(t, uint64(99_600), f.balance(t, payer, "usdc"))

	owed, err := v.Owed(borrower, nil)
	require.NoError(t, err)
	require.True(t, owed.IsZero())

	amount, err := v.Withdraw(lender, u(1000))
	require.NoError(t, err)
	require.Equal(t, uint64(1000), amount.Uint64())
	require.Equal(t, uint64(100_000), f.balance(t, lender, "usdc"))
	require.Zero(t, f.balance(t, lender, ReceiptDenom("usdc")))

	require.Contains(t, f.recorder.Types(), events.TypeVaultRepaid)
}

func TestVaultFailedCommandWritesNothing(t *testing.T) {
	f := newVaultFixture(t, DefaultConfig())
	v := f.vault
	_, err := v.Deposit(lender, u(1000))
	require.NoError(t, err)
	require.NoError(t, v.SetBorrower(borrower, decimal.NewFromInt(10_000)))
	require.NoError(t, v.Borrow(context.Background(), borrower, u(500), nil))

	f.clock.Advance(30 * 24 * time.Hour)
	interest := observability.Vault().InterestDistributed("usdc")
	before := testutil.ToFloat64(interest)

	broke := common.HexToAddress("0x0b")
	_, _, err = v.Repay(broke, borrower, u(100), nil)
	require.ErrorIs(t, err, bank.ErrInsufficientFunds)

	owed, err := v.Owed(borrower, nil)
	require.NoError(t, err)
	require.Greater(t, owed.Uint64(), uint64(500))

	for i := 0; i < 2; i++ {
		_, err = v.Withdraw(lender, u(1000))
		require.ErrorIs(t, err, ErrInsufficientLiquidity)
	}
	require.Equal(t, uint64(1000), f.balance(t, lender, ReceiptDenom("usdc")))
	require.Equal(t, 0, countEvents(f.recorder, events.TypeVaultInterest))
	require.Equal(t, before, testutil.ToFloat64(interest))

	_, err = v.Deposit(lender, u(10))
	require.NoError(t, err)
	require.Equal(t, 1, countEvents(f.recorder, events.TypeVaultInterest))
	require.Greater(t, testutil.ToFloat64(interest), before)
}

func countEvents(r *events.Recorder, want string) int {
	n := 0
	for _, typ := range r.Types() {
		if typ == want {
			n++
		}
	}
	return n
}

func TestVaultInterestAndFees(t *testing.T) {
	curve, err := NewInterestCurve("1/2", "1/10", "0", "0")
	require.NoError(t, err)
	cfg := Config{Interest: curve, FeeRate: big.NewRat(1, 5), FeeCollector: collector, DriftPolicy: DriftAccept}
	f := newVaultFixture(t, cfg)
	v := f.vault
	ctx := context.Background()

	_, err = v.Deposit(lender, u(10_000))
	require.NoError(t, err)
	require.NoError(t, v.SetBorrower(borrower, decimal.NewFromInt(1_000_000)))
	require.NoError(t, v.Borrow(ctx, borrower, u(5_000), nil))

	f.clock.Advance(SecondsPerYear * time.Second)

	owed, err := v.Owed(borrower, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5_500), owed.Uint64())

	status, err := v.Status()
	require.NoError(t, err)
	require.Equal(t, "10500", status.Deposits)
	require.Equal(t, "5500", status.Debt)

	applied, refund, err := v.Repay(borrower, borrower, u(6_000), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(5_500), applied.Uint64())
	require.Equal(t, uint64(500), refund.Uint64())
	require.Equal(t, uint64(96), f.balance(t, collector, ReceiptDenom("usdc")))

	amount, err := v.Withdraw(lender, u(10_000))
	require.NoError(t, err)
	require.Equal(t, uint64(10_400), amount.Uint64())
	require.Contains(t, f.recorder.Types(), events.TypeVaultInterest)
}

func TestVaultDelegateBorrowAndRepay(t *testing.T) {
	f := newVaultFixture(t, DefaultConfig())
	v := f.vault
	ctx := context.Background()
	_, err := v.Deposit(lender, u(1000))
	require.NoError(t, err)
	require.NoError(t, v.SetBorrower(borrower, decimal.NewFromInt(1000)))

	d := delegate
	require.NoError(t, v.Borrow(ctx, borrower, u(300), &d))
	require.Equal(t, uint64(300), f.balance(t, delegate, "usdc"))

	owed, err := v.Owed(borrower, &d)
	require.NoError(t, err)
	require.Equal(t, uint64(300), owed.Uint64())

	_, _, err = v.Repay(delegate, borrower, u(100), nil)
	require.ErrorIs(t, err, ErrNothingToRepay)

	applied, refund, err := v.Repay(delegate, borrower, u(300), &d)
	require.NoError(t, err)
	require.Equal(t, uint64(300), applied.Uint64())
	require.True(t, refund.IsZero())

	status, err := v.BorrowerStatus(ctx, borrower)
	require.NoError(t, err)
	require.Equal(t, "0", status.Delegated)
	require.Equal(t, "0", status.Shares)
}

func TestVaultDriftPolicy(t *testing.T) {
	curve, err := NewInterestCurve("1/2", "1/10", "0", "0")
	require.NoError(t, err)
	f := newVaultFixture(t, Config{Interest: curve, FeeRate: new(big.Rat), DriftPolicy: DriftFreeze})
	v := f.vault
	ctx := context.Background()

	_, err = v.Deposit(lender, u(10_000))
	require.NoError(t, err)
	require.NoError(t, v.SetBorrower(borrower, decimal.NewFromInt(5_000)))
	require.NoError(t, v.Borrow(ctx, borrower, u(5_000), nil))

	f.clock.Advance(SecondsPerYear * time.Second)

	status, err := v.BorrowerStatus(ctx, borrower)
	require.NoError(t, err)
	require.True(t, status.OverCap)
	require.Equal(t, "5500", status.Owed)

	err = v.Borrow(ctx, borrower, u(100), nil)
	require.ErrorIs(t, err, ErrBorrowerFrozen)

	require.NoError(t, v.SetDriftPolicy(DriftAccept))
	err = v.Borrow(ctx, borrower, u(100), nil)
	require.ErrorIs(t, err, ErrBorrowLimitReached)
}

func TestVaultPausedAndOracleFailures(t *testing.T) {
	f := newVaultFixture(t, DefaultConfig())
	v := f.vault
	ctx := context.Background()
	_, err := v.Deposit(lender, u(1000))
	require.NoError(t, err)
	require.NoError(t, v.SetBorrower(borrower, decimal.NewFromInt(1000)))

	f.prices.MarkUnavailable("usdc")
	err = v.Borrow(ctx, borrower, u(10), nil)
	require.ErrorIs(t, err, oracle.ErrUnavailable)

	pauses := nativecommon.NewPauses()
	pauses.Set("vault", true)
	v.SetPauses(pauses)
	_, err = v.Deposit(lender, uint256.NewInt(1))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
}

func TestRegisteredVaults(t *testing.T) {
	st := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(st)
	for _, denom := range []string{"usdc", "eth", "usdc"} {
		require.NoError(t, New(denom, st, ledger, nil).Init(DefaultConfig()))
	}
	denoms, err := Registered(st)
	require.NoError(t, err)
	require.Equal(t, []string{"usdc", "eth"}, denoms)
}
