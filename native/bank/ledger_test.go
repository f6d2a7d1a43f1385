package bank

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"ghostcredit/core/state"
	"ghostcredit/storage"
)

var (
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(state.NewManager(storage.NewMemDB()))
}

func TestMintTransferBurn(t *testing.T) {
	ledger := newTestLedger(t)

	require.NoError(t, ledger.Mint(alice, NewCoin("USDC", 100)))
	require.NoError(t, ledger.Transfer(alice, bob, NewCoin("usdc", 40)))

	balance, err := ledger.Balance(alice, "usdc")
	require.NoError(t, err)
	require.Equal(t, uint64(60), balance.Uint64())
	balance, err = ledger.Balance(bob, " USDC")
	require.NoError(t, err)
	require.Equal(t, uint64(40), balance.Uint64())

	require.NoError(t, ledger.Burn(bob, NewCoin("usdc", 40)))
	supply, err := ledger.Supply("usdc")
	require.NoError(t, err)
	require.Equal(t, uint64(60), supply.Uint64())
}

func TestTransferRejectsOverdraft(t *testing.T) {
	ledger := newTestLedger(t)
	require.NoError(t, ledger.Mint(alice, NewCoin("eth", 5)))

	err := ledger.Transfer(alice, bob, NewCoin("eth", 6))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	require.ErrorIs(t, ledger.Transfer(alice, bob, NewCoin("eth", 0)), ErrInvalidAmount)
	require.ErrorIs(t, ledger.Transfer(alice, bob, Coin{Amount: uint256.NewInt(1)}), ErrInvalidDenom)
}

func TestCoinsValidate(t *testing.T) {
	coins := Coins{NewCoin("eth", 1), NewCoin("ETH", 2)}
	require.ErrorIs(t, coins.Validate(), ErrDuplicateDenom)
	require.Equal(t, "1atom,2eth", Coins{NewCoin("eth", 2), NewCoin("atom", 1)}.String())
}

func TestLedgerOnBranch(t *testing.T) {
	root := state.NewManager(storage.NewMemDB())
	ledger := NewLedger(root)
	require.NoError(t, ledger.Mint(alice, NewCoin("eth", 10)))

	branch := root.Branch()
	require.NoError(t, ledger.WithState(branch).Transfer(alice, bob, NewCoin("eth", 10)))
	branch.Discard()

	balance, err := ledger.Balance(alice, "eth")
	require.NoError(t, err)
	require.Equal(t, uint64(10), balance.Uint64())
}
