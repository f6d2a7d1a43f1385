package node

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"ghostcredit/config"
	"ghostcredit/native/bank"
	"ghostcredit/native/credit"
	"ghostcredit/storage"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.HMACSecret = "secret"
	cfg.Credit.CollateralRatios = map[string]string{"atom": "0.5"}
	cfg.Vaults = []config.VaultConfig{
		{Denom: "usdc", CreditLimit: "1000000"},
		{Denom: "atom"},
	}
	cfg.Prices = map[string]string{"atom": "2", "usdc": "1"}
	cfg.SwapDesk = config.SwapDeskConfig{Name: "desk", Spread: "0.01"}
	return cfg
}

func TestNewWiresEngines(t *testing.T) {
	n, err := New(testConfig(), storage.NewMemDB(), nil, nil)
	require.NoError(t, err)
	defer n.Close()

	require.Equal(t, []string{"atom", "usdc"}, n.VaultDenoms())
	require.Equal(t, []string{"usdc"}, n.Credit.Vaults())
	require.Equal(t, []string{"desk"}, n.Credit.Executors().Targets())
	require.NotNil(t, n.Desk)

	usdc, ok := n.Vault("USDC")
	require.True(t, ok)
	borrowers, err := usdc.Borrowers()
	require.NoError(t, err)
	require.Equal(t, []common.Address{credit.ModuleAddress()}, borrowers)

	cfg, err := n.Credit.Config()
	require.NoError(t, err)
	_, accepted := cfg.Ratio("atom")
	require.True(t, accepted)
}

func TestNewKeepsBalancesAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	store := config.StorageConfig{Backend: "leveldb", Path: filepath.Join(dir, "state")}
	holder := common.HexToAddress("0x0b")

	db, err := OpenStore(store)
	require.NoError(t, err)
	n, err := New(testConfig(), db, nil, nil)
	require.NoError(t, err)
	require.NoError(t, n.Bank.Mint(holder, bank.NewCoin("usdc", 500)))
	usdc, _ := n.Vault("usdc")
	_, err = usdc.Deposit(holder, uint256.NewInt(200))
	require.NoError(t, err)
	n.Close()

	db, err = OpenStore(store)
	require.NoError(t, err)
	n, err = New(testConfig(), db, nil, nil)
	require.NoError(t, err)
	defer n.Close()
	bal, err := n.Bank.Balance(holder, "usdc")
	require.NoError(t, err)
	require.Equal(t, uint64(300), bal.Uint64())
	usdc, _ = n.Vault("usdc")
	status, err := usdc.Status()
	require.NoError(t, err)
	require.Equal(t, "200", status.Deposits)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := OpenStore(config.StorageConfig{Backend: "redis"})
	require.Error(t, err)
}
