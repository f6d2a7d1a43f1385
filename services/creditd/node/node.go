// Package node assembles the ledger, vaults and credit engine of a creditd
// process from its configuration.
package node

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"ghostcredit/config"
	"ghostcredit/core/events"
	"ghostcredit/core/state"
	"ghostcredit/native/bank"
	nativecommon "ghostcredit/native/common"
	"ghostcredit/native/credit"
	"ghostcredit/native/oracle"
	"ghostcredit/native/vault"
	"ghostcredit/storage"
)

// Node owns every engine of one process. Commands from different callers
// run one at a time through Do so that vault and credit writes never
// interleave on the shared state.
type Node struct {
	mu sync.Mutex

	Store  storage.Database
	State  *state.Manager
	Bank   *bank.Ledger
	Prices *oracle.Manual
	Credit *credit.Engine
	Pauses *nativecommon.Pauses
	Desk   *credit.SwapDesk

	vaults map[string]*vault.Vault
}

// OpenStore opens the configured key-value backend.
func OpenStore(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemDB(), nil
	case "leveldb":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create leveldb dir: %w", err)
		}
		return storage.NewLevelDB(cfg.Path)
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create bolt dir: %w", err)
		}
		return storage.NewBoltDB(cfg.Path, nil)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// New wires a node over db. Vault and credit parameters from cfg replace
// whatever was stored by a previous run; balances and positions are kept.
func New(cfg *config.Config, db storage.Database, logger *slog.Logger, emitter events.Emitter) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	st := state.NewManager(db)
	ledger := bank.NewLedger(st)
	prices := oracle.NewManual()
	seeds, err := cfg.PriceSeeds()
	if err != nil {
		return nil, err
	}
	for denom, price := range seeds {
		if err := prices.Set(denom, price); err != nil {
			return nil, err
		}
	}

	n := &Node{
		Store:  db,
		State:  st,
		Bank:   ledger,
		Prices: prices,
		Pauses: nativecommon.NewPauses(),
		vaults: make(map[string]*vault.Vault),
	}
	engine := credit.NewEngine(st, ledger, prices)
	engine.SetEmitter(emitter)
	engine.SetLogger(logger.With("module", "credit"))
	engine.SetPauses(n.Pauses)
	n.Credit = engine

	params, err := cfg.Credit.Params()
	if err != nil {
		return nil, fmt.Errorf("credit config: %w", err)
	}
	if err := engine.SetConfig(params); err != nil {
		return nil, fmt.Errorf("apply credit config: %w", err)
	}

	for _, vc := range cfg.Vaults {
		v, err := n.openVault(vc, logger, emitter)
		if err != nil {
			return nil, err
		}
		n.vaults[v.Denom()] = v
		if vc.CreditLimit != "" {
			if err := engine.RegisterVault(v); err != nil {
				return nil, err
			}
		}
	}

	if cfg.SwapDesk.Name != "" {
		spread := decimal.Zero
		if cfg.SwapDesk.Spread != "" {
			if spread, err = decimal.NewFromString(cfg.SwapDesk.Spread); err != nil {
				return nil, fmt.Errorf("swap desk spread: %w", err)
			}
		}
		desk, err := credit.NewSwapDesk(cfg.SwapDesk.Name, prices, spread)
		if err != nil {
			return nil, err
		}
		engine.Executors().Register(desk.Name(), desk)
		n.Desk = desk
	}
	logger.Info("node ready", "vaults", n.VaultDenoms(), "credit_vaults", engine.Vaults(), "targets", engine.Executors().Targets())
	return n, nil
}

func (n *Node) openVault(vc config.VaultConfig, logger *slog.Logger, emitter events.Emitter) (*vault.Vault, error) {
	params, err := vc.Params()
	if err != nil {
		return nil, err
	}
	borrowers, err := vc.BorrowerList()
	if err != nil {
		return nil, err
	}
	v := vault.New(vc.Denom, n.State, n.Bank, n.Prices)
	v.SetEmitter(emitter)
	v.SetLogger(logger.With("module", "vault", "denom", v.Denom()))
	v.SetPauses(n.Pauses)
	if err := v.Init(params); err != nil {
		return nil, fmt.Errorf("init vault %s: %w", v.Denom(), err)
	}
	for _, b := range borrowers {
		if err := v.SetBorrower(b.Address, b.Limit); err != nil {
			return nil, fmt.Errorf("vault %s borrower %s: %w", v.Denom(), b.Address.Hex(), err)
		}
	}
	return v, nil
}

// Vault returns the vault lending denom.
func (n *Node) Vault(denom string) (*vault.Vault, bool) {
	v, ok := n.vaults[bank.NormalizeDenom(denom)]
	return v, ok
}

// VaultDenoms lists the configured vaults.
func (n *Node) VaultDenoms() []string {
	out := make([]string, 0, len(n.vaults))
	for denom := range n.vaults {
		out = append(out, denom)
	}
	sort.Strings(out)
	return out
}

// Do runs fn while holding the node's command lock.
func (n *Node) Do(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

// Close releases the store.
func (n *Node) Close() {
	if n != nil && n.Store != nil {
		n.Store.Close()
	}
}
