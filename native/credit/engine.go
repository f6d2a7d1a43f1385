package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ghostcredit/core/events"
	"ghostcredit/core/state"
	"ghostcredit/native/bank"
	nativecommon "ghostcredit/native/common"
	"ghostcredit/native/oracle"
	"ghostcredit/native/vault"
	"ghostcredit/observability"
)

const (
	moduleName   = "credit"
	tracerName   = "ghostcredit/native/credit"
	maxTagLength = 64
)

// ModuleAddress is the borrower the credit engine is whitelisted as at every
// vault. Accounts borrow as its delegates.
func ModuleAddress() common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("module:" + moduleName))[12:])
}

// Engine owns credit accounts and drives their liquidations. Commands are
// serialised and each one either commits entirely or leaves no trace.
type Engine struct {
	mu        sync.Mutex
	address   common.Address
	state     *state.Manager
	bank      *bank.Ledger
	prices    oracle.PriceOracle
	vaults    map[string]*vault.Vault
	executors *Registry
	emitter   events.Emitter
	logger    *slog.Logger
	pauses    nativecommon.PauseView
	now       func() time.Time
}

// NewEngine creates an engine over the shared state, ledger and prices.
func NewEngine(st *state.Manager, ledger *bank.Ledger, prices oracle.PriceOracle) *Engine {
	return &Engine{
		address:   ModuleAddress(),
		state:     st,
		bank:      ledger,
		prices:    prices,
		vaults:    make(map[string]*vault.Vault),
		executors: NewRegistry(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		now:       time.Now,
	}
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Address returns the engine's module address.
func (e *Engine) Address() common.Address { return e.address }

// Executors returns the registry consulted by execute actions.
func (e *Engine) Executors() *Registry { return e.executors }

// RegisterVault lets accounts borrow from v. The engine must already be a
// whitelisted borrower of the vault.
func (e *Engine) RegisterVault(v *vault.Vault) error {
	if v == nil {
		return ErrVaultNotFound
	}
	borrowers, err := v.Borrowers()
	if err != nil {
		return err
	}
	found := false
	for _, b := range borrowers {
		if b == e.address {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("register vault %s: %w", v.Denom(), vault.ErrUnauthorizedBorrower)
	}
	e.mu.Lock()
	e.vaults[v.Denom()] = v
	e.mu.Unlock()
	return nil
}

// Vault returns the registered vault for denom.
func (e *Engine) Vault(denom string) (*vault.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vaults[bank.NormalizeDenom(denom)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, denom)
	}
	return v, nil
}

// Vaults lists the registered vault denoms.
func (e *Engine) Vaults() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedDenoms(e.vaults)
}

func sortedDenoms(vaults map[string]*vault.Vault) []string {
	denoms := make([]string, 0, len(vaults))
	for denom := range vaults {
		denoms = append(denoms, denom)
	}
	sort.Strings(denoms)
	return denoms
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.bank == nil {
		return errNilState
	}
	if e.prices == nil {
		return errNilOracle
	}
	return nil
}

// world is the engine's view of one state manager, with the ledger and vaults
// rebound to it and events routed to emit.
type world struct {
	state  *state.Manager
	bank   *bank.Ledger
	vaults map[string]*vault.Vault
	emit   events.Emitter
}

func (e *Engine) bind(st *state.Manager, emit events.Emitter) *world {
	w := &world{
		state:  st,
		bank:   e.bank.WithState(st),
		vaults: make(map[string]*vault.Vault, len(e.vaults)),
		emit:   emit,
	}
	for denom, v := range e.vaults {
		bound := v.WithState(st)
		bound.SetEmitter(emit)
		w.vaults[denom] = bound
	}
	return w
}

// atomically runs fn on a branch and only publishes its writes and events
// if fn succeeds.
func (e *Engine) atomically(fn func(w *world) error) error {
	branch := e.state.Branch()
	buf := &events.Buffer{}
	if err := fn(e.bind(branch, buf)); err != nil {
		branch.Discard()
		return err
	}
	if err := branch.Commit(); err != nil {
		return err
	}
	buf.Flush(vault.Metered(e.emitter))
	return nil
}

func (e *Engine) priceFunc(ctx context.Context) PriceFunc {
	return func(denom string) (decimal.Decimal, error) {
		return e.prices.GetPrice(ctx, denom)
	}
}

func loadConfig(st *state.Manager) (Config, error) {
	var rec configRecord
	ok, err := st.KVGet(configKey, &rec)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return DefaultConfig(), nil
	}
	return rec.decode()
}

// Config returns the current risk parameters.
func (e *Engine) Config() (Config, error) {
	if err := e.ready(); err != nil {
		return Config{}, err
	}
	return loadConfig(e.state)
}

// SetConfig validates and replaces the risk parameters. Running liquidations
// keep the parameters they started with.
func (e *Engine) SetConfig(cfg Config) (err error) {
	defer func() { observability.Credit().RecordCommand("set_config", err) }()
	if err := e.ready(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	normalized := make(map[string]decimal.Decimal, len(cfg.CollateralRatios))
	for denom, ratio := range cfg.CollateralRatios {
		normalized[bank.NormalizeDenom(denom)] = ratio
	}
	cfg.CollateralRatios = normalized
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.atomically(func(w *world) error {
		if err := w.state.KVPut(configKey, encodeConfig(cfg)); err != nil {
			return err
		}
		w.emit.Emit(events.CreditConfigUpdated{Field: "config", Value: fmt.Sprintf("adjust=%s liquidate=%s slip=%s", cfg.AdjustmentThreshold, cfg.LiquidationThreshold, cfg.MaxSlip)})
		return nil
	})
}

// SetCollateralRatio accepts denom as collateral at ratio. A zero ratio keeps
// the denom accepted but gives it no borrowing power.
func (e *Engine) SetCollateralRatio(denom string, ratio decimal.Decimal) (err error) {
	defer func() { observability.Credit().RecordCommand("set_collateral_ratio", err) }()
	if err := e.ready(); err != nil {
		return err
	}
	denom = bank.NormalizeDenom(denom)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.atomically(func(w *world) error {
		cfg, err := loadConfig(w.state)
		if err != nil {
			return err
		}
		cfg.CollateralRatios[denom] = ratio
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := w.state.KVPut(configKey, encodeConfig(cfg)); err != nil {
			return err
		}
		w.emit.Emit(events.CreditConfigUpdated{Field: "collateral_ratio/" + denom, Value: ratio.String()})
		return nil
	})
}

func loadAccount(st *state.Manager, addr common.Address) (AccountRecord, error) {
	var rec AccountRecord
	ok, err := st.KVGet(accountKey(addr), &rec)
	if err != nil {
		return AccountRecord{}, err
	}
	if !ok {
		return AccountRecord{}, fmt.Errorf("%w: %s", ErrAccountNotFound, addr.Hex())
	}
	return rec, nil
}

func saveAccount(st *state.Manager, rec AccountRecord) error {
	return st.KVPut(accountKey(rec.Address), rec)
}

// OpenAccount creates the account owner holds under tag.
func (e *Engine) OpenAccount(owner common.Address, tag string) (rec AccountRecord, err error) {
	defer func() { observability.Credit().RecordCommand("open_account", err) }()
	if err := e.ready(); err != nil {
		return AccountRecord{}, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return AccountRecord{}, err
	}
	tag = strings.TrimSpace(tag)
	if owner == (common.Address{}) {
		return AccountRecord{}, fmt.Errorf("%w: owner required", ErrInvalidMessage)
	}
	if len(tag) > maxTagLength {
		return AccountRecord{}, fmt.Errorf("%w: tag longer than %d bytes", ErrInvalidMessage, maxTagLength)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec = AccountRecord{Address: AccountAddress(owner, tag), Owner: owner, Tag: tag}
	err = e.atomically(func(w *world) error {
		exists, err := w.state.KVGet(accountKey(rec.Address), nil)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrAccountExists, rec.Address.Hex())
		}
		if err := saveAccount(w.state, rec); err != nil {
			return err
		}
		if err := w.state.KVAppend(ownerIndexKey(owner), rec.Address.Bytes()); err != nil {
			return err
		}
		w.emit.Emit(events.CreditAccountOpened{Account: rec.Address, Owner: owner, Tag: tag})
		return nil
	})
	if err != nil {
		return AccountRecord{}, err
	}
	return rec, nil
}

// Accounts lists the accounts opened by owner.
func (e *Engine) Accounts(owner common.Address) ([]AccountRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	index, err := e.state.KVGetList(ownerIndexKey(owner))
	if err != nil {
		return nil, err
	}
	out := make([]AccountRecord, 0, len(index))
	for _, raw := range index {
		rec, err := loadAccount(e.state, common.BytesToAddress(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Account returns the account valued at current prices.
func (e *Engine) Account(ctx context.Context, addr common.Address) (CreditAccount, error) {
	if err := e.ready(); err != nil {
		return CreditAccount{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := loadConfig(e.state)
	if err != nil {
		return CreditAccount{}, err
	}
	rec, err := loadAccount(e.state, addr)
	if err != nil {
		return CreditAccount{}, err
	}
	acct, _, err := e.value(ctx, e.bind(e.state, e.emitter), rec, cfg)
	return acct, err
}

// snapshot reads every collateral balance and every vault debt of addr.
func (e *Engine) snapshot(w *world, addr common.Address, cfg Config) (Snapshot, error) {
	var snap Snapshot
	for _, denom := range cfg.CollateralDenoms() {
		bal, err := w.bank.Balance(addr, denom)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Collaterals = append(snap.Collaterals, bank.Coin{Denom: denom, Amount: bal})
	}
	for _, denom := range sortedDenoms(w.vaults) {
		owed, err := w.vaults[denom].Owed(e.address, &addr)
		if err != nil {
			return Snapshot{}, fmt.Errorf("owed %s: %w", denom, err)
		}
		snap.Debts = append(snap.Debts, bank.Coin{Denom: denom, Amount: owed})
	}
	return snap, nil
}

func (e *Engine) value(ctx context.Context, w *world, rec AccountRecord, cfg Config) (CreditAccount, Snapshot, error) {
	snap, err := e.snapshot(w, rec.Address, cfg)
	if err != nil {
		return CreditAccount{}, Snapshot{}, err
	}
	collaterals := make([]Collateral, 0, len(snap.Collaterals))
	for _, c := range snap.Collaterals {
		collaterals = append(collaterals, Collateral{Denom: c.Denom, Amount: c.Amount})
	}
	debts := make([]Debt, 0, len(snap.Debts))
	for _, d := range snap.Debts {
		debts = append(debts, Debt{Denom: d.Denom, Amount: d.Amount})
	}
	acct, err := Value(rec, collaterals, debts, cfg.CollateralRatios, e.priceFunc(ctx))
	if err != nil {
		return CreditAccount{}, Snapshot{}, err
	}
	return acct, snap, nil
}

// Deposit moves collateral from sender into the account. Anyone may top up
// any account.
func (e *Engine) Deposit(sender, account common.Address, coins bank.Coins) (err error) {
	defer func() { observability.Credit().RecordCommand("deposit", err) }()
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if len(coins) == 0 {
		return fmt.Errorf("%w: no coins", ErrInvalidMessage)
	}
	if err := coins.Validate(); err != nil {
		return wrapInvalid(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := loadConfig(e.state)
	if err != nil {
		return err
	}
	for _, c := range coins {
		if _, ok := cfg.Ratio(c.Denom); !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedCollateral, c.Denom)
		}
	}
	return e.atomically(func(w *world) error {
		if _, err := loadAccount(w.state, account); err != nil {
			return err
		}
		if err := w.bank.TransferCoins(sender, account, coins); err != nil {
			return err
		}
		w.emit.Emit(events.CreditCollateralDeposited{Account: account, Sender: sender, Coins: coins.String()})
		return nil
	})
}

// Execute applies the owner's messages in order on one branch. The batch is
// kept only if every message succeeds and the account ends below the
// adjustment threshold.
func (e *Engine) Execute(ctx context.Context, owner, account common.Address, msgs []AccountMsg) (acct CreditAccount, err error) {
	defer func() { observability.Credit().RecordCommand("execute", err) }()
	if err := e.ready(); err != nil {
		return CreditAccount{}, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return CreditAccount{}, err
	}
	if len(msgs) == 0 {
		return CreditAccount{}, fmt.Errorf("%w: no messages", ErrInvalidMessage)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := loadConfig(e.state)
	if err != nil {
		return CreditAccount{}, err
	}
	for i, msg := range msgs {
		if err := validateMsg(msg, cfg); err != nil {
			return CreditAccount{}, fmt.Errorf("message %d: %w", i, err)
		}
	}
	err = e.atomically(func(w *world) error {
		rec, err := loadAccount(w.state, account)
		if err != nil {
			return err
		}
		if rec.Owner != owner {
			return ErrUnauthorized
		}
		for i, msg := range msgs {
			if err := e.apply(ctx, w, &rec, cfg, msg); err != nil {
				return fmt.Errorf("message %d (%s): %w", i, msgName(msg), err)
			}
		}
		if err := saveAccount(w.state, rec); err != nil {
			return err
		}
		acct, _, err = e.value(ctx, w, rec, cfg)
		if err != nil {
			return err
		}
		if acct.exceeds(cfg.AdjustmentThreshold) {
			return fmt.Errorf("%w: adjusted ltv %s, threshold %s", ErrUnsafe, acct.FormatLTV(), cfg.AdjustmentThreshold)
		}
		w.emit.Emit(events.CreditAccountExecuted{Account: account, Messages: len(msgs), AdjustedLTV: acct.FormatLTV()})
		return nil
	})
	if err != nil {
		return CreditAccount{}, err
	}
	return acct, nil
}

func (e *Engine) apply(ctx context.Context, w *world, rec *AccountRecord, cfg Config, msg AccountMsg) error {
	switch m := msg.(type) {
	case BorrowMsg:
		v, ok := w.vaults[bank.NormalizeDenom(m.Coin.Denom)]
		if !ok {
			return fmt.Errorf("%w: %s", ErrVaultNotFound, m.Coin.Denom)
		}
		return v.Borrow(ctx, e.address, m.Coin.Amount, &rec.Address)
	case RepayMsg:
		v, ok := w.vaults[bank.NormalizeDenom(m.Coin.Denom)]
		if !ok {
			return fmt.Errorf("%w: %s", ErrVaultNotFound, m.Coin.Denom)
		}
		_, _, err := v.Repay(rec.Address, e.address, m.Coin.Amount, &rec.Address)
		return err
	case SendMsg:
		return w.bank.TransferCoins(rec.Address, m.To, m.Coins)
	case ExecuteMsg:
		return e.execute(ctx, w, rec.Address, ExecuteAction(m.Target, m.Payload, m.Funds...))
	case SetPreferenceMessagesMsg:
		rec.Preferences.Messages = append([]Action(nil), m.Messages...)
		return nil
	case SetPreferenceOrderMsg:
		order, err := normalizeOrder(m.Order, cfg.MaxPreferenceOrder)
		if err != nil {
			return err
		}
		rec.Preferences.Order = order
		return nil
	case TransferMsg:
		if m.To == rec.Owner {
			return nil
		}
		if err := w.state.KVRemove(ownerIndexKey(rec.Owner), rec.Address.Bytes()); err != nil {
			return err
		}
		if err := w.state.KVAppend(ownerIndexKey(m.To), rec.Address.Bytes()); err != nil {
			return err
		}
		w.emit.Emit(events.CreditAccountTransferred{Account: rec.Address, From: rec.Owner, To: m.To})
		rec.Owner = m.To
		return nil
	default:
		return fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, msg)
	}
}

// execute moves the action's funds to its target and hands over control.
func (e *Engine) execute(ctx context.Context, w *world, account common.Address, a Action) error {
	exec, target, err := e.executors.Lookup(a.Target)
	if err != nil {
		return err
	}
	if len(a.Funds) > 0 {
		if err := w.bank.TransferCoins(account, target, a.Funds); err != nil {
			return err
		}
	}
	req := ExecuteRequest{
		Account: account,
		Target:  target,
		Payload: append([]byte(nil), a.Payload...),
		Funds:   a.Funds,
		Bank:    w.bank,
	}
	if err := exec.Execute(ctx, req); err != nil {
		return fmt.Errorf("execute %s: %w", a.Target, err)
	}
	return nil
}

// liquidationRepay repays the account's debt from its own balance. Fees come
// off the top and are charged only on the part that can repay debt.
func (e *Engine) liquidationRepay(w *world, s *Session, a Action) error {
	denom := bank.NormalizeDenom(a.Denom)
	v, ok := w.vaults[denom]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, denom)
	}
	owed, err := v.Owed(e.address, &s.Account)
	if err != nil {
		return err
	}
	if owed.IsZero() {
		return vault.ErrNothingToRepay
	}
	gross, err := w.bank.Balance(s.Account, denom)
	if err != nil {
		return err
	}
	if a.Amount != nil && !a.Amount.IsZero() && a.Amount.Lt(gross) {
		gross = new(uint256.Int).Set(a.Amount)
	}
	if gross.IsZero() {
		return fmt.Errorf("repay %s: %w", denom, bank.ErrInsufficientFunds)
	}

	fees := s.Params.Fees()
	maxGross, err := decimalToAmount(amountDecimal(owed).Div(decimal.NewFromInt(1).Sub(fees)).Ceil())
	if err != nil {
		return err
	}
	if maxGross.Lt(gross) {
		gross = maxGross
	}
	protocolFee, err := decimalToAmount(amountDecimal(gross).Mul(s.Params.FeeProtocol).Floor())
	if err != nil {
		return err
	}
	liquidatorFee, err := decimalToAmount(amountDecimal(gross).Mul(s.Params.FeeLiquidator).Floor())
	if err != nil {
		return err
	}
	net := new(uint256.Int).Sub(gross, protocolFee)
	net.Sub(net, liquidatorFee)

	if !protocolFee.IsZero() {
		if err := w.bank.Transfer(s.Account, s.Params.FeeAddress, bank.Coin{Denom: denom, Amount: protocolFee}); err != nil {
			return err
		}
	}
	if !liquidatorFee.IsZero() {
		if err := w.bank.Transfer(s.Account, s.Liquidator, bank.Coin{Denom: denom, Amount: liquidatorFee}); err != nil {
			return err
		}
	}
	if net.IsZero() {
		return nil
	}
	_, _, err = v.Repay(s.Account, e.address, net, &s.Account)
	return err
}

func decimalToAmount(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, vault.ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, vault.ErrOverflow
	}
	return v, nil
}

// Liquidate starts a liquidation of a liquidatable account and drives it to
// a terminal status. The owner's preference messages run first, then the
// liquidator's steps. The returned error is the terminal failure, if any.
func (e *Engine) Liquidate(ctx context.Context, liquidator, account common.Address, steps []Action) (s *Session, err error) {
	defer func() { observability.Credit().RecordCommand("liquidate", err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := loadConfig(e.state)
	if err != nil {
		return nil, err
	}
	if len(steps) > cfg.MaxLiquidatorSteps {
		return nil, fmt.Errorf("%w: %d steps, limit %d", ErrTooManySteps, len(steps), cfg.MaxLiquidatorSteps)
	}
	for i, a := range steps {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	rec, err := loadAccount(e.state, account)
	if err != nil {
		return nil, err
	}
	acct, baseline, err := e.value(ctx, e.bind(e.state, e.emitter), rec, cfg)
	if err != nil {
		return nil, err
	}
	if acct.Classify(cfg) != StateLiquidatable {
		return nil, fmt.Errorf("%w: adjusted ltv %s", ErrNotLiquidatable, acct.FormatLTV())
	}

	queue := make([]Step, 0, len(rec.Preferences.Messages)+len(steps))
	for _, a := range rec.Preferences.Messages {
		queue = append(queue, Step{Kind: StepPreference, Action: a})
	}
	for _, a := range steps {
		queue = append(queue, Step{Kind: StepMandatory, Action: a})
	}
	s = &Session{
		ID:         uuid.NewString(),
		Account:    account,
		Liquidator: liquidator,
		Queue:      queue,
		Baseline:   baseline,
		Params:     cfg.Clone(),
		Order:      append([]OrderRule(nil), rec.Preferences.Order...),
		Status:     SessionRunning,
		CreatedAt:  uint64(e.now().Unix()),
	}
	err = e.atomically(func(w *world) error {
		if err := saveSession(w.state, s); err != nil {
			return err
		}
		if err := w.state.KVAppend(accountSessionsKey(account), []byte(s.ID)); err != nil {
			return err
		}
		w.emit.Emit(events.CreditLiquidationStarted{Session: s.ID, Account: account, Liquidator: liquidator, Steps: len(queue)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("credit liquidation started",
		slog.String("session", s.ID),
		slog.String("account", account.Hex()),
		slog.String("liquidator", liquidator.Hex()),
		slog.Int("steps", len(queue)))

	for !s.Done() {
		if err := e.continueOnce(ctx, s); err != nil {
			return s, err
		}
	}
	return s, s.err
}

// ContinueLiquidation runs one continuation of a running session. Only the
// engine itself may continue a liquidation; it is exported so a session
// interrupted by a crash or cancellation can be resumed.
func (e *Engine) ContinueLiquidation(ctx context.Context, caller common.Address, id string) (s *Session, err error) {
	defer func() { observability.Credit().RecordCommand("continue_liquidation", err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller != e.address {
		return nil, ErrUnauthorized
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err = loadSession(e.state, id)
	if err != nil {
		return nil, err
	}
	if s.Done() {
		return s, ErrSessionClosed
	}
	if err := e.continueOnce(ctx, s); err != nil {
		return s, err
	}
	return s, s.err
}

// Session returns a persisted liquidation session.
func (e *Engine) Session(id string) (*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return loadSession(e.state, id)
}

// Sessions lists the liquidation sessions started against account.
func (e *Engine) Sessions(account common.Address) ([]*Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ids, err := e.state.KVGetList(accountSessionsKey(account))
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := loadSession(e.state, string(id))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func saveSession(st *state.Manager, s *Session) error {
	return st.KVPut(sessionKey(s.ID), encodeSession(s))
}

func loadSession(st *state.Manager, id string) (*Session, error) {
	var rec sessionRecord
	ok, err := st.KVGet(sessionKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.decode()
}

// exitRejected reports errors meaning the account is not yet fit to leave
// liquidation, as opposed to failures reading or pricing it.
func exitRejected(err error) bool {
	return errors.Is(err, ErrLiquidationIncomplete) ||
		errors.Is(err, ErrSlippageExceeded) ||
		errors.Is(err, ErrLiquidationOrder) ||
		errors.Is(err, ErrZeroValueSpent)
}

// checkExit values the account with the session's parameters and validates
// the liquidation so far against the baseline.
func (e *Engine) checkExit(ctx context.Context, w *world, s *Session) (Outcome, error) {
	rec, err := loadAccount(w.state, s.Account)
	if err != nil {
		return Outcome{}, err
	}
	acct, current, err := e.value(ctx, w, rec, s.Params)
	if err != nil {
		return Outcome{}, err
	}
	if acct.Classify(s.Params) == StateLiquidatable {
		return Outcome{}, fmt.Errorf("%w: adjusted ltv %s", ErrLiquidationIncomplete, acct.FormatLTV())
	}
	return ValidateLiquidation(s.Baseline, current, s.Params, s.Order, e.priceFunc(ctx))
}

// continueOnce is one continuation: exit if the account is already fit,
// otherwise run the next step on a branch and re-check. It only returns
// errors that leave the session running; terminal failures are recorded on
// the session.
func (e *Engine) continueOnce(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Continuations++
	outcome, exitErr := e.checkExit(ctx, e.bind(e.state, e.emitter), s)
	if exitErr == nil || !exitRejected(exitErr) || len(s.Queue) == 0 {
		return e.finish(s, outcome, exitErr)
	}

	step := s.Queue[0]
	index := s.Executed
	s.Queue = s.Queue[1:]
	s.Executed++

	branch := e.state.Branch()
	buf := &events.Buffer{}
	w := e.bind(branch, buf)
	stepErr := e.runStep(ctx, w, s, step)

	if ctx.Err() != nil {
		// Interrupted by the caller rather than the step budget: put the
		// step back so the session can be resumed.
		branch.Discard()
		s.Queue = append([]Step{step}, s.Queue...)
		s.Executed--
		s.Continuations--
		if err := saveSession(e.state, s); err != nil {
			return err
		}
		return ctx.Err()
	}

	kind := step.Kind.String()
	if stepErr != nil {
		branch.Discard()
		if step.Kind == StepPreference {
			observability.Credit().RecordStep(kind, "skipped")
			e.logger.Warn("credit liquidation preference skipped",
				slog.String("session", s.ID),
				slog.Int("step", int(index)),
				slog.String("action", step.Action.String()),
				slog.Any("error", stepErr))
			e.emitter.Emit(events.CreditLiquidationStepSkipped{Session: s.ID, Index: int(index), Action: step.Action.String(), Reason: stepErr.Error()})
			if len(s.Queue) == 0 {
				return e.finish(s, outcome, exitErr)
			}
			return saveSession(e.state, s)
		}
		observability.Credit().RecordStep(kind, "failed")
		return e.finish(s, outcome, fmt.Errorf("%w: step %d %s: %w", ErrStepFailed, index, step.Action, stepErr))
	}

	outcome, exitErr = e.checkExit(ctx, w, s)
	switch {
	case exitErr != nil && !exitRejected(exitErr):
		branch.Discard()
		return e.finish(s, outcome, exitErr)
	case exitErr != nil && len(s.Queue) == 0:
		// The last step must not commit an outcome that fails validation.
		branch.Discard()
		observability.Credit().RecordStep(kind, "rejected")
		return e.finish(s, outcome, exitErr)
	}

	buf.Emit(events.CreditLiquidationStep{Session: s.ID, Index: int(index), Kind: kind, Action: step.Action.String()})
	if err := saveSession(branch, s); err != nil {
		branch.Discard()
		return err
	}
	if err := branch.Commit(); err != nil {
		return err
	}
	buf.Flush(vault.Metered(e.emitter))
	observability.Credit().RecordStep(kind, "executed")
	if exitErr == nil {
		return e.finish(s, outcome, nil)
	}
	return nil
}

// runStep evaluates one step under the session's per-step budget. Both
// action kinds go through here; the step kind only matters to the caller.
func (e *Engine) runStep(ctx context.Context, w *world, s *Session, step Step) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "credit.liquidation.step", trace.WithAttributes(
		attribute.String("session", s.ID),
		attribute.Int64("index", int64(s.Executed-1)),
		attribute.String("step.kind", step.Kind.String()),
		attribute.String("action", step.Action.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	stepCtx, cancel := context.WithTimeout(ctx, s.Params.StepTimeout)
	defer cancel()

	switch step.Action.Kind {
	case ActionExecute:
		err = e.execute(stepCtx, w, s.Account, step.Action)
	case ActionRepay:
		err = e.liquidationRepay(w, s, step.Action)
	default:
		err = fmt.Errorf("%w: unknown action kind %d", ErrInvalidMessage, step.Action.Kind)
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		if err == nil {
			return ErrStepTimeout
		}
		return fmt.Errorf("%w: %w", ErrStepTimeout, err)
	}
	return err
}

// finish records the terminal status of s. A nil cause means success.
func (e *Engine) finish(s *Session, outcome Outcome, cause error) error {
	s.SpentUSD = outcome.SpentUSD
	s.RepaidUSD = outcome.RepaidUSD
	if cause == nil {
		s.Status = SessionCompleted
		s.Error = ""
	} else {
		s.Status = SessionFailed
		s.Error = cause.Error()
		s.err = cause
	}
	if err := saveSession(e.state, s); err != nil {
		return err
	}
	if cause == nil {
		observability.Credit().RecordLiquidation("completed", s.Continuations)
		e.emitter.Emit(events.CreditLiquidationCompleted{
			Session:       s.ID,
			Account:       s.Account,
			SpentUSD:      s.SpentUSD.StringFixed(2),
			RepaidUSD:     s.RepaidUSD.StringFixed(2),
			Continuations: s.Continuations,
		})
		e.logger.Info("credit liquidation completed",
			slog.String("session", s.ID),
			slog.String("spent_usd", s.SpentUSD.StringFixed(2)),
			slog.String("repaid_usd", s.RepaidUSD.StringFixed(2)),
			slog.Int("continuations", int(s.Continuations)))
		return nil
	}
	observability.Credit().RecordLiquidation("failed", s.Continuations)
	e.emitter.Emit(events.CreditLiquidationFailed{Session: s.ID, Account: s.Account, Reason: s.Error})
	e.logger.Warn("credit liquidation failed",
		slog.String("session", s.ID),
		slog.String("account", s.Account.Hex()),
		slog.Any("error", cause))
	return nil
}
