package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"ghostcredit/core/events"
	"ghostcredit/core/state"
	"ghostcredit/native/bank"
	nativecommon "ghostcredit/native/common"
	"ghostcredit/native/oracle"
	"ghostcredit/observability"
)

const moduleName = "vault"

// ReceiptDenom is the denomination of the deposit receipts minted by the
// vault for denom.
func ReceiptDenom(denom string) string {
	return "x/" + bank.NormalizeDenom(denom)
}

// Address is the module account that holds a vault's liquidity.
func Address(denom string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("vault:" + bank.NormalizeDenom(denom)))[12:])
}

// Status is a point-in-time view of a vault with interest accrued to now.
type Status struct {
	Denom         string `json:"denom"`
	Deposits      string `json:"deposits"`
	DepositShares string `json:"depositShares"`
	Debt          string `json:"debt"`
	DebtShares    string `json:"debtShares"`
	Available     string `json:"available"`
	Utilization   string `json:"utilization"`
	BorrowRate    string `json:"borrowRate"`
	LastUpdated   uint64 `json:"lastUpdated"`
}

// BorrowerStatus is a point-in-time view of one borrower.
type BorrowerStatus struct {
	Address   common.Address `json:"address"`
	Limit     string         `json:"limit"`
	Shares    string         `json:"shares"`
	Delegated string         `json:"delegated"`
	Owed      string         `json:"owed"`
	Value     string         `json:"value"`
	OverCap   bool           `json:"overCap"`
}

// Vault lends one denomination to whitelisted borrowers. Every command accrues
// interest first, and nothing is written unless the command succeeds.
type Vault struct {
	denom   string
	address common.Address
	state   *state.Manager
	bank    *bank.Ledger
	prices  oracle.PriceOracle
	emitter events.Emitter
	logger  *slog.Logger
	pauses  nativecommon.PauseView
	now     func() time.Time

	// bound is set on copies made by WithState. Their events go to an
	// owner that decides when they are published.
	bound bool
}

// New binds a vault for denom to persistence, the bank ledger and a price
// source.
func New(denom string, st *state.Manager, ledger *bank.Ledger, prices oracle.PriceOracle) *Vault {
	denom = bank.NormalizeDenom(denom)
	return &Vault{
		denom:   denom,
		address: Address(denom),
		state:   st,
		bank:    ledger,
		prices:  prices,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithState returns a copy of the vault bound to another state manager,
// typically a branch owned by the caller.
func (v *Vault) WithState(st *state.Manager) *Vault {
	clone := *v
	clone.state = st
	clone.bound = true
	if v.bank != nil {
		clone.bank = v.bank.WithState(st)
	}
	return &clone
}

func (v *Vault) SetEmitter(emitter events.Emitter) {
	if v == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.emitter = emitter
}

func (v *Vault) SetLogger(logger *slog.Logger) {
	if v == nil || logger == nil {
		return
	}
	v.logger = logger
}

func (v *Vault) SetPauses(p nativecommon.PauseView) {
	if v == nil {
		return
	}
	v.pauses = p
}

// SetClock overrides the time source used for interest accrual.
func (v *Vault) SetClock(now func() time.Time) {
	if v == nil || now == nil {
		return
	}
	v.now = now
}

// Denom returns the underlying denomination.
func (v *Vault) Denom() string { return v.denom }

// ModuleAddress returns the account holding the vault's liquidity.
func (v *Vault) ModuleAddress() common.Address { return v.address }

func (v *Vault) timestamp() uint64 {
	ts := v.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (v *Vault) ready() error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if v.bank == nil {
		return errNilBank
	}
	return nil
}

// Init stores cfg and an empty state if the vault has not been initialised;
// otherwise it only replaces the config.
func (v *Vault) Init(cfg Config) error {
	if err := v.ready(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return v.atomically(func(w *Vault) error {
		if err := w.state.KVPut(configKey(w.denom), encodeConfig(cfg)); err != nil {
			return err
		}
		ok, err := w.state.KVGet(stateKey(w.denom), nil)
		if err != nil || ok {
			return err
		}
		if err := w.saveState(NewState(w.timestamp())); err != nil {
			return err
		}
		return w.state.KVAppend(registryKey, []byte(w.denom))
	})
}

// Registered lists the denominations of every initialised vault.
func Registered(st *state.Manager) ([]string, error) {
	list, err := st.KVGetList(registryKey)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(list))
	for i, raw := range list {
		out[i] = string(raw)
	}
	return out, nil
}

// Config returns the stored vault parameters.
func (v *Vault) Config() (Config, error) {
	if err := v.ready(); err != nil {
		return Config{}, err
	}
	var rec configRecord
	ok, err := v.state.KVGet(configKey(v.denom), &rec)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, fmt.Errorf("vault %s: not initialised", v.denom)
	}
	return rec.decode()
}

func (v *Vault) updateConfig(mutate func(*Config)) error {
	if err := v.ready(); err != nil {
		return err
	}
	next, err := v.Config()
	if err != nil {
		return err
	}
	mutate(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	return v.atomically(func(w *Vault) error {
		// Accrue under the old parameters before switching.
		st, _, err := w.load()
		if err != nil {
			return err
		}
		if err := w.saveState(st); err != nil {
			return err
		}
		return w.state.KVPut(configKey(w.denom), encodeConfig(next))
	})
}

// SetInterest replaces the interest curve.
func (v *Vault) SetInterest(curve InterestCurve) error {
	return v.updateConfig(func(c *Config) { c.Interest = curve.Clone() })
}

// SetFee replaces the protocol fee rate and collector.
func (v *Vault) SetFee(rate decimal.Decimal, collector common.Address) error {
	return v.updateConfig(func(c *Config) {
		c.FeeRate = rate.Rat()
		c.FeeCollector = collector
	})
}

// SetDriftPolicy chooses how over-cap positions are treated.
func (v *Vault) SetDriftPolicy(policy DriftPolicy) error {
	return v.updateConfig(func(c *Config) { c.DriftPolicy = policy })
}

// SetBorrower whitelists addr with a USD limit, or updates the limit of an
// existing borrower.
func (v *Vault) SetBorrower(addr common.Address, limit decimal.Decimal) error {
	if err := v.ready(); err != nil {
		return err
	}
	if limit.IsNegative() {
		return fmt.Errorf("%w: negative borrow limit", ErrInvalidConfig)
	}
	err := v.atomically(func(w *Vault) error {
		b, err := w.loadBorrower(addr)
		if err != nil && !errors.Is(err, ErrUnauthorizedBorrower) {
			return err
		}
		if b == nil {
			b = NewBorrower(addr, limit)
		}
		b.Limit = limit
		if err := w.saveBorrower(b); err != nil {
			return err
		}
		return w.state.KVAppend(borrowersKey(w.denom), addr.Bytes())
	})
	if err != nil {
		return err
	}
	v.emitter.Emit(events.VaultBorrowerUpdated{Denom: v.denom, Borrower: addr, Limit: limit.String()})
	return nil
}

// Borrowers lists the whitelisted borrower addresses.
func (v *Vault) Borrowers() ([]common.Address, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	list, err := v.state.KVGetList(borrowersKey(v.denom))
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, len(list))
	for i, raw := range list {
		out[i] = common.BytesToAddress(raw)
	}
	return out, nil
}

func (v *Vault) loadState() (*State, error) {
	var rec stateRecord
	ok, err := v.state.KVGet(stateKey(v.denom), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("vault %s: not initialised", v.denom)
	}
	return rec.decode()
}

func (v *Vault) saveState(s *State) error {
	if err := s.CheckParity(); err != nil {
		return err
	}
	return v.state.KVPut(stateKey(v.denom), encodeState(s))
}

// load reads the state and config and distributes interest up to now. The
// minted fee shares are credited to the fee collector on the same state, so
// callers must persist or drop both together.
func (v *Vault) load() (*State, Config, error) {
	cfg, err := v.Config()
	if err != nil {
		return nil, Config{}, err
	}
	st, err := v.loadState()
	if err != nil {
		return nil, Config{}, err
	}
	dist, err := st.DistributeInterest(cfg.Interest, cfg.FeeRate, v.timestamp())
	if err != nil {
		return nil, Config{}, err
	}
	if !dist.FeeShares.IsZero() {
		if err := v.bank.Mint(cfg.FeeCollector, bank.Coin{Denom: ReceiptDenom(v.denom), Amount: dist.FeeShares}); err != nil {
			return nil, Config{}, err
		}
	}
	if !dist.Interest.IsZero() || !dist.Fee.IsZero() {
		v.emitter.Emit(events.VaultInterest{
			Denom:     v.denom,
			Interest:  dist.Interest,
			Fee:       dist.Fee,
			FeeShares: dist.FeeShares,
			Timestamp: st.LastUpdated,
		})
	}
	return st, cfg, nil
}

// preview returns the state with interest accrued to now without touching
// persistence.
func (v *Vault) preview() (*State, Config, error) {
	cfg, err := v.Config()
	if err != nil {
		return nil, Config{}, err
	}
	st, err := v.loadState()
	if err != nil {
		return nil, Config{}, err
	}
	if _, err := st.DistributeInterest(cfg.Interest, cfg.FeeRate, v.timestamp()); err != nil {
		return nil, Config{}, err
	}
	return st, cfg, nil
}

func (v *Vault) loadBorrower(addr common.Address) (*Borrower, error) {
	var rec borrowerRecord
	ok, err := v.state.KVGet(borrowerKey(v.denom, addr), &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorizedBorrower
	}
	return rec.decode()
}

func (v *Vault) saveBorrower(b *Borrower) error {
	return v.state.KVPut(borrowerKey(v.denom, b.Address), encodeBorrower(b))
}

func (v *Vault) loadDelegate(borrower, delegate common.Address) (*Delegate, error) {
	d := &Delegate{Borrower: borrower, Delegate: delegate, Shares: new(uint256.Int)}
	if _, err := v.state.KVGet(delegateKey(v.denom, borrower, delegate), &d.Shares); err != nil {
		return nil, err
	}
	return d, nil
}

func (v *Vault) saveDelegate(d *Delegate) error {
	key := delegateKey(v.denom, d.Borrower, d.Delegate)
	if d.Shares == nil || d.Shares.IsZero() {
		return v.state.KVDelete(key)
	}
	return v.state.KVPut(key, d.Shares)
}

func (v *Vault) price(ctx context.Context) (decimal.Decimal, error) {
	if v.prices == nil {
		return decimal.Zero, errNilOracle
	}
	return v.prices.GetPrice(ctx, v.denom)
}

// atomically runs fn against a branch of the vault's state and commits it
// only if fn succeeds. Events raised by fn are held back until the commit
// and dropped with the branch otherwise.
func (v *Vault) atomically(fn func(w *Vault) error) error {
	branch := v.state.Branch()
	buf := &events.Buffer{}
	w := v.WithState(branch)
	w.emitter = buf
	if err := fn(w); err != nil {
		branch.Discard()
		return err
	}
	if err := branch.Commit(); err != nil {
		return err
	}
	if v.bound {
		buf.Flush(v.emitter)
	} else {
		buf.Flush(Metered(v.emitter))
	}
	return nil
}

// Metered wraps next so that interest distributions reaching it are
// recorded in the vault metrics. Owners of bound vaults flush their
// committed events through it.
func Metered(next events.Emitter) events.Emitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return meteredEmitter{next: next}
}

type meteredEmitter struct {
	next events.Emitter
}

func (m meteredEmitter) Emit(evt events.Event) {
	if interest, ok := evt.(events.VaultInterest); ok {
		observability.Vault().RecordInterest(interest.Denom,
			toDecimal(interest.Interest).InexactFloat64(),
			toDecimal(interest.Fee).InexactFloat64())
	}
	m.next.Emit(evt)
}

// Deposit pulls amount of the underlying from depositor and mints receipt
// shares to them.
func (v *Vault) Deposit(depositor common.Address, amount *uint256.Int) (shares *uint256.Int, err error) {
	defer func() { observability.Vault().RecordOperation(v.denom, "deposit", err) }()
	if err := v.ready(); err != nil {
		return nil, err
	}
	err = v.atomically(func(w *Vault) error {
		var inner error
		shares, inner = w.deposit(depositor, amount)
		return inner
	})
	return shares, err
}

// Withdraw burns receipt shares and pays the underlying back to depositor.
func (v *Vault) Withdraw(depositor common.Address, shares *uint256.Int) (amount *uint256.Int, err error) {
	defer func() { observability.Vault().RecordOperation(v.denom, "withdraw", err) }()
	if err := v.ready(); err != nil {
		return nil, err
	}
	err = v.atomically(func(w *Vault) error {
		var inner error
		amount, inner = w.withdraw(depositor, shares)
		return inner
	})
	return amount, err
}

// Borrow lends amount to a whitelisted borrower. With a delegate the debt is
// earmarked for, and the funds are paid to, the delegate.
func (v *Vault) Borrow(ctx context.Context, borrower common.Address, amount *uint256.Int, delegate *common.Address) (err error) {
	defer func() { observability.Vault().RecordOperation(v.denom, "borrow", err) }()
	if err := v.ready(); err != nil {
		return err
	}
	return v.atomically(func(w *Vault) error {
		return w.borrow(ctx, borrower, amount, delegate)
	})
}

// Repay pulls amount from payer and burns debt shares worth at most amount
// from the borrower's position, or the delegate's part of it. Whatever is not
// applied is refunded to payer in the same call.
func (v *Vault) Repay(payer, borrower common.Address, amount *uint256.Int, delegate *common.Address) (applied, refund *uint256.Int, err error) {
	defer func() { observability.Vault().RecordOperation(v.denom, "repay", err) }()
	if err := v.ready(); err != nil {
		return nil, nil, err
	}
	err = v.atomically(func(w *Vault) error {
		var inner error
		applied, refund, inner = w.repay(payer, borrower, amount, delegate)
		return inner
	})
	return applied, refund, err
}

func (v *Vault) deposit(depositor common.Address, amount *uint256.Int) (shares *uint256.Int, err error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return nil, err
	}
	st, _, err := v.load()
	if err != nil {
		return nil, err
	}
	if shares, err = st.Deposit(amount); err != nil {
		return nil, err
	}
	if err := v.bank.Transfer(depositor, v.address, bank.Coin{Denom: v.denom, Amount: amount}); err != nil {
		return nil, err
	}
	if err := v.bank.Mint(depositor, bank.Coin{Denom: ReceiptDenom(v.denom), Amount: shares}); err != nil {
		return nil, err
	}
	if err := v.saveState(st); err != nil {
		return nil, err
	}
	v.emitter.Emit(events.VaultDeposited{Denom: v.denom, Depositor: depositor, Amount: amount, Shares: shares})
	return shares, nil
}

func (v *Vault) withdraw(depositor common.Address, shares *uint256.Int) (amount *uint256.Int, err error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return nil, err
	}
	st, _, err := v.load()
	if err != nil {
		return nil, err
	}
	if amount, err = st.Withdraw(shares); err != nil {
		return nil, err
	}
	if err := v.bank.Burn(depositor, bank.Coin{Denom: ReceiptDenom(v.denom), Amount: shares}); err != nil {
		return nil, err
	}
	if !amount.IsZero() {
		if err := v.bank.Transfer(v.address, depositor, bank.Coin{Denom: v.denom, Amount: amount}); err != nil {
			return nil, err
		}
	}
	if err := v.saveState(st); err != nil {
		return nil, err
	}
	v.emitter.Emit(events.VaultWithdrawn{Denom: v.denom, Depositor: depositor, Amount: amount, Shares: shares})
	return amount, nil
}

func (v *Vault) borrow(ctx context.Context, borrower common.Address, amount *uint256.Int, delegate *common.Address) (err error) {
	if err := v.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	b, err := v.loadBorrower(borrower)
	if err != nil {
		return err
	}
	st, cfg, err := v.load()
	if err != nil {
		return err
	}
	price, err := v.price(ctx)
	if err != nil {
		return fmt.Errorf("vault %s: price: %w", v.denom, err)
	}
	if cfg.DriftPolicy == DriftFreeze {
		over, err := b.OverCap(st.DebtPool, price)
		if err != nil {
			return err
		}
		if over {
			return ErrBorrowerFrozen
		}
	}

	recipient := borrower
	var d *Delegate
	if delegate != nil {
		if d, err = v.loadDelegate(borrower, *delegate); err != nil {
			return err
		}
		recipient = *delegate
	}
	shares, err := st.Borrow(b, d, price, amount)
	if err != nil {
		return err
	}
	if err := v.bank.Transfer(v.address, recipient, bank.Coin{Denom: v.denom, Amount: amount}); err != nil {
		return err
	}
	if d != nil {
		if err := v.saveDelegate(d); err != nil {
			return err
		}
	}
	if err := v.saveBorrower(b); err != nil {
		return err
	}
	if err := v.saveState(st); err != nil {
		return err
	}
	evt := events.VaultBorrowed{Denom: v.denom, Borrower: borrower, Amount: amount, Shares: shares}
	if delegate != nil {
		evt.Delegate = *delegate
	}
	v.emitter.Emit(evt)
	v.logger.Debug("vault borrow", "denom", v.denom, "borrower", borrower.Hex(), "amount", amount.Dec())
	return nil
}

func (v *Vault) repay(payer, borrower common.Address, amount *uint256.Int, delegate *common.Address) (applied, refund *uint256.Int, err error) {
	if err := v.ready(); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, nil, ErrInvalidAmount
	}
	b, err := v.loadBorrower(borrower)
	if err != nil {
		return nil, nil, err
	}
	st, _, err := v.load()
	if err != nil {
		return nil, nil, err
	}
	var d *Delegate
	if delegate != nil {
		if d, err = v.loadDelegate(borrower, *delegate); err != nil {
			return nil, nil, err
		}
	}
	res, err := st.Repay(b, d, amount)
	if err != nil {
		return nil, nil, err
	}
	coin := bank.Coin{Denom: v.denom, Amount: amount}
	if err := v.bank.Transfer(payer, v.address, coin); err != nil {
		return nil, nil, err
	}
	if !res.Refund.IsZero() {
		if err := v.bank.Transfer(v.address, payer, bank.Coin{Denom: v.denom, Amount: res.Refund}); err != nil {
			return nil, nil, err
		}
	}
	if d != nil {
		if err := v.saveDelegate(d); err != nil {
			return nil, nil, err
		}
	}
	if err := v.saveBorrower(b); err != nil {
		return nil, nil, err
	}
	if err := v.saveState(st); err != nil {
		return nil, nil, err
	}
	evt := events.VaultRepaid{
		Denom:    v.denom,
		Payer:    payer,
		Borrower: borrower,
		Amount:   res.Amount,
		Shares:   res.Shares,
		Refund:   res.Refund,
	}
	if delegate != nil {
		evt.Delegate = *delegate
	}
	v.emitter.Emit(evt)
	return res.Amount, res.Refund, nil
}

// Owed returns the amount the borrower (or one of its delegates) owes with
// interest accrued to now.
func (v *Vault) Owed(borrower common.Address, delegate *common.Address) (*uint256.Int, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	st, _, err := v.preview()
	if err != nil {
		return nil, err
	}
	if delegate != nil {
		d, err := v.loadDelegate(borrower, *delegate)
		if err != nil {
			return nil, err
		}
		return st.DebtPool.Ownership(d.Shares)
	}
	b, err := v.loadBorrower(borrower)
	if err != nil {
		return nil, err
	}
	return st.DebtPool.Ownership(b.Shares)
}

// BorrowerStatus reports a borrower's position and whether it has drifted
// over its cap.
func (v *Vault) BorrowerStatus(ctx context.Context, addr common.Address) (BorrowerStatus, error) {
	if err := v.ready(); err != nil {
		return BorrowerStatus{}, err
	}
	b, err := v.loadBorrower(addr)
	if err != nil {
		return BorrowerStatus{}, err
	}
	st, _, err := v.preview()
	if err != nil {
		return BorrowerStatus{}, err
	}
	owed, err := st.DebtPool.Ownership(b.Shares)
	if err != nil {
		return BorrowerStatus{}, err
	}
	price, err := v.price(ctx)
	if err != nil {
		return BorrowerStatus{}, fmt.Errorf("vault %s: price: %w", v.denom, err)
	}
	value := toDecimal(owed).Mul(price)
	return BorrowerStatus{
		Address:   addr,
		Limit:     b.Limit.String(),
		Shares:    b.Shares.Dec(),
		Delegated: b.Delegated.Dec(),
		Owed:      owed.Dec(),
		Value:     value.String(),
		OverCap:   value.GreaterThan(b.Limit),
	}, nil
}

// Status reports pool totals with interest accrued to now.
func (v *Vault) Status() (Status, error) {
	if err := v.ready(); err != nil {
		return Status{}, err
	}
	st, cfg, err := v.preview()
	if err != nil {
		return Status{}, err
	}
	available, err := st.Available()
	if err != nil {
		return Status{}, err
	}
	u, err := st.Utilization()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Denom:         v.denom,
		Deposits:      st.DepositPool.Size.Dec(),
		DepositShares: st.DepositPool.Shares.Dec(),
		Debt:          st.DebtPool.Size.Dec(),
		DebtShares:    st.DebtPool.Shares.Dec(),
		Available:     available.Dec(),
		Utilization:   strings.TrimRight(strings.TrimRight(u.FloatString(6), "0"), "."),
		BorrowRate:    cfg.Interest.Rate(u).FloatString(6),
		LastUpdated:   st.LastUpdated,
	}, nil
}
