package credit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"ghostcredit/native/bank"
)

// ActionKind tags the variant held by an Action.
type ActionKind uint8

const (
	// ActionExecute transfers funds to a registered target and calls it.
	ActionExecute ActionKind = iota + 1
	// ActionRepay repays the account's debt from its own balance.
	ActionRepay
)

func (k ActionKind) String() string {
	switch k {
	case ActionExecute:
		return "execute"
	case ActionRepay:
		return "repay"
	default:
		return "unknown"
	}
}

// Action is one liquidation action. Target, Payload and Funds belong to
// ActionExecute; Denom and Amount belong to ActionRepay, where a zero Amount
// repays as much as the account's balance allows.
type Action struct {
	Kind    ActionKind
	Target  string
	Payload []byte
	Funds   bank.Coins
	Denom   string
	Amount  *uint256.Int
}

// ExecuteAction builds an action that sends funds to target and calls it
// with payload.
func ExecuteAction(target string, payload []byte, funds ...bank.Coin) Action {
	return Action{Kind: ActionExecute, Target: target, Payload: append([]byte(nil), payload...), Funds: bank.Coins(funds)}
}

// RepayAction builds an action repaying debt in denom. A nil amount repays
// the whole balance.
func RepayAction(denom string, amount *uint256.Int) Action {
	a := Action{Kind: ActionRepay, Denom: bank.NormalizeDenom(denom)}
	if amount != nil {
		a.Amount = new(uint256.Int).Set(amount)
	}
	return a
}

// Validate checks the fields of the action's variant.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionExecute:
		if strings.TrimSpace(a.Target) == "" {
			return fmt.Errorf("%w: execute target required", ErrInvalidMessage)
		}
		if err := a.Funds.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	case ActionRepay:
		if bank.NormalizeDenom(a.Denom) == "" {
			return fmt.Errorf("%w: repay denom required", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown action kind %d", ErrInvalidMessage, a.Kind)
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case ActionExecute:
		return fmt.Sprintf("execute(%s,%s)", a.Target, a.Funds)
	case ActionRepay:
		amount := "all"
		if a.Amount != nil && !a.Amount.IsZero() {
			amount = a.Amount.Dec()
		}
		return fmt.Sprintf("repay(%s,%s)", a.Denom, amount)
	default:
		return "unknown"
	}
}

// StepKind decides how a failed step is treated.
type StepKind uint8

const (
	// StepPreference steps come from the owner and are skipped on failure.
	StepPreference StepKind = iota + 1
	// StepMandatory steps come from the liquidator and abort on failure.
	StepMandatory
)

func (k StepKind) String() string {
	switch k {
	case StepPreference:
		return "preference"
	case StepMandatory:
		return "mandatory"
	default:
		return "unknown"
	}
}

// Step is a queued liquidation action.
type Step struct {
	Kind   StepKind
	Action Action
}

// ExecuteRequest is handed to an Executor after the funds have moved from
// the account to the target address. Bank is bound to the step's branch.
type ExecuteRequest struct {
	Account common.Address
	Target  common.Address
	Payload []byte
	Funds   bank.Coins
	Bank    *bank.Ledger
}

// Executor performs the external side of an execute action, such as a swap.
// Implementations must honour ctx and pay any proceeds to req.Account. The
// engine lock is held while Execute runs, so an executor that ignores ctx
// stalls every account command until it returns.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecuteRequest) error

func (f ExecutorFunc) Execute(ctx context.Context, req ExecuteRequest) error { return f(ctx, req) }

// TargetAddress is the account that receives funds sent to target.
func TargetAddress(target string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("credit-target:" + strings.TrimSpace(target)))[12:])
}

// Registry maps execute targets to executors.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Executor)}
}

// Register binds name to exec, replacing any previous binding. Only
// in-process executors wired by the operator are registered; callers cannot
// add targets.
func (r *Registry) Register(name string, exec Executor) {
	name = strings.TrimSpace(name)
	if name == "" || exec == nil {
		return
	}
	r.mu.Lock()
	r.targets[name] = exec
	r.mu.Unlock()
}

// Lookup returns the executor bound to name and its address.
func (r *Registry) Lookup(name string) (Executor, common.Address, error) {
	if r == nil {
		return nil, common.Address{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	name = strings.TrimSpace(name)
	r.mu.RLock()
	exec, ok := r.targets[name]
	r.mu.RUnlock()
	if !ok {
		return nil, common.Address{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	return exec, TargetAddress(name), nil
}

// Targets lists the registered target names.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
