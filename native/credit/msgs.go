package credit

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"ghostcredit/native/bank"
)

// AccountMsg is one owner instruction applied by Engine.Execute.
type AccountMsg interface {
	accountMsg()
}

// BorrowMsg borrows Coin from the vault of its denom into the account.
type BorrowMsg struct{ Coin bank.Coin }

// RepayMsg repays up to Coin of the account's debt from its own balance.
type RepayMsg struct{ Coin bank.Coin }

// SendMsg transfers Coins out of the account.
type SendMsg struct {
	To    common.Address
	Coins bank.Coins
}

// ExecuteMsg sends Funds to a registered target and calls it.
type ExecuteMsg struct {
	Target  string
	Payload []byte
	Funds   bank.Coins
}

// SetPreferenceMessagesMsg replaces the actions run first on liquidation.
type SetPreferenceMessagesMsg struct{ Messages []Action }

// SetPreferenceOrderMsg replaces the liquidation order rules.
type SetPreferenceOrderMsg struct{ Order []OrderRule }

// TransferMsg hands the account to a new owner. Later messages in the same
// batch still run, and the whole batch must leave the account safe.
type TransferMsg struct{ To common.Address }

func (BorrowMsg) accountMsg()                {}
func (RepayMsg) accountMsg()                 {}
func (SendMsg) accountMsg()                  {}
func (ExecuteMsg) accountMsg()               {}
func (SetPreferenceMessagesMsg) accountMsg() {}
func (SetPreferenceOrderMsg) accountMsg()    {}
func (TransferMsg) accountMsg()              {}

func msgName(msg AccountMsg) string {
	switch msg.(type) {
	case BorrowMsg:
		return "borrow"
	case RepayMsg:
		return "repay"
	case SendMsg:
		return "send"
	case ExecuteMsg:
		return "execute"
	case SetPreferenceMessagesMsg:
		return "set_preference_messages"
	case SetPreferenceOrderMsg:
		return "set_preference_order"
	case TransferMsg:
		return "transfer"
	default:
		return "unknown"
	}
}

// validateMsg rejects malformed messages before anything is written.
func validateMsg(msg AccountMsg, cfg Config) error {
	switch m := msg.(type) {
	case BorrowMsg:
		return wrapInvalid(m.Coin.Validate())
	case RepayMsg:
		return wrapInvalid(m.Coin.Validate())
	case SendMsg:
		if m.To == (common.Address{}) {
			return fmt.Errorf("%w: send recipient required", ErrInvalidMessage)
		}
		if len(m.Coins) == 0 {
			return fmt.Errorf("%w: send requires coins", ErrInvalidMessage)
		}
		return wrapInvalid(m.Coins.Validate())
	case ExecuteMsg:
		if strings.TrimSpace(m.Target) == "" {
			return fmt.Errorf("%w: execute target required", ErrInvalidMessage)
		}
		return wrapInvalid(m.Funds.Validate())
	case SetPreferenceMessagesMsg:
		return validateMessages(m.Messages, cfg.MaxPreferenceMessages)
	case SetPreferenceOrderMsg:
		_, err := normalizeOrder(m.Order, cfg.MaxPreferenceOrder)
		return err
	case TransferMsg:
		if m.To == (common.Address{}) {
			return fmt.Errorf("%w: new owner required", ErrInvalidMessage)
		}
		return nil
	case nil:
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unsupported message %T", ErrInvalidMessage, msg)
	}
}

func wrapInvalid(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
}
