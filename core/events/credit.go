package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeCreditAccountOpened is emitted when an owner opens a credit account.
	TypeCreditAccountOpened = "credit.account.opened"
	// TypeCreditAccountTransferred is emitted when an account changes owner.
	TypeCreditAccountTransferred = "credit.account.transferred"
	// TypeCreditCollateralDeposited is emitted on collateral top-ups.
	TypeCreditCollateralDeposited = "credit.account.deposited"
	// TypeCreditAccountExecuted is emitted after an owner batch commits.
	TypeCreditAccountExecuted = "credit.account.executed"
	// TypeCreditLiquidationStarted is emitted when a session is created.
	TypeCreditLiquidationStarted = "credit.liquidation.started"
	// TypeCreditLiquidationStep is emitted for every committed step.
	TypeCreditLiquidationStep = "credit.liquidation.step_executed"
	// TypeCreditLiquidationStepSkipped is emitted when a preference step fails.
	TypeCreditLiquidationStepSkipped = "credit.liquidation.step_skipped"
	// TypeCreditLiquidationCompleted is emitted on a successful exit.
	TypeCreditLiquidationCompleted = "credit.liquidation.completed"
	// TypeCreditLiquidationFailed is emitted on a terminal failure.
	TypeCreditLiquidationFailed = "credit.liquidation.failed"
	// TypeCreditConfigUpdated is emitted when admin parameters change.
	TypeCreditConfigUpdated = "credit.config.updated"
)

type CreditAccountOpened struct {
	Account common.Address
	Owner   common.Address
	Tag     string
}

func (CreditAccountOpened) EventType() string { return TypeCreditAccountOpened }

func (e CreditAccountOpened) Event() *Record {
	return &Record{
		Type: TypeCreditAccountOpened,
		Attributes: map[string]string{
			"account": formatAddress(e.Account),
			"owner":   formatAddress(e.Owner),
			"tag":     e.Tag,
		},
	}
}

type CreditAccountTransferred struct {
	Account common.Address
	From    common.Address
	To      common.Address
}

func (CreditAccountTransferred) EventType() string { return TypeCreditAccountTransferred }

func (e CreditAccountTransferred) Event() *Record {
	return &Record{
		Type: TypeCreditAccountTransferred,
		Attributes: map[string]string{
			"account": formatAddress(e.Account),
			"from":    formatAddress(e.From),
			"to":      formatAddress(e.To),
		},
	}
}

type CreditCollateralDeposited struct {
	Account common.Address
	Sender  common.Address
	Coins   string
}

func (CreditCollateralDeposited) EventType() string { return TypeCreditCollateralDeposited }

func (e CreditCollateralDeposited) Event() *Record {
	return &Record{
		Type: TypeCreditCollateralDeposited,
		Attributes: map[string]string{
			"account": formatAddress(e.Account),
			"sender":  formatAddress(e.Sender),
			"coins":   e.Coins,
		},
	}
}

type CreditAccountExecuted struct {
	Account     common.Address
	Messages    int
	AdjustedLTV string
}

func (CreditAccountExecuted) EventType() string { return TypeCreditAccountExecuted }

func (e CreditAccountExecuted) Event() *Record {
	return &Record{
		Type: TypeCreditAccountExecuted,
		Attributes: map[string]string{
			"account":     formatAddress(e.Account),
			"messages":    strconv.Itoa(e.Messages),
			"adjustedLtv": e.AdjustedLTV,
		},
	}
}

type CreditLiquidationStarted struct {
	Session    string
	Account    common.Address
	Liquidator common.Address
	Steps      int
}

func (CreditLiquidationStarted) EventType() string { return TypeCreditLiquidationStarted }

func (e CreditLiquidationStarted) Event() *Record {
	return &Record{
		Type: TypeCreditLiquidationStarted,
		Attributes: map[string]string{
			"session":    e.Session,
			"account":    formatAddress(e.Account),
			"liquidator": formatAddress(e.Liquidator),
			"steps":      strconv.Itoa(e.Steps),
		},
	}
}

type CreditLiquidationStep struct {
	Session string
	Index   int
	Kind    string
	Action  string
}

func (CreditLiquidationStep) EventType() string { return TypeCreditLiquidationStep }

func (e CreditLiquidationStep) Event() *Record {
	return &Record{
		Type: TypeCreditLiquidationStep,
		Attributes: map[string]string{
			"session": e.Session,
			"index":   strconv.Itoa(e.Index),
			"kind":    e.Kind,
			"action":  e.Action,
		},
	}
}

type CreditLiquidationStepSkipped struct {
	Session string
	Index   int
	Action  string
	Reason  string
}

func (CreditLiquidationStepSkipped) EventType() string { return TypeCreditLiquidationStepSkipped }

func (e CreditLiquidationStepSkipped) Event() *Record {
	return &Record{
		Type: TypeCreditLiquidationStepSkipped,
		Attributes: map[string]string{
			"session": e.Session,
			"index":   strconv.Itoa(e.Index),
			"action":  e.Action,
			"reason":  e.Reason,
		},
	}
}

type CreditLiquidationCompleted struct {
	Session       string
	Account       common.Address
	SpentUSD      string
	RepaidUSD     string
	Continuations uint32
}

func (CreditLiquidationCompleted) EventType() string { return TypeCreditLiquidationCompleted }

func (e CreditLiquidationCompleted) Event() *Record {
	return &Record{
		Type: TypeCreditLiquidationCompleted,
		Attributes: map[string]string{
			"session":       e.Session,
			"account":       formatAddress(e.Account),
			"spentUsd":      e.SpentUSD,
			"repaidUsd":     e.RepaidUSD,
			"continuations": strconv.FormatUint(uint64(e.Continuations), 10),
		},
	}
}

type CreditLiquidationFailed struct {
	Session string
	Account common.Address
	Reason  string
}

func (CreditLiquidationFailed) EventType() string { return TypeCreditLiquidationFailed }

func (e CreditLiquidationFailed) Event() *Record {
	return &Record{
		Type: TypeCreditLiquidationFailed,
		Attributes: map[string]string{
			"session": e.Session,
			"account": formatAddress(e.Account),
			"reason":  e.Reason,
		},
	}
}

type CreditConfigUpdated struct {
	Field string
	Value string
}

func (CreditConfigUpdated) EventType() string { return TypeCreditConfigUpdated }

func (e CreditConfigUpdated) Event() *Record {
	return &Record{
		Type:       TypeCreditConfigUpdated,
		Attributes: map[string]string{"field": e.Field, "value": e.Value},
	}
}
