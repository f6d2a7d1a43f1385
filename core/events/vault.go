package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// TypeVaultDeposited is emitted when liquidity enters a vault.
	TypeVaultDeposited = "vault.deposited"
	// TypeVaultWithdrawn is emitted when receipt shares are redeemed.
	TypeVaultWithdrawn = "vault.withdrawn"
	// TypeVaultBorrowed is emitted when a whitelisted borrower draws funds.
	TypeVaultBorrowed = "vault.borrowed"
	// TypeVaultRepaid is emitted when debt shares are burned.
	TypeVaultRepaid = "vault.repaid"
	// TypeVaultInterest is emitted when accrued interest is distributed.
	TypeVaultInterest = "vault.interest_distributed"
	// TypeVaultBorrowerUpdated is emitted when a borrower limit changes.
	TypeVaultBorrowerUpdated = "vault.borrower_updated"
)

type VaultDeposited struct {
	Denom     string
	Depositor common.Address
	Amount    *uint256.Int
	Shares    *uint256.Int
}

func (VaultDeposited) EventType() string { return TypeVaultDeposited }

func (e VaultDeposited) Event() *Record {
	return &Record{
		Type: TypeVaultDeposited,
		Attributes: map[string]string{
			"denom":     normalizeDenom(e.Denom),
			"depositor": formatAddress(e.Depositor),
			"amount":    formatAmount(e.Amount),
			"shares":    formatAmount(e.Shares),
		},
	}
}

type VaultWithdrawn struct {
	Denom     string
	Depositor common.Address
	Amount    *uint256.Int
	Shares    *uint256.Int
}

func (VaultWithdrawn) EventType() string { return TypeVaultWithdrawn }

func (e VaultWithdrawn) Event() *Record {
	return &Record{
		Type: TypeVaultWithdrawn,
		Attributes: map[string]string{
			"denom":     normalizeDenom(e.Denom),
			"depositor": formatAddress(e.Depositor),
			"amount":    formatAmount(e.Amount),
			"shares":    formatAmount(e.Shares),
		},
	}
}

type VaultBorrowed struct {
	Denom    string
	Borrower common.Address
	Delegate common.Address
	Amount   *uint256.Int
	Shares   *uint256.Int
}

func (VaultBorrowed) EventType() string { return TypeVaultBorrowed }

func (e VaultBorrowed) Event() *Record {
	attrs := map[string]string{
		"denom":    normalizeDenom(e.Denom),
		"borrower": formatAddress(e.Borrower),
		"amount":   formatAmount(e.Amount),
		"shares":   formatAmount(e.Shares),
	}
	if delegate := formatAddress(e.Delegate); delegate != "" {
		attrs["delegate"] = delegate
	}
	return &Record{Type: TypeVaultBorrowed, Attributes: attrs}
}

type VaultRepaid struct {
	Denom    string
	Payer    common.Address
	Borrower common.Address
	Delegate common.Address
	Amount   *uint256.Int
	Shares   *uint256.Int
	Refund   *uint256.Int
}

func (VaultRepaid) EventType() string { return TypeVaultRepaid }

func (e VaultRepaid) Event() *Record {
	attrs := map[string]string{
		"denom":    normalizeDenom(e.Denom),
		"payer":    formatAddress(e.Payer),
		"borrower": formatAddress(e.Borrower),
		"amount":   formatAmount(e.Amount),
		"shares":   formatAmount(e.Shares),
		"refund":   formatAmount(e.Refund),
	}
	if delegate := formatAddress(e.Delegate); delegate != "" {
		attrs["delegate"] = delegate
	}
	return &Record{Type: TypeVaultRepaid, Attributes: attrs}
}

type VaultInterest struct {
	Denom     string
	Interest  *uint256.Int
	Fee       *uint256.Int
	FeeShares *uint256.Int
	Timestamp uint64
}

func (VaultInterest) EventType() string { return TypeVaultInterest }

func (e VaultInterest) Event() *Record {
	return &Record{
		Type: TypeVaultInterest,
		Attributes: map[string]string{
			"denom":     normalizeDenom(e.Denom),
			"interest":  formatAmount(e.Interest),
			"fee":       formatAmount(e.Fee),
			"feeShares": formatAmount(e.FeeShares),
			"timestamp": uint256.NewInt(e.Timestamp).Dec(),
		},
	}
}

type VaultBorrowerUpdated struct {
	Denom    string
	Borrower common.Address
	Limit    string
}

func (VaultBorrowerUpdated) EventType() string { return TypeVaultBorrowerUpdated }

func (e VaultBorrowerUpdated) Event() *Record {
	return &Record{
		Type: TypeVaultBorrowerUpdated,
		Attributes: map[string]string{
			"denom":    normalizeDenom(e.Denom),
			"borrower": formatAddress(e.Borrower),
			"limit":    e.Limit,
		},
	}
}
