package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	vaultPrefix = []byte("vault/")
	registryKey = []byte("vault/registry")
)

func prefixed(denom string, parts ...[]byte) []byte {
	buf := append(append([]byte(nil), vaultPrefix...), denom...)
	for _, part := range parts {
		buf = append(buf, '/')
		buf = append(buf, part...)
	}
	return buf
}

func stateKey(denom string) []byte  { return prefixed(denom, []byte("state")) }
func configKey(denom string) []byte { return prefixed(denom, []byte("config")) }
func borrowersKey(denom string) []byte {
	return prefixed(denom, []byte("borrowers"))
}

func borrowerKey(denom string, addr common.Address) []byte {
	return prefixed(denom, []byte("borrower"), addr.Bytes())
}

func delegateKey(denom string, borrower, delegate common.Address) []byte {
	return prefixed(denom, []byte("delegate"), borrower.Bytes(), delegate.Bytes())
}

type stateRecord struct {
	DepositSize     *uint256.Int
	DepositShares   *uint256.Int
	DebtSize        *uint256.Int
	DebtShares      *uint256.Int
	PendingInterest string
	PendingFees     string
	LastUpdated     uint64
}

func encodeState(s *State) stateRecord {
	s.ensure()
	return stateRecord{
		DepositSize:     s.DepositPool.Size,
		DepositShares:   s.DepositPool.Shares,
		DebtSize:        s.DebtPool.Size,
		DebtShares:      s.DebtPool.Shares,
		PendingInterest: s.PendingInterest.String(),
		PendingFees:     s.PendingFees.String(),
		LastUpdated:     s.LastUpdated,
	}
}

func (r stateRecord) decode() (*State, error) {
	pendingInterest, err := parseRat(r.PendingInterest)
	if err != nil {
		return nil, err
	}
	pendingFees, err := parseRat(r.PendingFees)
	if err != nil {
		return nil, err
	}
	return &State{
		DepositPool:     SharePool{Size: cloneInt(r.DepositSize), Shares: cloneInt(r.DepositShares)},
		DebtPool:        SharePool{Size: cloneInt(r.DebtSize), Shares: cloneInt(r.DebtShares)},
		PendingInterest: pendingInterest,
		PendingFees:     pendingFees,
		LastUpdated:     r.LastUpdated,
	}, nil
}

type configRecord struct {
	Target       string
	Base         string
	Step1        string
	Step2        string
	FeeRate      string
	FeeCollector common.Address
	DriftPolicy  string
}

func encodeConfig(c Config) configRecord {
	return configRecord{
		Target:       cloneRat(c.Interest.TargetUtilization).String(),
		Base:         cloneRat(c.Interest.BaseRate).String(),
		Step1:        cloneRat(c.Interest.Step1).String(),
		Step2:        cloneRat(c.Interest.Step2).String(),
		FeeRate:      cloneRat(c.FeeRate).String(),
		FeeCollector: c.FeeCollector,
		DriftPolicy:  string(c.DriftPolicy),
	}
}

func (r configRecord) decode() (Config, error) {
	values := make([]*big.Rat, 5)
	for i, raw := range []string{r.Target, r.Base, r.Step1, r.Step2, r.FeeRate} {
		v, err := parseRat(raw)
		if err != nil {
			return Config{}, err
		}
		values[i] = v
	}
	policy, err := ParseDriftPolicy(r.DriftPolicy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Interest: InterestCurve{
			TargetUtilization: values[0],
			BaseRate:          values[1],
			Step1:             values[2],
			Step2:             values[3],
		},
		FeeRate:      values[4],
		FeeCollector: r.FeeCollector,
		DriftPolicy:  policy,
	}, nil
}

type borrowerRecord struct {
	Address   common.Address
	Limit     string
	Shares    *uint256.Int
	Delegated *uint256.Int
}

func encodeBorrower(b *Borrower) borrowerRecord {
	b.ensure()
	return borrowerRecord{Address: b.Address, Limit: b.Limit.String(), Shares: b.Shares, Delegated: b.Delegated}
}

func (r borrowerRecord) decode() (*Borrower, error) {
	limit, err := decimal.NewFromString(r.Limit)
	if err != nil {
		return nil, fmt.Errorf("vault: decode borrower limit: %w", err)
	}
	return &Borrower{Address: r.Address, Limit: limit, Shares: cloneInt(r.Shares), Delegated: cloneInt(r.Delegated)}, nil
}

func parseRat(raw string) (*big.Rat, error) {
	if raw == "" {
		return new(big.Rat), nil
	}
	v, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("vault: decode rational %q", raw)
	}
	return v, nil
}
