package credit

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	configKey = []byte("credit/config")
)

func accountKey(addr common.Address) []byte {
	return append([]byte("credit/account/"), addr.Bytes()...)
}

func ownerIndexKey(owner common.Address) []byte {
	return append([]byte("credit/owner/"), owner.Bytes()...)
}

func sessionKey(id string) []byte {
	return append([]byte("credit/session/"), id...)
}

func accountSessionsKey(addr common.Address) []byte {
	return append([]byte("credit/sessions/"), addr.Bytes()...)
}

type ratioRecord struct {
	Denom string
	Ratio string
}

type configRecord struct {
	AdjustmentThreshold   string
	LiquidationThreshold  string
	MaxSlip               string
	FeeProtocol           string
	FeeLiquidator         string
	FeeAddress            common.Address
	Ratios                []ratioRecord
	MaxPreferenceMessages uint64
	MaxPreferenceOrder    uint64
	MaxLiquidatorSteps    uint64
	StepTimeoutMillis     uint64
}

func encodeConfig(c Config) configRecord {
	rec := configRecord{
		AdjustmentThreshold:   c.AdjustmentThreshold.String(),
		LiquidationThreshold:  c.LiquidationThreshold.String(),
		MaxSlip:               c.MaxSlip.String(),
		FeeProtocol:           c.FeeProtocol.String(),
		FeeLiquidator:         c.FeeLiquidator.String(),
		FeeAddress:            c.FeeAddress,
		MaxPreferenceMessages: uint64(c.MaxPreferenceMessages),
		MaxPreferenceOrder:    uint64(c.MaxPreferenceOrder),
		MaxLiquidatorSteps:    uint64(c.MaxLiquidatorSteps),
		StepTimeoutMillis:     uint64(c.StepTimeout / time.Millisecond),
	}
	for _, denom := range c.CollateralDenoms() {
		rec.Ratios = append(rec.Ratios, ratioRecord{Denom: denom, Ratio: c.CollateralRatios[denom].String()})
	}
	return rec
}

func (r configRecord) decode() (Config, error) {
	cfg := Config{
		FeeAddress:            r.FeeAddress,
		CollateralRatios:      make(map[string]decimal.Decimal, len(r.Ratios)),
		MaxPreferenceMessages: int(r.MaxPreferenceMessages),
		MaxPreferenceOrder:    int(r.MaxPreferenceOrder),
		MaxLiquidatorSteps:    int(r.MaxLiquidatorSteps),
		StepTimeout:           time.Duration(r.StepTimeoutMillis) * time.Millisecond,
	}
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.AdjustmentThreshold, &cfg.AdjustmentThreshold},
		{r.LiquidationThreshold, &cfg.LiquidationThreshold},
		{r.MaxSlip, &cfg.MaxSlip},
		{r.FeeProtocol, &cfg.FeeProtocol},
		{r.FeeLiquidator, &cfg.FeeLiquidator},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Config{}, fmt.Errorf("decode credit config: %w", err)
		}
		*f.dst = v
	}
	for _, ratio := range r.Ratios {
		v, err := decimal.NewFromString(ratio.Ratio)
		if err != nil {
			return Config{}, fmt.Errorf("decode collateral ratio %s: %w", ratio.Denom, err)
		}
		cfg.CollateralRatios[ratio.Denom] = v
	}
	return cfg, nil
}

type sessionRecord struct {
	ID            string
	Account       common.Address
	Liquidator    common.Address
	Queue         []Step
	Executed      uint32
	Baseline      Snapshot
	Params        configRecord
	Order         []OrderRule
	Continuations uint32
	Status        uint8
	Error         string
	SpentUSD      string
	RepaidUSD     string
	CreatedAt     uint64
}

func encodeSession(s *Session) sessionRecord {
	return sessionRecord{
		ID:            s.ID,
		Account:       s.Account,
		Liquidator:    s.Liquidator,
		Queue:         s.Queue,
		Executed:      s.Executed,
		Baseline:      s.Baseline,
		Params:        encodeConfig(s.Params),
		Order:         s.Order,
		Continuations: s.Continuations,
		Status:        uint8(s.Status),
		Error:         s.Error,
		SpentUSD:      s.SpentUSD.String(),
		RepaidUSD:     s.RepaidUSD.String(),
		CreatedAt:     s.CreatedAt,
	}
}

func (r sessionRecord) decode() (*Session, error) {
	params, err := r.Params.decode()
	if err != nil {
		return nil, err
	}
	spent, err := decimal.NewFromString(r.SpentUSD)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", r.ID, err)
	}
	repaid, err := decimal.NewFromString(r.RepaidUSD)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", r.ID, err)
	}
	return &Session{
		ID:            r.ID,
		Account:       r.Account,
		Liquidator:    r.Liquidator,
		Queue:         r.Queue,
		Executed:      r.Executed,
		Baseline:      r.Baseline,
		Params:        params,
		Order:         r.Order,
		Continuations: r.Continuations,
		Status:        SessionStatus(r.Status),
		Error:         r.Error,
		SpentUSD:      spent,
		RepaidUSD:     repaid,
		CreatedAt:     r.CreatedAt,
	}, nil
}
