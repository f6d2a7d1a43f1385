package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ghostcredit/native/bank"
)

// Validate checks every section, including the domain parameters the daemon
// will hand to the engines.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen address required")
	}
	switch cfg.Storage.Backend {
	case "memory", "leveldb", "bolt":
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.History.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.History.DSN) == "" {
			return fmt.Errorf("history: postgres requires a dsn")
		}
	default:
		return fmt.Errorf("history: unknown driver %q", cfg.History.Driver)
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac secret required (set hmac_secret or %s)", cfg.Auth.SecretEnv)
	}
	if cfg.Auth.AllowedSkewSecs < 0 {
		return fmt.Errorf("auth: allowed skew must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be within [0,1]")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if _, err := cfg.Credit.Params(); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Vaults))
	for i, v := range cfg.Vaults {
		denom := bank.NormalizeDenom(v.Denom)
		if denom == "" {
			return fmt.Errorf("vaults[%d]: denom required", i)
		}
		if _, dup := seen[denom]; dup {
			return fmt.Errorf("vaults[%d]: duplicate denom %s", i, denom)
		}
		seen[denom] = struct{}{}
		if _, err := v.Params(); err != nil {
			return err
		}
		if _, err := v.BorrowerList(); err != nil {
			return err
		}
	}
	if _, err := cfg.PriceSeeds(); err != nil {
		return err
	}
	if name := strings.TrimSpace(cfg.SwapDesk.Name); name != "" {
		spread, err := parseDecimal("swap_desk.spread", cfg.SwapDesk.Spread, decimal.Zero)
		if err != nil {
			return err
		}
		if spread.IsNegative() || !spread.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("swap_desk.spread must be within [0,1)")
		}
	}
	return nil
}
