package config

// LoggingConfig selects the log level and an optional rotated log file.
type LoggingConfig struct {
	Level string `toml:"Level" yaml:"level"`
	File  string `toml:"File" yaml:"file"`
}

// StorageConfig picks the key-value backend holding ledger, vault and
// account state. Backend is one of memory, leveldb or bolt.
type StorageConfig struct {
	Backend string `toml:"Backend" yaml:"backend"`
	Path    string `toml:"Path" yaml:"path"`
}

// HistoryConfig enables the SQL event history. Driver is sqlite, postgres or
// empty to disable it.
type HistoryConfig struct {
	Driver string `toml:"Driver" yaml:"driver"`
	DSN    string `toml:"DSN" yaml:"dsn"`
}

// AuthConfig verifies the HMAC-signed JWTs that identify callers.
type AuthConfig struct {
	HMACSecret       string `toml:"HMACSecret" yaml:"hmac_secret"`
	SecretEnv        string `toml:"SecretEnv" yaml:"secret_env"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	AllowedSkewSecs  int64  `toml:"AllowedSkewSeconds" yaml:"allowed_skew_seconds"`
	DisableAdminAPIs bool   `toml:"DisableAdminAPIs" yaml:"disable_admin_apis"`
}

// RateLimitConfig throttles each caller. Zero disables throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int `toml:"Burst" yaml:"burst"`
}

// CreditConfig holds the credit engine's risk parameters as decimal strings.
type CreditConfig struct {
	AdjustmentThreshold   string            `toml:"AdjustmentThreshold" yaml:"adjustment_threshold"`
	LiquidationThreshold  string            `toml:"LiquidationThreshold" yaml:"liquidation_threshold"`
	MaxSlip               string            `toml:"MaxSlip" yaml:"max_slip"`
	FeeProtocol           string            `toml:"FeeProtocol" yaml:"fee_protocol"`
	FeeLiquidator         string            `toml:"FeeLiquidator" yaml:"fee_liquidator"`
	FeeAddress            string            `toml:"FeeAddress" yaml:"fee_address"`
	CollateralRatios      map[string]string `toml:"CollateralRatios" yaml:"collateral_ratios"`
	MaxPreferenceMessages int               `toml:"MaxPreferenceMessages" yaml:"max_preference_messages"`
	MaxPreferenceOrder    int               `toml:"MaxPreferenceOrder" yaml:"max_preference_order"`
	MaxLiquidatorSteps    int               `toml:"MaxLiquidatorSteps" yaml:"max_liquidator_steps"`
	StepTimeoutMillis     int64             `toml:"StepTimeoutMillis" yaml:"step_timeout_millis"`
}

// BorrowerConfig whitelists an address at a vault with a USD limit.
type BorrowerConfig struct {
	Address string `toml:"Address" yaml:"address"`
	Limit   string `toml:"Limit" yaml:"limit"`
}

// VaultConfig describes one lending vault. CreditLimit is the USD limit of
// the credit engine as a borrower; empty keeps the engine off the vault.
type VaultConfig struct {
	Denom             string           `toml:"Denom" yaml:"denom"`
	TargetUtilization string           `toml:"TargetUtilization" yaml:"target_utilization"`
	BaseRate          string           `toml:"BaseRate" yaml:"base_rate"`
	Step1             string           `toml:"Step1" yaml:"step1"`
	Step2             string           `toml:"Step2" yaml:"step2"`
	FeeRate           string           `toml:"FeeRate" yaml:"fee_rate"`
	FeeCollector      string           `toml:"FeeCollector" yaml:"fee_collector"`
	DriftPolicy       string           `toml:"DriftPolicy" yaml:"drift_policy"`
	CreditLimit       string           `toml:"CreditLimit" yaml:"credit_limit"`
	Borrowers         []BorrowerConfig `toml:"Borrowers" yaml:"borrowers"`
}

// SwapDeskConfig registers an oracle-priced swap desk as an execute target.
type SwapDeskConfig struct {
	Name   string `toml:"Name" yaml:"name"`
	Spread string `toml:"Spread" yaml:"spread"`
}

// TelemetryConfig points the OTLP/HTTP exporters at a collector. Export is
// disabled while Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}
